package capability

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/ShayCichocki/quill/internal/artifact"
	"github.com/ShayCichocki/quill/pkg/models"
)

// StreamTypeGeneration is the directive type for content generation runs.
const StreamTypeGeneration = "generation"

// ErrNoStructure is returned by the writer when there is nothing to generate from.
var ErrNoStructure = errors.New("no structure to generate from")

// writer generates one content item per structure line.
type writer struct {
	deps Deps
}

var _ Streamer = (*writer)(nil)

func (c *writer) Name() string { return Writer }

// Execute never generates inline. It answers with a stream directive.
func (c *writer) Execute(_ context.Context, req Request) (Result, error) {
	if req.Session == nil || !req.Session.Bool(models.KeyHasStructure) {
		return Result{
			Response:   "I need an approved structure before I can start writing.",
			Incomplete: true,
		}, nil
	}

	resourceID := ResourceID(req.SessionID, req.SubjectID)
	params := map[string]any{"session_id": req.SessionID}
	if uri := req.Session.String(KeyStructureURI); uri != "" {
		params[KeyStructureURI] = uri
	}
	if uri := req.Session.String(KeyDesignURI); uri != "" {
		params[KeyDesignURI] = uri
	}

	return Result{
		Response: "Starting content generation.",
		Stream: &StreamDirective{
			Type:       StreamTypeGeneration,
			ResourceID: resourceID,
			Params:     params,
		},
	}, nil
}

// ContentKey is the artifact key of item n (1-based) of a resource.
func ContentKey(resourceID string, n int) string {
	return fmt.Sprintf("content/%s/%03d", resourceID, n)
}

// ContentPrefix is the key prefix shared by all items of a resource.
func ContentPrefix(resourceID string) string {
	return "content/" + resourceID + "/"
}

// Stream generates the items. Events: progress(0/n), then per item
// item_created, content deltas, progress(i/n).
func (c *writer) Stream(ctx context.Context, req StreamRequest, emit Emit) error {
	structureKey, _ := req.Params[KeyStructureURI].(string)
	if structureKey == "" {
		sessionID, _ := req.Params["session_id"].(string)
		if sessionID == "" {
			sessionID = req.SessionID
		}
		structureKey = "structure/" + sessionID
	}

	structure, err := c.deps.Artifacts.Read(ctx, structureKey)
	if errors.Is(err, artifact.ErrNotFound) {
		return ErrNoStructure
	}
	if err != nil {
		return fmt.Errorf("read structure: %w", err)
	}

	items := StructureItems(structure)
	if len(items) == 0 {
		return ErrNoStructure
	}

	if err := c.pruneStale(ctx, req.ResourceID, len(items)); err != nil {
		return err
	}

	var design string
	if uri, _ := req.Params[KeyDesignURI].(string); uri != "" {
		design, _ = c.deps.Artifacts.Read(ctx, uri)
	}

	system := "You write one section of a short illustrated publication. Reply with the section text only."
	if design != "" {
		system += "\n\nDesign brief:\n" + design
	}

	total := len(items)
	emit(event(models.StreamProgress, map[string]any{"done": 0, "total": total}))

	for i, title := range items {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := i + 1
		emit(event(models.StreamItemCreated, map[string]any{"index": n, "title": title}))

		prompt := fmt.Sprintf("Outline:\n%s\n\nWrite section %d: %s", structure, n, title)
		text, err := c.deps.LLM.Stream(ctx, system, prompt, func(delta string) {
			emit(event(models.StreamContent, map[string]any{"index": n, "delta": delta}))
		})
		if err != nil {
			return fmt.Errorf("generate item %d: %w", n, err)
		}

		uri, err := c.deps.Artifacts.Write(ctx, ContentKey(req.ResourceID, n), text)
		if err != nil {
			return fmt.Errorf("store item %d: %w", n, err)
		}
		emit(event(models.StreamProgress, map[string]any{"done": n, "total": total, "uri": uri}))
	}

	c.deps.logger().Info("generation finished", "resource", req.ResourceID, "items", total)
	return nil
}

// pruneStale removes items a longer, earlier run left past the new total.
func (c *writer) pruneStale(ctx context.Context, resourceID string, total int) error {
	keys, err := c.deps.Artifacts.List(ctx, ContentPrefix(resourceID))
	if err != nil {
		return fmt.Errorf("list previous items: %w", err)
	}
	keep := make(map[string]bool, total)
	for n := 1; n <= total; n++ {
		keep[ContentKey(resourceID, n)] = true
	}
	removed := 0
	for _, key := range keys {
		if keep[key] {
			continue
		}
		if err := c.deps.Artifacts.Delete(ctx, key); err != nil && !errors.Is(err, artifact.ErrNotFound) {
			return fmt.Errorf("remove stale item %s: %w", key, err)
		}
		removed++
	}
	if removed > 0 {
		c.deps.logger().Info("removed stale items", "resource", resourceID, "count", removed)
	}
	return nil
}

// StructureItems splits a structure artifact into item titles, dropping
// blank lines and list markers.
func StructureItems(structure string) []string {
	var items []string
	for _, line := range strings.Split(structure, "\n") {
		line = strings.TrimSpace(listMarker.ReplaceAllString(line, ""))
		if line != "" {
			items = append(items, line)
		}
	}
	return items
}

var listMarker = regexp.MustCompile(`^\s*(?:[-*#]+|\d+[.)])\s*`)

func event(t models.StreamEventType, payload map[string]any) models.StreamEvent {
	return models.StreamEvent{Type: t, Payload: payload, At: time.Now()}
}
