package capability

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/ShayCichocki/quill/pkg/models"
)

// reviewer critiques the generated content.
type reviewer struct {
	deps Deps
}

func (c *reviewer) Name() string { return Reviewer }

func (c *reviewer) Execute(ctx context.Context, req Request) (Result, error) {
	resourceID := ResourceID(req.SessionID, req.SubjectID)
	body, count, err := c.deps.readContent(ctx, resourceID)
	if err != nil {
		return Result{}, fmt.Errorf("reviewer: %w", err)
	}
	if count == 0 {
		return Result{
			Response:   "There is no generated content to review yet.",
			Incomplete: true,
		}, nil
	}

	system := "You review a short illustrated publication. List concrete problems and suggested fixes per section."
	out, err := c.deps.LLM.Complete(ctx, system, []models.Message{
		{Role: models.RoleUser, Content: body + "\n\nReviewer request: " + req.Text},
	})
	if err != nil {
		return Result{}, fmt.Errorf("reviewer: %w", err)
	}

	uri, err := c.deps.Artifacts.Write(ctx, "review/"+req.SessionID, out)
	if err != nil {
		return Result{}, fmt.Errorf("reviewer: %w", err)
	}

	return Result{
		Response:    out,
		SideEffects: map[string]any{KeyHasReview: true, KeyReviewURI: uri},
	}, nil
}

var itemNumberPattern = regexp.MustCompile(`(?i)\b(?:page|section|chapter|item|part)\s+(\d+)\b`)

// reviser rewrites generated items following the user's instructions. A
// request naming an item number ("page 2") only touches that item.
type reviser struct {
	deps Deps
}

func (c *reviser) Name() string { return Reviser }

func (c *reviser) Execute(ctx context.Context, req Request) (Result, error) {
	resourceID := ResourceID(req.SessionID, req.SubjectID)
	keys, err := c.deps.Artifacts.List(ctx, ContentPrefix(resourceID))
	if err != nil {
		return Result{}, fmt.Errorf("reviser: %w", err)
	}
	if len(keys) == 0 {
		return Result{
			Response:   "There is no generated content to revise yet.",
			Incomplete: true,
		}, nil
	}

	targets := keys
	if m := itemNumberPattern.FindStringSubmatch(req.Text); m != nil {
		n, _ := strconv.Atoi(m[1])
		if n < 1 || n > len(keys) {
			return Result{
				Response:   fmt.Sprintf("There is no item %d; the publication has %d.", n, len(keys)),
				Incomplete: true,
			}, nil
		}
		targets = []string{ContentKey(resourceID, n)}
	}

	system := "You revise one section of a short illustrated publication. Reply with the revised section text only."
	for _, key := range targets {
		original, err := c.deps.Artifacts.Read(ctx, key)
		if err != nil {
			return Result{}, fmt.Errorf("reviser: %w", err)
		}
		revised, err := c.deps.LLM.Complete(ctx, system, []models.Message{
			{Role: models.RoleUser, Content: fmt.Sprintf("Section:\n%s\n\nInstructions: %s", original, req.Text)},
		})
		if err != nil {
			return Result{}, fmt.Errorf("reviser: %w", err)
		}
		if _, err := c.deps.Artifacts.Write(ctx, key, revised); err != nil {
			return Result{}, fmt.Errorf("reviser: %w", err)
		}
	}

	return Result{
		Response:    fmt.Sprintf("Revised %d of %d items.", len(targets), len(keys)),
		SideEffects: map[string]any{models.KeyHasContent: true, "revised_items": len(targets)},
	}, nil
}

// readContent concatenates every content item of a resource.
func (d Deps) readContent(ctx context.Context, resourceID string) (string, int, error) {
	keys, err := d.Artifacts.List(ctx, ContentPrefix(resourceID))
	if err != nil {
		return "", 0, err
	}
	var b strings.Builder
	for i, key := range keys {
		text, err := d.Artifacts.Read(ctx, key)
		if err != nil {
			return "", 0, err
		}
		fmt.Fprintf(&b, "## Section %d\n%s\n\n", i+1, text)
	}
	return b.String(), len(keys), nil
}
