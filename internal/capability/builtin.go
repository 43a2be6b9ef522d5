package capability

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/ShayCichocki/quill/internal/artifact"
	"github.com/ShayCichocki/quill/pkg/models"
)

// LLM is the language model surface the built-in capabilities use.
type LLM interface {
	Complete(ctx context.Context, system string, msgs []models.Message) (string, error)
	Stream(ctx context.Context, system, prompt string, onDelta func(string)) (string, error)
}

// Deps are the collaborators shared by the built-in capabilities.
type Deps struct {
	LLM       LLM
	Artifacts artifact.Store
	Logger    *slog.Logger
}

func (d Deps) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return d.Logger
}

// Step data keys written by the built-in capabilities.
const (
	KeyResearchURI  = "research_uri"
	KeyDesignURI    = "design_uri"
	KeyStructureURI = "structure_uri"
	KeyReviewURI    = "review_uri"
	KeyHasReview    = "has_review"
	KeyItemCount    = "item_count"
	KeyResourceID   = "resource_id"
)

// Builtins returns every built-in capability wired to d.
func Builtins(d Deps) []Capability {
	return []Capability{
		&document{
			deps:   d,
			name:   Researcher,
			prefix: "research",
			flag:   models.KeyHasResearch,
			uriKey: KeyResearchURI,
			system: "You research a topic for a short illustrated publication. Reply with concise factual notes as bullet points.",
			next:   Designer,
		},
		&document{
			deps:   d,
			name:   Designer,
			prefix: "design",
			flag:   models.KeyHasDesign,
			uriKey: KeyDesignURI,
			inputs: []string{KeyResearchURI},
			system: "You design the voice, audience, tone and visual style of a publication. Reply with a short design brief.",
		},
		&document{
			deps:   d,
			name:   Structurer,
			prefix: "structure",
			flag:   models.KeyHasStructure,
			uriKey: KeyStructureURI,
			inputs: []string{KeyResearchURI, KeyDesignURI},
			system: "You outline a publication. Reply with one line per section or page, a short title on each line, nothing else.",
			// A new structure needs a fresh approval.
			extra: map[string]any{models.KeyStructureApproved: false},
		},
		&approver{},
		&writer{deps: d},
		&reviewer{deps: d},
		&reviser{deps: d},
		&responder{deps: d},
	}
}

// ResourceID is the generation resource of a request: the subject when
// one is set, otherwise the session.
func ResourceID(sessionID, subjectID string) string {
	if subjectID != "" {
		return subjectID
	}
	return sessionID
}

// document is a single-shot capability that turns its inputs and the
// request text into one artifact.
type document struct {
	deps   Deps
	name   string
	prefix string
	flag   string
	uriKey string
	inputs []string
	system string
	next   string
	extra  map[string]any
}

func (c *document) Name() string { return c.name }

func (c *document) Execute(ctx context.Context, req Request) (Result, error) {
	var prompt strings.Builder
	for _, key := range c.inputs {
		text, err := readFromSession(ctx, c.deps.Artifacts, req, key)
		if err != nil {
			return Result{}, err
		}
		if text != "" {
			fmt.Fprintf(&prompt, "## %s\n%s\n\n", strings.TrimSuffix(key, "_uri"), text)
		}
	}
	fmt.Fprintf(&prompt, "## request\n%s", req.Text)

	history := append(withoutEcho(req.History, req.Text), models.Message{Role: models.RoleUser, Content: prompt.String()})

	out, err := c.deps.LLM.Complete(ctx, c.system, history)
	if err != nil {
		return Result{}, fmt.Errorf("%s: %w", c.name, err)
	}

	uri, err := c.deps.Artifacts.Write(ctx, c.prefix+"/"+req.SessionID, out)
	if err != nil {
		return Result{}, fmt.Errorf("%s: %w", c.name, err)
	}

	effects := map[string]any{c.flag: true, c.uriKey: uri}
	for k, v := range c.extra {
		effects[k] = v
	}
	c.deps.logger().Info("artifact written", "capability", c.name, "session", req.SessionID, "uri", uri)

	res := Result{
		Response:    fmt.Sprintf("%s ready.\n\n%s", titleCase(c.prefix), out),
		SideEffects: effects,
	}
	if c.next != "" {
		res.Cascade = &Cascade{Next: c.next, Params: map[string]any{c.uriKey: uri}}
	}
	return res, nil
}

// readFromSession resolves key through cascade params first, then step data.
// A missing artifact is not an error.
func readFromSession(ctx context.Context, store artifact.Store, req Request, key string) (string, error) {
	uri, _ := req.Params[key].(string)
	if uri == "" && req.Session != nil {
		uri = req.Session.String(key)
	}
	if uri == "" {
		return "", nil
	}
	text, err := store.Read(ctx, uri)
	if errors.Is(err, artifact.ErrNotFound) {
		return "", nil
	}
	return text, err
}

// withoutEcho copies history, dropping a trailing user message equal to text.
func withoutEcho(history []models.Message, text string) []models.Message {
	if n := len(history); n > 0 && history[n-1].Role == models.RoleUser && history[n-1].Content == text {
		history = history[:n-1]
	}
	return append([]models.Message(nil), history...)
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// approver records structure approval and hands over to the writer.
type approver struct{}

func (approver) Name() string { return Approver }

func (approver) Execute(_ context.Context, req Request) (Result, error) {
	if req.Session == nil || !req.Session.Bool(models.KeyHasStructure) {
		return Result{
			Response:   "There is no structure to approve yet. Let's outline the publication first.",
			Incomplete: true,
		}, nil
	}
	return Result{
		Response:    "Structure approved.",
		SideEffects: map[string]any{models.KeyStructureApproved: true},
		Cascade:     &Cascade{Next: Writer},
	}, nil
}

// responder handles conversation outside the workflow.
type responder struct {
	deps Deps
}

func (c *responder) Name() string { return Responder }

func (c *responder) Execute(ctx context.Context, req Request) (Result, error) {
	history := append(withoutEcho(req.History, req.Text), models.Message{Role: models.RoleUser, Content: req.Text})

	system := "You are a friendly assistant that helps people create short illustrated publications. Answer briefly."
	if req.Session != nil && req.Session.CurrentStep != "" {
		system += fmt.Sprintf(" The user is currently at the %q step.", req.Session.CurrentStep)
	}

	out, err := c.deps.LLM.Complete(ctx, system, history)
	if err != nil {
		return Result{}, fmt.Errorf("responder: %w", err)
	}
	return Result{Response: out}, nil
}
