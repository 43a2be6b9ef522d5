// Package classifier turns a user utterance into a routing Decision.
//
// The language model is asked first. Any failure on that path falls back
// to keyword heuristics, and the result always passes through the
// override rule table, so Classify never fails.
package classifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/ShayCichocki/quill/pkg/models"
)

// Completer is the language model call the classifier depends on.
type Completer interface {
	Complete(ctx context.Context, system string, msgs []models.Message) (string, error)
}

// ClassificationError describes why the model path produced no decision.
type ClassificationError struct {
	// Stage is one of "call", "extract", "decode" or "validate".
	Stage string
	// Raw is the model reply, if one was received.
	Raw string
	Err error
}

func (e *ClassificationError) Error() string {
	return fmt.Sprintf("classification %s: %v", e.Stage, e.Err)
}

func (e *ClassificationError) Unwrap() error {
	return e.Err
}

// ErrInvalidDecision is wrapped when the model output has unknown values.
var ErrInvalidDecision = errors.New("invalid decision")

// Classifier produces decisions. It is safe for concurrent use.
type Classifier struct {
	completer Completer
	rules     RuleSource
	steps     map[string]bool
	catalog   string
	logger    *slog.Logger
	onResult  func(models.Decision, error)
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithRules replaces the built-in override table.
func WithRules(rs RuleSource) Option {
	return func(c *Classifier) {
		c.rules = rs
	}
}

// WithWorkflows lists the known workflows in the prompt and rejects model
// decisions that target unknown steps.
func WithWorkflows(defs []models.WorkflowDefinition) Option {
	return func(c *Classifier) {
		c.steps = make(map[string]bool)
		var b strings.Builder
		for _, def := range defs {
			ids := make([]string, len(def.Steps))
			for i, s := range def.Steps {
				ids[i] = s.ID
				c.steps[s.ID] = true
			}
			fmt.Fprintf(&b, "- %s: %s\n", def.Name, strings.Join(ids, " -> "))
		}
		c.catalog = b.String()
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Classifier) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithObserver is called once per Classify with the final decision and the
// model path error, if any.
func WithObserver(fn func(models.Decision, error)) Option {
	return func(c *Classifier) {
		c.onResult = fn
	}
}

// New creates a classifier. A nil completer makes every decision come
// from the fallback analyzer.
func New(completer Completer, opts ...Option) *Classifier {
	c := &Classifier{
		completer: completer,
		rules:     DefaultRules(),
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Classify returns the decision for text. It never fails: model errors are
// logged and replaced by the fallback analyzer, then overrides apply.
func (c *Classifier) Classify(ctx context.Context, text string, cctx Context) models.Decision {
	d, err := c.classifyModel(ctx, text, cctx)
	if err != nil {
		var ce *ClassificationError
		if errors.As(err, &ce) && ce.Raw != "" {
			c.logger.Warn("classifier output rejected, using fallback",
				"stage", ce.Stage, "error", ce.Err, "raw", truncate(ce.Raw, 200))
		} else {
			c.logger.Warn("classifier unavailable, using fallback", "error", err)
		}
		d = Fallback(text, cctx)
	}

	if c.rules != nil {
		d = c.rules.Apply(text, cctx, d)
	}

	c.logger.Debug("classified",
		"category", d.Category, "action", d.Action, "step", d.TargetStep,
		"capability", d.TargetCapability, "confidence", d.Confidence,
		"source", d.Source, "rule", d.Rule)

	if c.onResult != nil {
		c.onResult(d, err)
	}
	return d
}

func (c *Classifier) classifyModel(ctx context.Context, text string, cctx Context) (models.Decision, error) {
	if c.completer == nil {
		return models.Decision{}, &ClassificationError{Stage: "call", Err: errors.New("no model configured")}
	}

	recent := cctx.Recent
	// The utterance is usually already stored as the newest message.
	if n := len(recent); n > 0 && recent[n-1].Role == models.RoleUser && recent[n-1].Content == text {
		recent = recent[:n-1]
	}
	msgs := append([]models.Message(nil), recent...)
	msgs = append(msgs, models.Message{Role: models.RoleUser, Content: buildUserPrompt(text, cctx)})

	raw, err := c.completer.Complete(ctx, c.systemPrompt(), msgs)
	if err != nil {
		return models.Decision{}, &ClassificationError{Stage: "call", Err: err}
	}

	d, err := ParseDecision(raw)
	if err != nil {
		return models.Decision{}, err
	}
	if d.TargetStep != "" && c.steps != nil && !c.steps[d.TargetStep] {
		return models.Decision{}, &ClassificationError{
			Stage: "validate", Raw: raw,
			Err: fmt.Errorf("%w: unknown step %q", ErrInvalidDecision, d.TargetStep),
		}
	}
	d.Source = models.SourceClassifier
	return d, nil
}

// ParseDecision extracts and validates a decision from a model reply.
func ParseDecision(raw string) (models.Decision, error) {
	js := ExtractJSON(raw)
	if js == "" {
		return models.Decision{}, &ClassificationError{Stage: "extract", Raw: raw, Err: errors.New("no JSON object in reply")}
	}

	var d models.Decision
	if err := json.Unmarshal([]byte(js), &d); err != nil {
		return models.Decision{}, &ClassificationError{Stage: "decode", Raw: raw, Err: err}
	}

	d.Category = models.Category(strings.ToLower(strings.TrimSpace(string(d.Category))))
	d.Action = models.Action(strings.ToLower(strings.TrimSpace(string(d.Action))))
	d.Confidence = models.Confidence(strings.ToLower(strings.TrimSpace(string(d.Confidence))))
	if d.Action == models.ActionJumpToStep && d.TargetStep == "" {
		return models.Decision{}, &ClassificationError{
			Stage: "validate", Raw: raw,
			Err: fmt.Errorf("%w: jump without target step", ErrInvalidDecision),
		}
	}
	if !d.Valid() {
		return models.Decision{}, &ClassificationError{
			Stage: "validate", Raw: raw,
			Err: fmt.Errorf("%w: category=%q action=%q confidence=%q", ErrInvalidDecision, d.Category, d.Action, d.Confidence),
		}
	}
	// The model does not get to claim provenance.
	d.Source = ""
	d.Rule = ""
	return d, nil
}

func (c *Classifier) systemPrompt() string {
	var b strings.Builder
	b.WriteString(`You route messages in a content creation assistant.
Reply with a single JSON object and nothing else:
{"category": "workflow_request|agent_request|general",
 "action": "start_new_workflow|jump_to_step|continue_current|none",
 "target_workflow": "", "target_step": "", "target_capability": "",
 "confidence": "high|medium|low", "reasoning": ""}
`)
	if c.catalog != "" {
		b.WriteString("\nWorkflows and their steps:\n")
		b.WriteString(c.catalog)
	}
	b.WriteString(`
Capabilities: researcher, designer, structurer, approver, writer, reviewer, reviser, responder.
Use "general" with action "none" for small talk and questions.`)
	return b.String()
}

func buildUserPrompt(text string, cctx Context) string {
	var b strings.Builder
	if cctx.Summary != "" {
		fmt.Fprintf(&b, "Conversation summary: %s\n", cctx.Summary)
	}
	fmt.Fprintf(&b, "Current workflow: %s\nCurrent step: %s\n", orNone(cctx.Workflow), orNone(cctx.Step))
	f := cctx.Flags
	fmt.Fprintf(&b, "Available: research=%t design=%t structure=%t structure_approved=%t content=%t\n",
		f.Research, f.Design, f.Structure, f.StructureApproved, f.Content)
	fmt.Fprintf(&b, "\nClassify this message:\n%s", text)
	return b.String()
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
