// Package convo assembles the conversational context a turn is classified
// against and keeps the rolling session summary up to date.
package convo

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/ShayCichocki/quill/internal/classifier"
	"github.com/ShayCichocki/quill/internal/state"
	"github.com/ShayCichocki/quill/pkg/models"
)

// Defaults for Config.
const (
	DefaultRecentMessages = 10
	DefaultSummaryEvery   = 20
)

// Store is the slice of the session store the assembler reads and writes.
type Store interface {
	GetState(ctx context.Context, sessionID string) (*models.SessionState, error)
	RecentMessages(ctx context.Context, sessionID string, limit int) ([]models.Message, error)
	CountMessages(ctx context.Context, sessionID string) (int, error)
	SetSummary(ctx context.Context, sessionID, summary string, atCount int) error
}

// Config controls the context window and summary cadence.
type Config struct {
	RecentMessages int
	// SummaryEvery regenerates the summary each time the message count
	// crosses a multiple of it. Zero disables summaries.
	SummaryEvery int
}

// Assembler builds classifier contexts and regenerates summaries.
type Assembler struct {
	store      Store
	summarizer classifier.Completer
	cfg        Config
	logger     *slog.Logger
	onSummary  func(sessionID string, err error)

	group singleflight.Group
	wg    sync.WaitGroup
}

// Option configures an Assembler.
type Option func(*Assembler)

// WithConfig sets the window and cadence. Negative values keep defaults.
func WithConfig(cfg Config) Option {
	return func(a *Assembler) {
		if cfg.RecentMessages > 0 {
			a.cfg.RecentMessages = cfg.RecentMessages
		}
		if cfg.SummaryEvery >= 0 {
			a.cfg.SummaryEvery = cfg.SummaryEvery
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Assembler) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithSummaryObserver is called after every summary attempt.
func WithSummaryObserver(fn func(sessionID string, err error)) Option {
	return func(a *Assembler) {
		a.onSummary = fn
	}
}

// New creates an Assembler. A nil summarizer disables summaries.
func New(store Store, summarizer classifier.Completer, opts ...Option) *Assembler {
	a := &Assembler{
		store:      store,
		summarizer: summarizer,
		cfg:        Config{RecentMessages: DefaultRecentMessages, SummaryEvery: DefaultSummaryEvery},
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Build loads the session and its recent history into a classifier context.
func (a *Assembler) Build(ctx context.Context, sessionID string) (classifier.Context, error) {
	s, err := a.store.GetState(ctx, sessionID)
	if err != nil {
		return classifier.Context{}, fmt.Errorf("load session: %w", err)
	}
	if s == nil {
		return classifier.Context{}, fmt.Errorf("build context %s: %w", sessionID, state.ErrSessionNotFound)
	}

	recent, err := a.store.RecentMessages(ctx, sessionID, a.cfg.RecentMessages)
	if err != nil {
		return classifier.Context{}, fmt.Errorf("load recent messages: %w", err)
	}

	return classifier.Context{
		Recent:   recent,
		Flags:    s.Flags(),
		Workflow: s.CurrentWorkflow,
		Step:     s.CurrentStep,
		Summary:  s.Summary,
	}, nil
}

// MaybeSummarize regenerates the summary in the background when the
// message count has crossed a multiple of SummaryEvery since the last
// summary. Turns may add several messages at once, so the count need not
// land on the multiple itself. It never blocks the caller. Concurrent
// requests for one session share a run.
func (a *Assembler) MaybeSummarize(sessionID string) {
	if a.summarizer == nil || a.cfg.SummaryEvery <= 0 {
		return
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx := context.Background()

		count, err := a.store.CountMessages(ctx, sessionID)
		if err != nil {
			a.logger.Warn("count messages for summary", "session_id", sessionID, "error", err)
			return
		}
		s, err := a.store.GetState(ctx, sessionID)
		if err != nil || s == nil {
			a.logger.Warn("load session for summary", "session_id", sessionID, "error", err)
			return
		}
		if !a.due(count, s.SummaryCount) {
			return
		}
		if _, err := a.Summarize(ctx, sessionID); err != nil {
			a.logger.Warn("summary regeneration failed", "session_id", sessionID, "error", err)
		}
	}()
}

// due reports whether count has crossed a multiple of SummaryEvery that
// the summary taken at last has not.
func (a *Assembler) due(count, last int) bool {
	if last > count {
		last = 0
	}
	return count/a.cfg.SummaryEvery > last/a.cfg.SummaryEvery
}

// Summarize regenerates and stores the summary now. Calls for the same
// session that overlap share one model call.
func (a *Assembler) Summarize(ctx context.Context, sessionID string) (string, error) {
	if a.summarizer == nil {
		return "", fmt.Errorf("summarize %s: no summarizer configured", sessionID)
	}

	v, err, shared := a.group.Do(sessionID, func() (any, error) {
		return a.summarize(ctx, sessionID)
	})
	if shared {
		a.logger.Debug("summary shared with in-flight run", "session_id", sessionID)
	}
	if a.onSummary != nil {
		a.onSummary(sessionID, err)
	}
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (a *Assembler) summarize(ctx context.Context, sessionID string) (string, error) {
	s, err := a.store.GetState(ctx, sessionID)
	if err != nil {
		return "", fmt.Errorf("load session: %w", err)
	}
	if s == nil {
		return "", fmt.Errorf("summarize %s: %w", sessionID, state.ErrSessionNotFound)
	}

	count, err := a.store.CountMessages(ctx, sessionID)
	if err != nil {
		return "", fmt.Errorf("count messages: %w", err)
	}

	window := a.cfg.SummaryEvery
	if window < a.cfg.RecentMessages {
		window = a.cfg.RecentMessages
	}
	msgs, err := a.store.RecentMessages(ctx, sessionID, window)
	if err != nil {
		return "", fmt.Errorf("load messages: %w", err)
	}

	summary, err := a.summarizer.Complete(ctx, summarySystemPrompt, []models.Message{
		{Role: models.RoleUser, Content: summaryPrompt(s.Summary, msgs)},
	})
	if err != nil {
		return "", fmt.Errorf("summarize: %w", err)
	}
	summary = strings.TrimSpace(summary)

	if err := a.store.SetSummary(ctx, sessionID, summary, count); err != nil {
		return "", err
	}
	a.logger.Info("summary regenerated", "session_id", sessionID, "messages", len(msgs), "at_count", count)
	return summary, nil
}

// Wait blocks until all background summaries have finished.
func (a *Assembler) Wait() {
	a.wg.Wait()
}

const summarySystemPrompt = `You maintain a short running summary of a content-creation conversation.
Keep the subject, decisions made, open requests and the user's stated preferences.
Reply with the summary only, at most 150 words.`

func summaryPrompt(previous string, msgs []models.Message) string {
	var b strings.Builder
	if previous != "" {
		b.WriteString("Previous summary:\n")
		b.WriteString(previous)
		b.WriteString("\n\n")
	}
	b.WriteString("Recent conversation:\n")
	for _, m := range msgs {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}
	return b.String()
}
