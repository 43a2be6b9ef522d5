// Package orchestrator handles one conversational turn end to end: it loads
// the session, classifies the utterance, moves the workflow pointer, runs
// the routed capability and persists what changed. It also owns the
// lifecycle of the generation runs those turns request.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/ShayCichocki/quill/internal/api"
	"github.com/ShayCichocki/quill/internal/artifact"
	"github.com/ShayCichocki/quill/internal/capability"
	"github.com/ShayCichocki/quill/internal/classifier"
	"github.com/ShayCichocki/quill/internal/config"
	"github.com/ShayCichocki/quill/internal/convo"
	"github.com/ShayCichocki/quill/internal/eventbus"
	"github.com/ShayCichocki/quill/internal/logging"
	"github.com/ShayCichocki/quill/internal/metrics"
	"github.com/ShayCichocki/quill/internal/router"
	"github.com/ShayCichocki/quill/internal/state"
	"github.com/ShayCichocki/quill/internal/streaming"
	"github.com/ShayCichocki/quill/internal/workflow"
	"github.com/ShayCichocki/quill/pkg/models"
)

// Deps is the wiring object shared by every component. It is built once at
// startup and passed by reference; nothing reaches these handles through
// package globals.
//
// Store, Graph, Classifier, Registry, Coordinator and Runner are required.
// Assembler is derived from Store when nil. Everything else is optional.
type Deps struct {
	Store       state.Store
	Graph       *workflow.Graph
	Classifier  *classifier.Classifier
	Registry    *capability.Registry
	Coordinator *router.Coordinator
	Runner      *streaming.Runner
	Assembler   *convo.Assembler
	Artifacts   artifact.Store
	Recovery    *state.RecoveryManager
	Bus         *eventbus.Publisher
	Metrics     *metrics.Metrics
	Logger      *slog.Logger

	closers []io.Closer
}

// Close releases everything Build opened, in reverse order.
func (d *Deps) Close() error {
	if d == nil {
		return nil
	}
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	d.closers = nil
	return errors.Join(errs...)
}

func (d *Deps) validate() error {
	switch {
	case d == nil:
		return errors.New("orchestrator: nil deps")
	case d.Store == nil:
		return errors.New("orchestrator: store is required")
	case d.Graph == nil:
		return errors.New("orchestrator: workflow graph is required")
	case d.Classifier == nil:
		return errors.New("orchestrator: classifier is required")
	case d.Registry == nil:
		return errors.New("orchestrator: capability registry is required")
	case d.Coordinator == nil:
		return errors.New("orchestrator: coordinator is required")
	case d.Runner == nil:
		return errors.New("orchestrator: streaming runner is required")
	}
	return nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// BuildOptions adjusts Build.
type BuildOptions struct {
	// LLM replaces the Anthropic client.
	LLM capability.LLM
	// DBPath overrides storage.db_path.
	DBPath string
	Logger *slog.Logger
}

// Build opens storage and constructs every component from cfg.
// The caller owns the result and must Close it.
func Build(ctx context.Context, cfg *config.Config, opts BuildOptions) (_ *Deps, err error) {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	d := &Deps{Logger: logger}
	defer func() {
		if err != nil {
			d.Close()
		}
	}()

	dbPath := firstNonEmpty(opts.DBPath, cfg.Storage.DBPath, state.DefaultDBPath())
	db, err := state.Open(dbPath)
	if err != nil {
		return nil, err
	}
	d.closers = append(d.closers, db)
	if err := db.Migrate(); err != nil {
		return nil, fmt.Errorf("migrate %s: %w", dbPath, err)
	}
	d.Store = db
	d.Recovery = state.NewRecoveryManager(db, logger)

	artifacts, err := artifact.NewSQLiteStore(cfg.ArtifactDBPath())
	if err != nil {
		return nil, fmt.Errorf("open artifact store: %w", err)
	}
	d.closers = append(d.closers, artifacts)
	d.Artifacts = artifacts

	d.Metrics = metrics.New()

	llm := opts.LLM
	if llm == nil {
		if llm, err = newClient(cfg, d.Metrics); err != nil {
			return nil, err
		}
	}

	if d.Graph, err = loadGraph(cfg); err != nil {
		return nil, err
	}

	rules, err := loadRules(ctx, cfg, logger, d)
	if err != nil {
		return nil, err
	}

	d.Classifier = classifier.New(llm,
		classifier.WithRules(rules),
		classifier.WithWorkflows(definitions(d.Graph)),
		classifier.WithLogger(logger),
		classifier.WithObserver(d.Metrics.ObserveDecision),
	)

	d.Registry = capability.NewRegistry(capability.Builtins(capability.Deps{
		LLM:       llm,
		Artifacts: artifacts,
		Logger:    logger,
	})...)

	d.Coordinator = router.New(d.Registry, d.Graph,
		router.WithMaxCascadeDepth(cfg.Cascade.MaxDepth),
		router.WithLogger(logger),
		router.WithStageObserver(d.Metrics.ObserveStage),
	)

	runnerOpts := []streaming.Option{
		streaming.WithConfig(streaming.Config{
			QueueSize:      cfg.Streaming.QueueSize,
			PollInterval:   cfg.Streaming.PollInterval,
			EnqueueTimeout: cfg.Streaming.EnqueueTimeout,
		}),
		streaming.WithLogger(logger),
		streaming.WithOnFinish(d.Metrics.ObserveGeneration),
	}
	if cfg.NATS.URL != "" {
		bus, err := eventbus.Connect(cfg.NATS.URL, cfg.NATS.SubjectPrefix, logger)
		if err != nil {
			return nil, err
		}
		d.closers = append(d.closers, bus)
		d.Bus = bus
		runnerOpts = append(runnerOpts, streaming.WithSink(bus))
	}
	d.Runner = streaming.NewRunner(runnerOpts...)
	d.closers = append(d.closers, closerFunc(func() error {
		d.Runner.Wait()
		return nil
	}))
	d.Metrics.TrackActiveGenerations(d.Runner.Locks())

	d.Assembler = convo.New(db, llm,
		convo.WithConfig(convo.Config{
			RecentMessages: cfg.Context.RecentMessages,
			SummaryEvery:   cfg.Context.SummaryEvery,
		}),
		convo.WithLogger(logger),
		convo.WithSummaryObserver(d.Metrics.ObserveSummary),
	)
	// Pending summaries must land before the database closes.
	d.closers = append(d.closers, closerFunc(func() error {
		d.Assembler.Wait()
		return nil
	}))

	return d, nil
}

func newClient(cfg *config.Config, m *metrics.Metrics) (*api.Client, error) {
	key, err := config.GetAPIKey(cfg)
	if err != nil {
		return nil, err
	}
	client, err := api.NewClient(api.ClientConfig{
		Model:         anthropic.Model(cfg.Anthropic.Model),
		APIKey:        key,
		UseAWSBedrock: cfg.Anthropic.UseBedrock,
		AWSRegion:     cfg.Anthropic.AWSRegion,
		AWSProfile:    cfg.Anthropic.AWSProfile,
		MaxTokens:     cfg.Anthropic.MaxTokens,
		OnUsage:       m.ObserveTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("create llm client: %w", err)
	}
	return client, nil
}

func loadGraph(cfg *config.Config) (*workflow.Graph, error) {
	path := cfg.Workflow.DefinitionsFile
	if path == "" {
		return workflow.DefaultGraph(), nil
	}
	g, err := workflow.LoadGraph(path)
	if err != nil {
		return nil, fmt.Errorf("load workflows: %w", err)
	}
	return g, nil
}

// loadRules layers the configured rules file over the built-in table. With
// watch_rules set, edits to the file take effect without a restart.
func loadRules(ctx context.Context, cfg *config.Config, logger *slog.Logger, d *Deps) (classifier.RuleSource, error) {
	path := cfg.Classifier.RulesFile
	if path == "" {
		return classifier.DefaultRules(), nil
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("rules file: %w", err)
	}

	if !cfg.Classifier.WatchRules {
		fileRules, err := classifier.LoadRules(path)
		if err != nil {
			return nil, err
		}
		return classifier.DefaultRules().With(fileRules), nil
	}

	rw, err := classifier.NewRulesWatcher(path, classifier.DefaultRules(), logger)
	if err != nil {
		return nil, err
	}
	if err := rw.Watch(ctx); err != nil {
		return nil, err
	}
	d.closers = append(d.closers, closerFunc(func() error {
		rw.Close()
		return nil
	}))
	return rw, nil
}

func definitions(g *workflow.Graph) []models.WorkflowDefinition {
	var defs []models.WorkflowDefinition
	for _, name := range g.Names() {
		if def, ok := g.Get(name); ok {
			defs = append(defs, def)
		}
	}
	return defs
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
