package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/quill/internal/config"
	"github.com/ShayCichocki/quill/internal/logging"
	"github.com/ShayCichocki/quill/internal/orchestrator"
	"github.com/ShayCichocki/quill/internal/tui"
)

var (
	dbPath  string
	verbose bool

	chatSession string
	chatSubject string
	chatActor   string
)

var rootCmd = &cobra.Command{
	Use:   "quill",
	Short: "Conversational content generation",
	Long: `Quill turns a conversation into a finished publication.

With no arguments, opens an interactive chat. Each message is classified,
routed to the capability that handles it, and moves the session through
its workflow: research, design, structure, content and review.

Once a structure is approved, quill generates the content and streams the
items into the chat as they are written.`,
	SilenceUsage: true,
	RunE:         runChat,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Session database path (default: storage.db_path)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Mirror logs to stderr")

	rootCmd.Flags().StringVar(&chatSession, "session", "", "Continue an existing session")
	rootCmd.Flags().StringVar(&chatSubject, "subject", "", "Subject the session works on")
	rootCmd.Flags().StringVar(&chatActor, "actor", os.Getenv("USER"), "Actor recorded on messages")

	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(streamCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// app is a fully wired orchestrator plus the resources behind it.
type app struct {
	cfg    *config.Config
	log    *logging.Logger
	deps   *orchestrator.Deps
	orch   *orchestrator.Orchestrator
	cancel context.CancelFunc
}

// openApp loads configuration, builds every component and recovers
// sessions interrupted by a previous run.
func openApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	opts := logging.Options{Path: cfg.LogFile(), Level: cfg.Logging.Level}
	if verbose {
		opts.Mirror = os.Stderr
		if cfg.Logging.Level == "" {
			opts.Level = "debug"
		}
	}
	log, err := logging.New(opts)
	if err != nil {
		return nil, err
	}

	deps, err := orchestrator.Build(ctx, cfg, orchestrator.BuildOptions{DBPath: dbPath, Logger: log.Logger})
	if err != nil {
		log.Close()
		return nil, err
	}
	orch, err := orchestrator.New(deps)
	if err != nil {
		deps.Close()
		log.Close()
		return nil, err
	}

	a := &app{cfg: cfg, log: log, deps: deps, orch: orch, cancel: func() {}}

	if addr := cfg.Metrics.ListenAddr; addr != "" {
		mctx, cancel := context.WithCancel(ctx)
		a.cancel = cancel
		go func() {
			if err := deps.Metrics.Serve(mctx, addr, log.Logger); err != nil {
				log.Warn("metrics server stopped", "error", err)
			}
		}()
	}

	recovered, err := orch.Recover(ctx)
	if err != nil {
		log.Warn("recovering sessions", "error", err)
	}
	for _, r := range recovered {
		if r.Restored || r.ClearedGeneration {
			log.Info("session recovered", "session_id", r.SessionID, "from", r.FromStep, "step", r.Step, "cleared_generation", r.ClearedGeneration)
		}
	}
	return a, nil
}

func (a *app) Close() error {
	a.cancel()
	err := a.deps.Close()
	return errors.Join(err, a.log.Close())
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	program, chat := tui.NewChatProgram(ctx, a.orch, tui.ChatOptions{
		SessionID: chatSession,
		SubjectID: chatSubject,
		ActorID:   chatActor,
	})
	if _, err := program.Run(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("chat: %w", err)
	}
	if id := chat.SessionID(); id != "" {
		fmt.Printf("Session: %s\n", id)
	}
	return nil
}
