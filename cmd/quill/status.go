package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/quill/internal/config"
	"github.com/ShayCichocki/quill/internal/state"
	"github.com/ShayCichocki/quill/pkg/models"
)

var statusAll bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sessions and where they stand",
	Long: `Display the sessions in the database.

Shows:
  - Workflow and current step of each session
  - Pending or running generation markers
  - Where model credentials come from`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusAll, "all", false, "Include completed sessions")
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	path := dbPath
	if path == "" {
		path = cfg.Storage.DBPath
	}
	if path == "" {
		path = state.DefaultDBPath()
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		fmt.Println("No sessions yet. Run 'quill' to start one.")
		return nil
	}

	db, err := state.Open(path)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	ctx := cmd.Context()
	var filter *models.SessionStatus
	if !statusAll {
		s := models.SessionInProgress
		filter = &s
	}
	sessions, err := db.ListSessions(ctx, filter)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}

	fmt.Printf("Credentials: %s\n", config.GetAPIKeySource(cfg))
	fmt.Printf("Database: %s\n\n", path)

	if len(sessions) == 0 {
		fmt.Println("No active sessions.")
		return nil
	}

	for i := range sessions {
		displaySession(&sessions[i])
	}
	return nil
}

func displaySession(s *models.SessionState) {
	fmt.Printf("%s  %s\n", color.New(color.Bold).Sprint(s.ID), statusLabel(s.Status))
	if s.SubjectID != "" {
		fmt.Printf("  Subject: %s\n", s.SubjectID)
	}
	if s.CurrentWorkflow != "" {
		fmt.Printf("  Step: %s/%s\n", s.CurrentWorkflow, s.CurrentStep)
	}
	if len(s.CompletedSteps) > 0 {
		fmt.Printf("  Completed: %s\n", strings.Join(s.CompletedSteps, ", "))
	}
	if m := generationMarker(s); m != "" {
		fmt.Printf("  Generation: %s\n", m)
	}
	fmt.Printf("  Updated: %s ago\n\n", formatDuration(time.Since(s.UpdatedAt)))
}

func statusLabel(status models.SessionStatus) string {
	switch status {
	case models.SessionInProgress:
		return color.YellowString(string(status))
	case models.SessionCompleted:
		return color.GreenString(string(status))
	default:
		return string(status)
	}
}

// generationMarker describes the generation flags stored on s.
func generationMarker(s *models.SessionState) string {
	switch {
	case s.Bool(models.KeyGenerationInProgress):
		return "in progress"
	case s.Bool(models.KeyGenerationRequested):
		return "requested"
	case s.Bool(models.KeyHasContent):
		return "done"
	default:
		return ""
	}
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	if d < 24*time.Hour {
		return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
	}
	return fmt.Sprintf("%dd", int(d.Hours()/24))
}
