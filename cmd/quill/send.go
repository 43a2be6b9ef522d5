package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/quill/internal/orchestrator"
	"github.com/ShayCichocki/quill/internal/streaming"
	"github.com/ShayCichocki/quill/pkg/models"
)

var (
	sendSession string
	sendSubject string
	sendActor   string
	sendNoWait  bool
)

var sendCmd = &cobra.Command{
	Use:   "send <message>",
	Short: "Send one message and print the reply",
	Long: `Send a single message through the orchestrator and print the reply.

When the reply starts generation, the stream is followed until it ends
unless --no-wait is set. Pass the printed session id with --session to
continue the conversation.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSend,
}

func init() {
	sendCmd.Flags().StringVar(&sendSession, "session", "", "Session to continue")
	sendCmd.Flags().StringVar(&sendSubject, "subject", "", "Subject for a new session")
	sendCmd.Flags().StringVar(&sendActor, "actor", os.Getenv("USER"), "Actor recorded on the message")
	sendCmd.Flags().BoolVar(&sendNoWait, "no-wait", false, "Do not follow a generation stream")
}

func runSend(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	resp, err := a.orch.Handle(ctx, orchestrator.Request{
		SessionID: sendSession,
		SubjectID: sendSubject,
		ActorID:   sendActor,
		Text:      strings.Join(args, " "),
	})
	if err != nil {
		return err
	}

	printReply(resp)

	if resp.Stream == nil || sendNoWait {
		return nil
	}
	res, err := a.orch.OpenStream(ctx, resp.SessionID, resp.Stream.ResourceID, resp.Stream.Params)
	return followStream(ctx, res, err)
}

func printReply(resp orchestrator.Response) {
	fmt.Printf("%s %s\n", color.CyanString("session"), resp.SessionID)
	if s := resp.Session; s != nil && s.CurrentWorkflow != "" {
		fmt.Printf("%s %s/%s\n", color.CyanString("step"), s.CurrentWorkflow, s.CurrentStep)
	}
	fmt.Println()
	fmt.Println(resp.Response)
}

// followStream prints a run's events until its terminal event.
func followStream(ctx context.Context, res streaming.StartResult, err error) error {
	if errors.Is(err, streaming.ErrGenerationConflict) {
		printStatus("!", fmt.Sprintf("generation already running (run %s)", res.Holder.RunID), color.FgYellow)
		return nil
	}
	if err != nil {
		return err
	}

	fmt.Println()
	var failed error
	for ev := range res.Run.Events(ctx) {
		switch ev.Type {
		case models.StreamStart:
			printStatus("»", "generation started", color.FgCyan)
		case models.StreamItemCreated:
			fmt.Printf("\n%s\n", color.New(color.Bold).Sprintf("%v. %v", ev.Payload["index"], ev.Payload["title"]))
		case models.StreamContent:
			fmt.Print(ev.Payload["delta"])
		case models.StreamProgress:
			// Item headers already show progress.
		case models.StreamComplete:
			fmt.Println()
			printStatus("✓", "generation complete", color.FgGreen)
		case models.StreamError:
			fmt.Println()
			failed = fmt.Errorf("generation failed: %v", ev.Payload["error"])
		}
	}
	if failed != nil {
		return failed
	}
	if ctx.Err() != nil {
		res.Run.Cancel()
		printStatus("✗", "generation stopped", color.FgRed)
	}
	return nil
}

// printStatus prints a status line with color
func printStatus(symbol, message string, colorAttr color.Attribute) {
	c := color.New(colorAttr)
	fmt.Printf("%s %s\n", c.Sprint(symbol), message)
}
