// Package tui provides the interactive chat interface for quill.
//
// The chat sends each submitted line through the orchestrator as one turn
// and renders the reply. When a turn asks for generation, the chat opens
// the stream itself and folds the events into the transcript as they
// arrive: items appear under their titles and grow as content streams in.
//
// Usage:
//
//	program, app := tui.NewChatProgram(ctx, orch, tui.ChatOptions{ActorID: user})
//	if _, err := program.Run(); err != nil {
//	    return err
//	}
//	fmt.Println("session:", app.SessionID())
//
// Esc stops a running generation. Ctrl+C quits and stops it as well.
package tui
