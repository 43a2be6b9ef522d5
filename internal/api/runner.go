package api

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/ShayCichocki/quill/pkg/models"
)

// Complete sends a conversation and returns the concatenated text reply.
// System-role messages are folded into the system prompt; consecutive
// messages of the same role are merged so the request alternates.
func (c *Client) Complete(ctx context.Context, system string, msgs []models.Message) (string, error) {
	sys, params := toMessageParams(system, msgs)
	if len(params) == 0 {
		return "", fmt.Errorf("complete: no user or assistant messages")
	}

	req := anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		Messages:  params,
	}
	if sys != "" {
		req.System = []anthropic.TextBlockParam{{Text: sys}}
	}

	resp, err := c.sdk().Messages.New(ctx, req)
	if err != nil {
		return "", fmt.Errorf("API call failed: %w", err)
	}

	c.record(resp.Usage.InputTokens, resp.Usage.OutputTokens)

	var result strings.Builder
	for _, block := range resp.Content {
		if variant, ok := block.AsAny().(anthropic.TextBlock); ok {
			result.WriteString(variant.Text)
		}
	}

	return result.String(), nil
}

// Stream sends a single prompt and calls onDelta for every text fragment
// as it arrives. It returns the full text once the stream ends.
func (c *Client) Stream(ctx context.Context, system, prompt string, onDelta func(string)) (string, error) {
	req := anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}
	if system != "" {
		req.System = []anthropic.TextBlockParam{{Text: system}}
	}

	stream := c.sdk().Messages.NewStreaming(ctx, req)
	defer stream.Close()

	var full strings.Builder
	var inputTok, outputTok int64
	for stream.Next() {
		switch ev := stream.Current().AsAny().(type) {
		case anthropic.MessageStartEvent:
			inputTok = ev.Message.Usage.InputTokens
		case anthropic.ContentBlockDeltaEvent:
			if d, ok := ev.Delta.AsAny().(anthropic.TextDelta); ok {
				full.WriteString(d.Text)
				if onDelta != nil {
					onDelta(d.Text)
				}
			}
		case anthropic.MessageDeltaEvent:
			outputTok = ev.Usage.OutputTokens
		}
	}
	c.record(inputTok, outputTok)

	if err := stream.Err(); err != nil {
		return full.String(), fmt.Errorf("stream failed: %w", err)
	}
	return full.String(), nil
}

// toMessageParams converts history into SDK params. The API requires the
// first message to come from the user, so leading assistant turns are dropped.
func toMessageParams(system string, msgs []models.Message) (string, []anthropic.MessageParam) {
	var sys strings.Builder
	sys.WriteString(system)

	type turn struct {
		role models.Role
		text strings.Builder
	}
	var turns []*turn
	for _, m := range msgs {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		if m.Role == models.RoleSystem {
			if sys.Len() > 0 {
				sys.WriteString("\n\n")
			}
			sys.WriteString(m.Content)
			continue
		}
		if len(turns) == 0 && m.Role != models.RoleUser {
			continue
		}
		if n := len(turns); n > 0 && turns[n-1].role == m.Role {
			turns[n-1].text.WriteString("\n\n")
			turns[n-1].text.WriteString(m.Content)
			continue
		}
		t := &turn{role: m.Role}
		t.text.WriteString(m.Content)
		turns = append(turns, t)
	}

	params := make([]anthropic.MessageParam, 0, len(turns))
	for _, t := range turns {
		block := anthropic.NewTextBlock(t.text.String())
		if t.role == models.RoleAssistant {
			params = append(params, anthropic.NewAssistantMessage(block))
		} else {
			params = append(params, anthropic.NewUserMessage(block))
		}
	}
	return sys.String(), params
}
