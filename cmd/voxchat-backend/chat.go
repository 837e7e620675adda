package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/teslashibe/voxchat/pkg/protocol"
)

const (
	basePrompt = "You are a friendly voice assistant. Answer in plain spoken language without markdown."

	// historyLimit is the number of prior messages replayed per session
	historyLimit = 10
)

// Responder produces a streamed answer for one chat request. emit is
// called once per content delta; tokens is the total usage, when known.
type Responder interface {
	Respond(ctx context.Context, req *protocol.ChatRequest, emit func(delta string) error) (tokens int, err error)
}

// systemPrompt appends per-request instructions to the base prompt.
func systemPrompt(req *protocol.ChatRequest) string {
	if req.SystemPrompt == "" {
		return basePrompt
	}
	return basePrompt + "\n\n--- Additional Instructions ---\n" + req.SystemPrompt
}

// echoResponder answers offline by repeating the request word by word.
type echoResponder struct {
	delay time.Duration
}

func (e echoResponder) Respond(ctx context.Context, req *protocol.ChatRequest, emit func(string) error) (int, error) {
	words := strings.Fields("You said: " + req.Content)
	for i, w := range words {
		if i > 0 {
			w = " " + w
		}
		if e.delay > 0 {
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(e.delay):
			}
		}
		if err := emit(w); err != nil {
			return 0, err
		}
	}
	return len(words), nil
}

// history keeps a bounded transcript per session.
type history struct {
	mu       sync.Mutex
	sessions map[string][]openai.ChatCompletionMessage
}

func newHistory() *history {
	return &history{sessions: make(map[string][]openai.ChatCompletionMessage)}
}

func (h *history) get(session string) []openai.ChatCompletionMessage {
	if session == "" {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]openai.ChatCompletionMessage(nil), h.sessions[session]...)
}

func (h *history) add(session string, msgs ...openai.ChatCompletionMessage) {
	if session == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	all := append(h.sessions[session], msgs...)
	if len(all) > historyLimit {
		all = all[len(all)-historyLimit:]
	}
	h.sessions[session] = all
}

// openAIResponder streams answers from the chat completions API.
type openAIResponder struct {
	client  *openai.Client
	model   string
	history *history
}

func newOpenAIResponder(client *openai.Client, model string) *openAIResponder {
	return &openAIResponder{client: client, model: model, history: newHistory()}
}

func (o *openAIResponder) Respond(ctx context.Context, req *protocol.ChatRequest, emit func(string) error) (int, error) {
	user := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.Content}

	msgs := []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleSystem, Content: systemPrompt(req)}}
	msgs = append(msgs, o.history.get(req.SessionID)...)
	msgs = append(msgs, user)

	model := o.model
	if req.Model != "" && (req.Provider == "" || req.Provider == "openai") {
		model = req.Model
	}
	creq := openai.ChatCompletionRequest{
		Model:         model,
		Messages:      msgs,
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}
	if req.Temperature != nil {
		creq.Temperature = float32(*req.Temperature)
	}
	if req.MaxTokens != nil {
		creq.MaxTokens = *req.MaxTokens
	}

	stream, err := o.client.CreateChatCompletionStream(ctx, creq)
	if err != nil {
		return 0, fmt.Errorf("start completion: %w", err)
	}
	defer stream.Close()

	var (
		answer strings.Builder
		tokens int
	)
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("stream completion: %w", err)
		}
		if resp.Usage != nil {
			tokens = resp.Usage.TotalTokens
		}
		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		answer.WriteString(delta)
		if err := emit(delta); err != nil {
			return 0, err
		}
	}

	o.history.add(req.SessionID, user, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleAssistant,
		Content: answer.String(),
	})
	return tokens, nil
}
