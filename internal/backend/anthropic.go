package backend

import (
	"context"
	"fmt"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/oklog/ulid/v2"
)

// AnthropicClient implements Client against the Anthropic Messages API.
// Each thread holds its accumulated conversation; a turn is one request
// with the full history. Interrupt cancels the thread's in-flight request.
type AnthropicClient struct {
	api   *anthropic.Client
	model anthropic.Model

	mu      sync.Mutex
	threads map[string]*anthThread
}

type anthThread struct {
	system   string
	model    anthropic.Model
	messages []anthropic.MessageParam
	cancel   context.CancelFunc
}

// NewAnthropicClient creates a backend client. model is used for threads
// that do not override it.
func NewAnthropicClient(apiKey, model string) *AnthropicClient {
	opts := []option.RequestOption{}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	client := anthropic.NewClient(opts...)
	return &AnthropicClient{
		api:     &client,
		model:   anthropic.Model(model),
		threads: make(map[string]*anthThread),
	}
}

// StartThread registers a new conversation thread.
func (c *AnthropicClient) StartThread(ctx context.Context, params StartParams) (*Thread, error) {
	model := c.model
	if params.Model != "" {
		model = anthropic.Model(params.Model)
	}

	system := params.Instructions
	if system == "" {
		system = fmt.Sprintf(
			"You are an autonomous agent working in %s. Sandbox policy: %s. Approval policy: %s.",
			params.Cwd, params.SandboxPolicy, params.ApprovalPolicy)
	}

	id := ulid.Make().String()
	c.mu.Lock()
	c.threads[id] = &anthThread{system: system, model: model}
	c.mu.Unlock()

	return &Thread{ID: id}, nil
}

// SendMessage runs one turn: append the user text, call the API with the
// full history, append and return the assistant reply.
func (c *AnthropicClient) SendMessage(ctx context.Context, threadID, text string, opts SendOpts) (*Turn, error) {
	c.mu.Lock()
	th, ok := c.threads[threadID]
	if !ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("unknown thread %s", threadID)
	}

	turnCtx, cancel := context.WithCancel(ctx)
	th.cancel = cancel
	th.messages = append(th.messages, anthropic.NewUserMessage(anthropic.NewTextBlock(text)))
	history := append([]anthropic.MessageParam(nil), th.messages...)
	system := th.system
	model := th.model
	c.mu.Unlock()

	defer cancel()

	msg, err := c.api.Messages.New(turnCtx, anthropic.MessageNewParams{
		Model:     model,
		MaxTokens: 8192,
		System: []anthropic.TextBlockParam{
			{Text: system},
		},
		Messages: history,
	})
	if err != nil {
		return nil, fmt.Errorf("anthropic API call: %w", err)
	}

	var reply string
	for _, block := range msg.Content {
		if block.Type == "text" {
			reply = block.Text
			break
		}
	}

	c.mu.Lock()
	if th, ok := c.threads[threadID]; ok {
		th.messages = append(th.messages, msg.ToParam())
		th.cancel = nil
	}
	c.mu.Unlock()

	return &Turn{ID: ulid.Make().String(), Text: reply}, nil
}

// Interrupt cancels the thread's in-flight turn, if any.
func (c *AnthropicClient) Interrupt(ctx context.Context, threadID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	th, ok := c.threads[threadID]
	if !ok {
		return fmt.Errorf("unknown thread %s", threadID)
	}
	if th.cancel != nil {
		th.cancel()
		th.cancel = nil
	}
	return nil
}

// RespondToApproval records an approval decision. The Messages API has no
// server-side approval channel, so a denial is injected into the
// conversation as an instruction for the next turn.
func (c *AnthropicClient) RespondToApproval(ctx context.Context, threadID, itemID, requestID string, decision ApprovalDecision, amendment string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	th, ok := c.threads[threadID]
	if !ok {
		return fmt.Errorf("unknown thread %s", threadID)
	}

	if decision == DecisionDenied {
		note := fmt.Sprintf("Request %s for item %s was denied.", requestID, itemID)
		if amendment != "" {
			note += " " + amendment
		}
		th.messages = append(th.messages, anthropic.NewUserMessage(anthropic.NewTextBlock(note)))
	}
	return nil
}

var _ Client = (*AnthropicClient)(nil)
