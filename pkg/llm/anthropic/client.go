package anthropic

import (
	"context"
	"errors"
	"iter"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/artem13815/chatrelay/pkg/llm"
)

const providerName = "anthropic"

// DefaultMaxTokens is used when neither the config nor the request sets a limit;
// the Messages API requires one.
const DefaultMaxTokens = 1024

type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	Temperature *float32
}

// Client adapts the Anthropic Messages API to llm.ChatModel.
type Client struct {
	api sdk.Client
	cfg Config
}

var _ llm.ChatModel = (*Client)(nil)

func New(cfg Config) *Client {
	if cfg.Model == "" {
		cfg.Model = string(sdk.ModelClaude3_7SonnetLatest)
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	// Retries are decided by the orchestrator, never inside the SDK.
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey), option.WithMaxRetries(0)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Client{api: sdk.NewClient(opts...), cfg: cfg}
}

func (c *Client) params(req llm.Request) sdk.MessageNewParams {
	msgs := make([]sdk.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		block := sdk.NewTextBlock(m.Content)
		if m.Role == llm.RoleAssistant {
			msgs = append(msgs, sdk.NewAssistantMessage(block))
		} else {
			msgs = append(msgs, sdk.NewUserMessage(block))
		}
	}
	maxTokens := c.cfg.MaxTokens
	if req.MaxTokens > 0 {
		maxTokens = req.MaxTokens
	}
	model := c.cfg.Model
	if req.Model != "" {
		model = req.Model
	}
	p := sdk.MessageNewParams{
		Model:     sdk.Model(model),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}
	if req.System != "" {
		p.System = []sdk.TextBlockParam{{Text: req.System}}
	}
	switch {
	case req.Temperature != nil:
		p.Temperature = sdk.Float(float64(*req.Temperature))
	case c.cfg.Temperature != nil:
		p.Temperature = sdk.Float(float64(*c.cfg.Temperature))
	}
	return p
}

func (c *Client) Generate(ctx context.Context, req llm.Request) (string, error) {
	msg, err := c.api.Messages.New(ctx, c.params(req))
	if err != nil {
		return "", classify(err)
	}
	var sb strings.Builder
	for _, block := range msg.Content {
		if tb, ok := block.AsAny().(sdk.TextBlock); ok {
			sb.WriteString(tb.Text)
		}
	}
	return sb.String(), nil
}

func (c *Client) Stream(ctx context.Context, req llm.Request) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		stream := c.api.Messages.NewStreaming(ctx, c.params(req))
		defer stream.Close()
		for stream.Next() {
			ev, ok := stream.Current().AsAny().(sdk.ContentBlockDeltaEvent)
			if !ok {
				continue
			}
			delta, ok := ev.Delta.AsAny().(sdk.TextDelta)
			if !ok || delta.Text == "" {
				continue
			}
			if !yield(delta.Text, nil) {
				return
			}
		}
		if err := stream.Err(); err != nil {
			yield("", classify(err))
		}
	}
}

func classify(err error) error {
	status := 0
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		status = apiErr.StatusCode
	}
	return llm.Classify(providerName, status, err)
}
