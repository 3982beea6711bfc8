package openrouter

import (
	"context"
	"errors"
	"io"
	"iter"
	"math"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/artem13815/chatrelay/pkg/llm"
)

const (
	providerName   = "openrouter"
	DefaultBaseURL = "https://openrouter.ai/api/v1"
	DefaultModel   = "qwen/qwen2.5-32b-instruct"
)

// Config is passed explicitly at construction; nothing is read from the
// environment here.
type Config struct {
	APIKey    string
	BaseURL   string
	Model     string
	AppTitle  string
	Referer   string
	MaxTokens int
	// Temperature applies when a request does not carry its own.
	Temperature *float32
	// HTTPClient overrides the transport, mostly for tests.
	HTTPClient *http.Client
}

// Client talks to OpenRouter or any other OpenAI-compatible chat completions API.
type Client struct {
	api *openai.Client
	cfg Config
}

var _ llm.ChatModel = (*Client)(nil)

func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	base := cfg.HTTPClient
	if base == nil {
		base = &http.Client{}
	}
	transport := base.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	hc := *base
	hc.Transport = &headerTransport{next: transport, referer: cfg.Referer, title: cfg.AppTitle}

	oc := openai.DefaultConfig(cfg.APIKey)
	oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	oc.HTTPClient = &hc
	return &Client{api: openai.NewClientWithConfig(oc), cfg: cfg}
}

// headerTransport adds the attribution headers OpenRouter uses for app rankings.
type headerTransport struct {
	next    http.RoundTripper
	referer string
	title   string
}

func (t *headerTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	if t.referer == "" && t.title == "" {
		return t.next.RoundTrip(r)
	}
	r = r.Clone(r.Context())
	if t.referer != "" {
		r.Header.Set("HTTP-Referer", t.referer)
	}
	if t.title != "" {
		r.Header.Set("X-Title", t.title)
	}
	return t.next.RoundTrip(r)
}

func (c *Client) request(req llm.Request) openai.ChatCompletionRequest {
	msgs := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	for _, m := range req.Messages {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	out := openai.ChatCompletionRequest{
		Model:     c.cfg.Model,
		Messages:  msgs,
		MaxTokens: c.cfg.MaxTokens,
	}
	if req.Model != "" {
		out.Model = req.Model
	}
	if req.MaxTokens > 0 {
		out.MaxTokens = req.MaxTokens
	}
	temp := c.cfg.Temperature
	if req.Temperature != nil {
		temp = req.Temperature
	}
	if temp != nil {
		out.Temperature = *temp
		// Temperature is omitempty in go-openai, so an explicit zero would fall
		// back to the provider default.
		if out.Temperature == 0 {
			out.Temperature = math.SmallestNonzeroFloat32
		}
	}
	return out
}

// Generate returns the complete reply of the first choice.
func (c *Client) Generate(ctx context.Context, req llm.Request) (string, error) {
	if c.cfg.APIKey == "" {
		return "", llm.Classify(providerName, http.StatusUnauthorized, errors.New("api key is empty"))
	}
	resp, err := c.api.CreateChatCompletion(ctx, c.request(req))
	if err != nil {
		return "", classify(err)
	}
	if len(resp.Choices) == 0 {
		return "", llm.Classify(providerName, 0, errors.New("no choices returned by model"))
	}
	return resp.Choices[0].Message.Content, nil
}

// Stream yields content deltas of the first choice until the provider sends [DONE].
func (c *Client) Stream(ctx context.Context, req llm.Request) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if c.cfg.APIKey == "" {
			yield("", llm.Classify(providerName, http.StatusUnauthorized, errors.New("api key is empty")))
			return
		}
		stream, err := c.api.CreateChatCompletionStream(ctx, c.request(req))
		if err != nil {
			yield("", classify(err))
			return
		}
		defer stream.Close()
		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield("", classify(err))
				return
			}
			if len(resp.Choices) == 0 || resp.Choices[0].Delta.Content == "" {
				continue
			}
			if !yield(resp.Choices[0].Delta.Content, nil) {
				return
			}
		}
	}
}

func classify(err error) error {
	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}
	return llm.Classify(providerName, status, err)
}
