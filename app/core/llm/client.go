package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// ErrModel marks a language-model call failure or malformed response.
// Callers surface it as a generic "try later" reply.
var ErrModel = errors.New("llm: model failure")

// Gemini's OpenAI-compatible surface.
const defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta/openai/"

const defaultTimeout = 15 * time.Second

// Client wraps the chat-completion API used by every model adapter.
type Client struct {
	api     openai.Client
	model   string
	timeout time.Duration
}

type Option func(*clientOptions)

type clientOptions struct {
	baseURL string
	timeout time.Duration
}

// WithBaseURL overrides the API endpoint, for tests.
func WithBaseURL(baseURL string) Option {
	return func(o *clientOptions) { o.baseURL = baseURL }
}

func WithTimeout(timeout time.Duration) Option {
	return func(o *clientOptions) { o.timeout = timeout }
}

func NewClient(apiKey, model string, opts ...Option) *Client {
	options := clientOptions{
		baseURL: defaultBaseURL,
		timeout: defaultTimeout,
	}
	for _, opt := range opts {
		opt(&options)
	}
	return &Client{
		api: openai.NewClient(
			option.WithAPIKey(apiKey),
			option.WithBaseURL(options.baseURL),
		),
		model:   model,
		timeout: options.timeout,
	}
}

// complete performs one chat-completion round trip under the hard timeout.
func (c *Client) complete(ctx context.Context, system, user string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.api.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(user),
		},
		Temperature: openai.Float(0),
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrModel, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: empty response", ErrModel)
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
