// Package assistant proxies plan-writing requests to a generative model.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

var (
	ErrDisabled     = errors.New("assistant is not configured")
	ErrEmptyPrompt  = errors.New("prompt is required")
	ErrEmptyContent = errors.New("model returned no text")
)

const systemPrompt = `You help a bakery owner write their business plan.
Answer with the text for one plan field only: no preamble, no headings, no
markdown fences. Keep it practical and specific to a small independent bakery.`

// Completer turns a system prompt and a user prompt into text.
type Completer interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

type AnthropicConfig struct {
	APIKey    string
	Model     string
	MaxTokens int64
	// BaseURL overrides the API endpoint; empty means the public API.
	BaseURL string
}

type AnthropicCompleter struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

func NewAnthropicCompleter(cfg AnthropicConfig) (*AnthropicCompleter, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, ErrDisabled
	}
	if cfg.Model == "" {
		cfg.Model = "claude-sonnet-4-5"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey), option.WithMaxRetries(1)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &AnthropicCompleter{
		client:    anthropic.NewClient(opts...),
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
	}, nil
}

func (c *AnthropicCompleter) Complete(ctx context.Context, system, prompt string) (string, error) {
	msg, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: c.maxTokens,
		System:    []anthropic.TextBlockParam{{Text: system}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic messages: %w", err)
	}
	var out strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			out.WriteString(block.Text)
		}
	}
	return out.String(), nil
}

// Request asks for text for one plan field. Context carries neighbouring
// field values the model may draw on.
type Request struct {
	PlanID  string
	Field   string
	Prompt  string
	Context map[string]string
}

type Service struct {
	completer Completer
	logger    *log.Logger
}

// NewService returns a service; a nil completer yields ErrDisabled on every
// request.
func NewService(completer Completer, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.Default()
	}
	return &Service{completer: completer, logger: logger}
}

func (s *Service) Enabled() bool {
	return s != nil && s.completer != nil
}

func (s *Service) Generate(ctx context.Context, req Request) (string, error) {
	if !s.Enabled() {
		return "", ErrDisabled
	}
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return "", ErrEmptyPrompt
	}

	text, err := s.completer.Complete(ctx, systemPrompt, buildPrompt(req.Field, prompt, req.Context))
	if err != nil {
		s.logger.Printf("assistant: generate %s/%s: %v", req.PlanID, req.Field, err)
		return "", fmt.Errorf("generate %s: %w", req.Field, err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyContent
	}
	return text, nil
}

func buildPrompt(field, prompt string, extra map[string]string) string {
	var b strings.Builder
	if field != "" {
		fmt.Fprintf(&b, "Plan field: %s\n", field)
	}
	if len(extra) > 0 {
		keys := make([]string, 0, len(extra))
		for key := range extra {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		b.WriteString("Existing plan content:\n")
		for _, key := range keys {
			if v := strings.TrimSpace(extra[key]); v != "" {
				fmt.Fprintf(&b, "- %s: %s\n", key, v)
			}
		}
	}
	b.WriteString("\nRequest: ")
	b.WriteString(prompt)
	return b.String()
}
