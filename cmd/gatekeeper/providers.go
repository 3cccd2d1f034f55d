package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/openai/openai-go"

	"gatekeeper/pkg/llmerrors"
	"gatekeeper/pkg/proto"
)

// ProviderSet holds the upstream SDK clients. Both read their API keys
// from the environment (OPENAI_API_KEY, ANTHROPIC_API_KEY).
type ProviderSet struct {
	openai    openai.Client
	anthropic anthropic.Client
}

// NewProviderSet creates clients for the supported providers.
func NewProviderSet() *ProviderSet {
	return &ProviderSet{
		openai:    openai.NewClient(),
		anthropic: anthropic.NewClient(),
	}
}

// chatResult is an execute outcome carrying the completion text and the
// actual token usage, reconciled against the pre-dispatch estimate.
type chatResult struct {
	text       string
	usedTokens int
}

func (r *chatResult) String() string  { return r.text }
func (r *chatResult) UsedTokens() int { return r.usedTokens }

// Executor builds the execute callback for one completion.
func (ps *ProviderSet) Executor(md proto.Metadata, prompt string) func(ctx context.Context) (any, error) {
	return func(ctx context.Context) (any, error) {
		switch md.Provider {
		case "openai":
			return ps.completeOpenAI(ctx, md.Model, prompt)
		case "anthropic":
			return ps.completeAnthropic(ctx, md.Model, prompt)
		default:
			return nil, llmerrors.NewError(llmerrors.ErrorTypeBadPrompt,
				fmt.Sprintf("unsupported provider %q", md.Provider))
		}
	}
}

func (ps *ProviderSet) completeOpenAI(ctx context.Context, model, prompt string) (any, error) {
	completion, err := ps.openai.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
	})
	if err != nil {
		var apierr *openai.Error
		if errors.As(err, &apierr) {
			return nil, classifyStatus(apierr.StatusCode, apierr.Response, err)
		}
		return nil, err
	}
	if len(completion.Choices) == 0 {
		return nil, llmerrors.NewError(llmerrors.ErrorTypeUnknown, "completion returned no choices")
	}
	return &chatResult{
		text:       completion.Choices[0].Message.Content,
		usedTokens: int(completion.Usage.TotalTokens),
	}, nil
}

func (ps *ProviderSet) completeAnthropic(ctx context.Context, model, prompt string) (any, error) {
	msg, err := ps.anthropic.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: 1024,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		var apierr *anthropic.Error
		if errors.As(err, &apierr) {
			return nil, classifyStatus(apierr.StatusCode, apierr.Response, err)
		}
		return nil, err
	}
	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	return &chatResult{
		text:       text,
		usedTokens: int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
	}, nil
}

// classifyStatus wraps an SDK error so circuit accounting and
// retry-after ingestion see its status code and headers.
func classifyStatus(status int, resp *http.Response, cause error) error {
	var et llmerrors.ErrorType
	switch {
	case status == http.StatusTooManyRequests:
		et = llmerrors.ErrorTypeRateLimit
	case status == http.StatusRequestTimeout:
		et = llmerrors.ErrorTypeTimeout
	case status >= 500:
		et = llmerrors.ErrorTypeTransient
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		et = llmerrors.ErrorTypeAuth
	case status == http.StatusBadRequest:
		et = llmerrors.ErrorTypeBadPrompt
	default:
		et = llmerrors.ErrorTypeUnknown
	}
	e := llmerrors.NewErrorWithStatus(et, status, cause.Error())
	e.Err = cause
	if resp != nil {
		e.Headers = resp.Header
	}
	return e
}
