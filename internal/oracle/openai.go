package oracle

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAI invokes a chat completion model.
type OpenAI struct {
	client    openai.Client
	model     string
	maxTokens int64
	system    string
	tracker   *TokenTracker
}

// OpenAIConfig contains configuration for creating an OpenAI oracle.
type OpenAIConfig struct {
	Model string
	// APIKey defaults to OPENAI_API_KEY.
	APIKey    string
	BaseURL   string
	MaxTokens int64
	System    string
}

// NewOpenAI creates an OpenAI oracle.
func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY environment variable is not set")
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	model := cfg.Model
	if model == "" {
		model = openai.ChatModelGPT4o
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &OpenAI{
		client:    openai.NewClient(opts...),
		model:     model,
		maxTokens: maxTokens,
		system:    cfg.System,
		tracker:   NewTokenTracker(),
	}, nil
}

// Model returns the configured model name.
func (o *OpenAI) Model() string {
	return o.model
}

// Tracker returns the token tracker for this oracle.
func (o *OpenAI) Tracker() *TokenTracker {
	return o.tracker
}

// Invoke sends one user message. Attachments are inlined as data URLs.
func (o *OpenAI) Invoke(ctx context.Context, req Request) (Response, error) {
	var messages []openai.ChatCompletionMessageParamUnion
	if o.system != "" {
		messages = append(messages, openai.SystemMessage(o.system))
	}
	if len(req.Attachments) == 0 {
		messages = append(messages, openai.UserMessage(req.Text))
	} else {
		parts := []openai.ChatCompletionContentPartUnionParam{openai.TextContentPart(req.Text)}
		for _, att := range req.Attachments {
			url := "data:" + att.MediaType + ";base64," + base64.StdEncoding.EncodeToString(att.Data)
			parts = append(parts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: url}))
		}
		messages = append(messages, openai.UserMessage(parts))
	}

	resp, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:               o.model,
		Messages:            messages,
		MaxCompletionTokens: openai.Int(o.maxTokens),
	})
	if err != nil {
		return Response{}, fmt.Errorf("openai api error: %w", err)
	}
	o.tracker.Add(resp.Usage.PromptTokens, resp.Usage.CompletionTokens)

	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return Response{}, ErrEmptyResponse
	}
	return Response{Content: resp.Choices[0].Message.Content}, nil
}
