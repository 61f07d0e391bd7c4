package oracle

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/bedrock"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/aws/aws-sdk-go-v2/config"
)

// Anthropic invokes Claude models through the Anthropic API or AWS Bedrock.
type Anthropic struct {
	inner     anthropic.Client
	model     anthropic.Model
	maxTokens int64
	system    string
	tracker   *TokenTracker
}

// AnthropicConfig contains configuration for creating an Anthropic oracle.
type AnthropicConfig struct {
	// Model is the Claude model to use. Defaults to Claude Sonnet 4.
	Model string
	// APIKey is the Anthropic API key. If empty, uses ANTHROPIC_API_KEY env var.
	APIKey string
	// MaxTokens caps the response length.
	MaxTokens int64
	// System is an optional system prompt sent with every request.
	System string
	// UseAWSBedrock indicates whether to use AWS Bedrock instead of direct API.
	UseAWSBedrock bool
	// AWSRegion is the AWS region for Bedrock (e.g., "us-west-2").
	AWSRegion string
	// AWSProfile is the optional AWS profile name to use.
	AWSProfile string
}

// NewAnthropic creates an Anthropic oracle.
func NewAnthropic(ctx context.Context, cfg AnthropicConfig) (*Anthropic, error) {
	var opts []option.RequestOption

	if cfg.UseAWSBedrock {
		var loadOpts []func(*config.LoadOptions) error
		if cfg.AWSRegion != "" {
			loadOpts = append(loadOpts, config.WithRegion(cfg.AWSRegion))
		}
		if cfg.AWSProfile != "" {
			loadOpts = append(loadOpts, config.WithSharedConfigProfile(cfg.AWSProfile))
		}
		opts = append(opts, bedrock.WithLoadDefaultConfig(ctx, loadOpts...))
	} else {
		apiKey := cfg.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("ANTHROPIC_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY environment variable is not set")
		}
		opts = append(opts, option.WithAPIKey(apiKey))
	}

	model := anthropic.Model(cfg.Model)
	if model == "" {
		model = anthropic.ModelClaudeSonnet4_20250514
	}
	if cfg.UseAWSBedrock {
		model = translateModelForBedrock(model)
	}

	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	return &Anthropic{
		inner:     anthropic.NewClient(opts...),
		model:     model,
		maxTokens: maxTokens,
		system:    cfg.System,
		tracker:   NewTokenTracker(),
	}, nil
}

// translateModelForBedrock converts standard model names to Bedrock
// cross-region inference profiles: us.anthropic.{model}-v1:0
func translateModelForBedrock(model anthropic.Model) anthropic.Model {
	if strings.HasPrefix(string(model), "us.anthropic.") {
		return model
	}
	bedrockModels := map[anthropic.Model]string{
		anthropic.ModelClaudeSonnet4_20250514:   "us.anthropic.claude-sonnet-4-20250514-v1:0",
		anthropic.ModelClaudeSonnet4_5_20250929: "us.anthropic.claude-sonnet-4-5-20250929-v1:0",
		anthropic.ModelClaudeHaiku4_5_20251001:  "us.anthropic.claude-haiku-4-5-20251001-v1:0",
		anthropic.ModelClaudeOpus4_1_20250805:   "us.anthropic.claude-opus-4-1-20250805-v1:0",
		anthropic.ModelClaude3_5Haiku20241022:   "us.anthropic.claude-3-5-haiku-20241022-v1:0",
	}
	if bedrockModel, ok := bedrockModels[model]; ok {
		return anthropic.Model(bedrockModel)
	}
	return model
}

// Model returns the configured model name.
func (a *Anthropic) Model() string {
	return string(a.model)
}

// Tracker returns the token tracker for this oracle.
func (a *Anthropic) Tracker() *TokenTracker {
	return a.tracker
}

// Invoke sends one user message (text plus image attachments) and returns the concatenated text blocks.
func (a *Anthropic) Invoke(ctx context.Context, req Request) (Response, error) {
	blocks := make([]anthropic.ContentBlockParamUnion, 0, len(req.Attachments)+1)
	for _, att := range req.Attachments {
		blocks = append(blocks, anthropic.NewImageBlockBase64(att.MediaType, base64.StdEncoding.EncodeToString(att.Data)))
	}
	blocks = append(blocks, anthropic.NewTextBlock(req.Text))

	params := anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: a.maxTokens,
		Messages:  []anthropic.MessageParam{anthropic.NewUserMessage(blocks...)},
	}
	if a.system != "" {
		params.System = []anthropic.TextBlockParam{{Text: a.system}}
	}

	resp, err := a.inner.Messages.New(ctx, params)
	if err != nil {
		return Response{}, fmt.Errorf("anthropic api error: %w", err)
	}
	a.tracker.Add(resp.Usage.InputTokens, resp.Usage.OutputTokens)

	var sb strings.Builder
	for _, block := range resp.Content {
		if variant, ok := block.AsAny().(anthropic.TextBlock); ok {
			sb.WriteString(variant.Text)
		}
	}
	if sb.Len() == 0 {
		return Response{}, ErrEmptyResponse
	}
	return Response{Content: sb.String()}, nil
}

// TokenTracker tracks token usage across oracle calls.
type TokenTracker struct {
	mu        sync.Mutex
	inputTok  int64
	outputTok int64
	calls     int
}

// NewTokenTracker creates a new token tracker.
func NewTokenTracker() *TokenTracker {
	return &TokenTracker{}
}

// Add records token usage from one call.
func (t *TokenTracker) Add(input, output int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inputTok += input
	t.outputTok += output
	t.calls++
}

// Total returns the total input and output tokens tracked.
func (t *TokenTracker) Total() (input, output int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inputTok, t.outputTok
}

// Calls returns the number of calls recorded.
func (t *TokenTracker) Calls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls
}
