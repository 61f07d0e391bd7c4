package oracle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
		wantErr error
	}{
		{"plain object", `{"a":1}`, `{"a":1}`, nil},
		{"plain array", ` [1,2] `, `[1,2]`, nil},
		{"fenced", "```json\n{\"a\":1}\n```", `{"a":1}`, nil},
		{"fenced no tag", "```\n[{\"b\":2}]\n```", `[{"b":2}]`, nil},
		{"prose around", "Here you go:\n{\"a\":{\"b\":1}}\nThanks", `{"a":{"b":1}}`, nil},
		{"empty", "   ", "", ErrEmptyResponse},
		{"no json", "I cannot help with that", "", ErrNotJSON},
		{"broken json", "{\"a\": ", "", ErrNotJSON},
		{"null", "null", "", ErrNotJSON},
		{"number", "42", "", ErrNotJSON},
		{"string", `"all clear"`, "", ErrNotJSON},
		{"fenced scalar", "```json\ntrue\n```", "", ErrNotJSON},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractJSON(tt.content)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(got))
		})
	}
}

func TestDecodeJSON(t *testing.T) {
	var v struct {
		AgentType string `json:"agent_type"`
	}
	require.NoError(t, DecodeJSON("```json\n{\"agent_type\":\"drone_bot\"}\n```", &v))
	assert.Equal(t, "drone_bot", v.AgentType)

	var list []int
	err := DecodeJSON(`{"a":1}`, &list)
	assert.ErrorIs(t, err, ErrNotJSON)
}

func TestWithTimeout(t *testing.T) {
	slow := Func(func(ctx context.Context, req Request) (Response, error) {
		select {
		case <-ctx.Done():
			return Response{}, ctx.Err()
		case <-time.After(5 * time.Second):
			return Response{Content: "late"}, nil
		}
	})

	_, err := WithTimeout(slow, 20*time.Millisecond).Invoke(context.Background(), Request{Text: "x"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Contains(t, err.Error(), "timed out")

	fast := Func(func(ctx context.Context, req Request) (Response, error) {
		return Response{Content: req.Text}, nil
	})
	resp, err := WithTimeout(fast, time.Second).Invoke(context.Background(), Request{Text: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "hi", resp.Content)

	assert.NotNil(t, WithTimeout(fast, 0))
}

func TestTranslateModelForBedrock(t *testing.T) {
	tests := []struct {
		in   anthropic.Model
		want anthropic.Model
	}{
		{anthropic.ModelClaudeSonnet4_20250514, "us.anthropic.claude-sonnet-4-20250514-v1:0"},
		{"us.anthropic.custom-v1:0", "us.anthropic.custom-v1:0"},
		{"my-custom-model", "my-custom-model"},
	}
	for _, tt := range tests {
		if got := translateModelForBedrock(tt.in); got != tt.want {
			t.Errorf("translateModelForBedrock(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNewRequiresAPIKey(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "")

	_, err := New(context.Background(), Config{Provider: ProviderAnthropic})
	assert.Error(t, err)
	_, err = New(context.Background(), Config{Provider: ProviderOpenAI})
	assert.Error(t, err)
	_, err = New(context.Background(), Config{Provider: "llama"})
	assert.Error(t, err)
}

func TestNewWithKeys(t *testing.T) {
	o, err := New(context.Background(), Config{Provider: ProviderAnthropic, APIKey: "sk-ant-test"})
	require.NoError(t, err)
	assert.NotNil(t, o)

	oa, err := NewOpenAI(OpenAIConfig{APIKey: "sk-test", Model: "gpt-4o-mini"})
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", oa.Model())
}

func TestTokenTracker(t *testing.T) {
	tr := NewTokenTracker()
	tr.Add(10, 5)
	tr.Add(1, 2)
	in, out := tr.Total()
	assert.Equal(t, int64(11), in)
	assert.Equal(t, int64(7), out)
	assert.Equal(t, 2, tr.Calls())
}
