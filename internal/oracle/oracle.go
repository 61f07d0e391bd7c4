// Package oracle wraps the external reasoning service that interprets
// observations, proposes tasks and picks agents.
//
// The pipeline depends only on the Oracle interface. Providers (Anthropic,
// Anthropic on AWS Bedrock, OpenAI) are adapters; Func exists for tests.
package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Attachment is binary content sent alongside the prompt text.
type Attachment struct {
	// MediaType is the declared MIME type, e.g. "image/jpeg".
	MediaType string
	// Data is the raw (not base64) content.
	Data []byte
}

// Request is one oracle invocation.
type Request struct {
	Text        string
	Attachments []Attachment
}

// Response is the oracle's raw text answer.
type Response struct {
	Content string
}

// Oracle answers a single request.
type Oracle interface {
	Invoke(ctx context.Context, req Request) (Response, error)
}

// Func adapts a function to the Oracle interface.
type Func func(ctx context.Context, req Request) (Response, error)

// Invoke calls f.
func (f Func) Invoke(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}

// ErrEmptyResponse is returned when the provider answered with no text.
var ErrEmptyResponse = errors.New("oracle returned no content")

// ErrNotJSON is returned by DecodeJSON when the content holds no JSON value.
var ErrNotJSON = errors.New("oracle response is not JSON")

// WithTimeout bounds every call to o by d. A zero d returns o unchanged.
func WithTimeout(o Oracle, d time.Duration) Oracle {
	if d <= 0 {
		return o
	}
	return Func(func(ctx context.Context, req Request) (Response, error) {
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		resp, err := o.Invoke(ctx, req)
		if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Response{}, fmt.Errorf("oracle timed out after %s: %w", d, err)
		}
		return resp, err
	})
}

// DecodeJSON extracts the JSON value from content into v.
// Markdown code fences and text around the outermost object or array are ignored.
func DecodeJSON(content string, v any) error {
	raw, err := ExtractJSON(content)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrNotJSON, err)
	}
	return nil
}

// ExtractJSON returns the JSON object or array embedded in content.
// Bare scalars (null, numbers, strings, booleans) are ErrNotJSON.
func ExtractJSON(content string) (json.RawMessage, error) {
	s := strings.TrimSpace(stripFence(content))
	if s == "" {
		return nil, ErrEmptyResponse
	}
	if json.Valid([]byte(s)) {
		if s[0] != '{' && s[0] != '[' {
			return nil, fmt.Errorf("%w: got a bare %.20s", ErrNotJSON, s)
		}
		return json.RawMessage(s), nil
	}

	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return nil, ErrNotJSON
	}
	closer := byte('}')
	if s[start] == '[' {
		closer = ']'
	}
	end := strings.LastIndexByte(s, closer)
	if end <= start {
		return nil, ErrNotJSON
	}
	candidate := s[start : end+1]
	if !json.Valid([]byte(candidate)) {
		return nil, ErrNotJSON
	}
	return json.RawMessage(candidate), nil
}

func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	// drop the language tag line
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	if end := strings.LastIndex(s, "```"); end >= 0 {
		s = s[:end]
	}
	return s
}
