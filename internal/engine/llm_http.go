package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/avrile/cadence/internal/reliability"
)

// BackendStatusError is a non-2xx reply from the llm endpoint.
type BackendStatusError struct {
	Status int
	Body   string
}

func (e *BackendStatusError) Error() string {
	return fmt.Sprintf("llm http status %d: %s", e.Status, e.Body)
}

// Retryable reports whether another attempt could succeed. Definitive
// rejections (4xx other than 429) reproduce on any retry.
func (e *BackendStatusError) Retryable() bool {
	return reliability.IsRetryableHTTPStatus(e.Status)
}

// HTTPLLMAdapter forwards completion requests to a streaming HTTP endpoint.
// It understands SSE (text/event-stream), NDJSON, and plain JSON replies.
type HTTPLLMAdapter struct {
	url    string
	strict bool
	client *http.Client
}

func NewHTTPLLMAdapter(url string) *HTTPLLMAdapter {
	return NewHTTPLLMAdapterWithOptions(url, false)
}

// NewHTTPLLMAdapterWithOptions controls strict parsing: in strict mode a
// malformed stream line is an error instead of being passed through as text.
func NewHTTPLLMAdapterWithOptions(url string, strict bool) *HTTPLLMAdapter {
	return &HTTPLLMAdapter{
		url:    strings.TrimSpace(url),
		strict: strict,
		client: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

func (a *HTTPLLMAdapter) StreamResponse(ctx context.Context, req CompletionRequest, onDelta DeltaHandler) (CompletionResponse, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return CompletionResponse{}, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(payload))
	if err != nil {
		return CompletionResponse{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream, application/x-ndjson, application/json")

	res, err := a.client.Do(httpReq)
	if err != nil {
		return CompletionResponse{}, fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return CompletionResponse{}, &BackendStatusError{Status: res.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	ct := strings.ToLower(res.Header.Get("Content-Type"))
	switch {
	case strings.Contains(ct, "text/event-stream"):
		return a.consumeSSE(res.Body, onDelta)
	case strings.Contains(ct, "application/x-ndjson"):
		return a.consumeNDJSON(res.Body, onDelta)
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return CompletionResponse{}, fmt.Errorf("read response: %w", err)
	}

	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err != nil {
		text := strings.TrimSpace(string(body))
		if text == "" {
			return CompletionResponse{}, nil
		}
		if onDelta != nil {
			if err := onDelta(text); err != nil {
				return CompletionResponse{}, err
			}
		}
		return CompletionResponse{Text: text}, nil
	}

	text := extractText(obj)
	if text != "" && onDelta != nil {
		if err := onDelta(text); err != nil {
			return CompletionResponse{}, err
		}
	}
	return CompletionResponse{Text: text}, nil
}

func (a *HTTPLLMAdapter) consumeSSE(body io.Reader, onDelta DeltaHandler) (CompletionResponse, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var out strings.Builder
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" || data == "[DONE]" {
			continue
		}

		delta, err := a.decodeDelta(data)
		if err != nil {
			return CompletionResponse{}, err
		}
		if delta == "" {
			continue
		}
		out.WriteString(delta)
		if onDelta != nil {
			if err := onDelta(delta); err != nil {
				return CompletionResponse{}, err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return CompletionResponse{}, fmt.Errorf("sse read: %w", err)
	}
	return CompletionResponse{Text: out.String()}, nil
}

func (a *HTTPLLMAdapter) consumeNDJSON(body io.Reader, onDelta DeltaHandler) (CompletionResponse, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var out strings.Builder
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || line == "[DONE]" {
			continue
		}

		delta, err := a.decodeDelta(line)
		if err != nil {
			return CompletionResponse{}, err
		}
		if delta == "" {
			continue
		}
		out.WriteString(delta)
		if onDelta != nil {
			if err := onDelta(delta); err != nil {
				return CompletionResponse{}, err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return CompletionResponse{}, fmt.Errorf("ndjson read: %w", err)
	}
	return CompletionResponse{Text: out.String()}, nil
}

// decodeDelta extracts the text fragment from one stream line. Non-JSON
// lines pass through as literal text unless strict mode is on.
func (a *HTTPLLMAdapter) decodeDelta(line string) (string, error) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(line), &obj); err != nil {
		if a.strict {
			return "", fmt.Errorf("invalid stream payload %q: %w", line, err)
		}
		return line, nil
	}
	return extractText(obj), nil
}

func extractText(obj map[string]any) string {
	for _, k := range []string{"text", "delta", "output", "message"} {
		if v, ok := obj[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
	}
	return ""
}
