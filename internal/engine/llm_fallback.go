package engine

import (
	"context"
	"errors"
	"fmt"
)

// FallbackLLM attempts a primary adapter first and falls back on error.
// Context cancellation is passed through untouched so an interrupted turn
// never triggers a pointless fallback attempt.
type FallbackLLM struct {
	primary  LLMAdapter
	fallback LLMAdapter
}

func NewFallbackLLM(primary, fallback LLMAdapter) *FallbackLLM {
	return &FallbackLLM{primary: primary, fallback: fallback}
}

func (a *FallbackLLM) StreamResponse(ctx context.Context, req CompletionRequest, onDelta DeltaHandler) (CompletionResponse, error) {
	if a == nil || a.primary == nil {
		if a != nil && a.fallback != nil {
			return a.fallback.StreamResponse(ctx, req, onDelta)
		}
		return CompletionResponse{}, fmt.Errorf("fallback llm misconfigured")
	}

	// Deltas the primary already delivered must not be replayed by the
	// fallback, so fallback only engages before the first delta arrives.
	delivered := false
	resp, err := a.primary.StreamResponse(ctx, req, func(delta string) error {
		delivered = true
		if onDelta == nil {
			return nil
		}
		return onDelta(delta)
	})
	if err == nil {
		return resp, nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return CompletionResponse{}, err
	}
	// A terminal backend rejection reproduces on any adapter that forwards
	// the same request, so only transport faults and retryable statuses
	// engage the fallback.
	var statusErr *BackendStatusError
	if errors.As(err, &statusErr) && !statusErr.Retryable() {
		return CompletionResponse{}, err
	}
	if delivered || a.fallback == nil {
		return CompletionResponse{}, err
	}

	fallbackResp, fallbackErr := a.fallback.StreamResponse(ctx, req, onDelta)
	if fallbackErr != nil {
		return CompletionResponse{}, fmt.Errorf("primary llm error: %w; fallback llm error: %v", err, fallbackErr)
	}
	return fallbackResp, nil
}
