package provider

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// ThrottledProvider caps the request rate towards a provider. Callers block
// until a token is available or their context ends.
type ThrottledProvider struct {
	provider Provider
	limiter  *rate.Limiter
}

// NewThrottledProvider allows requestsPerSecond with the given burst.
func NewThrottledProvider(provider Provider, requestsPerSecond float64, burst int) *ThrottledProvider {
	if burst < 1 {
		burst = 1
	}
	return &ThrottledProvider{
		provider: provider,
		limiter:  rate.NewLimiter(rate.Limit(requestsPerSecond), burst),
	}
}

// CreateCompletion waits for the limiter, then delegates.
func (p *ThrottledProvider) CreateCompletion(ctx context.Context, request CompletionRequest) (*CompletionResponse, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, NewProviderError(p.provider.Name(), ErrorCodeRateLimit, fmt.Sprintf("throttled: %v", err), err)
	}
	return p.provider.CreateCompletion(ctx, request)
}

// Name returns the underlying provider name
func (p *ThrottledProvider) Name() string {
	return p.provider.Name()
}
