package provider

import (
	"context"
	"time"

	"example.com/order-platform/pkg/circuitbreaker"
)

// Guarded оборачивает адаптер таймаутом и Circuit Breaker.
// Окончательные отказы (Result с OK=false) не считаются сбоями
// breaker'а: провайдер жив и дал вердикт.
type Guarded struct {
	inner   Adapter
	breaker *circuitbreaker.Breaker
	timeout time.Duration
}

// NewGuarded создаёт защищённый адаптер.
func NewGuarded(inner Adapter, timeout time.Duration) *Guarded {
	return &Guarded{
		inner:   inner,
		breaker: circuitbreaker.New(inner.Name()),
		timeout: timeout,
	}
}

// Name возвращает имя нижележащего провайдера.
func (g *Guarded) Name() string {
	return g.inner.Name()
}

// Authorize выполняет авторизацию под защитой breaker.
func (g *Guarded) Authorize(ctx context.Context, req AuthorizeRequest) (*Result, error) {
	return g.execute(ctx, func(ctx context.Context) (*Result, error) {
		return g.inner.Authorize(ctx, req)
	})
}

// Capture выполняет списание под защитой breaker.
func (g *Guarded) Capture(ctx context.Context, req CaptureRequest) (*Result, error) {
	return g.execute(ctx, func(ctx context.Context) (*Result, error) {
		return g.inner.Capture(ctx, req)
	})
}

// Refund выполняет возврат под защитой breaker.
func (g *Guarded) Refund(ctx context.Context, req RefundRequest) (*Result, error) {
	return g.execute(ctx, func(ctx context.Context) (*Result, error) {
		return g.inner.Refund(ctx, req)
	})
}

func (g *Guarded) execute(ctx context.Context, fn func(ctx context.Context) (*Result, error)) (*Result, error) {
	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	return circuitbreaker.Execute(callCtx, g.breaker, fn)
}
