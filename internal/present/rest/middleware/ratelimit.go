package middleware

import (
	"log/slog"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/totegamma/affiliate-ledger/internal/domain"
	"github.com/totegamma/affiliate-ledger/internal/infra/limiter"
	"github.com/totegamma/affiliate-ledger/internal/present/rest/presenter"
)

// RateLimitRecorder counts refused requests.
type RateLimitRecorder interface {
	RateLimited(scope string)
}

// RateLimit allows Limit requests per client address per Window within
// Scope. Limiter failures let the request through.
type RateLimit struct {
	Limiter  limiter.Limiter
	Recorder RateLimitRecorder
	Scope    string
	Limit    int
	Window   time.Duration
}

func (r RateLimit) Middleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()

		ip := ClientIPFrom(ctx)
		if ip == "" {
			ip = c.RealIP()
		}

		allowed, err := r.Limiter.Allow(ctx, r.Scope+":"+ip, r.Limit, r.Window)
		if err != nil {
			slog.WarnContext(
				ctx, "rate limiter failed",
				slog.String("module", "ratelimit"),
				slog.String("scope", r.Scope),
				slog.String("error", err.Error()),
			)
			return next(c)
		}
		if !allowed {
			if r.Recorder != nil {
				r.Recorder.RateLimited(r.Scope)
			}
			c.Response().Header().Set("Retry-After", strconv.Itoa(int(r.Window/time.Second)))
			return presenter.Error(c, domain.NewError(domain.KindRateLimited, "rate limit exceeded", nil))
		}
		return next(c)
	}
}
