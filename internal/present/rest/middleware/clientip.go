package middleware

import (
	"context"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/totegamma/affiliate-ledger/internal/domain"
)

var tracer = otel.Tracer("middleware")

// ClientIP stores the requester address in the request context.
func ClientIP(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, span := tracer.Start(c.Request().Context(), "Middleware.ClientIP")
		defer span.End()

		ip := c.RealIP()
		ctx = context.WithValue(ctx, domain.ClientIPCtxKey, ip)
		span.SetAttributes(attribute.String("ClientIP", ip))

		c.SetRequest(c.Request().WithContext(ctx))
		return next(c)
	}
}

// ClientIPFrom returns the address stored by ClientIP, or "".
func ClientIPFrom(ctx context.Context) string {
	ip, _ := ctx.Value(domain.ClientIPCtxKey).(string)
	return ip
}
