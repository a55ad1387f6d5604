package presenter

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/zeebo/xxh3"
	"go.opentelemetry.io/otel/trace"

	"github.com/totegamma/affiliate-ledger"
	"github.com/totegamma/affiliate-ledger/internal/domain"
)

// OK wraps a successful response.
func OK(c echo.Context, payload any) error {
	return c.JSON(http.StatusOK, payload)
}

// Cached writes payload with an ETag and answers 304 when the client
// already holds the same representation.
func Cached(c echo.Context, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return Error(c, errors.Wrap(err, "presenter.Cached: marshal failed"))
	}

	etag := fmt.Sprintf(`"%016x"`, xxh3.Hash(body))
	c.Response().Header().Set(echo.HeaderCacheControl, "no-cache")
	c.Response().Header().Set("ETag", etag)
	if c.Request().Header.Get("If-None-Match") == etag {
		return c.NoContent(http.StatusNotModified)
	}
	return c.JSONBlob(http.StatusOK, body)
}

func BadRequestMessage(c echo.Context, msg string) error {
	return Error(c, domain.NewError(domain.KindInvalidRequest, msg, nil))
}

// StatusOf maps an error to its HTTP status class.
func StatusOf(err error) int {
	if errors.Is(err, domain.ErrNotFound) {
		return http.StatusNotFound
	}
	switch domain.KindOf(err) {
	case domain.KindInvalidRequest, domain.KindInvalidAmount:
		return http.StatusBadRequest
	case domain.KindUnknownAffiliate:
		return http.StatusNotFound
	case domain.KindUpstreamRejected:
		return http.StatusBadGateway
	case domain.KindUpstreamTimeout, domain.KindUpstreamUnavailable:
		return http.StatusServiceUnavailable
	case domain.KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Error writes the error payload. Internal failures are logged with their
// cause and answered with a generic message.
func Error(c echo.Context, err error) error {
	ctx := c.Request().Context()
	status := StatusOf(err)
	kind := domain.KindOf(err)

	message := domain.Message(err)
	var notFound domain.NotFoundError
	if errors.As(err, &notFound) {
		message = notFound.Error()
		kind = "NotFound"
	}

	if status >= http.StatusInternalServerError {
		span := trace.SpanFromContext(ctx)
		span.RecordError(err)
		slog.ErrorContext(
			ctx, "request failed",
			slog.String("module", "rest"),
			slog.String("trace_id", span.SpanContext().TraceID().String()),
			slog.String("kind", string(kind)),
			slog.Int("status", status),
			slog.String("error", err.Error()),
		)
		if kind == domain.KindInternal {
			message = "internal error"
		}
	} else {
		slog.DebugContext(
			ctx, "request rejected",
			slog.String("module", "rest"),
			slog.String("kind", string(kind)),
			slog.Int("status", status),
			slog.String("error", err.Error()),
		)
	}

	return c.JSON(status, affiliate.ErrorResponse{Error: message, Kind: string(kind)})
}
