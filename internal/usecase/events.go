package usecase

import (
	"context"
	"log/slog"

	"github.com/totegamma/affiliate-ledger"
)

// publish sends event when a publisher is configured. Failures are logged;
// the ledger is already durable at this point.
func publish(ctx context.Context, events EventPublisher, event affiliate.LedgerEvent) {
	if events == nil {
		return
	}
	if err := events.Publish(context.WithoutCancel(ctx), event); err != nil {
		slog.WarnContext(
			ctx, "failed to publish ledger event",
			slog.String("module", "usecase"),
			slog.String("type", event.Type),
			slog.String("affiliate_id", event.AffiliateID),
			slog.String("error", err.Error()),
		)
	}
}
