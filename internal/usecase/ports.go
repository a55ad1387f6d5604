package usecase

import (
	"context"

	"github.com/totegamma/affiliate-ledger"
	"github.com/totegamma/affiliate-ledger/internal/domain"
)

// LedgerRepository is the durable affiliate ledger.
type LedgerRepository interface {
	CreateAffiliate(ctx context.Context) (domain.AffiliateRecord, error)
	GetAffiliate(ctx context.Context, id string) (domain.AffiliateRecord, error)
	RecordCommission(ctx context.Context, in domain.CommissionInput) (domain.CommissionRecord, error)
	Totals(ctx context.Context) domain.Totals
	Verify(ctx context.Context) error
}

// UpstreamGateway builds purchase transactions on the main server.
type UpstreamGateway interface {
	RequestTransaction(ctx context.Context, amount float64) (string, error)
	Ping(ctx context.Context) error
	Configured() bool
}

// EventPublisher announces persisted ledger mutations.
type EventPublisher interface {
	Publish(ctx context.Context, event affiliate.LedgerEvent) error
}

// Pinger is a dependency the health check probes.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error {
	return f(ctx)
}

// MetricsRecorder counts usecase outcomes.
type MetricsRecorder interface {
	Purchase(outcome string)
	CommissionFailure()
	AffiliateRegistered()
}

type noopRecorder struct{}

func (noopRecorder) Purchase(string)      {}
func (noopRecorder) CommissionFailure()   {}
func (noopRecorder) AffiliateRegistered() {}
