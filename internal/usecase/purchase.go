package usecase

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"

	"github.com/totegamma/affiliate-ledger"
	"github.com/totegamma/affiliate-ledger/internal/domain"
)

// PurchaseUsecase proxies a token purchase to the upstream and records the
// affiliate commission once the upstream has produced a transaction.
type PurchaseUsecase struct {
	repo     LedgerRepository
	upstream UpstreamGateway
	events   EventPublisher
	metrics  MetricsRecorder
	config   domain.Config
}

func NewPurchaseUsecase(
	repo LedgerRepository,
	upstream UpstreamGateway,
	events EventPublisher,
	metrics MetricsRecorder,
	config domain.Config,
) *PurchaseUsecase {
	if metrics == nil {
		metrics = noopRecorder{}
	}
	return &PurchaseUsecase{
		repo:     repo,
		upstream: upstream,
		events:   events,
		metrics:  metrics,
		config:   config,
	}
}

// Process runs validating, forwarding, recording and completed in order.
// A failed commission write after a successful forward is reported in the
// response, not as an error.
func (uc *PurchaseUsecase) Process(ctx context.Context, req affiliate.PurchaseRequest, clientIP string) (affiliate.PurchaseResponse, error) {
	ctx, span := tracer.Start(ctx, "Purchase.Usecase.Process")
	defer span.End()

	stage := domain.StageValidating
	enter := func(next domain.PurchaseStage) {
		stage = next
		span.AddEvent(stage.String())
		slog.DebugContext(
			ctx, "purchase stage",
			slog.String("module", "purchase"),
			slog.String("stage", stage.String()),
			slog.String("affiliate_id", req.AffiliateID),
		)
	}
	fail := func(err error) (affiliate.PurchaseResponse, error) {
		span.RecordError(err)
		span.SetAttributes(attribute.String("failed_stage", stage.String()))
		uc.metrics.Purchase(domain.OutcomeFailed)
		return affiliate.PurchaseResponse{}, err
	}

	enter(domain.StageValidating)
	amount, err := uc.validateAmount(req.Amount)
	if err != nil {
		return fail(err)
	}
	if req.AffiliateID != "" {
		if _, err := uc.repo.GetAffiliate(ctx, req.AffiliateID); err != nil {
			return fail(errors.Wrap(err, "PurchaseUsecase.Process: repo.GetAffiliate failed"))
		}
		span.SetAttributes(attribute.String("AffiliateID", req.AffiliateID))
	}

	// The purchase continues even if the caller goes away.
	detached := context.WithoutCancel(ctx)

	enter(domain.StageForwarding)
	blob, err := uc.upstream.RequestTransaction(detached, amount)
	if err != nil {
		return fail(err)
	}
	response := affiliate.PurchaseResponse{Transaction: blob}

	if req.AffiliateID != "" {
		enter(domain.StageRecording)
		entry, err := uc.repo.RecordCommission(detached, domain.CommissionInput{
			AffiliateID: req.AffiliateID,
			ICOID:       uc.config.DefaultICOID,
			Amount:      amount,
			ClientIP:    clientIP,
		})
		recorded := err == nil
		response.CommissionRecorded = &recorded
		if err != nil {
			span.RecordError(err)
			uc.metrics.CommissionFailure()
			uc.metrics.Purchase(domain.OutcomeDegraded)
			response.CommissionError = domain.Message(err)
			slog.WarnContext(
				ctx, "purchase completed without commission",
				slog.String("module", "purchase"),
				slog.String("affiliate_id", req.AffiliateID),
				slog.Float64("amount", amount),
				slog.String("error", err.Error()),
			)
			enter(domain.StageCompleted)
			return response, nil
		}

		commission := entry.Commission
		response.Commission = &commission
		publish(detached, uc.events, affiliate.LedgerEvent{
			Type:        domain.EventCommissionRecorded,
			AffiliateID: req.AffiliateID,
			ICOID:       entry.ICOID,
			Amount:      entry.Amount,
			Commission:  entry.Commission,
			Timestamp:   entry.Timestamp,
		})
	}

	enter(domain.StageCompleted)
	uc.metrics.Purchase(domain.OutcomeCompleted)
	slog.InfoContext(
		ctx, "purchase processed",
		slog.String("module", "purchase"),
		slog.String("affiliate_id", req.AffiliateID),
		slog.Float64("amount", amount),
	)
	return response, nil
}

func (uc *PurchaseUsecase) validateAmount(raw json.RawMessage) (float64, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return 0, domain.NewError(domain.KindInvalidRequest, "amount is required", nil)
	}

	var amount float64
	if err := json.Unmarshal(trimmed, &amount); err != nil {
		return 0, domain.NewError(domain.KindInvalidRequest, "amount must be a number", nil)
	}
	if amount <= 0 {
		return 0, domain.NewError(domain.KindInvalidRequest, "amount must be positive", nil)
	}
	if uc.config.MaxPurchaseAmount > 0 && amount > uc.config.MaxPurchaseAmount {
		return 0, domain.NewError(domain.KindInvalidRequest, fmt.Sprintf("amount must not exceed %v", uc.config.MaxPurchaseAmount), nil)
	}
	return amount, nil
}
