package usecase

import (
	"context"
	"log/slog"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/totegamma/affiliate-ledger"
	"github.com/totegamma/affiliate-ledger/internal/cache"
	"github.com/totegamma/affiliate-ledger/internal/domain"
)

var tracer = otel.Tracer("usecase")

type AffiliateUsecase struct {
	repo    LedgerRepository
	cache   *cache.Cache[domain.AffiliateRecord]
	events  EventPublisher
	metrics MetricsRecorder
	config  domain.Config
}

func NewAffiliateUsecase(
	repo LedgerRepository,
	affiliates *cache.Cache[domain.AffiliateRecord],
	events EventPublisher,
	metrics MetricsRecorder,
	config domain.Config,
) *AffiliateUsecase {
	if metrics == nil {
		metrics = noopRecorder{}
	}
	return &AffiliateUsecase{
		repo:    repo,
		cache:   affiliates,
		events:  events,
		metrics: metrics,
		config:  config,
	}
}

// Register mints a new affiliate and returns its referral URL.
func (uc *AffiliateUsecase) Register(ctx context.Context) (affiliate.RegistrationResponse, error) {
	ctx, span := tracer.Start(ctx, "Affiliate.Usecase.Register")
	defer span.End()

	record, err := uc.repo.CreateAffiliate(ctx)
	if err != nil {
		span.RecordError(err)
		return affiliate.RegistrationResponse{}, errors.Wrap(err, "AffiliateUsecase.Register: repo.CreateAffiliate failed")
	}
	span.SetAttributes(attribute.String("AffiliateID", record.AffiliateID))
	uc.metrics.AffiliateRegistered()

	publish(ctx, uc.events, affiliate.LedgerEvent{
		Type:        domain.EventAffiliateRegistered,
		AffiliateID: record.AffiliateID,
		Timestamp:   record.CreatedAt,
	})

	referral := affiliate.BuildReferralURL(uc.config.ReferralScheme, uc.config.PublicURL, record.AffiliateID)
	return affiliate.RegistrationResponse{
		Message:     affiliate.RegistrationMessage(referral),
		AffiliateID: record.AffiliateID,
		BlinkURL:    referral,
	}, nil
}

// Get returns the affiliate record, served from cache when fresh.
func (uc *AffiliateUsecase) Get(ctx context.Context, id string) (domain.AffiliateRecord, error) {
	ctx, span := tracer.Start(ctx, "Affiliate.Usecase.Get")
	defer span.End()

	key := cache.AffiliateKey(id)
	if record, ok := uc.cache.Get(key); ok {
		span.SetAttributes(attribute.Bool("cache_hit", true))
		return record.Clone(), nil
	}

	gen := uc.cache.Generation(key)
	record, err := uc.repo.GetAffiliate(ctx, id)
	if err != nil {
		return domain.AffiliateRecord{}, errors.Wrap(err, "AffiliateUsecase.Get: repo.GetAffiliate failed")
	}
	uc.cache.PutIfUnchanged(key, record, 0, gen)
	return record.Clone(), nil
}

// RecordCommission is the manual reconciliation entry point. The commission
// is taken from the request when present and derived from the rate otherwise.
func (uc *AffiliateUsecase) RecordCommission(ctx context.Context, req affiliate.CommissionRequest, requesterIP string) (domain.CommissionRecord, error) {
	ctx, span := tracer.Start(ctx, "Affiliate.Usecase.RecordCommission")
	defer span.End()

	if req.AffiliateID == "" {
		return domain.CommissionRecord{}, domain.NewError(domain.KindInvalidRequest, "affiliate_id is required", nil)
	}
	if req.ICOID == "" {
		return domain.CommissionRecord{}, domain.NewError(domain.KindInvalidRequest, "ico_id is required", nil)
	}
	if req.Amount == nil {
		return domain.CommissionRecord{}, domain.NewError(domain.KindInvalidRequest, "amount is required", nil)
	}

	clientIP := req.ClientIP
	if clientIP == "" {
		clientIP = requesterIP
	}

	entry, err := uc.repo.RecordCommission(ctx, domain.CommissionInput{
		AffiliateID: req.AffiliateID,
		ICOID:       req.ICOID,
		Amount:      *req.Amount,
		Commission:  req.Commission,
		ClientIP:    clientIP,
	})
	if err != nil {
		span.RecordError(err)
		return domain.CommissionRecord{}, errors.Wrap(err, "AffiliateUsecase.RecordCommission: repo.RecordCommission failed")
	}

	slog.InfoContext(
		ctx, "manual commission recorded",
		slog.String("module", "usecase"),
		slog.String("affiliate_id", req.AffiliateID),
		slog.String("ico_id", req.ICOID),
	)
	publish(ctx, uc.events, affiliate.LedgerEvent{
		Type:        domain.EventCommissionRecorded,
		AffiliateID: req.AffiliateID,
		ICOID:       entry.ICOID,
		Amount:      entry.Amount,
		Commission:  entry.Commission,
		Timestamp:   entry.Timestamp,
	})
	return entry, nil
}
