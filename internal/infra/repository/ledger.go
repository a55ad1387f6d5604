package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/totegamma/affiliate-ledger/internal/cache"
	"github.com/totegamma/affiliate-ledger/internal/domain"
	"github.com/totegamma/affiliate-ledger/internal/utils"
)

var tracer = otel.Tracer("repository")

// Invalidator drops cache entries made stale by a ledger mutation.
type Invalidator interface {
	Invalidate(key string)
}

// LedgerRepository owns the affiliate ledger document. Every read and every
// mutation, including the durable write, runs under mu, so commission appends
// are totally ordered with respect to persistence.
type LedgerRepository struct {
	path         string
	rate         float64
	invalidators []Invalidator

	mu     sync.Mutex
	ledger domain.Ledger

	nowFn func() time.Time
	newID func() string
}

func NewLedgerRepository(path string, commissionRate float64, invalidators ...Invalidator) *LedgerRepository {
	return &LedgerRepository{
		path:         path,
		rate:         commissionRate,
		invalidators: invalidators,
		ledger:       domain.Ledger{},
		nowFn:        func() time.Time { return time.Now().UTC() },
		newID:        uuid.NewString,
	}
}

func (r *LedgerRepository) Path() string {
	return r.path
}

// Load replaces the in-memory ledger with the persisted document. A missing
// document yields an empty ledger; an unparseable one fails with
// StorageCorrupt and leaves memory untouched.
func (r *LedgerRepository) Load(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "Ledger.Repository.Load")
	defer span.End()

	ledger, err := readLedger(r.path)
	if err != nil {
		span.RecordError(err)
		return err
	}

	r.mu.Lock()
	r.ledger = ledger
	r.mu.Unlock()

	slog.InfoContext(
		ctx, "ledger loaded",
		slog.String("module", "ledger"),
		slog.String("path", r.path),
		slog.Int("affiliates", len(ledger)),
	)
	return nil
}

// Verify parses the persisted document without touching memory.
func (r *LedgerRepository) Verify(ctx context.Context) error {
	_, span := tracer.Start(ctx, "Ledger.Repository.Verify")
	defer span.End()

	if _, err := readLedger(r.path); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

// Quarantine moves an unreadable document aside and starts from an empty
// ledger. It returns the path the old document was moved to.
func (r *LedgerRepository) Quarantine(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	target := fmt.Sprintf("%s.corrupt-%d", r.path, r.nowFn().Unix())
	if err := os.Rename(r.path, target); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return "", errors.Wrap(err, "LedgerRepository.Quarantine: rename failed")
	}
	r.ledger = domain.Ledger{}

	slog.WarnContext(
		ctx, "corrupt ledger moved aside",
		slog.String("module", "ledger"),
		slog.String("path", r.path),
		slog.String("moved_to", target),
	)
	return target, nil
}

// Save writes the whole ledger atomically.
func (r *LedgerRepository) Save(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "Ledger.Repository.Save")
	defer span.End()

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.save(ctx); err != nil {
		span.RecordError(err)
		return domain.NewError(domain.KindPersistence, "failed to persist ledger", err)
	}
	return nil
}

// CreateAffiliate mints a new affiliate and persists it. On a failed write
// the insertion is rolled back.
func (r *LedgerRepository) CreateAffiliate(ctx context.Context) (domain.AffiliateRecord, error) {
	ctx, span := tracer.Start(ctx, "Ledger.Repository.CreateAffiliate")
	defer span.End()

	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.newID()
	for {
		if _, exists := r.ledger[id]; !exists {
			break
		}
		id = r.newID()
	}

	now := r.nowFn()
	record := domain.AffiliateRecord{
		AffiliateID: id,
		Commissions: []domain.CommissionRecord{},
		CreatedAt:   now,
		LastUpdated: now,
	}
	r.ledger[id] = record

	if err := r.save(ctx); err != nil {
		delete(r.ledger, id)
		span.RecordError(err)
		slog.ErrorContext(
			ctx, "failed to persist new affiliate",
			slog.String("module", "ledger"),
			slog.String("error", err.Error()),
		)
		return domain.AffiliateRecord{}, domain.NewError(domain.KindPersistence, "failed to persist new affiliate", err)
	}
	r.invalidate(id)

	span.SetAttributes(attribute.String("AffiliateID", id))
	slog.InfoContext(
		ctx, "affiliate created",
		slog.String("module", "ledger"),
		slog.String("affiliate_id", id),
	)
	return record.Clone(), nil
}

// GetAffiliate returns a copy of the record for id.
func (r *LedgerRepository) GetAffiliate(ctx context.Context, id string) (domain.AffiliateRecord, error) {
	_, span := tracer.Start(ctx, "Ledger.Repository.GetAffiliate")
	defer span.End()

	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.ledger[id]
	if !ok {
		return domain.AffiliateRecord{}, unknownAffiliate(id)
	}
	return record.Clone(), nil
}

// RecordCommission appends a commission to an existing affiliate and
// persists the ledger. On a failed write the append is rolled back.
func (r *LedgerRepository) RecordCommission(ctx context.Context, in domain.CommissionInput) (domain.CommissionRecord, error) {
	ctx, span := tracer.Start(ctx, "Ledger.Repository.RecordCommission")
	defer span.End()
	span.SetAttributes(attribute.String("AffiliateID", in.AffiliateID))

	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.ledger[in.AffiliateID]
	if !ok {
		return domain.CommissionRecord{}, unknownAffiliate(in.AffiliateID)
	}
	if err := domain.ValidateAmount(in.Amount); err != nil {
		return domain.CommissionRecord{}, err
	}

	commission := in.Amount * r.rate
	if in.Commission != nil {
		commission = *in.Commission
	}

	now := r.nowFn()
	if n := len(record.Commissions); n > 0 && now.Before(record.Commissions[n-1].Timestamp) {
		now = record.Commissions[n-1].Timestamp
	}
	if now.Before(record.CreatedAt) {
		now = record.CreatedAt
	}

	entry, err := domain.NewCommissionRecord(in.ICOID, in.Amount, commission, in.ClientIP, now)
	if err != nil {
		return domain.CommissionRecord{}, err
	}

	previous := record
	record.Commissions = append(record.Commissions, entry)
	record.LastUpdated = now
	r.ledger[in.AffiliateID] = record

	if err := r.save(ctx); err != nil {
		r.ledger[in.AffiliateID] = previous
		span.RecordError(err)
		slog.ErrorContext(
			ctx, "failed to persist commission",
			slog.String("module", "ledger"),
			slog.String("affiliate_id", in.AffiliateID),
			slog.String("error", err.Error()),
		)
		return domain.CommissionRecord{}, domain.NewError(domain.KindPersistence, "failed to persist commission", err)
	}
	r.invalidate(in.AffiliateID)

	slog.InfoContext(
		ctx, "commission recorded",
		slog.String("module", "ledger"),
		slog.String("affiliate_id", in.AffiliateID),
		slog.Float64("amount", entry.Amount),
		slog.Float64("commission", entry.Commission),
	)
	return entry, nil
}

// Totals aggregates the in-memory ledger.
func (r *LedgerRepository) Totals(ctx context.Context) domain.Totals {
	_, span := tracer.Start(ctx, "Ledger.Repository.Totals")
	defer span.End()

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ledger.Totals()
}

func (r *LedgerRepository) invalidate(affiliateID string) {
	for _, inv := range r.invalidators {
		inv.Invalidate(cache.AffiliateKey(affiliateID))
		inv.Invalidate(cache.MetricsKey)
	}
}

// save must be called with mu held.
func (r *LedgerRepository) save(ctx context.Context) error {
	start := time.Now()

	doc := utils.OrderedKVMap[domain.AffiliateRecord]{}
	for id, record := range r.ledger {
		doc.Put(id, record, record.CreatedAt.UnixNano())
	}

	compact, err := json.Marshal(doc)
	if err != nil {
		return errors.Wrap(err, "LedgerRepository.save: marshal failed")
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, compact, "", "    "); err != nil {
		return errors.Wrap(err, "LedgerRepository.save: indent failed")
	}
	buf.WriteByte('\n')

	if err := writeFileAtomic(r.path, buf.Bytes()); err != nil {
		return err
	}

	slog.DebugContext(
		ctx, "ledger saved",
		slog.String("module", "ledger"),
		slog.Int("bytes", buf.Len()),
		slog.Duration("elapsed", time.Since(start)),
	)
	return nil
}

func unknownAffiliate(id string) error {
	return domain.NewError(domain.KindUnknownAffiliate, fmt.Sprintf("affiliate %q not found", id), nil)
}

func readLedger(path string) (domain.Ledger, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return domain.Ledger{}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "readLedger: read failed")
	}

	var ledger domain.Ledger
	if err := json.Unmarshal(data, &ledger); err != nil {
		return nil, domain.NewError(domain.KindStorageCorrupt, fmt.Sprintf("ledger document %s is not valid", path), err)
	}
	if ledger == nil {
		return nil, domain.NewError(domain.KindStorageCorrupt, fmt.Sprintf("ledger document %s is not an object", path), nil)
	}

	for id, record := range ledger {
		if id == "" {
			return nil, domain.NewError(domain.KindStorageCorrupt, "ledger contains an empty affiliate id", nil)
		}
		if record.AffiliateID == "" {
			record.AffiliateID = id
		}
		if record.AffiliateID != id {
			return nil, domain.NewError(domain.KindStorageCorrupt, fmt.Sprintf("ledger key %q holds affiliate %q", id, record.AffiliateID), nil)
		}
		if record.Commissions == nil {
			record.Commissions = []domain.CommissionRecord{}
		}
		for i, c := range record.Commissions {
			if c.Amount < 0 || c.Commission < 0 {
				return nil, domain.NewError(domain.KindStorageCorrupt, fmt.Sprintf("affiliate %q commission %d is negative", id, i), nil)
			}
		}
		ledger[id] = record
	}
	return ledger, nil
}

// writeFileAtomic replaces path with data through a temporary file in the
// same directory and a rename, so readers see either the old or the new
// document in full.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "writeFileAtomic: mkdir failed")
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return errors.Wrap(err, "writeFileAtomic: create temp failed")
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return errors.Wrap(err, "writeFileAtomic: write failed")
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return errors.Wrap(err, "writeFileAtomic: sync failed")
	}
	if err := tmp.Chmod(0o644); err != nil {
		cleanup()
		return errors.Wrap(err, "writeFileAtomic: chmod failed")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errors.Wrap(err, "writeFileAtomic: close failed")
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return errors.Wrap(err, "writeFileAtomic: rename failed")
	}

	if d, err := os.Open(dir); err == nil {
		d.Sync()
		d.Close()
	}
	return nil
}
