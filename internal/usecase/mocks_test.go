package usecase

import (
	"context"
	"sync"

	"github.com/totegamma/affiliate-ledger"
	"github.com/totegamma/affiliate-ledger/internal/domain"
)

type mockLedgerRepo struct {
	mu        sync.Mutex
	records   map[string]domain.AffiliateRecord
	rate      float64
	createErr error
	recordErr error
	verifyErr error
	recorded  []domain.CommissionInput
	getCalls  int
	nextID    string
}

func newMockLedgerRepo() *mockLedgerRepo {
	return &mockLedgerRepo{records: map[string]domain.AffiliateRecord{}, rate: 0.01, nextID: "aff-1"}
}

func (m *mockLedgerRepo) CreateAffiliate(ctx context.Context) (domain.AffiliateRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return domain.AffiliateRecord{}, m.createErr
	}
	rec := domain.AffiliateRecord{AffiliateID: m.nextID, Commissions: []domain.CommissionRecord{}}
	m.records[rec.AffiliateID] = rec
	return rec, nil
}

func (m *mockLedgerRepo) GetAffiliate(ctx context.Context, id string) (domain.AffiliateRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getCalls++
	rec, ok := m.records[id]
	if !ok {
		return domain.AffiliateRecord{}, domain.NewError(domain.KindUnknownAffiliate, "affiliate not found", nil)
	}
	return rec.Clone(), nil
}

func (m *mockLedgerRepo) RecordCommission(ctx context.Context, in domain.CommissionInput) (domain.CommissionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recordErr != nil {
		return domain.CommissionRecord{}, m.recordErr
	}
	rec, ok := m.records[in.AffiliateID]
	if !ok {
		return domain.CommissionRecord{}, domain.NewError(domain.KindUnknownAffiliate, "affiliate not found", nil)
	}
	commission := in.Amount * m.rate
	if in.Commission != nil {
		commission = *in.Commission
	}
	entry, err := domain.NewCommissionRecord(in.ICOID, in.Amount, commission, in.ClientIP, rec.CreatedAt)
	if err != nil {
		return domain.CommissionRecord{}, err
	}
	rec.Commissions = append(rec.Commissions, entry)
	m.records[in.AffiliateID] = rec
	m.recorded = append(m.recorded, in)
	return entry, nil
}

func (m *mockLedgerRepo) Totals(ctx context.Context) domain.Totals {
	m.mu.Lock()
	defer m.mu.Unlock()
	return domain.Ledger(m.records).Totals()
}

func (m *mockLedgerRepo) Verify(ctx context.Context) error {
	return m.verifyErr
}

type mockUpstream struct {
	mu         sync.Mutex
	blob       string
	err        error
	pingErr    error
	configured bool
	calls      int
	pings      int
	amounts    []float64
	ctxErr     error
}

func (m *mockUpstream) RequestTransaction(ctx context.Context, amount float64) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.amounts = append(m.amounts, amount)
	m.ctxErr = ctx.Err()
	if m.err != nil {
		return "", m.err
	}
	return m.blob, nil
}

func (m *mockUpstream) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pings++
	return m.pingErr
}

func (m *mockUpstream) Configured() bool {
	return m.configured
}

type mockPublisher struct {
	mu     sync.Mutex
	events []affiliate.LedgerEvent
	err    error
}

func (m *mockPublisher) Publish(ctx context.Context, event affiliate.LedgerEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return m.err
}

type mockRecorder struct {
	outcomes           []string
	commissionFailures int
	registered         int
}

func (m *mockRecorder) Purchase(outcome string) { m.outcomes = append(m.outcomes, outcome) }
func (m *mockRecorder) CommissionFailure()      { m.commissionFailures++ }
func (m *mockRecorder) AffiliateRegistered()    { m.registered++ }

func testConfig() domain.Config {
	return domain.Config{
		CommissionRate:    0.01,
		DefaultICOID:      "main_ico",
		PublicURL:         "https://affiliate.example",
		ReferralScheme:    "solana-action",
		MaxPurchaseAmount: 1_000_000,
	}
}
