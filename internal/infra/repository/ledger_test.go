package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/totegamma/affiliate-ledger/internal/cache"
	"github.com/totegamma/affiliate-ledger/internal/domain"
)

type recordingInvalidator struct {
	mu   sync.Mutex
	keys []string
}

func (r *recordingInvalidator) Invalidate(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys = append(r.keys, key)
}

func newTestRepo(t *testing.T, invalidators ...Invalidator) (*LedgerRepository, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "affiliate_data.json")
	return NewLedgerRepository(path, 0.01, invalidators...), path
}

func readDocument(t *testing.T, path string) map[string]domain.AffiliateRecord {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc map[string]domain.AffiliateRecord
	require.NoError(t, json.Unmarshal(data, &doc))
	return doc
}

func TestLoadMissingFileYieldsEmptyLedger(t *testing.T) {
	require := require.New(t)
	repo, _ := newTestRepo(t)

	require.NoError(repo.Load(context.Background()))
	require.Equal(0, repo.Totals(context.Background()).TotalAffiliates)
}

func TestCreateAffiliateUniqueAndPersisted(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	repo, path := newTestRepo(t)

	seen := map[string]bool{}
	for i := 0; i < 20; i++ {
		rec, err := repo.CreateAffiliate(ctx)
		require.NoError(err)
		require.False(seen[rec.AffiliateID], "duplicate id %s", rec.AffiliateID)
		seen[rec.AffiliateID] = true
		require.Empty(rec.Commissions)
		require.Equal(rec.CreatedAt, rec.LastUpdated)

		got, err := repo.GetAffiliate(ctx, rec.AffiliateID)
		require.NoError(err)
		require.Equal(rec.AffiliateID, got.AffiliateID)
	}

	doc := readDocument(t, path)
	require.Len(doc, 20)

	reloaded := NewLedgerRepository(path, 0.01)
	require.NoError(reloaded.Load(ctx))
	require.Equal(20, reloaded.Totals(ctx).TotalAffiliates)
}

func TestCreateAffiliateRetriesCollidingID(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	repo, _ := newTestRepo(t)

	ids := []string{"fixed", "fixed", "other"}
	repo.newID = func() string {
		id := ids[0]
		ids = ids[1:]
		return id
	}

	first, err := repo.CreateAffiliate(ctx)
	require.NoError(err)
	second, err := repo.CreateAffiliate(ctx)
	require.NoError(err)
	require.Equal("fixed", first.AffiliateID)
	require.Equal("other", second.AffiliateID)
}

func TestRecordCommissionAppliesRate(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	repo, path := newTestRepo(t)

	rec, err := repo.CreateAffiliate(ctx)
	require.NoError(err)

	entry, err := repo.RecordCommission(ctx, domain.CommissionInput{
		AffiliateID: rec.AffiliateID,
		ICOID:       "main_ico",
		Amount:      1000,
		ClientIP:    "10.0.0.1",
	})
	require.NoError(err)
	require.Equal(10.0, entry.Commission)
	require.Equal("10.0.0.1", entry.ClientIP)

	got, err := repo.GetAffiliate(ctx, rec.AffiliateID)
	require.NoError(err)
	require.Len(got.Commissions, 1)
	require.False(got.LastUpdated.Before(got.CreatedAt))

	doc := readDocument(t, path)
	require.Len(doc[rec.AffiliateID].Commissions, 1)
	require.Equal(1000.0, doc[rec.AffiliateID].Commissions[0].Amount)
}

func TestRecordCommissionExplicitCommission(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	repo, _ := newTestRepo(t)

	rec, err := repo.CreateAffiliate(ctx)
	require.NoError(err)

	explicit := 2.5
	entry, err := repo.RecordCommission(ctx, domain.CommissionInput{
		AffiliateID: rec.AffiliateID,
		ICOID:       "ico2",
		Amount:      100,
		Commission:  &explicit,
	})
	require.NoError(err)
	require.Equal(2.5, entry.Commission)
}

func TestRecordCommissionUnknownAffiliateLeavesDocument(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	repo, path := newTestRepo(t)

	_, err := repo.CreateAffiliate(ctx)
	require.NoError(err)
	before, err := os.ReadFile(path)
	require.NoError(err)

	_, err = repo.RecordCommission(ctx, domain.CommissionInput{
		AffiliateID: "missing",
		ICOID:       "main_ico",
		Amount:      10,
	})
	require.ErrorIs(err, domain.ErrUnknownAffiliate)

	after, err := os.ReadFile(path)
	require.NoError(err)
	require.Equal(before, after)

	_, err = repo.GetAffiliate(ctx, "missing")
	require.ErrorIs(err, domain.ErrUnknownAffiliate)
}

func TestRecordCommissionRejectsNegativeAmount(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	repo, _ := newTestRepo(t)

	rec, err := repo.CreateAffiliate(ctx)
	require.NoError(err)

	_, err = repo.RecordCommission(ctx, domain.CommissionInput{
		AffiliateID: rec.AffiliateID,
		ICOID:       "main_ico",
		Amount:      -5,
	})
	require.ErrorIs(err, domain.ErrInvalidAmount)

	got, err := repo.GetAffiliate(ctx, rec.AffiliateID)
	require.NoError(err)
	require.Empty(got.Commissions)
}

func TestConcurrentRecordingsAllPersisted(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	repo, path := newTestRepo(t)

	rec, err := repo.CreateAffiliate(ctx)
	require.NoError(err)

	const n = 50
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := repo.RecordCommission(ctx, domain.CommissionInput{
				AffiliateID: rec.AffiliateID,
				ICOID:       "main_ico",
				Amount:      float64(i + 1),
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(err)
	}

	doc := readDocument(t, path)
	require.Len(doc[rec.AffiliateID].Commissions, n)

	commissions := doc[rec.AffiliateID].Commissions
	for i := 1; i < len(commissions); i++ {
		require.False(commissions[i].Timestamp.Before(commissions[i-1].Timestamp))
	}
	require.Equal(n, repo.Totals(ctx).TotalCommissions)
}

func TestTimestampsClampedWhenClockStepsBack(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	repo, _ := newTestRepo(t)

	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	times := []time.Time{base, base.Add(time.Minute), base.Add(-time.Hour)}
	repo.nowFn = func() time.Time {
		now := times[0]
		times = times[1:]
		return now
	}

	rec, err := repo.CreateAffiliate(ctx)
	require.NoError(err)
	first, err := repo.RecordCommission(ctx, domain.CommissionInput{AffiliateID: rec.AffiliateID, ICOID: "main_ico", Amount: 1})
	require.NoError(err)
	second, err := repo.RecordCommission(ctx, domain.CommissionInput{AffiliateID: rec.AffiliateID, ICOID: "main_ico", Amount: 1})
	require.NoError(err)

	require.Equal(base.Add(time.Minute), first.Timestamp)
	require.Equal(first.Timestamp, second.Timestamp)
}

func TestLoadCorruptDocument(t *testing.T) {
	ctx := context.Background()

	cases := map[string]string{
		"garbage":    "{not json",
		"null":       "null",
		"array":      "[]",
		"mismatch":   `{"a": {"affiliate_id": "b", "commissions": []}}`,
		"negative":   `{"a": {"affiliate_id": "a", "commissions": [{"ico_id": "x", "amount": -1, "commission": 0}]}}`,
		"wrong type": `{"a": {"affiliate_id": "a", "commissions": "nope"}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			require := require.New(t)
			repo, path := newTestRepo(t)
			require.NoError(os.WriteFile(path, []byte(body), 0o644))

			err := repo.Load(ctx)
			require.ErrorIs(err, domain.ErrStorageCorrupt)
			require.ErrorIs(repo.Verify(ctx), domain.ErrStorageCorrupt)
		})
	}
}

func TestQuarantineMovesDocumentAside(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	repo, path := newTestRepo(t)
	require.NoError(os.WriteFile(path, []byte("{broken"), 0o644))
	require.Error(repo.Load(ctx))

	moved, err := repo.Quarantine(ctx)
	require.NoError(err)
	_, err = os.Stat(moved)
	require.NoError(err)
	_, err = os.Stat(path)
	require.True(errors.Is(err, os.ErrNotExist))

	_, err = repo.CreateAffiliate(ctx)
	require.NoError(err)
	require.NoError(repo.Verify(ctx))
}

func TestSaveFailureRollsBack(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	require.NoError(os.WriteFile(blocker, []byte("x"), 0o644))

	repo := NewLedgerRepository(filepath.Join(dir, "ledger.json"), 0.01)
	rec, err := repo.CreateAffiliate(ctx)
	require.NoError(err)

	// Point the store at a path whose parent is a regular file.
	repo.path = filepath.Join(blocker, "ledger.json")

	_, err = repo.CreateAffiliate(ctx)
	require.ErrorIs(err, domain.ErrPersistence)
	require.Equal(1, repo.Totals(ctx).TotalAffiliates)

	_, err = repo.RecordCommission(ctx, domain.CommissionInput{AffiliateID: rec.AffiliateID, ICOID: "main_ico", Amount: 10})
	require.ErrorIs(err, domain.ErrPersistence)

	got, err := repo.GetAffiliate(ctx, rec.AffiliateID)
	require.NoError(err)
	require.Empty(got.Commissions)
	require.Equal(rec.LastUpdated, got.LastUpdated)
}

func TestMutationsInvalidateCaches(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	inv := &recordingInvalidator{}
	repo, _ := newTestRepo(t, inv)

	rec, err := repo.CreateAffiliate(ctx)
	require.NoError(err)
	_, err = repo.RecordCommission(ctx, domain.CommissionInput{AffiliateID: rec.AffiliateID, ICOID: "main_ico", Amount: 1})
	require.NoError(err)

	key := cache.AffiliateKey(rec.AffiliateID)
	require.Equal([]string{key, cache.MetricsKey, key, cache.MetricsKey}, inv.keys)

	_, err = repo.RecordCommission(ctx, domain.CommissionInput{AffiliateID: "missing", ICOID: "main_ico", Amount: 1})
	require.Error(err)
	require.Len(inv.keys, 4)
}

func TestDocumentOrderedByCreation(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	repo, path := newTestRepo(t)

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	step := 0
	repo.nowFn = func() time.Time {
		step++
		return base.Add(time.Duration(step) * time.Second)
	}
	names := []string{"zeta", "alpha", "mid"}
	repo.newID = func() string {
		id := names[0]
		names = names[1:]
		return id
	}
	for i := 0; i < 3; i++ {
		_, err := repo.CreateAffiliate(ctx)
		require.NoError(err)
	}

	data, err := os.ReadFile(path)
	require.NoError(err)
	text := string(data)

	z, a, m := strings.Index(text, `"zeta"`), strings.Index(text, `"alpha"`), strings.Index(text, `"mid"`)
	require.True(z < a && a < m, fmt.Sprintf("unexpected order in %s", text))
	require.Contains(text, "\n    \"zeta\": {")
}
