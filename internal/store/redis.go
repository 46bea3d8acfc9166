package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/moneyflow888/moneyflow-web/internal/model"
)

// historyCacheSize is how many snapshots are cached; smaller limits are
// served by slicing the cached list.
const historyCacheSize = 1000

const (
	navHistoryKey = "fund:nav:history"
	principalKey  = "fund:adjustments:principal"
	wtdKey        = "fund:adjustments:wtd"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for the dashboard's read-heavy series: NAV history and the two
// adjustment ledgers. Writes go to the primary store and invalidate the
// cache; reads check Redis first then fall back to the primary.
//
// Everything settlement reads (latest snapshot, accounts, pending requests)
// passes straight through so pricing never sees a cached value.
type CachedStore struct {
	Store // passthrough for uncached methods
	rdb   *redis.Client
	ttl   time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		Store: primary,
		rdb:   rdb,
		ttl:   ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) InsertNavSnapshot(ctx context.Context, snap *model.NavSnapshot) error {
	if err := s.Store.InsertNavSnapshot(ctx, snap); err != nil {
		return err
	}
	s.rdb.Del(ctx, navHistoryKey)
	return nil
}

func (s *CachedStore) InsertPrincipalAdjustment(ctx context.Context, adj *model.PrincipalAdjustment) error {
	if err := s.Store.InsertPrincipalAdjustment(ctx, adj); err != nil {
		return err
	}
	s.rdb.Del(ctx, principalKey)
	return nil
}

func (s *CachedStore) InsertWtdAdjustment(ctx context.Context, adj *model.WtdAdjustment) error {
	if err := s.Store.InsertWtdAdjustment(ctx, adj); err != nil {
		return err
	}
	s.rdb.Del(ctx, wtdKey)
	return nil
}

// SettleDeposit appends a principal adjustment, so the ledger cache is stale
// afterwards.
func (s *CachedStore) SettleDeposit(ctx context.Context, st DepositSettlement) (*model.InvestorAccount, error) {
	acct, err := s.Store.SettleDeposit(ctx, st)
	if err != nil {
		return nil, err
	}
	s.rdb.Del(ctx, principalKey)
	return acct, nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) ListNavSnapshots(ctx context.Context, limit int) ([]model.NavSnapshot, error) {
	var snaps []model.NavSnapshot
	if !s.getJSON(ctx, navHistoryKey, &snaps) {
		var err error
		snaps, err = s.Store.ListNavSnapshots(ctx, historyCacheSize)
		if err != nil {
			return nil, err
		}
		s.setJSON(ctx, navHistoryKey, snaps)
	}

	if limit > 0 && len(snaps) > limit {
		snaps = snaps[:limit]
	}
	return snaps, nil
}

func (s *CachedStore) ListPrincipalAdjustments(ctx context.Context) ([]model.PrincipalAdjustment, error) {
	var adjs []model.PrincipalAdjustment
	if s.getJSON(ctx, principalKey, &adjs) {
		return adjs, nil
	}

	adjs, err := s.Store.ListPrincipalAdjustments(ctx)
	if err != nil {
		return nil, err
	}
	s.setJSON(ctx, principalKey, adjs)
	return adjs, nil
}

func (s *CachedStore) ListWtdAdjustments(ctx context.Context) ([]model.WtdAdjustment, error) {
	var adjs []model.WtdAdjustment
	if s.getJSON(ctx, wtdKey, &adjs) {
		return adjs, nil
	}

	adjs, err := s.Store.ListWtdAdjustments(ctx)
	if err != nil {
		return nil, err
	}
	s.setJSON(ctx, wtdKey, adjs)
	return adjs, nil
}

// --- Cache helpers ---

func (s *CachedStore) getJSON(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) setJSON(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}
