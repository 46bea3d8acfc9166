// Package settlement converts PENDING deposit and withdrawal requests into
// share balances at one share price per batch.
//
// A batch runs under the store's settlement lock, reads the latest NAV
// snapshot once, resolves one price, and then walks the pending requests
// oldest first. Each request is settled in its own unit of work; a rejected
// or failed request is recorded in the result list and never aborts or
// rolls back the rest of the batch.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/moneyflow888/moneyflow-web/internal/guard"
	"github.com/moneyflow888/moneyflow-web/internal/metrics"
	"github.com/moneyflow888/moneyflow-web/internal/model"
	"github.com/moneyflow888/moneyflow-web/internal/period"
	"github.com/moneyflow888/moneyflow-web/internal/pricing"
	"github.com/moneyflow888/moneyflow-web/internal/store"
)

var (
	// ErrMissingSnapshotTimestamp is returned when the latest snapshot has no
	// created_at, so forward pricing cannot be checked.
	ErrMissingSnapshotTimestamp = errors.New("settlement: nav snapshot has no timestamp")
)

// Batch kinds.
const (
	KindDeposit  = "deposit"
	KindWithdraw = "withdraw"
)

// Reason explains why a single request in a batch was not settled.
type Reason string

const (
	ReasonInvalidAmount      Reason = "InvalidAmount"
	ReasonForwardPricing     Reason = "ForwardPricingViolation"
	ReasonPrincipalExceeds   Reason = "PrincipalExceedsNav"
	ReasonInsufficientShares Reason = "InsufficientShares"
	ReasonAlreadySettled     Reason = "AlreadySettled"
	ReasonBackendFailure     Reason = "BackendFailure"
)

// Result is the outcome for one request.
type Result struct {
	ID           string           `json:"id"`
	UserID       string           `json:"user_id"`
	Amount       decimal.Decimal  `json:"amount"`
	OK           bool             `json:"ok"`
	Reason       Reason           `json:"reason,omitempty"`
	Error        string           `json:"error,omitempty"`
	MintedShares *decimal.Decimal `json:"minted_shares,omitempty"`
	BurnedShares *decimal.Decimal `json:"burned_shares,omitempty"`
	NewShares    *decimal.Decimal `json:"new_shares,omitempty"`
	NewPrincipal *decimal.Decimal `json:"new_principal,omitempty"`
}

// BatchResult summarises one settlement run.
type BatchResult struct {
	Kind        string          `json:"kind"`
	Executed    int             `json:"executed"`
	Failed      int             `json:"failed"`
	SharePrice  decimal.Decimal `json:"share_price"`
	PriceSource string          `json:"price_source"`
	SnapshotID  string          `json:"snapshot_id"`
	SnapshotAt  time.Time       `json:"snapshot_at"`
	Results     []Result        `json:"results"`
}

// Event is published for every settled request and at the end of a batch.
type Event struct {
	Type       string `json:"type"` // deposit_minted, withdraw_burned, batch_completed
	Kind       string `json:"kind"`
	RequestID  string `json:"request_id,omitempty"`
	UserID     string `json:"user_id,omitempty"`
	Amount     string `json:"amount,omitempty"`
	Shares     string `json:"shares,omitempty"`
	SharePrice string `json:"share_price"`
	Executed   int    `json:"executed,omitempty"`
	Failed     int    `json:"failed,omitempty"`
}

// Publisher receives settlement events. It must not block.
type Publisher interface {
	Publish(Event)
}

// Options tunes a Service.
type Options struct {
	// Epsilon is the tolerance for the NAV cap and share coverage checks.
	Epsilon decimal.Decimal

	// WithdrawForwardPricing applies the forward-pricing rule to
	// withdrawals as well as deposits.
	WithdrawForwardPricing bool

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Service runs settlement batches against a store.
type Service struct {
	store     store.Store
	publisher Publisher
	opts      Options
}

// NewService creates a settlement service.
// Pass nil for pub if events are not needed.
func NewService(st store.Store, pub Publisher, opts Options) *Service {
	if !opts.Epsilon.IsPositive() {
		opts.Epsilon = guard.DefaultEpsilon
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{store: st, publisher: pub, opts: opts}
}

// pricedBatch is the state captured once at the start of a batch.
type pricedBatch struct {
	snapshot *model.NavSnapshot
	totals   model.AccountTotals
	quote    pricing.Quote
}

// begin reads the snapshot and totals and resolves the batch price.
func (s *Service) begin(ctx context.Context) (*pricedBatch, error) {
	snap, err := s.store.LatestNavSnapshot(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: no nav snapshot", pricing.ErrPriceUnavailable)
	}
	if err != nil {
		return nil, fmt.Errorf("read nav snapshot: %w", err)
	}
	if snap.CreatedAt.IsZero() {
		return nil, ErrMissingSnapshotTimestamp
	}

	totals, err := s.store.AccountTotals(ctx)
	if err != nil {
		return nil, fmt.Errorf("read account totals: %w", err)
	}

	quote, err := pricing.Resolve(*snap, totals.Shares)
	if err != nil {
		return nil, err
	}

	metrics.SharePrice.Set(quote.Price.InexactFloat64())
	metrics.LatestNAV.Set(snap.TotalNAV.InexactFloat64())

	return &pricedBatch{snapshot: snap, totals: totals, quote: quote}, nil
}

func (b *pricedBatch) result(kind string) *BatchResult {
	return &BatchResult{
		Kind:        kind,
		SharePrice:  b.quote.Price,
		PriceSource: b.quote.Source,
		SnapshotID:  b.snapshot.ID,
		SnapshotAt:  b.snapshot.CreatedAt,
		Results:     []Result{},
	}
}

// ExecuteDeposits mints shares for every PENDING deposit.
func (s *Service) ExecuteDeposits(ctx context.Context) (*BatchResult, error) {
	start := time.Now()

	unlock, err := s.store.LockSettlement(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	batch, err := s.begin(ctx)
	if err != nil {
		metrics.SettlementBatches.WithLabelValues(KindDeposit, "error").Inc()
		return nil, err
	}

	pending, err := s.store.ListPendingDeposits(ctx)
	if err != nil {
		metrics.SettlementBatches.WithLabelValues(KindDeposit, "error").Inc()
		return nil, fmt.Errorf("list pending deposits: %w", err)
	}

	out := batch.result(KindDeposit)
	price := batch.quote.Price
	principalCap := guard.NewPrincipalCap(batch.snapshot.TotalNAV, batch.totals.Principal, s.opts.Epsilon)

	for _, dep := range pending {
		res := Result{ID: dep.ID, UserID: dep.UserID, Amount: dep.Amount}

		if !dep.Amount.IsPositive() {
			s.reject(out, res, ReasonInvalidAmount, "amount must be positive")
			continue
		}
		if err := guard.CheckForwardPricing(batch.snapshot.CreatedAt, dep.CreatedAt); err != nil {
			s.reject(out, res, ReasonForwardPricing, err.Error())
			continue
		}
		if err := principalCap.Check(dep.Amount); err != nil {
			s.reject(out, res, ReasonPrincipalExceeds, err.Error())
			continue
		}

		now := s.opts.Now()
		minted := pricing.SharesFor(dep.Amount, price)
		acct, err := s.store.SettleDeposit(ctx, store.DepositSettlement{
			DepositID:    dep.ID,
			UserID:       dep.UserID,
			Email:        dep.Email,
			Amount:       dep.Amount,
			SharePrice:   price,
			MintedShares: minted,
			ExecutedAt:   now,
			Adjustment: model.PrincipalAdjustment{
				ID:        uuid.New().String(),
				Month:     period.MonthOf(now),
				Delta:     dep.Amount,
				Note:      "deposit " + dep.ID,
				CreatedAt: now,
			},
		})
		if err != nil {
			s.rejectErr(out, res, err)
			continue
		}
		principalCap.Commit(dep.Amount)

		res.OK = true
		res.MintedShares = &minted
		res.NewShares = &acct.Shares
		res.NewPrincipal = &acct.Principal
		out.Results = append(out.Results, res)
		out.Executed++
		metrics.SettlementRequests.WithLabelValues(KindDeposit, "settled").Inc()

		slog.Info("deposit minted",
			"id", dep.ID,
			"user", dep.UserID,
			"amount", dep.Amount.String(),
			"share_price", price.String(),
			"minted_shares", minted.String(),
		)
		s.publish(Event{
			Type:       "deposit_minted",
			Kind:       KindDeposit,
			RequestID:  dep.ID,
			UserID:     dep.UserID,
			Amount:     dep.Amount.String(),
			Shares:     minted.String(),
			SharePrice: price.String(),
		})
	}

	s.finish(out, start)
	return out, nil
}

// ExecuteWithdrawals burns shares for every PENDING withdrawal and leaves
// it UNPAID until cash is sent.
func (s *Service) ExecuteWithdrawals(ctx context.Context) (*BatchResult, error) {
	start := time.Now()

	unlock, err := s.store.LockSettlement(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	batch, err := s.begin(ctx)
	if err != nil {
		metrics.SettlementBatches.WithLabelValues(KindWithdraw, "error").Inc()
		return nil, err
	}

	pending, err := s.store.ListPendingWithdrawals(ctx)
	if err != nil {
		metrics.SettlementBatches.WithLabelValues(KindWithdraw, "error").Inc()
		return nil, fmt.Errorf("list pending withdrawals: %w", err)
	}

	out := batch.result(KindWithdraw)
	price := batch.quote.Price

	for _, wd := range pending {
		res := Result{ID: wd.ID, UserID: wd.UserID, Amount: wd.Amount}

		if !wd.Amount.IsPositive() {
			s.reject(out, res, ReasonInvalidAmount, "amount must be positive")
			continue
		}
		if s.opts.WithdrawForwardPricing {
			if err := guard.CheckForwardPricing(batch.snapshot.CreatedAt, wd.CreatedAt); err != nil {
				s.reject(out, res, ReasonForwardPricing, err.Error())
				continue
			}
		}

		burn := pricing.SharesFor(wd.Amount, price)

		acct, err := s.store.GetAccount(ctx, wd.UserID)
		if errors.Is(err, store.ErrNotFound) {
			s.reject(out, res, ReasonInsufficientShares, "no investor account")
			continue
		}
		if err != nil {
			s.rejectErr(out, res, err)
			continue
		}
		if !guard.CoversBurn(acct.Shares, burn, s.opts.Epsilon) {
			s.reject(out, res, ReasonInsufficientShares,
				fmt.Sprintf("needs %s shares, holds %s", burn.String(), acct.Shares.String()))
			continue
		}

		acct, err = s.store.SettleWithdraw(ctx, store.WithdrawSettlement{
			WithdrawID:   wd.ID,
			UserID:       wd.UserID,
			Amount:       wd.Amount,
			SharePrice:   price,
			BurnedShares: burn,
			ExecutedAt:   s.opts.Now(),
			Epsilon:      s.opts.Epsilon,
		})
		if err != nil {
			s.rejectErr(out, res, err)
			continue
		}

		res.OK = true
		res.BurnedShares = &burn
		res.NewShares = &acct.Shares
		res.NewPrincipal = &acct.Principal
		out.Results = append(out.Results, res)
		out.Executed++
		metrics.SettlementRequests.WithLabelValues(KindWithdraw, "settled").Inc()

		slog.Info("withdrawal burned",
			"id", wd.ID,
			"user", wd.UserID,
			"amount", wd.Amount.String(),
			"share_price", price.String(),
			"burned_shares", burn.String(),
		)
		s.publish(Event{
			Type:       "withdraw_burned",
			Kind:       KindWithdraw,
			RequestID:  wd.ID,
			UserID:     wd.UserID,
			Amount:     wd.Amount.String(),
			Shares:     burn.String(),
			SharePrice: price.String(),
		})
	}

	s.finish(out, start)
	return out, nil
}

func (s *Service) reject(out *BatchResult, res Result, reason Reason, msg string) {
	res.OK = false
	res.Reason = reason
	res.Error = msg
	out.Results = append(out.Results, res)
	out.Failed++
	metrics.SettlementRequests.WithLabelValues(out.Kind, string(reason)).Inc()

	slog.Warn("settlement request rejected",
		"kind", out.Kind,
		"id", res.ID,
		"user", res.UserID,
		"reason", string(reason),
		"detail", msg,
	)
}

// rejectErr classifies a store error for one request.
func (s *Service) rejectErr(out *BatchResult, res Result, err error) {
	switch {
	case errors.Is(err, store.ErrNotPending):
		s.reject(out, res, ReasonAlreadySettled, err.Error())
	case errors.Is(err, store.ErrInsufficientShares):
		s.reject(out, res, ReasonInsufficientShares, err.Error())
	default:
		s.reject(out, res, ReasonBackendFailure, err.Error())
	}
}

func (s *Service) finish(out *BatchResult, start time.Time) {
	metrics.SettlementBatches.WithLabelValues(out.Kind, "ok").Inc()
	metrics.SettlementLatency.WithLabelValues(out.Kind).Observe(time.Since(start).Seconds())

	slog.Info("settlement batch completed",
		"kind", out.Kind,
		"executed", out.Executed,
		"failed", out.Failed,
		"share_price", out.SharePrice.String(),
		"price_source", out.PriceSource,
		"snapshot_id", out.SnapshotID,
	)
	s.publish(Event{
		Type:       "batch_completed",
		Kind:       out.Kind,
		SharePrice: out.SharePrice.String(),
		Executed:   out.Executed,
		Failed:     out.Failed,
	})
}

func (s *Service) publish(e Event) {
	if s.publisher != nil {
		s.publisher.Publish(e)
	}
}
