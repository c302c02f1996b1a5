package creditsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
)

// ReasonLedgerAnomaly marks a pending result caused by a failed debit.
const ReasonLedgerAnomaly = "ledger_anomaly"

const maxIDLength = 256

// Syncer meters conversational sessions and applies their cost to user
// balances. It keeps no state between calls, so any number of replicas may
// serve the same users.
type Syncer struct {
	cfg      Config
	resolver *Resolver
	calc     *Calculator
	ledger   *Ledger
	accounts AccountStore
	audit    AuditSink
	meter    Meter
	logger   *slog.Logger
	now      func() time.Time
}

// NewSyncer creates a Syncer. Default components (no lease, NoopAuditSink,
// noop meter, slog.Default) are used unless overridden via options.
func NewSyncer(cfg Config, source TranscriptSource, accounts AccountStore, charges ChargeStore, opts ...Option) (*Syncer, error) {
	if source == nil {
		return nil, fmt.Errorf("creditsync: a transcript source is required")
	}
	if accounts == nil || charges == nil {
		return nil, fmt.Errorf("creditsync: account and charge stores are required")
	}

	cfg = cfg.WithDefaults()
	calc, err := NewCalculator(cfg.Policy)
	if err != nil {
		return nil, err
	}

	o := buildOptions(opts)
	if cfg.Resolver.CircuitBreaker && o.health == nil {
		o.health = NewHealthTracker()
	}
	return &Syncer{
		cfg:      cfg,
		resolver: NewResolver(source, cfg.Resolver, o.health),
		calc:     calc,
		ledger:   NewLedger(accounts, charges, cfg.Ledger, opts...),
		accounts: accounts,
		audit:    o.audit,
		meter:    o.meter,
		logger:   o.logger,
		now:      o.now,
	}, nil
}

// Calculator returns the cost calculator in use.
func (s *Syncer) Calculator() *Calculator { return s.calc }

// Sync resolves the session's transcript, recomputes its cumulative cost and
// charges whatever has not been paid yet. Only invalid input and unknown
// accounts are returned as errors; source trouble degrades to pending and
// ledger anomalies are absorbed into the result.
func (s *Syncer) Sync(ctx context.Context, req SyncRequest) (SyncResult, error) {
	start := time.Now()
	res, err := s.sync(ctx, req)
	s.meter.OnSync(SyncEvent{
		SessionKey:     req.SessionKey,
		UserID:         req.UserID,
		TranscriptID:   res.TranscriptID,
		Status:         res.Status,
		Reason:         res.Reason,
		Amount:         res.Amount,
		CumulativeCost: res.CumulativeCost,
		Duration:       time.Since(start),
		Error:          err,
	})
	return res, err
}

func (s *Syncer) sync(ctx context.Context, req SyncRequest) (SyncResult, error) {
	if err := validateID("session_key", req.SessionKey); err != nil {
		return SyncResult{}, err
	}
	if err := validateID("user_id", req.UserID); err != nil {
		return SyncResult{}, err
	}

	if _, err := s.accounts.GetAccount(ctx, req.UserID); err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return SyncResult{}, err
		}
		return SyncResult{}, fmt.Errorf("creditsync: read account: %w", err)
	}

	ref, err := s.resolver.Resolve(ctx, req.SessionKey)
	if err != nil {
		return s.pending(req, "", err), nil
	}

	entries, err := s.resolver.Fetch(ctx, ref)
	if err != nil {
		return s.pending(req, ref.TranscriptID, err), nil
	}

	bd := s.calc.Calculate(entries)
	rec, err := s.ledger.Reconcile(ctx, req.UserID, ref.TranscriptID, bd.Total, &bd)

	res := SyncResult{
		Status:         StatusUpToDate,
		TranscriptID:   ref.TranscriptID,
		CumulativeCost: bd.Total,
		Anomaly:        rec.Anomaly,
	}

	var ae *AnomalyError
	switch {
	case errors.Is(err, ErrLeaseHeld):
		res.Status = StatusPending
		res.Reason = ReasonInProgress
		return res, nil
	case errors.As(err, &ae):
		res.Anomaly = ae.Kind
		switch ae.Kind {
		case AnomalyDebitFailed:
			res.Status = StatusPending
			res.Reason = ReasonLedgerAnomaly
		case AnomalyChargeNotAdvanced, AnomalyChargeConflict:
			res.Status = StatusCharged
			res.Amount = rec.Applied
			res.NewBalance = rec.NewBalance
		}
		return res, nil
	case err != nil:
		return SyncResult{}, err
	}

	if rec.Applied > 0 {
		res.Status = StatusCharged
		res.Amount = rec.Applied
		res.NewBalance = rec.NewBalance
	}
	return res, nil
}

func (s *Syncer) pending(req SyncRequest, transcriptID string, err error) SyncResult {
	res := SyncResult{Status: StatusPending, TranscriptID: transcriptID, Reason: ReasonNotIndexed}
	if !errors.Is(err, ErrPending) {
		res.Reason = ReasonSourceUnavailable
		s.logger.Warn("transcript source unavailable",
			"session", req.SessionKey,
			"user", req.UserID,
			"transcript", transcriptID,
			"error", err,
		)
		return res
	}
	s.logger.Debug("transcript not indexed yet", "session", req.SessionKey, "user", req.UserID)
	return res
}

// Account returns the user's balance and derived status.
func (s *Syncer) Account(ctx context.Context, userID string) (AccountView, error) {
	if err := validateID("user_id", userID); err != nil {
		return AccountView{}, err
	}
	acc, err := s.accounts.GetAccount(ctx, userID)
	if err != nil {
		return AccountView{}, err
	}
	return AccountView{
		UserID:  acc.UserID,
		Balance: acc.Balance,
		Status:  DeriveStatus(acc.Balance, s.cfg.Account.LowBalanceThreshold),
	}, nil
}

// DeriveStatus maps a balance to blocked (<= 0), warning (below threshold)
// or ok.
func DeriveStatus(balance, lowThreshold int64) AccountStatus {
	switch {
	case balance <= 0:
		return AccountBlocked
	case balance < lowThreshold:
		return AccountWarning
	default:
		return AccountOK
	}
}

// Deduct applies a caller-specified debit outside of transcript metering.
// A zero amount means one credit. Accounts at or below zero are not
// debited and the debit never takes the balance below zero.
func (s *Syncer) Deduct(ctx context.Context, req DeductRequest) (DeductResult, error) {
	if err := validateID("user_id", req.UserID); err != nil {
		return DeductResult{}, err
	}
	amount := req.Amount
	if amount == 0 {
		amount = 1
	}
	if amount < 0 {
		return DeductResult{}, fmt.Errorf("%w: cost must be positive, got %d", ErrInvalidInput, req.Amount)
	}

	key := "deduct:" + uuid.NewString()
	if req.IdempotencyKey != "" {
		if err := validateID("idempotency_key", req.IdempotencyKey); err != nil {
			return DeductResult{}, err
		}
		key = "deduct:" + req.IdempotencyKey
	}

	debit, err := s.accounts.Debit(ctx, DebitRequest{
		UserID:         req.UserID,
		Amount:         amount,
		IdempotencyKey: key,
		ClampAtZero:    true,
	})
	if errors.Is(err, ErrDuplicateDebit) {
		return DeductResult{
			Applied:         true,
			Deducted:        debit.Amount,
			PreviousBalance: debit.BalanceBefore,
			NewBalance:      debit.BalanceAfter,
			Message:         "already applied",
		}, nil
	}
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return DeductResult{}, err
		}
		return DeductResult{}, fmt.Errorf("creditsync: deduct: %w", err)
	}

	if debit.Amount == 0 {
		return DeductResult{
			Applied:         false,
			PreviousBalance: debit.BalanceBefore,
			NewBalance:      debit.BalanceAfter,
			Message:         "No credits remaining",
		}, nil
	}

	rec := AuditRecord{
		ID:             uuid.NewString(),
		UserID:         req.UserID,
		Amount:         debit.Amount,
		BalanceBefore:  debit.BalanceBefore,
		BalanceAfter:   debit.BalanceAfter,
		Reason:         AuditDeduct,
		IdempotencyKey: key,
		Timestamp:      s.now(),
	}
	if err := s.audit.Append(context.WithoutCancel(ctx), rec); err != nil {
		s.logger.Error("audit append failed", "audit_id", rec.ID, "user", rec.UserID, "amount", rec.Amount, "error", err)
	}

	s.logger.Info("deducted",
		"user", req.UserID,
		"requested", amount,
		"deducted", debit.Amount,
		"balance", debit.BalanceAfter,
	)
	return DeductResult{
		Applied:         true,
		Deducted:        debit.Amount,
		PreviousBalance: debit.BalanceBefore,
		NewBalance:      debit.BalanceAfter,
	}, nil
}

func validateID(field, v string) error {
	if strings.TrimSpace(v) == "" {
		return fmt.Errorf("%w: %s is required", ErrInvalidInput, field)
	}
	if len(v) > maxIDLength {
		return fmt.Errorf("%w: %s longer than %d bytes", ErrInvalidInput, field, maxIDLength)
	}
	if strings.IndexFunc(v, unicode.IsControl) >= 0 {
		return fmt.Errorf("%w: %s contains control characters", ErrInvalidInput, field)
	}
	return nil
}
