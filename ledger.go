package creditsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// maxReconcileRounds bounds how many debit ranges a single reconciliation
// walks through. A second round only happens after an earlier round's debit
// was found by its idempotency key.
const maxReconcileRounds = 3

// Ledger applies the unpaid remainder of a transcript's cumulative cost to
// the user's account, once per remainder.
type Ledger struct {
	accounts AccountStore
	charges  ChargeStore
	locker   Locker
	audit    AuditSink
	meter    Meter
	logger   *slog.Logger

	leaseTTL       time.Duration
	advanceRetries int
	advanceBackoff time.Duration
	now            func() time.Time
}

// NewLedger creates a Ledger over the given stores.
// Options other than WithLocker, WithAuditSink, WithMeter, WithLogger and
// WithClock are ignored.
func NewLedger(accounts AccountStore, charges ChargeStore, cfg LedgerConfig, opts ...Option) *Ledger {
	o := buildOptions(opts)
	l := &Ledger{
		accounts:       accounts,
		charges:        charges,
		locker:         o.locker,
		audit:          o.audit,
		meter:          o.meter,
		logger:         o.logger,
		leaseTTL:       cfg.LeaseTTL,
		advanceRetries: DefaultAdvanceRetries,
		advanceBackoff: cfg.AdvanceBackoff,
		now:            o.now,
	}
	if l.leaseTTL == 0 {
		l.leaseTTL = DefaultLeaseTTL
	}
	if cfg.AdvanceRetries != nil {
		l.advanceRetries = *cfg.AdvanceRetries
	}
	return l
}

// Reconciliation is the outcome of Ledger.Reconcile.
type Reconciliation struct {
	TranscriptID      string
	CumulativeCost    int64
	PreviouslyCharged int64
	Applied           int64
	NewBalance        int64
	Anomaly           AnomalyKind
}

// DebitKey is the idempotency key of the debit that bills a transcript
// starting from the already-charged amount. Two reconciliations that read
// the same charged amount produce the same key, so the account store
// applies at most one of them.
func DebitKey(transcriptID string, charged int64) string {
	return fmt.Sprintf("sync:%s@%d", transcriptID, charged)
}

// Reconcile debits userID by cost minus what was already charged for the
// transcript and advances the recorded charge.
//
// It returns ErrLeaseHeld when another reconciliation of the transcript is
// running, ErrAccountNotFound when the user has no account, and an
// *AnomalyError for regressions, ownership mismatches and failed writes.
func (l *Ledger) Reconcile(ctx context.Context, userID, transcriptID string, cost int64, breakdown *Breakdown) (Reconciliation, error) {
	rec := Reconciliation{TranscriptID: transcriptID, CumulativeCost: cost}

	if l.locker != nil {
		lease, err := l.locker.Acquire(ctx, "transcript:"+transcriptID, l.leaseTTL)
		if err != nil {
			if errors.Is(err, ErrLeaseHeld) {
				return rec, err
			}
			return rec, fmt.Errorf("creditsync: acquire lease: %w", err)
		}
		defer func() {
			if err := l.locker.Release(context.WithoutCancel(ctx), lease); err != nil {
				l.logger.Warn("lease release failed", "transcript", transcriptID, "error", err)
			}
		}()
	}

	for round := 0; round < maxReconcileRounds; round++ {
		charge, found, err := l.charges.GetCharge(ctx, transcriptID)
		if err != nil {
			return rec, fmt.Errorf("creditsync: read session charge: %w", err)
		}
		charged := int64(0)
		if found {
			charged = charge.ChargedAmount
			if charge.UserID != "" && charge.UserID != userID {
				return rec, l.anomaly(ctx, AnomalyUserMismatch, userID, transcriptID, charged, cost,
					fmt.Errorf("transcript charged to user %s", charge.UserID))
			}
		}
		if round == 0 {
			rec.PreviouslyCharged = charged
		}

		delta := cost - charged
		if delta == 0 {
			if !found {
				l.claim(ctx, userID, transcriptID)
			}
			return rec, nil
		}
		if delta < 0 {
			return rec, l.anomaly(ctx, AnomalyRegression, userID, transcriptID, charged, cost, nil)
		}

		key := DebitKey(transcriptID, charged)
		debit, err := l.accounts.Debit(ctx, DebitRequest{UserID: userID, Amount: delta, IdempotencyKey: key})
		switch {
		case errors.Is(err, ErrDuplicateDebit):
			// The range starting at charged was debited before but the charge
			// never moved. Catch the charge up to that debit, then bill the rest.
			next := SessionCharge{
				TranscriptID:  transcriptID,
				UserID:        userID,
				ChargedAmount: charged + debit.Amount,
				LastSync:      l.now(),
			}
			if err := l.advance(ctx, next, charged); err != nil && !errors.Is(err, ErrChargeConflict) {
				return rec, l.anomaly(ctx, AnomalyChargeNotAdvanced, userID, transcriptID, charged, cost, err)
			}
			l.recovered(userID, transcriptID, key, charged, next.ChargedAmount, cost)
			rec.Anomaly = AnomalyRecovered
			continue
		case errors.Is(err, ErrAccountNotFound):
			return rec, err
		case err != nil:
			return rec, l.anomaly(ctx, AnomalyDebitFailed, userID, transcriptID, charged, cost, err)
		}

		// The account write is the commit point. Everything after it must
		// run even if the caller goes away.
		wctx := context.WithoutCancel(ctx)
		rec.Applied += debit.Amount
		rec.NewBalance = debit.BalanceAfter

		next := SessionCharge{
			TranscriptID:  transcriptID,
			UserID:        userID,
			ChargedAmount: charged + debit.Amount,
			LastSync:      l.now(),
		}
		advErr := l.advance(wctx, next, charged)

		l.appendAudit(wctx, AuditRecord{
			ID:             uuid.NewString(),
			UserID:         userID,
			Amount:         debit.Amount,
			BalanceBefore:  debit.BalanceBefore,
			BalanceAfter:   debit.BalanceAfter,
			TranscriptID:   transcriptID,
			Reason:         AuditSync,
			IdempotencyKey: key,
			Timestamp:      l.now(),
			Breakdown:      breakdown,
		})

		if errors.Is(advErr, ErrChargeConflict) && l.caughtUp(wctx, userID, transcriptID, next.ChargedAmount) {
			// A concurrent reconciliation found this debit by its key and
			// advanced the charge past it.
			l.recovered(userID, transcriptID, key, charged, next.ChargedAmount, cost)
			rec.Anomaly = AnomalyRecovered
			advErr = nil
		}
		if advErr != nil {
			kind := AnomalyChargeNotAdvanced
			if errors.Is(advErr, ErrChargeConflict) {
				kind = AnomalyChargeConflict
			}
			return rec, l.anomaly(wctx, kind, userID, transcriptID, charged, cost, advErr)
		}

		l.logger.Info("charged",
			"user", userID,
			"transcript", transcriptID,
			"amount", debit.Amount,
			"cumulative_cost", cost,
			"balance", debit.BalanceAfter,
		)
		return rec, nil
	}

	l.logger.Warn("reconciliation stopped before catching up",
		"user", userID,
		"transcript", transcriptID,
		"cumulative_cost", cost,
		"rounds", maxReconcileRounds,
	)
	return rec, nil
}

// advance writes the session charge, retrying transient failures. A
// conflict is returned immediately since retrying cannot fix it.
func (l *Ledger) advance(ctx context.Context, charge SessionCharge, expected int64) error {
	var err error
	for attempt := 0; attempt <= l.advanceRetries; attempt++ {
		if attempt > 0 {
			t := time.NewTimer(time.Duration(attempt) * l.advanceBackoff)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			}
		}
		err = l.charges.AdvanceCharge(ctx, charge, expected)
		if err == nil || errors.Is(err, ErrChargeConflict) {
			return err
		}
		l.logger.Warn("advance session charge failed",
			"transcript", charge.TranscriptID,
			"attempt", attempt+1,
			"error", err,
		)
	}
	return err
}

// claim records a zero charge for a transcript seen for the first time, so
// later syncs by another user are caught as a mismatch.
func (l *Ledger) claim(ctx context.Context, userID, transcriptID string) {
	err := l.charges.AdvanceCharge(ctx, SessionCharge{
		TranscriptID: transcriptID,
		UserID:       userID,
		LastSync:     l.now(),
	}, 0)
	if err != nil && !errors.Is(err, ErrChargeConflict) {
		l.logger.Warn("record zero session charge failed", "user", userID, "transcript", transcriptID, "error", err)
	}
}

// caughtUp reports whether the stored charge of the transcript already
// covers target for userID.
func (l *Ledger) caughtUp(ctx context.Context, userID, transcriptID string, target int64) bool {
	charge, found, err := l.charges.GetCharge(ctx, transcriptID)
	if err != nil || !found {
		return false
	}
	return charge.UserID == userID && charge.ChargedAmount >= target
}

func (l *Ledger) recovered(userID, transcriptID, key string, charged, advancedTo, cost int64) {
	l.logger.Warn("recovered unadvanced session charge",
		"anomaly", AnomalyRecovered,
		"user", userID,
		"transcript", transcriptID,
		"debit_key", key,
		"charged", charged,
		"advanced_to", advancedTo,
	)
	l.meter.OnAnomaly(AnomalyEvent{
		Kind:         AnomalyRecovered,
		UserID:       userID,
		TranscriptID: transcriptID,
		Charged:      charged,
		Computed:     cost,
	})
}

func (l *Ledger) appendAudit(ctx context.Context, rec AuditRecord) {
	if err := l.audit.Append(ctx, rec); err != nil {
		l.logger.Error("audit append failed",
			"audit_id", rec.ID,
			"user", rec.UserID,
			"transcript", rec.TranscriptID,
			"amount", rec.Amount,
			"error", err,
		)
	}
}

func (l *Ledger) anomaly(ctx context.Context, kind AnomalyKind, userID, transcriptID string, charged, computed int64, err error) *AnomalyError {
	level := slog.LevelWarn
	if kind.Page() || kind == AnomalyDebitFailed {
		level = slog.LevelError
	}
	l.logger.Log(ctx, level, "ledger anomaly",
		"anomaly", kind,
		"page", kind.Page(),
		"user", userID,
		"transcript", transcriptID,
		"charged", charged,
		"computed", computed,
		"error", err,
	)
	l.meter.OnAnomaly(AnomalyEvent{
		Kind:         kind,
		UserID:       userID,
		TranscriptID: transcriptID,
		Charged:      charged,
		Computed:     computed,
		Error:        err,
	})
	return &AnomalyError{
		Kind:         kind,
		UserID:       userID,
		TranscriptID: transcriptID,
		Charged:      charged,
		Computed:     computed,
		Err:          err,
	}
}
