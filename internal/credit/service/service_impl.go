package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/jobtrail/jobtrail/internal/clock"
	"github.com/jobtrail/jobtrail/internal/config"
	creditdomain "github.com/jobtrail/jobtrail/internal/credit/domain"
	obsmetrics "github.com/jobtrail/jobtrail/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// partialConsumeAttempts bounds the CAS retry loop in ConsumePartialCredits.
const partialConsumeAttempts = 5

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Plans      *config.PlanConfigHolder
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	plans      *config.PlanConfigHolder
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) creditdomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("credit.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		plans:      p.Plans,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) EnsureBalance(ctx context.Context, accountID snowflake.ID, plan string) error {
	if accountID == 0 {
		return creditdomain.ErrBalanceNotFound
	}
	now := s.clock.Now()
	allocation := s.plans.Get().Allocation(plan)
	return s.db.WithContext(ctx).Exec(
		`INSERT INTO balances (account_id, credits_available, monthly_allocation, next_reset_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (account_id) DO NOTHING`,
		accountID,
		allocation,
		allocation,
		nextResetAfter(now, now),
		now,
	).Error
}

func (s *Service) HasEnoughCredits(ctx context.Context, accountID snowflake.ID, amount float64) (bool, error) {
	balance, err := s.GetBalance(ctx, accountID)
	if err != nil {
		return false, err
	}
	return balance.CreditsAvailable >= amount, nil
}

func (s *Service) ConsumeCredits(ctx context.Context, accountID snowflake.ID, amount float64, reason, subjectID string) (*creditdomain.Transaction, error) {
	if amount <= 0 {
		return nil, creditdomain.ErrInvalidAmount
	}
	reason = normalizeReason(reason, creditdomain.ReasonConsume)

	var entry *creditdomain.Transaction
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.debit(ctx, tx, accountID, amount); err != nil {
			return err
		}
		var err error
		entry, err = s.writeTransaction(ctx, tx, accountID, -amount, reason, subjectID, nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.obsMetrics.RecordLedgerTransaction(reason)
	return entry, nil
}

func (s *Service) ConsumePartialCredits(ctx context.Context, accountID snowflake.ID, requested float64, reason, subjectID string) (float64, error) {
	if requested <= 0 {
		return 0, creditdomain.ErrInvalidAmount
	}
	reason = normalizeReason(reason, creditdomain.ReasonPartialConsume)

	// Conditional-debit CAS loop: take min(requested, available) without
	// ever observing a stale balance between read and write.
	for attempt := 0; attempt < partialConsumeAttempts; attempt++ {
		balance, err := s.GetBalance(ctx, accountID)
		if err != nil {
			return 0, err
		}

		amount := requested
		if balance.CreditsAvailable < amount {
			amount = balance.CreditsAvailable
		}
		if amount <= 0 {
			return 0, nil
		}

		var committed bool
		err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := s.debit(ctx, tx, accountID, amount); err != nil {
				if errors.Is(err, creditdomain.ErrInsufficientCredits) {
					// Balance moved underneath us; re-read and retry.
					return nil
				}
				return err
			}
			committed = true
			_, err := s.writeTransaction(ctx, tx, accountID, -amount, reason, subjectID, nil)
			return err
		})
		if err != nil {
			return 0, err
		}
		if committed {
			s.obsMetrics.RecordLedgerTransaction(reason)
			return amount, nil
		}
	}
	return 0, creditdomain.ErrInsufficientCredits
}

func (s *Service) ReserveCredits(ctx context.Context, accountID snowflake.ID, amount float64, operationKind, subjectID string) (*creditdomain.Reservation, error) {
	if amount <= 0 {
		return nil, creditdomain.ErrInvalidAmount
	}

	reservation := &creditdomain.Reservation{
		ID:            s.genID.Generate(),
		AccountID:     accountID,
		Amount:        amount,
		OperationKind: strings.TrimSpace(operationKind),
		SubjectID:     strings.TrimSpace(subjectID),
		State:         creditdomain.ReservationHeld,
		CreatedAt:     s.clock.Now(),
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.debit(ctx, tx, accountID, amount); err != nil {
			return err
		}
		return tx.WithContext(ctx).Create(reservation).Error
	})
	if err != nil {
		if errors.Is(err, creditdomain.ErrInsufficientCredits) {
			s.obsMetrics.RecordReservation("rejected")
		}
		return nil, err
	}
	s.obsMetrics.RecordReservation("held")
	return reservation, nil
}

func (s *Service) ConfirmReservation(ctx context.Context, reservationID snowflake.ID) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		reservation, err := s.findReservation(ctx, tx, reservationID)
		if err != nil {
			return err
		}

		switch reservation.State {
		case creditdomain.ReservationConfirmed:
			return nil
		case creditdomain.ReservationCancelled:
			return creditdomain.ErrInvalidStateTransition
		}

		now := s.clock.Now()
		result := tx.WithContext(ctx).Exec(
			`UPDATE reservations SET state = ?, resolved_at = ? WHERE id = ? AND state = ?`,
			creditdomain.ReservationConfirmed,
			now,
			reservationID,
			creditdomain.ReservationHeld,
		)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			// Lost a race: another worker resolved it first.
			resolved, err := s.findReservation(ctx, tx, reservationID)
			if err != nil {
				return err
			}
			if resolved.State == creditdomain.ReservationConfirmed {
				return nil
			}
			return creditdomain.ErrInvalidStateTransition
		}

		_, err = s.writeTransaction(ctx, tx, reservation.AccountID, -reservation.Amount, creditdomain.ReasonReservationSpent, reservation.SubjectID, nil)
		return err
	})
	if err != nil {
		return err
	}
	s.obsMetrics.RecordReservation("confirmed")
	s.obsMetrics.RecordLedgerTransaction(creditdomain.ReasonReservationSpent)
	return nil
}

func (s *Service) CancelReservation(ctx context.Context, reservationID snowflake.ID) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		reservation, err := s.findReservation(ctx, tx, reservationID)
		if err != nil {
			return err
		}

		switch reservation.State {
		case creditdomain.ReservationCancelled:
			return nil
		case creditdomain.ReservationConfirmed:
			return creditdomain.ErrInvalidStateTransition
		}

		now := s.clock.Now()
		result := tx.WithContext(ctx).Exec(
			`UPDATE reservations SET state = ?, resolved_at = ? WHERE id = ? AND state = ?`,
			creditdomain.ReservationCancelled,
			now,
			reservationID,
			creditdomain.ReservationHeld,
		)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			resolved, err := s.findReservation(ctx, tx, reservationID)
			if err != nil {
				return err
			}
			if resolved.State == creditdomain.ReservationCancelled {
				return nil
			}
			return creditdomain.ErrInvalidStateTransition
		}

		return s.credit(ctx, tx, reservation.AccountID, reservation.Amount)
	})
	if err != nil {
		return err
	}
	s.obsMetrics.RecordReservation("cancelled")
	return nil
}

func (s *Service) UpdatePlanAllocation(ctx context.Context, accountID snowflake.ID, newPlan string) error {
	planCfg := s.plans.Get()
	newAllocation := planCfg.Allocation(newPlan)
	now := s.clock.Now()

	if err := s.EnsureBalance(ctx, accountID, newPlan); err != nil {
		return err
	}

	// Upgrade policy: grant the full positive delta immediately, no
	// pro-rating. Downgrades only lower the allocation for the next
	// period; available credits are not clawed back.
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		balance, err := s.findBalance(ctx, tx, accountID)
		if err != nil {
			return err
		}

		grant := newAllocation - balance.MonthlyAllocation
		if grant < 0 {
			grant = 0
		}

		result := tx.WithContext(ctx).Exec(
			`UPDATE balances
			 SET credits_available = credits_available + ?,
			     monthly_allocation = ?,
			     next_reset_at = ?,
			     updated_at = ?
			 WHERE account_id = ? AND monthly_allocation = ?`,
			grant,
			newAllocation,
			nextResetAfter(now, now),
			now,
			accountID,
			balance.MonthlyAllocation,
		)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			// Concurrent allocation change; webhook dedupe makes this rare
			// enough that surfacing it for a retry is the right call.
			return creditdomain.ErrInvalidStateTransition
		}

		if grant > 0 {
			meta := datatypes.JSONMap{
				"plan":       newPlan,
				"allocation": newAllocation,
			}
			if _, err := s.writeTransaction(ctx, tx, accountID, grant, creditdomain.ReasonAllocationGrant, newPlan, meta); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Service) ResetExpiredAllocations(ctx context.Context) (int, error) {
	now := s.clock.Now()

	var due []creditdomain.Balance
	err := s.db.WithContext(ctx).
		Where("next_reset_at <= ?", now).
		Limit(500).
		Find(&due).Error
	if err != nil {
		return 0, err
	}

	resets := 0
	for _, balance := range due {
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			// CAS on next_reset_at and credits_available: concurrent
			// runners race and one wins, a concurrent spend invalidates
			// the snapshot the ledger delta was computed from. Losers
			// skip; the account is still due and the next run retries.
			result := tx.WithContext(ctx).Exec(
				`UPDATE balances
				 SET credits_available = monthly_allocation,
				     next_reset_at = ?,
				     updated_at = ?
				 WHERE account_id = ? AND next_reset_at = ? AND credits_available = ?`,
				nextResetAfter(balance.NextResetAt, now),
				now,
				balance.AccountID,
				balance.NextResetAt,
				balance.CreditsAvailable,
			)
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected == 0 {
				return nil
			}

			resets++
			meta := datatypes.JSONMap{"allocation": balance.MonthlyAllocation}
			_, err := s.writeTransaction(ctx, tx, balance.AccountID, balance.MonthlyAllocation-balance.CreditsAvailable, creditdomain.ReasonAllocationReset, "", meta)
			return err
		})
		if err != nil {
			return resets, err
		}
	}
	if resets > 0 {
		s.obsMetrics.RecordLedgerTransaction(creditdomain.ReasonAllocationReset)
	}
	return resets, nil
}

func (s *Service) CancelStaleReservations(ctx context.Context, ttl time.Duration) (int, error) {
	if ttl <= 0 {
		return 0, nil
	}
	cutoff := s.clock.Now().Add(-ttl)

	var stale []creditdomain.Reservation
	err := s.db.WithContext(ctx).
		Where("state = ? AND created_at <= ?", creditdomain.ReservationHeld, cutoff).
		Limit(500).
		Find(&stale).Error
	if err != nil {
		return 0, err
	}

	cancelled := 0
	for _, reservation := range stale {
		if err := s.CancelReservation(ctx, reservation.ID); err != nil {
			if errors.Is(err, creditdomain.ErrInvalidStateTransition) {
				continue
			}
			return cancelled, err
		}
		cancelled++
		s.log.Warn("cancelled stale reservation",
			zap.String("reservation_id", reservation.ID.String()),
			zap.String("account_id", reservation.AccountID.String()),
			zap.Float64("amount", reservation.Amount),
			zap.String("operation", reservation.OperationKind),
		)
	}
	return cancelled, nil
}

func (s *Service) GetBalance(ctx context.Context, accountID snowflake.ID) (*creditdomain.Balance, error) {
	return s.findBalance(ctx, s.db, accountID)
}

func (s *Service) GetReservation(ctx context.Context, reservationID snowflake.ID) (*creditdomain.Reservation, error) {
	return s.findReservation(ctx, s.db, reservationID)
}

func (s *Service) ListTransactions(ctx context.Context, accountID snowflake.ID, limit int) ([]creditdomain.Transaction, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var entries []creditdomain.Transaction
	err := s.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("created_at DESC").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// debit is the shared conditional-update primitive behind direct
// consumption and reservations: one atomic statement, zero rows affected
// means the balance condition did not hold and nothing changed.
func (s *Service) debit(ctx context.Context, tx *gorm.DB, accountID snowflake.ID, amount float64) error {
	result := tx.WithContext(ctx).Exec(
		`UPDATE balances
		 SET credits_available = credits_available - ?, updated_at = ?
		 WHERE account_id = ? AND credits_available >= ?`,
		amount,
		s.clock.Now(),
		accountID,
		amount,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		if _, err := s.findBalance(ctx, tx, accountID); err != nil {
			return err
		}
		return creditdomain.ErrInsufficientCredits
	}
	return nil
}

func (s *Service) credit(ctx context.Context, tx *gorm.DB, accountID snowflake.ID, amount float64) error {
	result := tx.WithContext(ctx).Exec(
		`UPDATE balances
		 SET credits_available = credits_available + ?, updated_at = ?
		 WHERE account_id = ?`,
		amount,
		s.clock.Now(),
		accountID,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return creditdomain.ErrBalanceNotFound
	}
	return nil
}

func (s *Service) writeTransaction(ctx context.Context, tx *gorm.DB, accountID snowflake.ID, delta float64, reason, subjectID string, metadata datatypes.JSONMap) (*creditdomain.Transaction, error) {
	entry := &creditdomain.Transaction{
		ID:        s.genID.Generate(),
		AccountID: accountID,
		Delta:     delta,
		Reason:    reason,
		SubjectID: strings.TrimSpace(subjectID),
		Metadata:  metadata,
		CreatedAt: s.clock.Now(),
	}
	if err := tx.WithContext(ctx).Create(entry).Error; err != nil {
		return nil, err
	}
	return entry, nil
}

func (s *Service) findBalance(ctx context.Context, tx *gorm.DB, accountID snowflake.ID) (*creditdomain.Balance, error) {
	var balance creditdomain.Balance
	err := tx.WithContext(ctx).First(&balance, "account_id = ?", accountID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, creditdomain.ErrBalanceNotFound
	}
	if err != nil {
		return nil, err
	}
	return &balance, nil
}

func (s *Service) findReservation(ctx context.Context, tx *gorm.DB, reservationID snowflake.ID) (*creditdomain.Reservation, error) {
	var reservation creditdomain.Reservation
	err := tx.WithContext(ctx).First(&reservation, "id = ?", reservationID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, creditdomain.ErrReservationNotFound
	}
	if err != nil {
		return nil, err
	}
	return &reservation, nil
}

func normalizeReason(reason, fallback string) string {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return fallback
	}
	return reason
}

// nextResetAfter advances from the previous boundary in whole months
// until the result is strictly after now.
func nextResetAfter(from, now time.Time) time.Time {
	next := from.AddDate(0, 1, 0)
	for !next.After(now) {
		next = next.AddDate(0, 1, 0)
	}
	return next
}
