package credit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mwork/credit-ledger/internal/pkg/clock"
)

const notifyTimeout = 2 * time.Second

// Service is the credit ledger engine: balance aggregation, deduction,
// grant issuance, redemption and debt settlement.
type Service struct {
	store               Store
	clock               clock.Clock
	retry               RetryPolicy
	notifier            Notifier
	lowBalanceThreshold int64
}

// Option configures a Service.
type Option func(*Service)

func WithClock(c clock.Clock) Option {
	return func(s *Service) { s.clock = c }
}

func WithRetryPolicy(p RetryPolicy) Option {
	return func(s *Service) { s.retry = p }
}

func WithNotifier(n Notifier) Option {
	return func(s *Service) {
		if n != nil {
			s.notifier = n
		}
	}
}

// WithLowBalanceThreshold emits a low balance event when a deduction leaves
// the user under n credits. Zero disables the event.
func WithLowBalanceThreshold(n int64) Option {
	return func(s *Service) { s.lowBalanceThreshold = n }
}

// NewService creates a new credit service
func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:               store,
		clock:               clock.Real(),
		retry:               DefaultRetryPolicy(),
		notifier:            nopNotifier{},
		lowBalanceThreshold: 10,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ActiveGrants returns the user's consumable grants, earliest expiry first.
func (s *Service) ActiveGrants(ctx context.Context, userID uuid.UUID) ([]Grant, error) {
	if userID == uuid.Nil {
		return nil, ErrInvalidUserID
	}
	return s.store.ActiveGrants(ctx, userID, s.clock.Now())
}

// Balance returns the sum of credits remaining across the user's active grants.
func (s *Service) Balance(ctx context.Context, userID uuid.UUID) (int64, error) {
	grants, err := s.ActiveGrants(ctx, userID)
	if err != nil {
		return 0, err
	}
	return SumRemaining(grants), nil
}

// DeductRequest describes one metered usage charge.
type DeductRequest struct {
	UserID        uuid.UUID
	Amount        int64
	OperationType TxType
	Description   string
	Metadata      Metadata
	// OperationID makes the call idempotent when set.
	OperationID string
	RelatedID   string
}

// DeductResult reports how a charge was covered.
type DeductResult struct {
	Deducted   int64      `json:"deducted"`
	DebtAmount int64      `json:"debt_amount"`
	DebtID     *uuid.UUID `json:"debt_id,omitempty"`
	Balance    int64      `json:"balance"`
	Replayed   bool       `json:"replayed"`
	// Settlement is set when credit that arrived concurrently paid the new debt.
	Settlement *SettlementResult `json:"settlement,omitempty"`
}

// Deduct consumes credits from the user's grants in expiry order and records
// any shortfall as debt. Transient storage failures retry the whole unit of
// work; the call either fully applies or leaves no trace.
func (s *Service) Deduct(ctx context.Context, req DeductRequest) (*DeductResult, error) {
	if req.UserID == uuid.Nil {
		return nil, ErrInvalidUserID
	}
	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if !req.OperationType.IsUsage() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidOperationType, req.OperationType)
	}

	var result *DeductResult
	err := s.retry.Do(ctx, "deduct", func() error {
		res, err := s.deductOnce(ctx, req)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrTransient) {
			log.Error().
				Err(err).
				Str("user_id", req.UserID.String()).
				Int64("amount", req.Amount).
				Str("operation_id", req.OperationID).
				Msg("credit deduction failed after retries")
			return nil, fmt.Errorf("%w: %w", ErrDeductFailed, err)
		}
		return nil, err
	}

	if result.Replayed {
		log.Info().
			Str("user_id", req.UserID.String()).
			Str("operation_id", req.OperationID).
			Msg("credit deduction already applied")
		if balance, err := s.Balance(ctx, req.UserID); err == nil {
			result.Balance = balance
		}
		return result, nil
	}

	logEvent := log.Info()
	if result.DebtAmount > 0 {
		logEvent = log.Warn().Int64("debt_amount", result.DebtAmount)
	}
	logEvent.
		Str("user_id", req.UserID.String()).
		Str("operation_type", string(req.OperationType)).
		Int64("amount", req.Amount).
		Int64("deducted", result.Deducted).
		Int64("balance", result.Balance).
		Msg("credits deducted")

	s.afterDeduct(ctx, req, result)
	s.afterSettle(ctx, req.UserID, result.Settlement)
	return result, nil
}

func (s *Service) deductOnce(ctx context.Context, req DeductRequest) (*DeductResult, error) {
	result := &DeductResult{}

	err := s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		now := s.clock.Now()

		if req.OperationID != "" {
			if err := tx.LockOperation(ctx, req.OperationID); err != nil {
				return err
			}
			applied, err := tx.OperationApplied(ctx, req.UserID, req.OperationID)
			if err != nil {
				return err
			}
			if applied {
				result.Replayed = true
				return nil
			}
		}

		grants, err := tx.LockActiveGrants(ctx, req.UserID, now)
		if err != nil {
			return err
		}

		description := req.Description
		if description == "" {
			description = fmt.Sprintf("%s usage", req.OperationType)
		}

		draws, shortfall := consume(grants, req.Amount)
		if _, err := applyDraws(ctx, tx, draws, entryTemplate{
			UserID:      req.UserID,
			Type:        req.OperationType,
			Description: description,
			Metadata:    req.Metadata,
			RelatedID:   strPtr(req.RelatedID),
			OperationID: strPtr(req.OperationID),
		}, now); err != nil {
			return err
		}

		result.Deducted = req.Amount - shortfall
		result.Balance = SumRemaining(grants)

		if shortfall > 0 {
			debtID, err := s.recordDebt(ctx, tx, req, shortfall, now)
			if err != nil {
				return err
			}
			result.DebtAmount = shortfall
			result.DebtID = debtID

			// A grant committed after the grants were locked is invisible to
			// both this unit of work and that grant's own settlement.
			settlement, err := s.settle(ctx, tx, req.UserID, now)
			if err != nil {
				return err
			}
			if settlement.Settled > 0 {
				result.Settlement = settlement
				result.Balance = settlement.Balance
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// recordDebt writes the debt row and its zero-balance debt transaction.
func (s *Service) recordDebt(ctx context.Context, tx Tx, req DeductRequest, shortfall int64, now time.Time) (*uuid.UUID, error) {
	meta := Metadata{}
	for k, v := range req.Metadata {
		meta[k] = v
	}
	meta["total_required"] = req.Amount
	meta["deducted"] = req.Amount - shortfall
	meta["debt_amount"] = shortfall
	if req.OperationID != "" {
		meta["operation_id"] = req.OperationID
	}

	debt := &Debt{
		ID:            uuid.New(),
		UserID:        req.UserID,
		Amount:        shortfall,
		OperationType: req.OperationType,
		Metadata:      meta,
		RelatedID:     strPtr(req.RelatedID),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := tx.InsertDebt(ctx, debt); err != nil {
		return nil, err
	}

	row := &Transaction{
		ID:            uuid.New(),
		UserID:        req.UserID,
		Type:          TxTypeDebt,
		Amount:        -shortfall,
		BalanceBefore: 0,
		BalanceAfter:  0,
		Description:   fmt.Sprintf("%s debt", req.OperationType),
		Metadata:      meta,
		RelatedID:     strPtr(debt.ID.String()),
		OperationID:   strPtr(req.OperationID),
		CreatedAt:     now,
	}
	if err := tx.InsertTransaction(ctx, row); err != nil {
		return nil, err
	}

	return uuidPtr(debt.ID), nil
}

func (s *Service) afterDeduct(ctx context.Context, req DeductRequest, result *DeductResult) {
	now := s.clock.Now()
	events := []Event{{
		Type:        EventBalanceChanged,
		UserID:      req.UserID,
		Balance:     result.Balance,
		Amount:      -result.Deducted,
		ReferenceID: req.OperationID,
		OccurredAt:  now,
	}}

	if result.DebtID != nil {
		events = append(events, Event{
			Type:        EventDebtCreated,
			UserID:      req.UserID,
			Balance:     result.Balance,
			Amount:      result.DebtAmount,
			ReferenceID: result.DebtID.String(),
			OccurredAt:  now,
		})
	}

	if s.lowBalanceThreshold > 0 && result.Balance < s.lowBalanceThreshold {
		events = append(events, Event{
			Type:       EventLowBalance,
			UserID:     req.UserID,
			Balance:    result.Balance,
			OccurredAt: now,
		})
	}

	s.publish(ctx, events...)
}

// publish delivers events after commit. Delivery failures are logged only.
func (s *Service) publish(ctx context.Context, events ...Event) {
	if len(events) == 0 {
		return
	}

	ctx2, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()

	for _, e := range events {
		if err := s.notifier.Notify(ctx2, e); err != nil {
			log.Warn().
				Err(err).
				Str("user_id", e.UserID.String()).
				Str("event_type", string(e.Type)).
				Msg("failed to publish credit event")
		}
	}
}

// SweepExpired deactivates grants whose expiry has passed.
func (s *Service) SweepExpired(ctx context.Context) (int64, error) {
	return s.store.ExpireGrants(ctx, s.clock.Now())
}
