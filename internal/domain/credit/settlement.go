package credit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// SettlementResult summarizes one settlement pass.
type SettlementResult struct {
	Settled        int64       `json:"settled"`
	SettledDebtIDs []uuid.UUID `json:"settled_debt_ids"`
	PartialDebtID  *uuid.UUID  `json:"partial_debt_id,omitempty"`
	Balance        int64       `json:"balance"`
}

// settle applies available grant balance to unsettled debts, oldest debt
// first, drawing from grants in expiry order. It must run inside the unit of
// work that made the credit available.
func (s *Service) settle(ctx context.Context, tx Tx, userID uuid.UUID, now time.Time) (*SettlementResult, error) {
	res := &SettlementResult{SettledDebtIDs: []uuid.UUID{}}

	debts, err := tx.LockUnsettledDebts(ctx, userID)
	if err != nil {
		return nil, err
	}

	grants, err := tx.LockActiveGrants(ctx, userID, now)
	if err != nil {
		return nil, err
	}
	available := SumRemaining(grants)

	for _, debt := range debts {
		if available <= 0 {
			break
		}
		if debt.Amount <= 0 {
			continue
		}

		settleAmount := min(debt.Amount, available)
		draws, _ := consume(grants, settleAmount)

		last, err := applyDraws(ctx, tx, draws, entryTemplate{
			UserID:      userID,
			Type:        TxTypeAdminAdjustment,
			Description: fmt.Sprintf("Debt settlement: %s", debt.OperationType),
			Metadata: Metadata{
				"debt_id":        debt.ID.String(),
				"operation_type": string(debt.OperationType),
				"settled_amount": settleAmount,
			},
			RelatedID: strPtr(debt.ID.String()),
		}, now)
		if err != nil {
			return nil, err
		}

		available -= settleAmount
		res.Settled += settleAmount

		if settleAmount == debt.Amount {
			if err := tx.SettleDebt(ctx, debt.ID, last, now); err != nil {
				return nil, err
			}
			res.SettledDebtIDs = append(res.SettledDebtIDs, debt.ID)
			continue
		}

		if err := tx.ReduceDebt(ctx, debt.ID, debt.Amount-settleAmount, now); err != nil {
			return nil, err
		}
		res.PartialDebtID = uuidPtr(debt.ID)
		break
	}

	res.Balance = available
	return res, nil
}

// SettleDebts runs a settlement pass for the user in its own unit of work.
func (s *Service) SettleDebts(ctx context.Context, userID uuid.UUID) (*SettlementResult, error) {
	if userID == uuid.Nil {
		return nil, ErrInvalidUserID
	}

	var res *SettlementResult
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		res, err = s.settle(ctx, tx, userID, s.clock.Now())
		return err
	})
	if err != nil {
		return nil, err
	}

	s.afterSettle(ctx, userID, res)
	return res, nil
}

func (s *Service) afterSettle(ctx context.Context, userID uuid.UUID, res *SettlementResult) {
	if res == nil || res.Settled == 0 {
		return
	}

	log.Info().
		Str("user_id", userID.String()).
		Int64("settled", res.Settled).
		Int("debts_settled", len(res.SettledDebtIDs)).
		Msg("credit debts settled")

	now := s.clock.Now()
	events := make([]Event, 0, len(res.SettledDebtIDs))
	for _, id := range res.SettledDebtIDs {
		events = append(events, Event{
			Type:        EventDebtSettled,
			UserID:      userID,
			Balance:     res.Balance,
			ReferenceID: id.String(),
			OccurredAt:  now,
		})
	}
	s.publish(ctx, events...)
}

// ForgiveDebt marks a debt settled without consuming credits and writes a
// debt_forgiveness audit transaction for the forgiven amount.
func (s *Service) ForgiveDebt(ctx context.Context, debtID, adminID uuid.UUID, reason string) (*Debt, error) {
	if debtID == uuid.Nil {
		return nil, ErrDebtNotFound
	}

	var forgiven *Debt
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		now := s.clock.Now()

		debt, err := tx.LockDebt(ctx, debtID)
		if err != nil {
			return err
		}
		if debt.IsSettled {
			return ErrDebtAlreadySettled
		}

		reason = strings.TrimSpace(reason)
		if reason == "" {
			reason = "Debt forgiven by administrator"
		}

		row := &Transaction{
			ID:            uuid.New(),
			UserID:        debt.UserID,
			Type:          TxTypeDebtForgiveness,
			Amount:        debt.Amount,
			BalanceBefore: 0,
			BalanceAfter:  0,
			Description:   reason,
			Metadata: Metadata{
				"debt_id":        debt.ID.String(),
				"admin_id":       adminID.String(),
				"operation_type": string(debt.OperationType),
			},
			RelatedID: strPtr(debt.ID.String()),
			CreatedAt: now,
		}
		if err := tx.InsertTransaction(ctx, row); err != nil {
			return err
		}
		if err := tx.SettleDebt(ctx, debt.ID, uuidPtr(row.ID), now); err != nil {
			return err
		}

		debt.IsSettled = true
		debt.SettledAt = &now
		debt.SettledTransactionID = uuidPtr(row.ID)
		debt.UpdatedAt = now
		forgiven = debt
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("debt_id", debtID.String()).
		Str("admin_id", adminID.String()).
		Int64("amount", forgiven.Amount).
		Msg("credit debt forgiven")

	s.publish(ctx, Event{
		Type:        EventDebtSettled,
		UserID:      forgiven.UserID,
		ReferenceID: forgiven.ID.String(),
		OccurredAt:  s.clock.Now(),
	})

	return forgiven, nil
}
