package credit

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// draw is one grant's contribution to a consumption.
type draw struct {
	GrantID uuid.UUID
	Taken   int64
	Before  int64
	After   int64
}

// consume takes up to amount from grants in slice order and returns the draws
// plus whatever could not be covered. grants is the caller's working set: its
// CreditsRemaining values are decremented in place so successive calls within
// one unit of work see earlier consumption.
func consume(grants []Grant, amount int64) ([]draw, int64) {
	remaining := amount
	draws := make([]draw, 0, len(grants))

	for i := range grants {
		if remaining <= 0 {
			break
		}
		g := &grants[i]
		if g.CreditsRemaining <= 0 {
			continue
		}

		take := min(g.CreditsRemaining, remaining)
		before := g.CreditsRemaining
		g.CreditsRemaining -= take
		remaining -= take

		draws = append(draws, draw{
			GrantID: g.ID,
			Taken:   take,
			Before:  before,
			After:   g.CreditsRemaining,
		})
	}

	return draws, remaining
}

// SumRemaining totals credits_remaining over grants.
func SumRemaining(grants []Grant) int64 {
	var total int64
	for _, g := range grants {
		total += g.CreditsRemaining
	}
	return total
}

// entryTemplate carries the fields shared by every ledger row of one consumption.
type entryTemplate struct {
	UserID      uuid.UUID
	Type        TxType
	Description string
	Metadata    Metadata
	RelatedID   *string
	OperationID *string
}

// applyDraws persists draws: one grant update and one negative transaction per
// touched grant. It returns the id of the last transaction written.
func applyDraws(ctx context.Context, tx Tx, draws []draw, entry entryTemplate, now time.Time) (*uuid.UUID, error) {
	var last *uuid.UUID

	for _, d := range draws {
		if err := tx.UpdateGrantRemaining(ctx, d.GrantID, d.After, now); err != nil {
			return nil, err
		}

		row := &Transaction{
			ID:            uuid.New(),
			UserID:        entry.UserID,
			GrantID:       uuidPtr(d.GrantID),
			Type:          entry.Type,
			Amount:        -d.Taken,
			BalanceBefore: d.Before,
			BalanceAfter:  d.After,
			Description:   entry.Description,
			Metadata:      entry.Metadata,
			RelatedID:     entry.RelatedID,
			OperationID:   entry.OperationID,
			CreatedAt:     now,
		}
		if err := tx.InsertTransaction(ctx, row); err != nil {
			return nil, err
		}
		last = uuidPtr(row.ID)
	}

	return last, nil
}
