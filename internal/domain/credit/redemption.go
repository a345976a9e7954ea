package credit

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// RedemptionResult is returned to the user after a successful redemption.
type RedemptionResult struct {
	GrantID      uuid.UUID `json:"grant_id"`
	Credits      int64     `json:"credits"`
	TemplateName string    `json:"package_name"`
	ExpiresAt    time.Time `json:"expires_at"`
	DebtSettled  int64     `json:"debt_settled"`
}

// Redeem exchanges a redemption code for a grant. The code row stays locked
// for the whole unit of work, so concurrent redemptions of the same code are
// serialized and its usage counter cannot be overrun.
func (s *Service) Redeem(ctx context.Context, userID uuid.UUID, codeID string) (*RedemptionResult, error) {
	if userID == uuid.Nil {
		return nil, ErrInvalidUserID
	}
	codeID = strings.TrimSpace(codeID)
	if codeID == "" {
		return nil, ErrCodeNotFound
	}

	var (
		res        RedemptionResult
		grant      *Grant
		settlement *SettlementResult
	)
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		now := s.clock.Now()

		code, err := tx.LockRedemptionCode(ctx, codeID)
		if err != nil {
			return err
		}
		if err := checkRedeemable(code, now); err != nil {
			return err
		}

		redeemed, err := tx.HasRedeemed(ctx, code.ID, userID)
		if err != nil {
			return err
		}
		if redeemed {
			return ErrCodeAlreadyRedeemed
		}

		grant, err = s.issueGrant(ctx, tx, GrantRequest{
			UserID:     userID,
			TemplateID: code.TemplateID,
			Source:     SourceRedemption,
			SourceID:   code.ID,
			Metadata:   Metadata{"code_id": code.ID},
		}, now)
		if err != nil {
			if errors.Is(err, ErrTemplateNotFound) || errors.Is(err, ErrTemplateInactive) {
				return ErrCodePackageMissing
			}
			return err
		}

		if err := tx.IncrementCodeUses(ctx, code.ID, now); err != nil {
			return err
		}

		if err := tx.InsertRedemption(ctx, &Redemption{
			ID:             uuid.New(),
			CodeID:         code.ID,
			UserID:         userID,
			TemplateID:     code.TemplateID,
			GrantID:        grant.ID,
			CreditsGranted: grant.CreditsTotal,
			ExpiresAt:      grant.ExpiresAt,
			RedeemedAt:     now,
		}); err != nil {
			return err
		}

		settlement, err = s.settle(ctx, tx, userID, now)
		return err
	})
	if err != nil {
		if re, ok := IsRedemptionError(err); ok {
			log.Info().
				Str("user_id", userID.String()).
				Str("code_id", codeID).
				Str("reason", re.Code).
				Msg("redemption rejected")
		}
		return nil, err
	}

	res = RedemptionResult{
		GrantID:      grant.ID,
		Credits:      grant.CreditsTotal,
		TemplateName: grant.TemplateName,
		ExpiresAt:    grant.ExpiresAt,
		DebtSettled:  settlement.Settled,
	}

	log.Info().
		Str("user_id", userID.String()).
		Str("code_id", codeID).
		Int64("credits", res.Credits).
		Msg("redemption code applied")

	s.afterGrant(ctx, grant, settlement)
	return &res, nil
}

func checkRedeemable(code *RedemptionCode, now time.Time) error {
	switch {
	case code == nil:
		return ErrCodeNotFound
	case !code.IsActive:
		return ErrCodeDisabled
	case !code.CodeExpiresAt.After(now):
		return ErrCodeExpired
	case code.CurrentUses >= code.MaxUses:
		return ErrCodeExhausted
	}
	return nil
}
