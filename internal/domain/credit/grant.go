package credit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// GrantRequest issues a grant from a template.
type GrantRequest struct {
	UserID      uuid.UUID
	TemplateID  uuid.UUID
	Source      GrantSource
	SourceID    string
	Description string
	Metadata    Metadata
}

// GrantResult is the issued grant and the settlement it triggered.
type GrantResult struct {
	Grant      *Grant            `json:"grant"`
	Settlement *SettlementResult `json:"settlement"`
}

// Grant issues credits from a template and settles outstanding debt against
// them before commit.
func (s *Service) Grant(ctx context.Context, req GrantRequest) (*GrantResult, error) {
	if req.UserID == uuid.Nil {
		return nil, ErrInvalidUserID
	}
	if _, ok := req.Source.TxType(); !ok {
		return nil, ErrInvalidSource
	}

	var res GrantResult
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		now := s.clock.Now()

		g, err := s.issueGrant(ctx, tx, req, now)
		if err != nil {
			return err
		}
		res.Grant = g

		res.Settlement, err = s.settle(ctx, tx, req.UserID, now)
		return err
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("user_id", req.UserID.String()).
		Str("grant_id", res.Grant.ID.String()).
		Str("source", string(req.Source)).
		Int64("credits", res.Grant.CreditsTotal).
		Int64("settled", res.Settlement.Settled).
		Msg("credit grant issued")

	s.afterGrant(ctx, res.Grant, res.Settlement)
	return &res, nil
}

// issueGrant snapshots the template into a new grant and records the
// positive transaction. The caller owns the unit of work.
func (s *Service) issueGrant(ctx context.Context, tx Tx, req GrantRequest, now time.Time) (*Grant, error) {
	txType, ok := req.Source.TxType()
	if !ok {
		return nil, ErrInvalidSource
	}

	tmpl, err := tx.GetTemplate(ctx, req.TemplateID)
	if err != nil {
		return nil, err
	}
	if !tmpl.IsActive {
		return nil, ErrTemplateInactive
	}
	if tmpl.Credits <= 0 || tmpl.ValidityDays <= 0 {
		return nil, ErrInvalidTemplate
	}

	g := &Grant{
		ID:               uuid.New(),
		UserID:           req.UserID,
		TemplateID:       tmpl.ID,
		TemplateName:     tmpl.Name,
		CreditsTotal:     tmpl.Credits,
		CreditsRemaining: tmpl.Credits,
		GrantedAt:        now,
		ExpiresAt:        now.AddDate(0, 0, tmpl.ValidityDays),
		Source:           req.Source,
		SourceID:         strPtr(req.SourceID),
		IsActive:         true,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := tx.InsertGrant(ctx, g); err != nil {
		return nil, err
	}

	meta := Metadata{}
	for k, v := range req.Metadata {
		meta[k] = v
	}
	meta["template_id"] = tmpl.ID.String()
	meta["source"] = string(req.Source)
	meta["validity_days"] = tmpl.ValidityDays

	description := req.Description
	if description == "" {
		description = tmpl.Name
	}

	row := &Transaction{
		ID:            uuid.New(),
		UserID:        req.UserID,
		GrantID:       uuidPtr(g.ID),
		Type:          txType,
		Amount:        tmpl.Credits,
		BalanceBefore: 0,
		BalanceAfter:  tmpl.Credits,
		Description:   description,
		Metadata:      meta,
		RelatedID:     strPtr(req.SourceID),
		CreatedAt:     now,
	}
	if err := tx.InsertTransaction(ctx, row); err != nil {
		return nil, err
	}

	return g, nil
}

func (s *Service) afterGrant(ctx context.Context, g *Grant, settlement *SettlementResult) {
	balance, err := s.Balance(ctx, g.UserID)
	if err != nil {
		log.Warn().Err(err).Str("user_id", g.UserID.String()).Msg("failed to read balance after grant")
		balance = settlement.Balance
	}

	s.publish(ctx, Event{
		Type:        EventGrantIssued,
		UserID:      g.UserID,
		Balance:     balance,
		Amount:      g.CreditsTotal,
		ReferenceID: g.ID.String(),
		OccurredAt:  s.clock.Now(),
	})
	s.afterSettle(ctx, g.UserID, settlement)
}
