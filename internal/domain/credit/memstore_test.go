package credit

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memStore is an in-memory Store. One unit of work runs at a time and is
// rolled back from a snapshot when fn fails.
type memStore struct {
	mu sync.Mutex

	grants       map[uuid.UUID]*Grant
	transactions []Transaction
	debts        map[uuid.UUID]*Debt
	templates    map[uuid.UUID]*GrantTemplate
	codes        map[string]*RedemptionCode
	redemptions  []Redemption

	// commitFailures makes the next n units of work fail at commit with a
	// transient error after fn has run.
	commitFailures int
	txCount        int

	// onGrantsLocked runs once, after the next LockActiveGrants has built its
	// result, with the store mutex held.
	onGrantsLocked func(s *memStore)
}

func newMemStore() *memStore {
	return &memStore{
		grants:    make(map[uuid.UUID]*Grant),
		debts:     make(map[uuid.UUID]*Debt),
		templates: make(map[uuid.UUID]*GrantTemplate),
		codes:     make(map[string]*RedemptionCode),
	}
}

type memSnapshot struct {
	grants       map[uuid.UUID]Grant
	transactions []Transaction
	debts        map[uuid.UUID]Debt
	codes        map[string]RedemptionCode
	redemptions  []Redemption
}

func (s *memStore) snapshot() memSnapshot {
	snap := memSnapshot{
		grants:       make(map[uuid.UUID]Grant, len(s.grants)),
		transactions: append([]Transaction(nil), s.transactions...),
		debts:        make(map[uuid.UUID]Debt, len(s.debts)),
		codes:        make(map[string]RedemptionCode, len(s.codes)),
		redemptions:  append([]Redemption(nil), s.redemptions...),
	}
	for k, v := range s.grants {
		snap.grants[k] = *v
	}
	for k, v := range s.debts {
		snap.debts[k] = *v
	}
	for k, v := range s.codes {
		snap.codes[k] = *v
	}
	return snap
}

func (s *memStore) restore(snap memSnapshot) {
	s.grants = make(map[uuid.UUID]*Grant, len(snap.grants))
	for k, v := range snap.grants {
		g := v
		s.grants[k] = &g
	}
	s.debts = make(map[uuid.UUID]*Debt, len(snap.debts))
	for k, v := range snap.debts {
		d := v
		s.debts[k] = &d
	}
	s.codes = make(map[string]*RedemptionCode, len(snap.codes))
	for k, v := range snap.codes {
		c := v
		s.codes[k] = &c
	}
	s.transactions = snap.transactions
	s.redemptions = snap.redemptions
}

func (s *memStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.txCount++
	snap := s.snapshot()
	if err := fn(ctx, &memTx{s: s}); err != nil {
		s.restore(snap)
		return err
	}
	if s.commitFailures > 0 {
		s.commitFailures--
		s.restore(snap)
		return fmt.Errorf("%w: commit tx: serialization failure", ErrTransient)
	}
	return nil
}

func (s *memStore) activeGrants(userID uuid.UUID, now time.Time) []Grant {
	grants := make([]Grant, 0)
	for _, g := range s.grants {
		if g.UserID == userID && g.Consumable(now) {
			grants = append(grants, *g)
		}
	}
	sort.Slice(grants, func(i, j int) bool {
		if !grants[i].ExpiresAt.Equal(grants[j].ExpiresAt) {
			return grants[i].ExpiresAt.Before(grants[j].ExpiresAt)
		}
		return grants[i].ID.String() < grants[j].ID.String()
	})
	return grants
}

func (s *memStore) ActiveGrants(ctx context.Context, userID uuid.UUID, now time.Time) ([]Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeGrants(userID, now), nil
}

func (s *memStore) ExpireGrants(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, g := range s.grants {
		if g.IsActive && !g.ExpiresAt.After(now) {
			g.IsActive = false
			g.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

// Test helpers

func (s *memStore) addTemplate(name string, credits int64, validityDays int) *GrantTemplate {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := &GrantTemplate{
		ID:           uuid.New(),
		Name:         name,
		Credits:      credits,
		ValidityDays: validityDays,
		PackageType:  "standard",
		IsActive:     true,
		Metadata:     Metadata{},
	}
	s.templates[t.ID] = t
	return t
}

func (s *memStore) addGrant(userID uuid.UUID, credits int64, grantedAt, expiresAt time.Time) *Grant {
	s.mu.Lock()
	defer s.mu.Unlock()

	g := &Grant{
		ID:               uuid.New(),
		UserID:           userID,
		TemplateID:       uuid.New(),
		TemplateName:     "seed",
		CreditsTotal:     credits,
		CreditsRemaining: credits,
		GrantedAt:        grantedAt,
		ExpiresAt:        expiresAt,
		Source:           SourceAdmin,
		IsActive:         true,
		CreatedAt:        grantedAt,
		UpdatedAt:        grantedAt,
	}
	s.grants[g.ID] = g
	cp := *g
	return &cp
}

func (s *memStore) addCode(templateID uuid.UUID, maxUses int, expiresAt time.Time) *RedemptionCode {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := &RedemptionCode{
		ID:            uuid.NewString(),
		TemplateID:    templateID,
		MaxUses:       maxUses,
		CodeExpiresAt: expiresAt,
		IsActive:      true,
	}
	s.codes[c.ID] = c
	cp := *c
	return &cp
}

func (s *memStore) grant(id uuid.UUID) Grant {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.grants[id]
}

func (s *memStore) debt(id uuid.UUID) Debt {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.debts[id]
}

func (s *memStore) code(id string) RedemptionCode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.codes[id]
}

func (s *memStore) userTransactions(userID uuid.UUID) []Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Transaction, 0)
	for _, t := range s.transactions {
		if t.UserID == userID {
			out = append(out, t)
		}
	}
	return out
}

func (s *memStore) userDebts(userID uuid.UUID) []Debt {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Debt, 0)
	for _, d := range s.debts {
		if d.UserID == userID {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *memStore) userGrants(userID uuid.UUID) []Grant {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Grant, 0)
	for _, g := range s.grants {
		if g.UserID == userID {
			out = append(out, *g)
		}
	}
	return out
}

// memTx implements Tx against the store. The store mutex is held by WithinTx.
type memTx struct {
	s *memStore
}

func (t *memTx) LockOperation(ctx context.Context, operationID string) error { return nil }

func (t *memTx) OperationApplied(ctx context.Context, userID uuid.UUID, operationID string) (bool, error) {
	for _, row := range t.s.transactions {
		if row.UserID == userID && row.OperationID != nil && *row.OperationID == operationID {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) LockActiveGrants(ctx context.Context, userID uuid.UUID, now time.Time) ([]Grant, error) {
	grants := t.s.activeGrants(userID, now)
	if hook := t.s.onGrantsLocked; hook != nil {
		t.s.onGrantsLocked = nil
		hook(t.s)
	}
	return grants, nil
}

func (t *memTx) UpdateGrantRemaining(ctx context.Context, grantID uuid.UUID, remaining int64, now time.Time) error {
	g, ok := t.s.grants[grantID]
	if !ok {
		return fmt.Errorf("%w: grant %s missing", ErrInternal, grantID)
	}
	if remaining < 0 || remaining > g.CreditsTotal {
		return fmt.Errorf("%w: remaining %d out of range", ErrInternal, remaining)
	}
	g.CreditsRemaining = remaining
	g.UpdatedAt = now
	return nil
}

func (t *memTx) InsertGrant(ctx context.Context, g *Grant) error {
	cp := *g
	t.s.grants[g.ID] = &cp
	return nil
}

func (t *memTx) InsertTransaction(ctx context.Context, row *Transaction) error {
	t.s.transactions = append(t.s.transactions, *row)
	return nil
}

func (t *memTx) InsertDebt(ctx context.Context, d *Debt) error {
	cp := *d
	t.s.debts[d.ID] = &cp
	return nil
}

func (t *memTx) LockUnsettledDebts(ctx context.Context, userID uuid.UUID) ([]Debt, error) {
	out := make([]Debt, 0)
	for _, d := range t.s.debts {
		if d.UserID == userID && !d.IsSettled {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

func (t *memTx) LockDebt(ctx context.Context, debtID uuid.UUID) (*Debt, error) {
	d, ok := t.s.debts[debtID]
	if !ok {
		return nil, ErrDebtNotFound
	}
	cp := *d
	return &cp, nil
}

func (t *memTx) ReduceDebt(ctx context.Context, debtID uuid.UUID, amount int64, now time.Time) error {
	d := t.s.debts[debtID]
	d.Amount = amount
	d.UpdatedAt = now
	return nil
}

func (t *memTx) SettleDebt(ctx context.Context, debtID uuid.UUID, transactionID *uuid.UUID, now time.Time) error {
	d := t.s.debts[debtID]
	d.IsSettled = true
	d.SettledAt = &now
	d.SettledTransactionID = transactionID
	d.UpdatedAt = now
	return nil
}

func (t *memTx) GetTemplate(ctx context.Context, templateID uuid.UUID) (*GrantTemplate, error) {
	tmpl, ok := t.s.templates[templateID]
	if !ok || tmpl.DeletedAt != nil {
		return nil, ErrTemplateNotFound
	}
	cp := *tmpl
	return &cp, nil
}

func (t *memTx) LockRedemptionCode(ctx context.Context, codeID string) (*RedemptionCode, error) {
	c, ok := t.s.codes[codeID]
	if !ok || c.DeletedAt != nil {
		return nil, ErrCodeNotFound
	}
	cp := *c
	return &cp, nil
}

func (t *memTx) HasRedeemed(ctx context.Context, codeID string, userID uuid.UUID) (bool, error) {
	for _, r := range t.s.redemptions {
		if r.CodeID == codeID && r.UserID == userID {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) IncrementCodeUses(ctx context.Context, codeID string, now time.Time) error {
	c := t.s.codes[codeID]
	if c.CurrentUses >= c.MaxUses {
		return ErrCodeExhausted
	}
	c.CurrentUses++
	c.UpdatedAt = now
	return nil
}

func (t *memTx) InsertRedemption(ctx context.Context, r *Redemption) error {
	for _, existing := range t.s.redemptions {
		if existing.CodeID == r.CodeID && existing.UserID == r.UserID {
			return ErrCodeAlreadyRedeemed
		}
	}
	t.s.redemptions = append(t.s.redemptions, *r)
	return nil
}

// CatalogStore

func (s *memStore) ListTemplates(ctx context.Context, includeInactive bool) ([]GrantTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]GrantTemplate, 0)
	for _, t := range s.templates {
		if t.DeletedAt != nil || (!includeInactive && !t.IsActive) {
			continue
		}
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Credits != out[j].Credits {
			return out[i].Credits < out[j].Credits
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (s *memStore) GetTemplateByID(ctx context.Context, id uuid.UUID) (*GrantTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.templates[id]
	if !ok || t.DeletedAt != nil {
		return nil, ErrTemplateNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *memStore) CreateTemplate(ctx context.Context, t *GrantTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.templates[t.ID] = &cp
	return nil
}

func (s *memStore) UpdateTemplate(ctx context.Context, t *GrantTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.templates[t.ID]
	if !ok || existing.DeletedAt != nil {
		return ErrTemplateNotFound
	}
	cp := *t
	s.templates[t.ID] = &cp
	return nil
}

func (s *memStore) SoftDeleteTemplate(ctx context.Context, id uuid.UUID, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.templates[id]
	if !ok || t.DeletedAt != nil {
		return ErrTemplateNotFound
	}
	t.DeletedAt = &now
	t.IsActive = false
	return nil
}

func (s *memStore) CreateCodes(ctx context.Context, codes []RedemptionCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range codes {
		c := codes[i]
		s.codes[c.ID] = &c
	}
	return nil
}

func (s *memStore) ListCodes(ctx context.Context, filter CodeFilter, now time.Time) ([]CodeView, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := make([]CodeView, 0)
	for _, c := range s.codes {
		if c.DeletedAt != nil {
			continue
		}
		if filter.TemplateID != nil && c.TemplateID != *filter.TemplateID {
			continue
		}
		if filter.Status != nil && c.Status(now) != *filter.Status {
			continue
		}
		view := CodeView{RedemptionCode: *c}
		if t, ok := s.templates[c.TemplateID]; ok {
			view.TemplateName = t.Name
			view.Credits = t.Credits
			view.ValidityDays = t.ValidityDays
		}
		all = append(all, view)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	return paginate(all, filter.Pagination), len(all), nil
}

func (s *memStore) SetCodeActive(ctx context.Context, id string, active bool, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.codes[id]
	if !ok || c.DeletedAt != nil {
		return ErrCodeNotFoundAdmin
	}
	c.IsActive = active
	c.UpdatedAt = now
	return nil
}

func (s *memStore) SoftDeleteCode(ctx context.Context, id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.codes[id]
	if !ok || c.DeletedAt != nil {
		return ErrCodeNotFoundAdmin
	}
	c.DeletedAt = &now
	c.IsActive = false
	return nil
}

func (s *memStore) ListRedemptions(ctx context.Context, filter RedemptionFilter) ([]Redemption, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Redemption, 0)
	for _, r := range s.redemptions {
		if filter.UserID != nil && r.UserID != *filter.UserID {
			continue
		}
		if filter.CodeID != nil && r.CodeID != *filter.CodeID {
			continue
		}
		out = append(out, r)
	}
	return paginate(out, filter.Pagination), len(out), nil
}

// ReportStore

func (s *memStore) ListTransactions(ctx context.Context, filter TransactionFilter) ([]Transaction, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Transaction, 0)
	for i := len(s.transactions) - 1; i >= 0; i-- {
		t := s.transactions[i]
		if filter.UserID != nil && t.UserID != *filter.UserID {
			continue
		}
		if filter.Type != nil && t.Type != *filter.Type {
			continue
		}
		if filter.From != nil && t.CreatedAt.Before(*filter.From) {
			continue
		}
		if filter.To != nil && t.CreatedAt.After(*filter.To) {
			continue
		}
		out = append(out, t)
	}
	return paginate(out, filter.Pagination), len(out), nil
}

func (s *memStore) ListDebts(ctx context.Context, filter DebtFilter) ([]Debt, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Debt, 0)
	for _, d := range s.debts {
		if filter.UserID != nil && d.UserID != *filter.UserID {
			continue
		}
		if filter.Settled != nil && d.IsSettled != *filter.Settled {
			continue
		}
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return paginate(out, filter.Pagination), len(out), nil
}

func (s *memStore) InactiveGrants(ctx context.Context, userID uuid.UUID, now time.Time, limit int) ([]Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Grant, 0)
	for _, g := range s.grants {
		if g.UserID == userID && !g.Consumable(now) {
			out = append(out, *g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.After(out[j].ExpiresAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) TotalDebt(ctx context.Context, userID uuid.UUID) (int64, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var total, count int64
	for _, d := range s.debts {
		if d.UserID == userID && !d.IsSettled {
			total += d.Amount
			count++
		}
	}
	return total, count, nil
}

func (s *memStore) SpendingTotals(ctx context.Context, userID uuid.UUID) (int64, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var spent, earned int64
	for _, t := range s.transactions {
		if t.UserID != userID {
			continue
		}
		if t.Amount < 0 && t.Type != TxTypeAdminAdjustment {
			spent += -t.Amount
		}
		if t.Amount > 0 && t.Type != TxTypeDebtForgiveness {
			earned += t.Amount
		}
	}
	return spent, earned, nil
}

func (s *memStore) SpendingByType(ctx context.Context, userID uuid.UUID) ([]TypeSpending, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byType := map[TxType]*TypeSpending{}
	for _, t := range s.transactions {
		if t.UserID != userID || t.Amount >= 0 || t.Type == TxTypeAdminAdjustment {
			continue
		}
		row, ok := byType[t.Type]
		if !ok {
			row = &TypeSpending{Type: t.Type}
			byType[t.Type] = row
		}
		row.Total += -t.Amount
		row.Count++
	}
	out := make([]TypeSpending, 0, len(byType))
	for _, row := range byType {
		out = append(out, *row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Total > out[j].Total })
	return out, nil
}

func (s *memStore) ExpiringGrants(ctx context.Context, userID uuid.UUID, now, until time.Time) ([]Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Grant, 0)
	for _, g := range s.grants {
		if g.UserID == userID && g.Consumable(now) && !g.ExpiresAt.After(until) {
			out = append(out, *g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out, nil
}

func (s *memStore) ExpiredRemaining(ctx context.Context, userID uuid.UUID, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var total int64
	for _, g := range s.grants {
		if g.UserID == userID && g.CreditsRemaining > 0 && !g.ExpiresAt.After(now) {
			total += g.CreditsRemaining
		}
	}
	return total, nil
}

func (s *memStore) MonthlySpending(ctx context.Context, userID uuid.UUID, since time.Time) ([]MonthlySpending, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byMonth := map[string]int64{}
	for _, t := range s.transactions {
		if t.UserID != userID || t.Amount >= 0 || t.Type == TxTypeAdminAdjustment || t.CreatedAt.Before(since) {
			continue
		}
		byMonth[t.CreatedAt.UTC().Format("2006-01")] += -t.Amount
	}
	out := make([]MonthlySpending, 0, len(byMonth))
	for m, total := range byMonth {
		out = append(out, MonthlySpending{Month: m, Total: total})
	}
	sort.Slice(out, func(i, j int) bool { return strings.Compare(out[i].Month, out[j].Month) < 0 })
	return out, nil
}

func (s *memStore) Overview(ctx context.Context, weekStart time.Time) (*AdminOverview, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o := &AdminOverview{}
	users := map[uuid.UUID]bool{}
	for _, g := range s.grants {
		o.CreditsGranted += g.CreditsTotal
		o.CreditsRemaining += g.CreditsRemaining
		if !g.GrantedAt.Before(weekStart) {
			o.CreditsGrantedWeek += g.CreditsTotal
		}
		users[g.UserID] = true
	}
	o.ActiveUsers = int64(len(users))
	for _, t := range s.templates {
		if t.DeletedAt == nil {
			o.Templates++
		}
	}
	for _, c := range s.codes {
		if c.DeletedAt == nil {
			o.Codes++
		}
	}
	for _, r := range s.redemptions {
		o.Redemptions++
		if t, ok := s.templates[r.TemplateID]; ok && t.Price != nil {
			o.RevenueTotal += *t.Price
			if !r.RedeemedAt.Before(weekStart) {
				o.RevenueWeek += *t.Price
			}
		}
	}
	for _, d := range s.debts {
		if !d.IsSettled {
			o.UnsettledDebts++
			o.UnsettledDebtAmount += d.Amount
		}
	}
	return o, nil
}

func paginate[T any](items []T, p Pagination) []T {
	p = p.Normalize()
	if p.Offset >= len(items) {
		return []T{}
	}
	end := p.Offset + p.Limit
	if end > len(items) {
		end = len(items)
	}
	return items[p.Offset:end]
}

var (
	_ Store        = (*memStore)(nil)
	_ CatalogStore = (*memStore)(nil)
	_ ReportStore  = (*memStore)(nil)
	_ Tx           = (*memTx)(nil)
)
