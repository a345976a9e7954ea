package credit

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mwork/credit-ledger/internal/pkg/clock"
)

func newTestCatalog(t *testing.T) (*Catalog, *memStore, *clock.FakeClock) {
	t.Helper()
	store := newMemStore()
	clk := clock.NewFakeClock(testNow)
	return NewCatalog(store, clk, 30), store, clk
}

func TestCatalogTemplateLifecycle(t *testing.T) {
	catalog, _, _ := newTestCatalog(t)
	ctx := context.Background()

	price := int64(4990)
	created, err := catalog.CreateTemplate(ctx, TemplateInput{
		Name:         "  Pro pack ",
		Credits:      500,
		ValidityDays: 90,
		Price:        &price,
	})
	require.NoError(t, err)
	assert.Equal(t, "Pro pack", created.Name)
	assert.True(t, created.IsActive)
	assert.Equal(t, "standard", created.PackageType)

	inactive := false
	updated, err := catalog.UpdateTemplate(ctx, created.ID, TemplateInput{
		Name:         "Pro pack",
		Credits:      600,
		ValidityDays: 60,
		IsActive:     &inactive,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(600), updated.Credits)
	assert.False(t, updated.IsActive)

	visible, err := catalog.ListTemplates(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, visible)

	all, err := catalog.ListTemplates(ctx, true)
	require.NoError(t, err)
	require.Len(t, all, 1)

	require.NoError(t, catalog.DeleteTemplate(ctx, created.ID))
	_, err = catalog.GetTemplate(ctx, created.ID)
	assert.ErrorIs(t, err, ErrTemplateNotFound)
	assert.ErrorIs(t, catalog.DeleteTemplate(ctx, created.ID), ErrTemplateNotFound)
}

func TestCatalogTemplateValidation(t *testing.T) {
	catalog, _, _ := newTestCatalog(t)
	negative := int64(-1)

	tests := []struct {
		name string
		in   TemplateInput
	}{
		{"missing name", TemplateInput{Name: " ", Credits: 10, ValidityDays: 1}},
		{"zero credits", TemplateInput{Name: "x", Credits: 0, ValidityDays: 1}},
		{"zero validity", TemplateInput{Name: "x", Credits: 10, ValidityDays: 0}},
		{"negative price", TemplateInput{Name: "x", Credits: 10, ValidityDays: 1, Price: &negative}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := catalog.CreateTemplate(context.Background(), tt.in)
			assert.ErrorIs(t, err, ErrInvalidTemplate)
		})
	}
}

func TestCatalogGenerateCodes(t *testing.T) {
	catalog, store, _ := newTestCatalog(t)
	ctx := context.Background()
	tmpl := store.addTemplate("Promo", 25, 10)
	adminID := uuid.New()

	codes, err := catalog.GenerateCodes(ctx, GenerateCodesRequest{TemplateID: tmpl.ID, Count: 5, CreatedBy: &adminID})
	require.NoError(t, err)
	require.Len(t, codes, 5)

	seen := map[string]bool{}
	for _, c := range codes {
		assert.False(t, seen[c.ID])
		seen[c.ID] = true
		assert.Equal(t, 1, c.MaxUses)
		assert.Equal(t, testNow.AddDate(0, 0, 30), c.CodeExpiresAt)
		assert.Equal(t, adminID, *c.CreatedBy)
	}

	custom, err := catalog.GenerateCodes(ctx, GenerateCodesRequest{TemplateID: tmpl.ID, Count: 1, MaxUses: 50, ExpiresInDays: 3})
	require.NoError(t, err)
	assert.Equal(t, 50, custom[0].MaxUses)
	assert.Equal(t, testNow.AddDate(0, 0, 3), custom[0].CodeExpiresAt)

	_, err = catalog.GenerateCodes(ctx, GenerateCodesRequest{TemplateID: tmpl.ID, Count: 0})
	assert.ErrorIs(t, err, ErrInvalidCodeRequest)
	_, err = catalog.GenerateCodes(ctx, GenerateCodesRequest{TemplateID: tmpl.ID, Count: maxCodesPerBatch + 1})
	assert.ErrorIs(t, err, ErrInvalidCodeRequest)
	_, err = catalog.GenerateCodes(ctx, GenerateCodesRequest{TemplateID: uuid.New(), Count: 1})
	assert.ErrorIs(t, err, ErrTemplateNotFound)

	store.templates[tmpl.ID].IsActive = false
	_, err = catalog.GenerateCodes(ctx, GenerateCodesRequest{TemplateID: tmpl.ID, Count: 1})
	assert.ErrorIs(t, err, ErrTemplateInactive)
}

func TestCatalogListCodesDerivesStatus(t *testing.T) {
	catalog, store, clk := newTestCatalog(t)
	ctx := context.Background()
	tmpl := store.addTemplate("Promo", 25, 10)

	active := store.addCode(tmpl.ID, 1, testNow.AddDate(0, 0, 1))
	used := store.addCode(tmpl.ID, 1, testNow.AddDate(0, 0, 1))
	store.codes[used.ID].CurrentUses = 1
	expired := store.addCode(tmpl.ID, 1, testNow.Add(time.Hour))
	disabled := store.addCode(tmpl.ID, 1, testNow.AddDate(0, 0, 1))
	require.NoError(t, catalog.DisableCode(ctx, disabled.ID))

	clk.Advance(2 * time.Hour)

	views, total, err := catalog.ListCodes(ctx, CodeFilter{})
	require.NoError(t, err)
	assert.Equal(t, 4, total)

	statuses := map[string]CodeStatus{}
	for _, v := range views {
		statuses[v.ID] = v.Status
		assert.Equal(t, "Promo", v.TemplateName)
		assert.Equal(t, int64(25), v.Credits)
	}
	assert.Equal(t, CodeStatusActive, statuses[active.ID])
	assert.Equal(t, CodeStatusUsed, statuses[used.ID])
	assert.Equal(t, CodeStatusExpired, statuses[expired.ID])
	assert.Equal(t, CodeStatusDisabled, statuses[disabled.ID])

	status := CodeStatusExpired
	views, total, err = catalog.ListCodes(ctx, CodeFilter{Status: &status})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, expired.ID, views[0].ID)

	bogus := CodeStatus("pending")
	_, _, err = catalog.ListCodes(ctx, CodeFilter{Status: &bogus})
	assert.ErrorIs(t, err, ErrInvalidCodeRequest)
}

func TestCatalogCodeAdministration(t *testing.T) {
	catalog, store, _ := newTestCatalog(t)
	ctx := context.Background()
	tmpl := store.addTemplate("Promo", 25, 10)
	code := store.addCode(tmpl.ID, 1, testNow.AddDate(0, 0, 1))

	require.NoError(t, catalog.DisableCode(ctx, code.ID))
	assert.False(t, store.code(code.ID).IsActive)
	require.NoError(t, catalog.EnableCode(ctx, code.ID))
	assert.True(t, store.code(code.ID).IsActive)

	require.NoError(t, catalog.DeleteCode(ctx, code.ID))
	assert.ErrorIs(t, catalog.DeleteCode(ctx, code.ID), ErrCodeNotFoundAdmin)
	assert.ErrorIs(t, catalog.EnableCode(ctx, "missing"), ErrCodeNotFoundAdmin)

	_, total, err := catalog.ListCodes(ctx, CodeFilter{})
	require.NoError(t, err)
	assert.Equal(t, 0, total)
}

func TestGeneratedCodesAreRedeemable(t *testing.T) {
	store := newMemStore()
	clk := clock.NewFakeClock(testNow)
	catalog := NewCatalog(store, clk, 30)
	svc := NewService(store, WithClock(clk))
	ctx := context.Background()

	tmpl, err := catalog.CreateTemplate(ctx, TemplateInput{Name: "Welcome", Credits: 40, ValidityDays: 30})
	require.NoError(t, err)
	codes, err := catalog.GenerateCodes(ctx, GenerateCodesRequest{TemplateID: tmpl.ID, Count: 2})
	require.NoError(t, err)

	userID := uuid.New()
	res, err := svc.Redeem(ctx, userID, codes[0].ID)
	require.NoError(t, err)
	assert.Equal(t, int64(40), res.Credits)

	redemptions, total, err := catalog.ListRedemptions(ctx, RedemptionFilter{CodeID: &codes[0].ID})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, userID, redemptions[0].UserID)

	status := CodeStatusUsed
	views, _, err := catalog.ListCodes(ctx, CodeFilter{Status: &status})
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, codes[0].ID, views[0].ID)
}
