package credit

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mwork/credit-ledger/internal/pkg/clock"
	"github.com/mwork/credit-ledger/internal/pkg/storage"
)

const maxExportRows = 100000

// ErrExportTooLarge is returned when a filter matches more rows than one export may hold.
var ErrExportTooLarge = errors.New("export exceeds row limit")

var exportHeader = []string{
	"id", "user_id", "grant_id", "type", "amount", "balance_before", "balance_after",
	"description", "related_id", "operation_id", "created_at",
}

// ExportResult points at a finished statement.
type ExportResult struct {
	Key  string `json:"key"`
	URL  string `json:"url"`
	Rows int    `json:"rows"`
}

// Exporter writes ledger statements as CSV objects.
type Exporter struct {
	store   ReportStore
	objects storage.Storage
	clock   clock.Clock
}

func NewExporter(store ReportStore, objects storage.Storage, c clock.Clock) *Exporter {
	if c == nil {
		c = clock.Real()
	}
	return &Exporter{store: store, objects: objects, clock: c}
}

// ExportTransactions renders every transaction matching filter, newest first,
// and uploads the statement. Pagination on filter is ignored.
func (e *Exporter) ExportTransactions(ctx context.Context, filter TransactionFilter) (*ExportResult, error) {
	if filter.Type != nil && !filter.Type.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidOperationType, *filter.Type)
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(exportHeader); err != nil {
		return nil, err
	}

	rows := 0
	filter.Pagination = Pagination{Limit: maxPageSize}
	for {
		page, total, err := e.store.ListTransactions(ctx, filter)
		if err != nil {
			return nil, err
		}
		if total > maxExportRows {
			return nil, fmt.Errorf("%w: %d rows, limit %d", ErrExportTooLarge, total, maxExportRows)
		}

		for _, t := range page {
			if err := w.Write(transactionRecord(t)); err != nil {
				return nil, err
			}
		}
		rows += len(page)

		filter.Offset += len(page)
		if len(page) < filter.Limit || filter.Offset >= total {
			break
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}

	now := e.clock.Now()
	key := fmt.Sprintf("exports/transactions/%s/%s.csv", now.Format("2006/01/02"), uuid.NewString())
	if err := e.objects.Put(ctx, key, &buf, "text/csv"); err != nil {
		return nil, err
	}

	log.Info().Str("key", key).Int("rows", rows).Msg("credit transactions exported")
	return &ExportResult{Key: key, URL: e.objects.GetURL(key), Rows: rows}, nil
}

func transactionRecord(t Transaction) []string {
	grantID := ""
	if t.GrantID != nil {
		grantID = t.GrantID.String()
	}
	related := ""
	if t.RelatedID != nil {
		related = *t.RelatedID
	}
	operation := ""
	if t.OperationID != nil {
		operation = *t.OperationID
	}

	return []string{
		t.ID.String(),
		t.UserID.String(),
		grantID,
		string(t.Type),
		strconv.FormatInt(t.Amount, 10),
		strconv.FormatInt(t.BalanceBefore, 10),
		strconv.FormatInt(t.BalanceAfter, 10),
		t.Description,
		related,
		operation,
		t.CreatedAt.UTC().Format(time.RFC3339),
	}
}
