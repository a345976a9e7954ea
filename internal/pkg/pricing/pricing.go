package pricing

import (
	"errors"
	"fmt"
	"sort"
)

var (
	ErrUnknownOperation  = errors.New("unknown operation")
	ErrInactiveOperation = errors.New("operation is not billable")
	ErrInvalidUnits      = errors.New("units must be greater than 0")
)

// OperationCost charges CostAmount credits for every CostPer units, rounded up.
type OperationCost struct {
	CostAmount int64             `json:"cost_amount"`
	CostPer    int64             `json:"cost_per"`
	IsActive   bool              `json:"is_active"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Table is a read-only operation cost table.
type Table struct {
	costs map[string]OperationCost
}

// Default is the built-in cost table.
func Default() *Table {
	return NewTable(map[string]OperationCost{
		"default_usage": {
			CostAmount: 2,
			CostPer:    1,
			IsActive:   true,
			Metadata:   map[string]string{"note": "Default operation cost"},
		},
		"chat_usage": {
			CostAmount: 1,
			CostPer:    1000,
			IsActive:   true,
			Metadata:   map[string]string{"unit": "tokens"},
		},
		"image_generation": {
			CostAmount: 5,
			CostPer:    1,
			IsActive:   true,
			Metadata:   map[string]string{"unit": "images"},
		},
		"file_processing": {
			CostAmount: 2,
			CostPer:    1,
			IsActive:   true,
			Metadata:   map[string]string{"unit": "files"},
		},
	})
}

func NewTable(costs map[string]OperationCost) *Table {
	copied := make(map[string]OperationCost, len(costs))
	for k, v := range costs {
		copied[k] = v
	}
	return &Table{costs: copied}
}

// Cost returns ceil(units / CostPer * CostAmount) for the operation.
func (t *Table) Cost(operation string, units int64) (int64, error) {
	c, ok := t.costs[operation]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownOperation, operation)
	}
	if !c.IsActive {
		return 0, fmt.Errorf("%w: %s", ErrInactiveOperation, operation)
	}
	if units <= 0 {
		return 0, ErrInvalidUnits
	}
	if c.CostPer <= 0 {
		return 0, fmt.Errorf("%w: %s has no unit size", ErrInactiveOperation, operation)
	}
	return (units*c.CostAmount + c.CostPer - 1) / c.CostPer, nil
}

// Lookup returns the raw cost entry.
func (t *Table) Lookup(operation string) (OperationCost, bool) {
	c, ok := t.costs[operation]
	return c, ok
}

// Operations lists the active operations in name order.
func (t *Table) Operations() []string {
	ops := make([]string, 0, len(t.costs))
	for name, c := range t.costs {
		if c.IsActive {
			ops = append(ops, name)
		}
	}
	sort.Strings(ops)
	return ops
}
