package checkout

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/resellerhq/storefront-backend/pkg/enums"
	pkgerrors "github.com/resellerhq/storefront-backend/pkg/errors"
)

// LineItemInput is one catalog entity the buyer wants to pay for.
type LineItemInput struct {
	ItemID   string
	ItemType enums.ItemType
	Name     string
	Price    decimal.Decimal
}

// LineItemViolation exposes the data returned to callers when a validation fails.
type LineItemViolation struct {
	Index  int    `json:"index"`
	ItemID string `json:"item_id,omitempty"`
	Reason string `json:"reason"`
}

const (
	ReasonMissingID     = "missing_id"
	ReasonMissingName   = "missing_name"
	ReasonInvalidType   = "invalid_type"
	ReasonInvalidPrice  = "price_must_be_positive"
	ReasonPrecision     = "price_exceeds_two_decimals"
	ReasonDuplicateItem = "duplicate_item"
)

// ValidateLineItems checks every line of a checkout request and reports all violations at once.
func ValidateLineItems(items []LineItemInput) error {
	if len(items) == 0 {
		return pkgerrors.New(pkgerrors.CodeValidation, "at least one item is required")
	}

	var violations []LineItemViolation
	seen := make(map[string]struct{}, len(items))
	add := func(i int, item LineItemInput, reason string) {
		violations = append(violations, LineItemViolation{Index: i, ItemID: item.ItemID, Reason: reason})
	}
	for i, item := range items {
		id := strings.TrimSpace(item.ItemID)
		if id == "" {
			add(i, item, ReasonMissingID)
		}
		if strings.TrimSpace(item.Name) == "" {
			add(i, item, ReasonMissingName)
		}
		if !item.ItemType.IsValid() {
			add(i, item, ReasonInvalidType)
		}
		if !item.Price.IsPositive() {
			add(i, item, ReasonInvalidPrice)
		} else if !item.Price.Equal(item.Price.Round(2)) {
			add(i, item, ReasonPrecision)
		}
		if id == "" {
			continue
		}
		key := string(item.ItemType) + ":" + id
		if _, dup := seen[key]; dup {
			add(i, item, ReasonDuplicateItem)
		}
		seen[key] = struct{}{}
	}
	if len(violations) == 0 {
		return nil
	}
	return pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("%d checkout item violation(s)", len(violations))).WithDetails(map[string]any{
		"violations": violations,
	})
}
