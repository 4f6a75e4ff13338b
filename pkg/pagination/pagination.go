package pagination

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	pkgerrors "github.com/resellerhq/storefront-backend/pkg/errors"
)

const (
	DefaultLimit = 25
	MaxLimit     = 100
)

// Params is one page request: a size and the opaque cursor returned by the previous page.
type Params struct {
	Limit  int
	Cursor string
}

// Cursor is the keyset position (created_at, id) of the last row served.
type Cursor struct {
	CreatedAt time.Time
	ID        uuid.UUID
}

// NormalizeLimit clamps limit into [1, MaxLimit], using DefaultLimit for zero or negative values.
func NormalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

// LimitWithBuffer asks for one extra row so the caller can tell whether a next page exists.
func LimitWithBuffer(limit int) int {
	return NormalizeLimit(limit) + 1
}

// EncodeCursor renders a URL-safe cursor for query strings.
func EncodeCursor(cursor Cursor) string {
	payload := cursor.CreatedAt.UTC().Format(time.RFC3339Nano) + "|" + cursor.ID.String()
	return base64.RawURLEncoding.EncodeToString([]byte(payload))
}

// ParseCursor decodes a cursor from EncodeCursor. An empty value means the
// first page and yields nil. Malformed cursors are validation errors.
func ParseCursor(value string) (*Cursor, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}

	decoded, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil {
		return nil, invalidCursor(fmt.Errorf("decode cursor: %w", err))
	}
	created, rawID, ok := strings.Cut(string(decoded), "|")
	if !ok {
		return nil, invalidCursor(fmt.Errorf("invalid cursor format"))
	}
	t, err := time.Parse(time.RFC3339Nano, created)
	if err != nil {
		return nil, invalidCursor(fmt.Errorf("invalid cursor timestamp: %w", err))
	}
	id, err := uuid.Parse(rawID)
	if err != nil {
		return nil, invalidCursor(fmt.Errorf("invalid cursor id: %w", err))
	}
	return &Cursor{CreatedAt: t, ID: id}, nil
}

// Trim cuts a LimitWithBuffer result down to limit rows and returns the
// cursor of the next page, or "" on the last page.
func Trim[T any](rows []T, limit int, cursorOf func(T) Cursor) ([]T, string) {
	limit = NormalizeLimit(limit)
	if len(rows) <= limit {
		return rows, ""
	}
	rows = rows[:limit]
	return rows, EncodeCursor(cursorOf(rows[limit-1]))
}

func invalidCursor(err error) error {
	return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid cursor").
		WithDetails(map[string]any{"field": "cursor"})
}
