package pagination

import (
	"encoding/base64"
	"net/url"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "github.com/resellerhq/storefront-backend/pkg/errors"
)

func TestCursorRoundTripIsQuerySafe(t *testing.T) {
	in := Cursor{CreatedAt: time.Date(2026, 3, 1, 9, 30, 0, 123456789, time.UTC), ID: uuid.New()}
	encoded := EncodeCursor(in)
	assert.Equal(t, encoded, url.QueryEscape(encoded))

	out, err := ParseCursor(encoded)
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.True(t, in.CreatedAt.Equal(out.CreatedAt))
	assert.Equal(t, in.ID, out.ID)
}

func TestParseCursorEmptyIsFirstPage(t *testing.T) {
	cursor, err := ParseCursor("  ")
	require.NoError(t, err)
	assert.Nil(t, cursor)
}

func TestParseCursorRejectsGarbage(t *testing.T) {
	for _, raw := range []string{"%%%", "bm9waXBl", rawCursor("yesterday|" + uuid.NewString()), rawCursor(time.Now().Format(time.RFC3339Nano) + "|nope")} {
		_, err := ParseCursor(raw)
		require.Error(t, err, raw)
		typed := pkgerrors.As(err)
		require.NotNil(t, typed)
		assert.Equal(t, pkgerrors.CodeValidation, typed.Code())
	}
}

func TestNormalizeLimit(t *testing.T) {
	assert.Equal(t, DefaultLimit, NormalizeLimit(0))
	assert.Equal(t, 7, NormalizeLimit(7))
	assert.Equal(t, MaxLimit, NormalizeLimit(MaxLimit+50))
	assert.Equal(t, 8, LimitWithBuffer(7))
}

func TestTrim(t *testing.T) {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	type row struct {
		at time.Time
		id uuid.UUID
	}
	rows := []row{{base, uuid.New()}, {base.Add(-time.Minute), uuid.New()}, {base.Add(-2 * time.Minute), uuid.New()}}
	cursorOf := func(r row) Cursor { return Cursor{CreatedAt: r.at, ID: r.id} }

	page, next := Trim(rows, 2, cursorOf)
	require.Len(t, page, 2)
	require.NotEmpty(t, next)
	parsed, err := ParseCursor(next)
	require.NoError(t, err)
	assert.Equal(t, rows[1].id, parsed.ID)

	page, next = Trim(rows[:2], 2, cursorOf)
	assert.Len(t, page, 2)
	assert.Empty(t, next)
}

func rawCursor(payload string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(payload))
}
