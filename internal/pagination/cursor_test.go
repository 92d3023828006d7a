package pagination

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/carebid/internal/apperr"
)

func TestEncodeDecode(t *testing.T) {
	ts := time.Date(2026, 2, 15, 10, 30, 0, 0, time.UTC)

	cursor, err := Decode(Encode(ts, "txn_abc123"))
	require.NoError(t, err)
	require.NotNil(t, cursor)
	assert.Equal(t, ts, cursor.CreatedAt)
	assert.Equal(t, "txn_abc123", cursor.ID)
}

func TestDecode_Empty(t *testing.T) {
	cursor, err := Decode("")
	assert.NoError(t, err)
	assert.Nil(t, cursor)
}

func TestDecode_Invalid(t *testing.T) {
	for _, raw := range []string{
		"not-base64!!!",
		"bm9waXBl",   // no separator
		"YWJjfHh5eg", // non-numeric timestamp
		"MTIzNDV8",   // empty id
	} {
		_, err := Decode(raw)
		assert.True(t, errors.Is(err, apperr.ErrValidation), raw)
	}
}

func TestCursor_Admits(t *testing.T) {
	ts := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	c := &Cursor{CreatedAt: ts, ID: "txn_m"}

	assert.True(t, c.Admits(ts.Add(-time.Second), "txn_z"))
	assert.False(t, c.Admits(ts.Add(time.Second), "txn_a"))
	assert.True(t, c.Admits(ts, "txn_a"))
	assert.False(t, c.Admits(ts, "txn_m"))
	assert.False(t, c.Admits(ts, "txn_z"))

	var none *Cursor
	assert.True(t, none.Admits(ts, "anything"))
}

func TestLimit(t *testing.T) {
	assert.Equal(t, DefaultLimit, Limit(""))
	assert.Equal(t, DefaultLimit, Limit("abc"))
	assert.Equal(t, DefaultLimit, Limit("-3"))
	assert.Equal(t, 10, Limit("10"))
	assert.Equal(t, MaxLimit, Limit("5000"))
}

type item struct {
	at time.Time
	id string
}

func TestComputePage(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	items := []item{{base.Add(3), "c"}, {base.Add(2), "b"}, {base.Add(1), "a"}}
	key := func(i item) (time.Time, string) { return i.at, i.id }

	page := ComputePage(items, 2, key)
	assert.Len(t, page.Items, 2)
	assert.True(t, page.HasMore)

	next, err := Decode(page.NextCursor)
	require.NoError(t, err)
	assert.Equal(t, "b", next.ID)
	assert.True(t, next.Admits(items[2].at, items[2].id))

	page = ComputePage(items, 3, key)
	assert.Len(t, page.Items, 3)
	assert.False(t, page.HasMore)
	assert.Empty(t, page.NextCursor)
}
