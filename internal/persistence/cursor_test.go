package persistence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/trainingsync/internal/domain"
)

func TestCursorRoundTrip(t *testing.T) {
	in := &domain.ActivityCursor{StartDate: time.Date(2024, 3, 9, 6, 30, 0, 0, time.UTC), ID: 10293847561}

	out, err := DecodeCursor(EncodeCursor(in))
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.True(t, in.StartDate.Equal(out.StartDate))
	assert.Equal(t, in.ID, out.ID)
}

func TestDecodeCursorEmptyMeansFirstPage(t *testing.T) {
	c, err := DecodeCursor("  ")
	require.NoError(t, err)
	assert.Nil(t, c)
	assert.Equal(t, "", EncodeCursor(nil))
}

func TestDecodeCursorRejectsGarbage(t *testing.T) {
	for _, token := range []string{"%%%", "bm8tc2VwYXJhdG9y", "MjAyNC0wMS0wMXx4"} {
		_, err := DecodeCursor(token)
		assert.Error(t, err, token)
	}
}
