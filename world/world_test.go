package world

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirection_OppositeIsInvolution(t *testing.T) {
	for _, d := range Directions() {
		opp := d.Opposite()
		require.True(t, opp.Valid(), "opposite of %s", d)
		assert.NotEqual(t, d, opp)
		assert.Equal(t, d, opp.Opposite())
	}
	assert.Equal(t, Direction(""), Direction("sideways").Opposite())
}

func TestParseDirection(t *testing.T) {
	d, ok := ParseDirection("northeast")
	assert.True(t, ok)
	assert.Equal(t, Northeast, d)

	_, ok = ParseDirection("North")
	assert.False(t, ok)
	_, ok = ParseDirection("")
	assert.False(t, ok)
	assert.Len(t, DirectionNames(), 12)
}

func TestMemoryStore_CreateExitOncePerDirection(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	e := Exit{FromLocationID: "A", ToLocationID: "B", Direction: North}

	created, err := s.CreateExit(ctx, e)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = s.CreateExit(ctx, Exit{FromLocationID: "A", ToLocationID: "C", Direction: North})
	require.NoError(t, err)
	assert.False(t, created, "A already has a north exit")

	created, err = s.CreateExit(ctx, e.Reciprocal())
	require.NoError(t, err)
	assert.True(t, created)

	exits, err := s.ListExits(ctx, "B")
	require.NoError(t, err)
	require.Len(t, exits, 1)
	assert.Equal(t, South, exits[0].Direction)
	assert.Equal(t, "A", exits[0].ToLocationID)
	assert.Equal(t, 2, s.ExitCount())
}

func TestMemoryStore_RejectsInvalidExit(t *testing.T) {
	_, err := NewMemoryStore().CreateExit(context.Background(), Exit{FromLocationID: "A", Direction: "sideways"})
	assert.ErrorIs(t, err, ErrInvalidExit)
}

func TestMemoryStore_Layers(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	l := Layer{ID: "l1", LocationID: "L", Type: LayerStructural, Key: "fire", Content: "smoke"}

	got, err := s.FindLayer(ctx, "L", LayerStructural, "fire")
	require.NoError(t, err)
	assert.Nil(t, got)

	created, err := s.AddLayer(ctx, l)
	require.NoError(t, err)
	assert.True(t, created)

	l.ID = "l2"
	created, err = s.AddLayer(ctx, l)
	require.NoError(t, err)
	assert.False(t, created)

	got, err = s.FindLayer(ctx, "L", LayerStructural, "fire")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "l1", got.ID)

	_, err = s.AddLayer(ctx, Layer{LocationID: "L"})
	assert.ErrorIs(t, err, ErrInvalidLayer)
}
