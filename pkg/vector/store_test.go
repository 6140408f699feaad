package vector

import (
	"testing"

	"github.com/hack-pad/hackpadfs"
	"github.com/hack-pad/hackpadfs/mem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_RoundTrip(t *testing.T) {
	fs, err := mem.NewFS()
	require.NoError(t, err)

	// 1. Create and Record
	{
		s, err := NewStore(fs, "index.bin")
		require.NoError(t, err)

		require.NoError(t, s.Add("m-1", []float32{0.1, 0.2, 0.3, 0.0}))
		require.NoError(t, s.Add("m-2", []float32{0.9, 0.8, 0.9, 0.0}))
		require.NoError(t, s.Add("m-3", []float32{0.1, 0.21, 0.31, 0.0}))

		require.NoError(t, s.Save())
	}

	// 2. Load and Query
	{
		s2, err := NewStore(fs, "index.bin")
		require.NoError(t, err)
		assert.Equal(t, 3, s2.Len())

		results, err := s2.Search([]float32{0.1, 0.2, 0.3, 0.0}, 2)
		require.NoError(t, err)
		require.Len(t, results, 2)

		// Exact match first, then the near neighbour.
		assert.Equal(t, "m-1", results[0])
		assert.Equal(t, "m-3", results[1])
	}
}

func TestStore_EmptyIndexSearch(t *testing.T) {
	fs, err := mem.NewFS()
	require.NoError(t, err)
	s, err := NewStore(fs, "index.bin")
	require.NoError(t, err)

	results, err := s.Search([]float32{1, 0, 0, 0}, 5)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestStore_DimensionMismatch(t *testing.T) {
	fs, err := mem.NewFS()
	require.NoError(t, err)
	s, err := NewStore(fs, "index.bin")
	require.NoError(t, err)

	require.NoError(t, s.Add("a", []float32{1, 0, 0, 0}))
	assert.Error(t, s.Add("b", []float32{1, 0, 0, 0, 0, 0, 0, 0}))

	_, err = s.Search([]float32{1, 0, 0, 0, 0, 0, 0, 0}, 1)
	assert.Error(t, err)
}

func TestStore_UnalignedDimensionIsRejected(t *testing.T) {
	fs, err := mem.NewFS()
	require.NoError(t, err)
	s, err := NewStore(fs, "index.bin")
	require.NoError(t, err)

	assert.Error(t, s.Add("a", []float32{0, 1, 0}))
	assert.Equal(t, 0, s.Len())

	require.NoError(t, s.Add("b", []float32{0, 1, 0, 0}))
	assert.Error(t, s.Add("c", []float32{0, 1, 0}))
	_, err = s.Search([]float32{0, 1, 0}, 1)
	assert.Error(t, err)
	assert.Equal(t, 1, s.Len())
}

func TestStore_RemoveAndReplaceAreFiltered(t *testing.T) {
	fs, err := mem.NewFS()
	require.NoError(t, err)
	s, err := NewStore(fs, "index.bin")
	require.NoError(t, err)

	require.NoError(t, s.Add("a", []float32{1, 0, 0, 0}))
	require.NoError(t, s.Add("b", []float32{0.9, 0.1, 0, 0}))
	require.NoError(t, s.Add("c", []float32{0, 0, 1, 0}))

	s.Remove("a")
	// Moving b away from the query leaves c as the only close-ish match.
	require.NoError(t, s.Add("b", []float32{0, 1, 0, 0}))
	assert.Equal(t, 2, s.Len())

	results, err := s.Search([]float32{1, 0, 0, 0}, 3)
	require.NoError(t, err)
	assert.NotContains(t, results, "a")
	assert.ElementsMatch(t, []string{"b", "c"}, results, "each live key appears once")

	require.NoError(t, s.Save())
	s2, err := NewStore(fs, "index.bin")
	require.NoError(t, err)
	results, err = s2.Search([]float32{1, 0, 0, 0}, 3)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"b", "c"}, results)
}

func TestStore_CorruptFileIsAnError(t *testing.T) {
	fs, err := mem.NewFS()
	require.NoError(t, err)
	require.NoError(t, hackpadfs.WriteFullFile(fs, "index.bin", []byte("not gob"), 0644))

	_, err = NewStore(fs, "index.bin")
	assert.Error(t, err)
}

func TestStore_EmptyIndexRoundTrip(t *testing.T) {
	fs, err := mem.NewFS()
	require.NoError(t, err)
	s, err := NewStore(fs, "index.bin")
	require.NoError(t, err)
	require.NoError(t, s.Save())

	s2, err := NewStore(fs, "index.bin")
	require.NoError(t, err)
	assert.Equal(t, 0, s2.Len())
	require.NoError(t, s2.Add("a", []float32{1, 0, 0, 0}))
	results, err := s2.Search([]float32{1, 0, 0, 0}, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, results)
}
