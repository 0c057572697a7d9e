package nullifier

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInsertThenContains(t *testing.T) {
	r := NewRegistry()
	require.False(t, r.Contains("0xaa"))
	require.NoError(t, r.Insert("0xaa"))
	require.True(t, r.Contains("0xaa"))
}

func TestDoubleInsertRejected(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Insert("0xaa"))
	require.ErrorIs(t, r.Insert("0xaa"), ErrAlreadySpent)
}

func TestConcurrentInsertExactlyOnce(t *testing.T) {
	r := NewRegistry()
	const workers = 32
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = r.Insert("0xdeadbeef")
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, err := range errs {
		if err == nil {
			successes++
		} else {
			require.ErrorIs(t, err, ErrAlreadySpent)
		}
	}
	require.Equal(t, 1, successes, "exactly one concurrent insert may win")
	require.Equal(t, 1, r.Size())
}

func TestBulkCheckShortCircuits(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Insert("0xbb"))
	require.NoError(t, r.BulkCheck([]string{"0xaa", "0xcc"}))
	require.ErrorIs(t, r.BulkCheck([]string{"0xaa", "0xbb", "0xcc"}), ErrAlreadySpent)
}

func TestStoreMirrorsPerPool(t *testing.T) {
	s, err := OpenStore(filepath.Join(t.TempDir(), "nulls"))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Put("poolA", "0x01"))
	require.NoError(t, s.Put("poolA", "0x02"))
	require.NoError(t, s.Put("poolB", "0x03"))

	has, err := s.Has("poolA", "0x01")
	require.NoError(t, err)
	require.True(t, has)

	has, err = s.Has("poolB", "0x01")
	require.NoError(t, err)
	require.False(t, has)

	list, err := s.List("poolA")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"0x01", "0x02"}, list)
}

func TestStoreReplaceResyncs(t *testing.T) {
	s, err := OpenStore(filepath.Join(t.TempDir(), "nulls"))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Put("poolA", "0x01"))
	require.NoError(t, s.Replace("poolA", []string{"0x02", "0x03"}))

	list, err := s.List("poolA")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"0x02", "0x03"}, list)
}
