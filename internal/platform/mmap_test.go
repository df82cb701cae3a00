package platform

import (
	"crypto/rand"
	"io"
	"runtime/debug"
	"testing"

	"github.com/stretchr/testify/require"
)

var testCode, _ = io.ReadAll(io.LimitReader(rand.Reader, 8*1024))

func Test_MmapCodeSegment(t *testing.T) {
	requireGuardPages(t)

	newCode, err := MmapCodeSegment(testCode)
	require.NoError(t, err)
	// Verify that the mmap is the same as the original.
	require.Equal(t, testCode, newCode)
	require.NoError(t, MunmapCodeSegment(newCode))

	t.Run("panic on zero length", func(t *testing.T) {
		require.PanicsWithError(t, "BUG: MmapCodeSegment with zero length", func() {
			_, _ = MmapCodeSegment(make([]byte, 0))
		})
	})
}

func Test_MunmapCodeSegment(t *testing.T) {
	requireGuardPages(t)

	// Errors if never mapped
	require.Error(t, MunmapCodeSegment(testCode))

	newCode, err := MmapCodeSegment(testCode)
	require.NoError(t, err)
	// First munmap should succeed.
	require.NoError(t, MunmapCodeSegment(newCode))
	// Double munmap should fail.
	require.Error(t, MunmapCodeSegment(newCode))

	t.Run("panic on zero length", func(t *testing.T) {
		require.PanicsWithError(t, "BUG: MunmapCodeSegment with zero length", func() {
			_ = MunmapCodeSegment(make([]byte, 0))
		})
	})
}

func TestRoundUpToPage(t *testing.T) {
	p := uint64(PageSize())
	require.Equal(t, uint64(0), RoundUpToPage(0))
	require.Equal(t, p, RoundUpToPage(1))
	require.Equal(t, p, RoundUpToPage(p))
	require.Equal(t, 2*p, RoundUpToPage(p+1))
}

func TestReserveMemory(t *testing.T) {
	requireGuardPages(t)

	p := PageSize()
	b, err := ReserveMemory(4 * p)
	require.NoError(t, err)
	defer func() { require.NoError(t, ReleaseMemory(b)) }()

	require.NoError(t, CommitMemory(b[:2*p]))
	b[0], b[2*p-1] = 1, 2

	// The first uncommitted byte is a guard.
	require.True(t, faults(func() { sink = b[2*p] }))
	require.False(t, faults(func() { sink = b[2*p-1] }))

	t.Run("unaligned", func(t *testing.T) {
		require.ErrorIs(t, CommitMemory(b[1:p]), ErrUnaligned)
		require.ErrorIs(t, DecommitMemory(b[1:p]), ErrUnaligned)
	})

	t.Run("decommit zeroes", func(t *testing.T) {
		require.NoError(t, DecommitMemory(b[:2*p]))
		require.True(t, faults(func() { sink = b[0] }))

		require.NoError(t, CommitMemory(b[:2*p]))
		require.Equal(t, byte(0), b[0])
		require.Equal(t, byte(0), b[2*p-1])
	})

	t.Run("panic on zero length", func(t *testing.T) {
		require.PanicsWithError(t, "BUG: ReserveMemory with zero length", func() {
			_, _ = ReserveMemory(0)
		})
		require.PanicsWithError(t, "BUG: ReleaseMemory with zero length", func() {
			_ = ReleaseMemory(nil)
		})
	})
}

var sink byte

// faults returns true if fn touched inaccessible memory.
func faults(fn func()) (faulted bool) {
	old := debug.SetPanicOnFault(true)
	defer debug.SetPanicOnFault(old)
	defer func() {
		if r := recover(); r != nil {
			faulted = true
		}
	}()
	fn()
	return
}

func requireGuardPages(t *testing.T) {
	if !GuardPagesSupported {
		t.Skip()
	}
}
