package replay

import (
	"testing"

	"github.com/relaypath/overlay/internal/constants"
	"github.com/stretchr/testify/require"
)

func TestCheckAdvanceBasicOrder(t *testing.T) {
	w := New()
	require.False(t, w.Check(1))
	w.Advance(1)
	require.Equal(t, uint64(1), w.MostRecent())

	require.False(t, w.Check(2))
	w.Advance(2)
}

func TestCheckRejectsDuplicate(t *testing.T) {
	w := New()
	w.Advance(5)
	require.True(t, w.Check(5))
}

func TestCheckRejectsTooOld(t *testing.T) {
	w := New()
	w.Advance(constants.ReplayWindowSize + 100)
	require.True(t, w.Check(50))
}

func TestCheckIsPure(t *testing.T) {
	w := New()
	w.Advance(10)
	before := w.MostRecent()
	require.False(t, w.Check(11))
	require.Equal(t, before, w.MostRecent(), "Check must not mutate state")
}

func TestResetClearsWindow(t *testing.T) {
	w := New()
	w.Advance(100)
	w.Reset()
	require.Equal(t, uint64(0), w.MostRecent())
	require.False(t, w.Check(1))
}

func TestSessionWindowsAreIndependent(t *testing.T) {
	sw := NewSessionWindows()
	sw.Payload.Advance(10)
	require.True(t, sw.Payload.Check(10))
	require.False(t, sw.Special.Check(10))
	require.False(t, sw.Internal.Check(10))
}
