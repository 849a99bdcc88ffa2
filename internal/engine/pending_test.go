package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jpvasquez/sri-downloader/internal/sri"
)

func TestPendingConfirmWithinWindow(t *testing.T) {
	t.Parallel()

	var p pendingConfirmation
	now := time.Now()
	wait, err := p.Arm(now, time.Second)
	require.NoError(t, err)

	require.True(t, p.Confirm(now.Add(10*time.Millisecond)))
	require.True(t, <-wait)
}

func TestPendingDoubleArmRejected(t *testing.T) {
	t.Parallel()

	var p pendingConfirmation
	now := time.Now()
	_, err := p.Arm(now, time.Second)
	require.NoError(t, err)

	_, err = p.Arm(now, time.Second)
	require.ErrorIs(t, err, sri.ErrConfirmationArmed)
}

func TestPendingExpiresToFailure(t *testing.T) {
	t.Parallel()

	var p pendingConfirmation
	wait, err := p.Arm(time.Now(), 20*time.Millisecond)
	require.NoError(t, err)

	require.False(t, <-wait)
	// The slot is free again after expiry.
	_, err = p.Arm(time.Now(), time.Second)
	require.NoError(t, err)
}

func TestPendingIgnoresUnsolicitedConfirm(t *testing.T) {
	t.Parallel()

	var p pendingConfirmation
	require.False(t, p.Confirm(time.Now()))
}

func TestPendingIgnoresLateConfirm(t *testing.T) {
	t.Parallel()

	var p pendingConfirmation
	now := time.Now()
	wait, err := p.Arm(now, time.Second)
	require.NoError(t, err)

	// Past the window even though the timer has not fired yet.
	require.False(t, p.Confirm(now.Add(2*time.Second)))

	require.True(t, p.Confirm(now.Add(10*time.Millisecond)))
	require.True(t, <-wait)
}

func TestPendingDisarmFreesSlot(t *testing.T) {
	t.Parallel()

	var p pendingConfirmation
	_, err := p.Arm(time.Now(), time.Second)
	require.NoError(t, err)

	p.Disarm()
	require.False(t, p.Confirm(time.Now()))

	_, err = p.Arm(time.Now(), time.Second)
	require.NoError(t, err)
}
