package consultation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func exerciseLocker(t *testing.T, l Locker) {
	t.Helper()
	ctx := context.Background()

	unlock, err := l.TryLock(ctx, "s1")
	require.NoError(t, err)

	_, err = l.TryLock(ctx, "s1")
	require.ErrorIs(t, err, ErrSessionBusy)

	other, err := l.TryLock(ctx, "s2")
	require.NoError(t, err)
	other()

	unlock()
	unlock()

	again, err := l.TryLock(ctx, "s1")
	require.NoError(t, err)
	again()
}

func TestLocalLocker(t *testing.T) {
	exerciseLocker(t, NewLocalLocker())
}

func TestRedisLocker(t *testing.T) {
	_, client := newMiniredis(t)
	exerciseLocker(t, NewRedisLocker(client, time.Minute))
}

func TestRedisLockerReleaseKeepsForeignLock(t *testing.T) {
	mr, client := newMiniredis(t)
	l := NewRedisLocker(client, time.Minute)
	ctx := context.Background()

	unlock, err := l.TryLock(ctx, "s1")
	require.NoError(t, err)

	// The lock expired and another instance took it over.
	mr.FastForward(2 * time.Minute)
	taken, err := l.TryLock(ctx, "s1")
	require.NoError(t, err)

	unlock()
	require.True(t, mr.Exists(lockKeyPrefix+"s1"))

	_, err = l.TryLock(ctx, "s1")
	require.ErrorIs(t, err, ErrSessionBusy)
	taken()
	require.False(t, mr.Exists(lockKeyPrefix+"s1"))
}

func TestRedisLockerReleasesAfterCancel(t *testing.T) {
	mr, client := newMiniredis(t)
	l := NewRedisLocker(client, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	unlock, err := l.TryLock(ctx, "s1")
	require.NoError(t, err)

	cancel()
	unlock()
	require.False(t, mr.Exists(lockKeyPrefix+"s1"))
}
