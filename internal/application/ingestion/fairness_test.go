package ingestion

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func acquireAsync(g *ownerGate, owner string) (<-chan error, func()) {
	done := make(chan error, 1)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { done <- g.acquire(ctx, owner) }()
	return done, cancel
}

func assertBlocked(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case err := <-done:
		t.Fatalf("acquire returned early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
}

func assertAcquired(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("acquire did not complete")
	}
}

func TestOwnerGate_SingleOwnerUsesAllSlots(t *testing.T) {
	g := newOwnerGate(2, 50)

	// With nobody else waiting the share cap lifts, so one owner may fill
	// every slot.
	require.NoError(t, g.acquire(context.Background(), "alice"))
	require.NoError(t, g.acquire(context.Background(), "alice"))

	third, cancel := acquireAsync(g, "alice")
	defer cancel()
	assertBlocked(t, third)

	g.release("alice")
	assertAcquired(t, third)
}

func TestOwnerGate_WaitingOwnerGetsFreedSlot(t *testing.T) {
	g := newOwnerGate(2, 50) // share of 1 slot per owner under contention

	require.NoError(t, g.acquire(context.Background(), "alice"))
	require.NoError(t, g.acquire(context.Background(), "alice"))

	bobDone, cancelBob := acquireAsync(g, "bob")
	defer cancelBob()
	assertBlocked(t, bobDone)

	aliceDone, cancelAlice := acquireAsync(g, "alice")
	defer cancelAlice()
	assertBlocked(t, aliceDone)

	// The freed slot must go to bob: alice already holds a full share and bob
	// is queued behind it.
	g.release("alice")
	assertAcquired(t, bobDone)
	assertBlocked(t, aliceDone)

	// Once bob is no longer waiting, alice's next run may proceed.
	g.release("bob")
	assertAcquired(t, aliceDone)

	g.release("alice")
	g.release("alice")
}

func TestOwnerGate_CancelledWaiterUnblocks(t *testing.T) {
	g := newOwnerGate(1, 100)
	require.NoError(t, g.acquire(context.Background(), "alice"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.acquire(ctx, "bob") }()
	assertBlocked(t, done)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled acquire did not return")
	}

	// The abandoned wait must not have consumed the slot.
	g.release("alice")
	require.NoError(t, g.acquire(context.Background(), "carol"))
	g.release("carol")
}
