package ingestion

import (
	"context"
	"sync"
)

// ownerGate bounds concurrent ingestion runs and keeps one owner from
// monopolizing them.  An owner already holding its share of the run slots
// queues behind waiting runs of other owners; when nobody else is waiting the
// share cap is lifted so slots never sit idle.
type ownerGate struct {
	mu   sync.Mutex
	cond *sync.Cond

	slots int
	share int

	running map[string]int
	waiting map[string]int
	total   int
}

func newOwnerGate(slots, sharePercent int) *ownerGate {
	if slots < 1 {
		slots = 1
	}
	if sharePercent < 1 || sharePercent > 100 {
		sharePercent = 100
	}
	share := slots * sharePercent / 100
	if share < 1 {
		share = 1
	}
	g := &ownerGate{
		slots:   slots,
		share:   share,
		running: make(map[string]int),
		waiting: make(map[string]int),
	}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// acquire blocks until a slot is available for owner or ctx is done.
func (g *ownerGate) acquire(ctx context.Context, owner string) error {
	// A cancelled waiter needs a wakeup to notice; Wait alone never returns on
	// context expiry.
	stop := context.AfterFunc(ctx, func() {
		g.mu.Lock()
		g.cond.Broadcast()
		g.mu.Unlock()
	})
	defer stop()

	g.mu.Lock()
	defer g.mu.Unlock()

	g.waiting[owner]++
	defer func() {
		g.waiting[owner]--
		if g.waiting[owner] == 0 {
			delete(g.waiting, owner)
		}
	}()

	for !g.admissible(owner) {
		if err := ctx.Err(); err != nil {
			return err
		}
		g.cond.Wait()
	}

	g.running[owner]++
	g.total++
	return nil
}

func (g *ownerGate) release(owner string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.running[owner]--
	if g.running[owner] <= 0 {
		delete(g.running, owner)
	}
	g.total--
	g.cond.Broadcast()
}

// admissible holds when a slot is free and granting it keeps owners with
// queued runs from being starved.  Callers hold g.mu.
func (g *ownerGate) admissible(owner string) bool {
	if g.total >= g.slots {
		return false
	}
	if g.running[owner] < g.share {
		return true
	}
	// Over share: step aside only while another owner is actually waiting.
	for other := range g.waiting {
		if other != owner {
			return false
		}
	}
	return true
}
