package client

import (
	"context"
)

// LifecycleEvent is one explicit state-machine event.
type LifecycleEvent struct {
	Kind        string `json:"kind"`
	ContentHash string `json:"content_hash"`
	Reason      string `json:"reason,omitempty"`
}

// LifecycleClient posts caller-initiated lifecycle events.
type LifecycleClient struct {
	client *Client
}

// PostEvent applies one transition.  A 409 means the state machine rejected
// the event for the molecule's current state.
func (lc *LifecycleClient) PostEvent(ctx context.Context, ev LifecycleEvent) error {
	return lc.client.post(ctx, "/api/v1/lifecycle/events", ev, nil)
}

// ReplayReport summarizes one replay pass over the audit journal.
type ReplayReport struct {
	Replayed int   `json:"replayed"`
	LastSeq  int64 `json:"last_seq"`
}

// Replay re-emits outbound events recorded after the given journal sequence.
func (lc *LifecycleClient) Replay(ctx context.Context, sinceSeq int64, limit int) (*ReplayReport, error) {
	var report ReplayReport
	body := map[string]int64{"since_seq": sinceSeq, "limit": int64(limit)}
	if err := lc.client.post(ctx, "/api/v1/lifecycle/replay", body, &report); err != nil {
		return nil, err
	}
	return &report, nil
}
