package migration

import (
	"context"

	"github.com/dreamware/shardmeta/internal/chunk"
)

// Report describes the current or most recent migration.
type Report struct {
	Active          bool             `json:"active"`
	State           State            `json:"state"`
	SessionID       SessionID        `json:"sessionId,omitempty"`
	NS              string           `json:"ns,omitempty"`
	From            chunk.ShardID    `json:"from,omitempty"`
	Min             chunk.Key        `json:"min,omitempty"`
	Max             chunk.Key        `json:"max,omitempty"`
	ShardKeyPattern chunk.KeyPattern `json:"shardKeyPattern,omitempty"`
	Counters        Counters         `json:"counters"`
	ErrMsg          string           `json:"errmsg,omitempty"`
}

// Report returns the migration status. With waitForSteadyOrDone it first
// waits, bounded by ctx and the report timeout, until the migration reaches
// STEADY or ends.
func (m *Manager) Report(ctx context.Context, waitForSteadyOrDone bool) Report {
	if waitForSteadyOrDone {
		ctx, cancel := context.WithTimeout(ctx, m.cfg.ReportWaitTimeout)
		defer cancel()
	wait:
		for {
			st, changed := m.observe()
			if st >= Steady || (st == Ready && !m.IsActive()) {
				break
			}
			select {
			case <-changed:
			case <-ctx.Done():
				break wait
			}
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	r := Report{Active: m.active, State: m.phase.state()}
	if fp, ok := m.phase.(failPhase); ok {
		r.ErrMsg = fp.errmsg
	}
	if sess := m.session; sess != nil {
		r.SessionID = sess.req.SessionID
		r.NS = sess.req.NS.String()
		r.From = sess.req.FromShard
		r.Min = sess.req.Range.Min
		r.Max = sess.req.Range.Max
		r.ShardKeyPattern = sess.req.KeyPattern
		r.Counters = sess.counters
	}
	return r
}
