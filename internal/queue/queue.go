// Package queue implements the queue processor: it drains the persistent
// event queue through the report/acknowledge handshake and repairs the
// hash chain of still-queued events after every acceptance.
package queue

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/bcherng/fim-agent/internal/connection"
	"github.com/bcherng/fim-agent/internal/metrics"
	"github.com/bcherng/fim-agent/internal/state"
	fimlog "github.com/bcherng/fim-agent/log"
)

// Notifier receives collaborator-facing status updates from the drain loop.
type Notifier interface {
	Synced(eventType, path string)
	Rejected(eventID, reason string)
	Pending(count int)
	Disconnected()
}

// Processor drains the queue while connected, enforcing the
// Queued→Reporting→Acknowledging→Done state machine per event, one event
// at a time, never reordering and never skipping an unrejected head.
type Processor struct {
	store   *state.Store
	conn    *connection.Manager
	notify  Notifier
	metrics *metrics.Registry
	log     *fimlog.Logger

	// running is the reentrancy gate: at most one Drain loop may execute at
	// a time (enforced with atomic compare-and-swap rather than a mutex,
	// since Drain itself may be invoked concurrently from both the event
	// handler and the orchestrator's reconnect path).
	running int32
}

// New creates a Processor. reg may be nil, in which case metrics are
// skipped.
func New(store *state.Store, conn *connection.Manager, notify Notifier, reg *metrics.Registry) *Processor {
	return &Processor{
		store:   store,
		conn:    conn,
		notify:  notify,
		metrics: reg,
		log:     fimlog.Default().Module("queue"),
	}
}

// Drain attempts to process the queue to completion, or until the
// connection is lost, or until an auth failure halts progress. A server
// rejection discards the head event and draining continues. It is a no-op if another Drain is already in flight, or if the
// connection manager reports Disconnected.
func (p *Processor) Drain() {
	if !atomic.CompareAndSwapInt32(&p.running, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&p.running, 0)

	for p.conn.Status() == connection.Connected {
		e, ok := p.store.Peek()
		if !ok {
			return
		}
		if p.metrics != nil {
			p.metrics.QueueDepth.Set(float64(p.store.QueueSize()))
		}

		reportStart := time.Now()
		resp, status, err := p.conn.Report(e)
		if p.metrics != nil {
			p.metrics.ObserveReport(reportStart)
		}
		switch {
		case err == nil && status == http.StatusOK:
			p.handleAccepted(e, resp)
		case status == http.StatusBadRequest:
			// A 400 rejection is dequeued unconditionally rather than
			// retried; keeping it would wedge the queue. Surfaced at error
			// severity so the drop is visible to operators.
			p.log.Error("server rejected event, discarding", "event_id", e.ID, "path", e.Path)
			if dqErr := p.store.Dequeue(); dqErr != nil {
				p.log.Error("failed to dequeue rejected event", "err", dqErr)
			}
			if p.metrics != nil {
				p.metrics.EventsRejectedTotal.Inc()
			}
			if p.notify != nil {
				p.notify.Rejected(e.ID, "server rejected event")
				p.notify.Pending(p.store.QueueSize())
			}
		case status == http.StatusUnauthorized:
			p.log.Warn("report unauthorized, halting drain", "event_id", e.ID)
			if p.notify != nil {
				p.notify.Disconnected()
			}
			return
		default:
			p.log.Warn("report failed, holding head and marking disconnected", "event_id", e.ID, "status", status, "err", err)
			p.conn.MarkDisconnected()
			if p.notify != nil {
				p.notify.Disconnected()
			}
			return
		}
	}
}

func (p *Processor) handleAccepted(e state.Event, resp *connection.ReportResponse) {
	ackStart := time.Now()
	ackStatus, err := p.conn.Acknowledge(connection.AcknowledgeRequest{
		EventID:            resp.EventID,
		ValidationReceived: resp.Validation,
	})
	if p.metrics != nil {
		p.metrics.ObserveAcknowledge(ackStart)
	}
	if err != nil || ackStatus != http.StatusOK {
		p.log.Warn("acknowledge failed, will retry", "event_id", e.ID, "status", ackStatus, "err", err)
		p.conn.MarkDisconnected()
		if p.notify != nil {
			p.notify.Disconnected()
		}
		return
	}

	root := e.RootHash
	if root == nil {
		// Null-tree case (final delete): there is no new root to anchor on;
		// the existing last_valid_hash stands.
		p.finish(e)
		return
	}

	if err := p.store.SetLastValidHash(*root, resp.Validation); err != nil {
		p.log.Error("failed to persist validated anchor", "err", err)
		return
	}
	if err := p.store.UpdateQueuedChain(*root); err != nil {
		p.log.Error("failed to repair queued chain", "err", err)
		return
	}
	p.finish(e)
}

func (p *Processor) finish(e state.Event) {
	if err := p.store.Dequeue(); err != nil {
		p.log.Error("failed to dequeue acknowledged event", "err", err)
		return
	}
	if p.metrics != nil {
		p.metrics.EventsSyncedTotal.Inc()
		p.metrics.QueueDepth.Set(float64(p.store.QueueSize()))
	}
	if p.notify != nil {
		p.notify.Synced(string(e.Type), e.Path)
		p.notify.Pending(p.store.QueueSize())
	}
}
