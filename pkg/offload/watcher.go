package offload

import (
	"context"
	"log/slog"

	"github.com/psaab/tethrx/pkg/forwarder"
	"github.com/psaab/tethrx/pkg/notify"
)

// watch is the monitoring loop for one Active session: it sweeps byte
// counters on the poll interval and consumes engine-initiated events.
// Runs until Teardown cancels ctx.
func (c *Controller) watch(ctx context.Context, events <-chan forwarder.Event, done chan struct{}) {
	defer close(done)
	ticker := c.clock.NewTicker(c.poll)
	defer ticker.Stop()
	slog.Debug("offload watcher started", "interval", c.poll)

	for {
		select {
		case <-ctx.Done():
			slog.Debug("offload watcher stopped")
			return
		case <-ticker.Chan():
			c.sweep()
		case ev, ok := <-events:
			if !ok {
				// Engine closed; a nil channel blocks forever.
				events = nil
				continue
			}
			c.handleEngineEvent(ev)
		}
	}
}

// sweep pulls pending byte counters for the bound upstream. Quota breaches
// surface here even when no caller is reading stats.
func (c *Controller) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateActive || c.binding == nil {
		return
	}
	upstream := c.binding.Iface
	if err := c.collectLocked(upstream); err != nil {
		slog.Warn("counter sweep failed", "upstream", upstream, "err", err)
	}
}

// handleEngineEvent applies one engine-initiated condition. Events racing
// with teardown observe the Uninitialized state and are discarded.
func (c *Controller) handleEngineEvent(ev forwarder.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateActive {
		return
	}
	switch ev.Kind {
	case forwarder.EventStopped:
		c.handleStopLocked(ev, notify.EventStoppedError)
	case forwarder.EventStoppedUnsupported:
		c.handleStopLocked(ev, notify.EventStoppedUnsupported)
	case forwarder.EventSupportAvailable:
		slog.Info("offload support available")
		c.publishLocked(notify.EventSupportAvailable, "", ev.Reason)
	default:
		slog.Warn("unknown engine event", "kind", int(ev.Kind))
	}
}

// handleStopLocked mirrors a hardware-initiated forwarding stop: the
// engine has already ceased and dropped its state, so the binding and the
// upstream's quota go away while downstream entries, local prefixes, and
// unread stats stay for a later rebind. stopType distinguishes a fault
// from lost offload support.
func (c *Controller) handleStopLocked(ev forwarder.Event, stopType notify.EventType) {
	if c.binding == nil {
		slog.Debug("stop event with no bound upstream", "upstream", ev.Upstream)
		return
	}
	upstream := ev.Upstream
	if upstream == "" {
		upstream = c.binding.Iface
	}
	if upstream != c.binding.Iface {
		slog.Debug("stop event for unbound upstream",
			"upstream", ev.Upstream, "bound", c.binding.Iface)
		return
	}
	if tail, err := c.engine.FetchCounters(upstream); err == nil {
		c.stats.Record(upstream, tail.RxBytes, tail.TxBytes)
	}
	c.binding = nil
	c.quotas.Remove(upstream)
	c.hardwareStops++
	slog.Warn("hardware stopped forwarding",
		"upstream", upstream, "type", stopType, "reason", ev.Reason)
	c.publishLocked(stopType, upstream, ev.Reason)
}

// drainEvents discards anything buffered on the engine event channel.
func drainEvents(events <-chan forwarder.Event) {
	if events == nil {
		return
	}
	for {
		select {
		case _, ok := <-events:
			if !ok {
				return
			}
		default:
			return
		}
	}
}
