package offload

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/psaab/tethrx/pkg/forwarder"
	"github.com/psaab/tethrx/pkg/forwarder/simfwd"
	"github.com/psaab/tethrx/pkg/notify"
)

// recordingSink collects delivered notifications for assertions.
type recordingSink struct {
	mu     sync.Mutex
	events []notify.Event
}

func (s *recordingSink) OnEvent(ev notify.Event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func (s *recordingSink) snapshot() []notify.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]notify.Event(nil), s.events...)
}

func (s *recordingSink) count(typ notify.EventType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ev := range s.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

// waitForEvent polls until an event of the given type has been delivered.
func (s *recordingSink) waitForEvent(t *testing.T, typ notify.EventType) notify.Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		for _, ev := range s.events {
			if ev.Type == typ {
				s.mu.Unlock()
				return ev
			}
		}
		s.mu.Unlock()
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("no %s notification within deadline", typ)
	return notify.Event{}
}

// newTestController returns an initialized controller on a sim engine. The
// poll interval is long so sweeps only happen when a test forces them.
func newTestController(t *testing.T) (*Controller, *simfwd.Manager, *recordingSink) {
	t.Helper()
	sim := simfwd.NewManager()
	c := New(Options{Engine: sim, PollInterval: time.Minute})
	sink := &recordingSink{}
	if err := c.Init(context.Background(), sink); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	t.Cleanup(func() {
		if c.State() == StateActive {
			c.Teardown()
		}
		sim.Close()
	})
	return c, sim, sink
}

func v4Params(iface string) UpstreamParams {
	return UpstreamParams{Iface: iface, V4Addr: "100.64.1.23", V4Gateway: "100.64.1.1"}
}

func dualParams(iface string) UpstreamParams {
	p := v4Params(iface)
	p.V6Gateways = []string{"fe80::1"}
	return p
}

func TestInitTwice(t *testing.T) {
	c, _, _ := newTestController(t)

	if err := c.SetUpstreamParameters(v4Params("rmnet0")); err != nil {
		t.Fatalf("SetUpstreamParameters: %v", err)
	}
	if err := c.AddDownstream("wlan0", "192.168.43.0/24"); err != nil {
		t.Fatalf("AddDownstream: %v", err)
	}

	other := &recordingSink{}
	err := c.Init(context.Background(), other)
	if !errors.Is(err, ErrAlreadyInitialized) {
		t.Fatalf("second Init = %v, want ErrAlreadyInitialized", err)
	}

	// Everything set up under the first Init must be untouched.
	snap := c.Snapshot()
	if snap.State != "active" {
		t.Errorf("state = %q, want active", snap.State)
	}
	if snap.Upstream == nil || snap.Upstream.Iface != "rmnet0" {
		t.Errorf("upstream = %+v, want rmnet0", snap.Upstream)
	}
	if len(snap.Downstreams) != 1 {
		t.Errorf("downstreams = %d, want 1", len(snap.Downstreams))
	}
}

func TestInitHardwareUnavailable(t *testing.T) {
	sim := simfwd.NewManager()
	sim.SetOpenFailure(errors.New("bpf not supported"))
	c := New(Options{Engine: sim})

	err := c.Init(context.Background(), &recordingSink{})
	if !errors.Is(err, ErrHardwareUnavailable) {
		t.Fatalf("Init = %v, want ErrHardwareUnavailable", err)
	}
	if c.State() != StateUninitialized {
		t.Fatalf("state = %v after failed Init, want Uninitialized", c.State())
	}

	// A later Init succeeds once the engine can open.
	sim.SetOpenFailure(nil)
	if err := c.Init(context.Background(), &recordingSink{}); err != nil {
		t.Fatalf("Init after recovery: %v", err)
	}
	c.Teardown()
	sim.Close()
}

func TestOpsBeforeInit(t *testing.T) {
	sim := simfwd.NewManager()
	c := New(Options{Engine: sim})

	ops := []struct {
		name string
		call func() error
	}{
		{"setUpstreamParameters", func() error { return c.SetUpstreamParameters(v4Params("rmnet0")) }},
		{"setLocalPrefixes", func() error { return c.SetLocalPrefixes([]string{"127.0.0.0/8"}) }},
		{"addDownstream", func() error { return c.AddDownstream("wlan0", "192.168.43.0/24") }},
		{"removeDownstream", func() error { return c.RemoveDownstream("wlan0", "192.168.43.0/24") }},
		{"setDataLimit", func() error { return c.SetDataLimit("rmnet0", 1000) }},
		{"forwardedStats", func() error { _, _, err := c.ForwardedStats("rmnet0"); return err }},
		{"teardown", func() error { return c.Teardown() }},
	}
	for _, op := range ops {
		t.Run(op.name, func(t *testing.T) {
			if err := op.call(); !errors.Is(err, ErrNotInitialized) {
				t.Fatalf("%s = %v, want ErrNotInitialized", op.name, err)
			}
		})
	}

	snap := c.Snapshot()
	if snap.Upstream != nil || len(snap.Downstreams) != 0 || len(snap.LocalPrefixes) != 0 {
		t.Fatalf("state leaked from rejected calls: %+v", snap)
	}
}

func TestTeardownClearsEverything(t *testing.T) {
	c, sim, _ := newTestController(t)

	if err := c.SetUpstreamParameters(dualParams("rmnet0")); err != nil {
		t.Fatalf("SetUpstreamParameters: %v", err)
	}
	if err := c.AddDownstream("wlan0", "192.168.43.0/24"); err != nil {
		t.Fatalf("AddDownstream: %v", err)
	}
	if err := c.SetLocalPrefixes([]string{"127.0.0.0/8", "fe80::/64"}); err != nil {
		t.Fatalf("SetLocalPrefixes: %v", err)
	}
	if err := c.SetDataLimit("rmnet0", 1_000_000); err != nil {
		t.Fatalf("SetDataLimit: %v", err)
	}
	sim.Advance("rmnet0", 500, 300)

	if err := c.Teardown(); err != nil {
		t.Fatalf("Teardown: %v", err)
	}
	if err := c.Teardown(); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("second Teardown = %v, want ErrNotInitialized", err)
	}

	if up := sim.Upstream(); up != nil {
		t.Errorf("engine upstream still programmed: %+v", up)
	}
	if rules := sim.Rules(); len(rules) != 0 {
		t.Errorf("engine rules still programmed: %v", rules)
	}
	if excl := sim.Excluded(); len(excl) != 0 {
		t.Errorf("engine exclusions still programmed: %v", excl)
	}

	snap := c.Snapshot()
	if snap.State != "uninitialized" || snap.Upstream != nil ||
		len(snap.Downstreams) != 0 || len(snap.LocalPrefixes) != 0 || len(snap.Quotas) != 0 {
		t.Errorf("model not cleared: %+v", snap)
	}

	// Stats are reset to zero, not carried into the next session.
	if err := c.Init(context.Background(), &recordingSink{}); err != nil {
		t.Fatalf("re-Init: %v", err)
	}
	rx, tx, err := c.ForwardedStats("rmnet0")
	if err != nil {
		t.Fatalf("ForwardedStats: %v", err)
	}
	if rx != 0 || tx != 0 {
		t.Errorf("stats after teardown = (%d, %d), want (0, 0)", rx, tx)
	}
}

func TestAddRemoveDownstream(t *testing.T) {
	c, sim, _ := newTestController(t)
	if err := c.SetUpstreamParameters(v4Params("rmnet0")); err != nil {
		t.Fatalf("SetUpstreamParameters: %v", err)
	}

	before := c.Snapshot()
	if err := c.AddDownstream("wlan0", "192.168.43.0/24"); err != nil {
		t.Fatalf("AddDownstream: %v", err)
	}
	if len(sim.Rules()) != 1 {
		t.Fatalf("engine rules = %d, want 1", len(sim.Rules()))
	}
	if err := c.RemoveDownstream("wlan0", "192.168.43.0/24"); err != nil {
		t.Fatalf("RemoveDownstream: %v", err)
	}
	if len(sim.Rules()) != 0 {
		t.Fatalf("engine rules = %d after remove, want 0", len(sim.Rules()))
	}

	after := c.Snapshot()
	if len(after.Downstreams) != len(before.Downstreams) {
		t.Errorf("downstreams = %d, want %d", len(after.Downstreams), len(before.Downstreams))
	}

	// Removing again is a no-op success.
	if err := c.RemoveDownstream("wlan0", "192.168.43.0/24"); err != nil {
		t.Fatalf("second RemoveDownstream = %v, want nil", err)
	}
}

func TestAddDownstreamNormalizesPrefix(t *testing.T) {
	c, _, _ := newTestController(t)

	if err := c.AddDownstream("wlan0", "192.168.43.17/24"); err != nil {
		t.Fatalf("AddDownstream: %v", err)
	}
	// Same network, written canonically: idempotent duplicate.
	if err := c.AddDownstream("wlan0", "192.168.43.0/24"); err != nil {
		t.Fatalf("canonical duplicate = %v, want nil", err)
	}
	if n := len(c.Snapshot().Downstreams); n != 1 {
		t.Fatalf("downstreams = %d, want 1", n)
	}
}

func TestAddDownstreamConflict(t *testing.T) {
	c, _, _ := newTestController(t)

	if err := c.AddDownstream("wlan0", "192.168.43.0/24"); err != nil {
		t.Fatalf("AddDownstream: %v", err)
	}
	err := c.AddDownstream("usb0", "192.168.43.0/24")
	if !errors.Is(err, ErrDownstreamRejected) {
		t.Fatalf("conflicting add = %v, want ErrDownstreamRejected", err)
	}
	// Distinct overlapping prefixes on different interfaces are fine.
	if err := c.AddDownstream("usb0", "192.168.0.0/16"); err != nil {
		t.Fatalf("overlapping-but-distinct add = %v, want nil", err)
	}
}

func TestAddDownstreamQueuedUntilFamilyBound(t *testing.T) {
	c, sim, _ := newTestController(t)
	if err := c.SetUpstreamParameters(v4Params("rmnet0")); err != nil {
		t.Fatalf("SetUpstreamParameters: %v", err)
	}

	// IPv6 prefix with only an IPv4 upstream: stored, not programmed.
	if err := c.AddDownstream("wlan0", "2001:db8:43::/64"); err != nil {
		t.Fatalf("AddDownstream v6 = %v, want nil", err)
	}
	if len(sim.Rules()) != 0 {
		t.Fatalf("engine rules = %d, want 0 before v6 upstream", len(sim.Rules()))
	}

	// Binding a v6-capable upstream activates the stored entry.
	if err := c.SetUpstreamParameters(dualParams("rmnet0")); err != nil {
		t.Fatalf("rebind: %v", err)
	}
	rules := sim.Rules()
	if len(rules) != 1 {
		t.Fatalf("engine rules = %d after v6 bind, want 1", len(rules))
	}
	if rules[0].Family() != forwarder.FamilyV6 {
		t.Errorf("programmed rule family = %d, want v6", rules[0].Family())
	}
}

func TestAddDownstreamRejectedLeavesOthersActive(t *testing.T) {
	c, sim, _ := newTestController(t)
	if err := c.SetUpstreamParameters(v4Params("rmnet0")); err != nil {
		t.Fatalf("SetUpstreamParameters: %v", err)
	}
	if err := c.AddDownstream("wlan0", "192.168.43.0/24"); err != nil {
		t.Fatalf("AddDownstream: %v", err)
	}

	sim.SetAddFailure(forwarder.ErrTableFull)
	err := c.AddDownstream("usb0", "192.168.44.0/24")
	if !errors.Is(err, ErrDownstreamRejected) {
		t.Fatalf("rejected add = %v, want ErrDownstreamRejected", err)
	}

	// The rejected entry is absent and the prior rule is untouched.
	snap := c.Snapshot()
	if len(snap.Downstreams) != 1 {
		t.Errorf("downstreams = %d, want 1", len(snap.Downstreams))
	}
	rules := sim.Rules()
	if len(rules) != 1 || rules[0].Downstream != "wlan0" {
		t.Errorf("engine rules = %v, want wlan0 rule only", rules)
	}
}

func TestSetUpstreamParameters(t *testing.T) {
	t.Run("invalid v4 address", func(t *testing.T) {
		c, _, _ := newTestController(t)
		p := v4Params("rmnet0")
		p.V4Addr = "not-an-address"
		if err := c.SetUpstreamParameters(p); !errors.Is(err, ErrInvalidParameter) {
			t.Fatalf("err = %v, want ErrInvalidParameter", err)
		}
		if c.Snapshot().Upstream != nil {
			t.Fatal("binding installed despite invalid parameters")
		}
	})

	t.Run("incomplete v4 triple disables v4 only", func(t *testing.T) {
		c, _, _ := newTestController(t)
		p := UpstreamParams{Iface: "rmnet0", V4Addr: "100.64.1.23", V6Gateways: []string{"fe80::1"}}
		if err := c.SetUpstreamParameters(p); err != nil {
			t.Fatalf("SetUpstreamParameters: %v", err)
		}
		snap := c.Snapshot()
		if snap.Upstream == nil {
			t.Fatal("no binding installed")
		}
		if snap.Upstream.V4 != nil {
			t.Errorf("v4 = %+v, want disabled", snap.Upstream.V4)
		}
		if len(snap.Upstream.V6Gateways) != 1 {
			t.Errorf("v6 gateways = %d, want 1", len(snap.Upstream.V6Gateways))
		}
	})

	t.Run("absent iface clears binding", func(t *testing.T) {
		c, sim, _ := newTestController(t)
		if err := c.SetUpstreamParameters(dualParams("rmnet0")); err != nil {
			t.Fatalf("bind: %v", err)
		}
		if err := c.AddDownstream("wlan0", "192.168.43.0/24"); err != nil {
			t.Fatalf("AddDownstream: %v", err)
		}
		if err := c.SetUpstreamParameters(UpstreamParams{}); err != nil {
			t.Fatalf("clear: %v", err)
		}
		if sim.Upstream() != nil || len(sim.Rules()) != 0 {
			t.Error("engine still has forwarding state after clear")
		}
		snap := c.Snapshot()
		if snap.Upstream != nil {
			t.Error("binding survived clear")
		}
		// Downstream entries persist across upstream changes.
		if len(snap.Downstreams) != 1 {
			t.Errorf("downstreams = %d, want 1", len(snap.Downstreams))
		}
	})

	t.Run("engine rejection leaves prior binding", func(t *testing.T) {
		c, sim, _ := newTestController(t)
		if err := c.SetUpstreamParameters(v4Params("rmnet0")); err != nil {
			t.Fatalf("bind: %v", err)
		}
		if err := c.AddDownstream("wlan0", "192.168.43.0/24"); err != nil {
			t.Fatalf("AddDownstream: %v", err)
		}

		sim.SetUpstreamFailure(errors.New("asic busy"))
		err := c.SetUpstreamParameters(dualParams("rmnet1"))
		if !errors.Is(err, ErrHardwareProgram) {
			t.Fatalf("rebind = %v, want ErrHardwareProgram", err)
		}

		snap := c.Snapshot()
		if snap.Upstream == nil || snap.Upstream.Iface != "rmnet0" {
			t.Errorf("binding = %+v, want untouched rmnet0", snap.Upstream)
		}
		if up := sim.Upstream(); up == nil || up.Iface != "rmnet0" {
			t.Errorf("engine upstream = %+v, want untouched rmnet0", up)
		}
		if len(sim.Rules()) != 1 {
			t.Errorf("engine rules = %d, want 1", len(sim.Rules()))
		}
	})

	t.Run("rebind reprograms eligible families", func(t *testing.T) {
		c, sim, _ := newTestController(t)
		if err := c.SetUpstreamParameters(dualParams("rmnet0")); err != nil {
			t.Fatalf("bind: %v", err)
		}
		for _, d := range []struct{ iface, prefix string }{
			{"wlan0", "192.168.43.0/24"},
			{"usb0", "192.168.44.0/24"},
			{"wlan0", "2001:db8:43::/64"},
		} {
			if err := c.AddDownstream(d.iface, d.prefix); err != nil {
				t.Fatalf("AddDownstream %s: %v", d.prefix, err)
			}
		}
		if len(sim.Rules()) != 3 {
			t.Fatalf("engine rules = %d, want 3", len(sim.Rules()))
		}

		// v6-only upstream: only the v6 entry stays programmed.
		p := UpstreamParams{Iface: "rmnet1", V6Gateways: []string{"fe80::2"}}
		if err := c.SetUpstreamParameters(p); err != nil {
			t.Fatalf("rebind v6-only: %v", err)
		}
		rules := sim.Rules()
		if len(rules) != 1 || rules[0].Family() != forwarder.FamilyV6 {
			t.Fatalf("engine rules = %v, want single v6 rule", rules)
		}
		// Table still holds all three.
		if n := len(c.Snapshot().Downstreams); n != 3 {
			t.Errorf("downstreams = %d, want 3", n)
		}
	})
}

func TestStartedNotification(t *testing.T) {
	c, _, sink := newTestController(t)

	if err := c.SetUpstreamParameters(dualParams("rmnet0")); err != nil {
		t.Fatalf("bind: %v", err)
	}
	sink.waitForEvent(t, notify.EventStarted)

	// A rebind while already forwarding does not re-announce.
	if err := c.SetUpstreamParameters(v4Params("rmnet0")); err != nil {
		t.Fatalf("rebind: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if n := sink.count(notify.EventStarted); n != 1 {
		t.Fatalf("STARTED notifications = %d, want 1", n)
	}
}

func TestForwardedStatsDestructiveRead(t *testing.T) {
	c, sim, _ := newTestController(t)
	if err := c.SetUpstreamParameters(v4Params("rmnet0")); err != nil {
		t.Fatalf("bind: %v", err)
	}

	sim.Advance("rmnet0", 500, 300)
	rx, tx, err := c.ForwardedStats("rmnet0")
	if err != nil {
		t.Fatalf("ForwardedStats: %v", err)
	}
	if rx != 500 || tx != 300 {
		t.Fatalf("stats = (%d, %d), want (500, 300)", rx, tx)
	}

	// Second read with no traffic in between.
	rx, tx, err = c.ForwardedStats("rmnet0")
	if err != nil {
		t.Fatalf("second ForwardedStats: %v", err)
	}
	if rx != 0 || tx != 0 {
		t.Fatalf("second read = (%d, %d), want (0, 0)", rx, tx)
	}
}

func TestForwardedStatsUnknownUpstream(t *testing.T) {
	c, _, _ := newTestController(t)
	rx, tx, err := c.ForwardedStats("never-bound0")
	if err != nil {
		t.Fatalf("ForwardedStats: %v", err)
	}
	if rx != 0 || tx != 0 {
		t.Fatalf("stats = (%d, %d), want (0, 0)", rx, tx)
	}
}

func TestSetDataLimitRequiresActiveUpstream(t *testing.T) {
	c, _, _ := newTestController(t)

	if err := c.SetDataLimit("rmnet0", 1000); !errors.Is(err, ErrNoActiveUpstream) {
		t.Fatalf("no upstream: err = %v, want ErrNoActiveUpstream", err)
	}

	if err := c.SetUpstreamParameters(v4Params("rmnet0")); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if err := c.SetDataLimit("rmnet1", 1000); !errors.Is(err, ErrNoActiveUpstream) {
		t.Fatalf("wrong upstream: err = %v, want ErrNoActiveUpstream", err)
	}
	if err := c.SetDataLimit("rmnet0", 1000); err != nil {
		t.Fatalf("bound upstream: err = %v, want nil", err)
	}
}

func TestQuotaBreach(t *testing.T) {
	c, sim, sink := newTestController(t)
	if err := c.SetUpstreamParameters(v4Params("rmnet0")); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if err := c.AddDownstream("wlan0", "192.168.43.0/24"); err != nil {
		t.Fatalf("AddDownstream: %v", err)
	}
	if err := c.SetDataLimit("rmnet0", 1000); err != nil {
		t.Fatalf("SetDataLimit: %v", err)
	}

	sim.Advance("rmnet0", 600, 400)
	c.sweep()

	ev := sink.waitForEvent(t, notify.EventStoppedLimitReached)
	if ev.Upstream != "rmnet0" {
		t.Errorf("notification upstream = %q, want rmnet0", ev.Upstream)
	}
	if n := sink.count(notify.EventStoppedLimitReached); n != 1 {
		t.Errorf("limit notifications = %d, want exactly 1", n)
	}

	// All forwarding on the upstream is down and stays down.
	if sim.Upstream() != nil || len(sim.Rules()) != 0 {
		t.Error("engine still forwarding after breach")
	}
	snap := c.Snapshot()
	if snap.Upstream != nil {
		t.Error("binding survived breach")
	}
	if len(snap.Quotas) != 0 {
		t.Error("quota survived breach")
	}
	// Downstream configuration is retained for the rebind.
	if len(snap.Downstreams) != 1 {
		t.Errorf("downstreams = %d, want 1", len(snap.Downstreams))
	}

	// Further sweeps must not re-notify.
	c.sweep()
	time.Sleep(50 * time.Millisecond)
	if n := sink.count(notify.EventStoppedLimitReached); n != 1 {
		t.Errorf("limit notifications after extra sweep = %d, want 1", n)
	}

	// Reprogramming the upstream resumes forwarding.
	if err := c.SetUpstreamParameters(v4Params("rmnet0")); err != nil {
		t.Fatalf("rebind after breach: %v", err)
	}
	if len(sim.Rules()) != 1 {
		t.Errorf("engine rules after rebind = %d, want 1", len(sim.Rules()))
	}

	// The breached bytes are still visible to the stats reader.
	rx, tx, err := c.ForwardedStats("rmnet0")
	if err != nil {
		t.Fatalf("ForwardedStats: %v", err)
	}
	if rx != 600 || tx != 400 {
		t.Errorf("stats = (%d, %d), want (600, 400)", rx, tx)
	}
}

func TestQuotaExcludesPriorTraffic(t *testing.T) {
	c, sim, sink := newTestController(t)
	if err := c.SetUpstreamParameters(v4Params("rmnet0")); err != nil {
		t.Fatalf("bind: %v", err)
	}

	// Traffic forwarded before the limit is set must not count toward it.
	sim.Advance("rmnet0", 700, 0)
	if err := c.SetDataLimit("rmnet0", 1000); err != nil {
		t.Fatalf("SetDataLimit: %v", err)
	}

	sim.Advance("rmnet0", 900, 0)
	c.sweep()
	time.Sleep(50 * time.Millisecond)
	if n := sink.count(notify.EventStoppedLimitReached); n != 0 {
		t.Fatalf("breach notified at 900/1000 counted bytes")
	}

	sim.Advance("rmnet0", 100, 0)
	c.sweep()
	sink.waitForEvent(t, notify.EventStoppedLimitReached)

	// Stats saw everything, including the pre-limit bytes.
	rx, _, err := c.ForwardedStats("rmnet0")
	if err != nil {
		t.Fatalf("ForwardedStats: %v", err)
	}
	if rx != 1700 {
		t.Errorf("rx = %d, want 1700", rx)
	}
}

func TestQuotaZeroLimit(t *testing.T) {
	c, sim, sink := newTestController(t)
	if err := c.SetUpstreamParameters(v4Params("rmnet0")); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if err := c.SetDataLimit("rmnet0", 0); err != nil {
		t.Fatalf("SetDataLimit(0): %v", err)
	}
	sink.waitForEvent(t, notify.EventStoppedLimitReached)
	if sim.Upstream() != nil {
		t.Error("engine still forwarding after zero-limit breach")
	}
}

func TestQuotaReplacedResetsCount(t *testing.T) {
	c, sim, sink := newTestController(t)
	if err := c.SetUpstreamParameters(v4Params("rmnet0")); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if err := c.SetDataLimit("rmnet0", 1000); err != nil {
		t.Fatalf("SetDataLimit: %v", err)
	}
	sim.Advance("rmnet0", 800, 0)
	c.sweep()

	// Replacing the limit restarts counting from zero.
	if err := c.SetDataLimit("rmnet0", 1000); err != nil {
		t.Fatalf("replace SetDataLimit: %v", err)
	}
	sim.Advance("rmnet0", 800, 0)
	c.sweep()
	time.Sleep(50 * time.Millisecond)
	if n := sink.count(notify.EventStoppedLimitReached); n != 0 {
		t.Fatalf("breach notified though each limit epoch stayed under 1000")
	}

	sim.Advance("rmnet0", 200, 0)
	c.sweep()
	sink.waitForEvent(t, notify.EventStoppedLimitReached)
}

func TestHardwareStop(t *testing.T) {
	c, sim, sink := newTestController(t)
	if err := c.SetUpstreamParameters(v4Params("rmnet0")); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if err := c.AddDownstream("wlan0", "192.168.43.0/24"); err != nil {
		t.Fatalf("AddDownstream: %v", err)
	}
	if err := c.SetDataLimit("rmnet0", 1_000_000); err != nil {
		t.Fatalf("SetDataLimit: %v", err)
	}

	sim.EmitStopped("rmnet0", "firmware fault")
	ev := sink.waitForEvent(t, notify.EventStoppedError)
	if ev.Upstream != "rmnet0" || ev.Reason != "firmware fault" {
		t.Errorf("stop notification = %+v", ev)
	}

	snap := c.Snapshot()
	if snap.Upstream != nil {
		t.Error("binding survived hardware stop")
	}
	if len(snap.Quotas) != 0 {
		t.Error("quota survived hardware stop")
	}
	if len(snap.Downstreams) != 1 {
		t.Errorf("downstreams = %d, want 1 retained", len(snap.Downstreams))
	}
}

func TestHardwareStopUnsupported(t *testing.T) {
	c, sim, sink := newTestController(t)
	if err := c.SetUpstreamParameters(v4Params("rmnet0")); err != nil {
		t.Fatalf("bind: %v", err)
	}

	sim.EmitStoppedUnsupported("rmnet0", "offload revoked")
	ev := sink.waitForEvent(t, notify.EventStoppedUnsupported)
	if ev.Upstream != "rmnet0" {
		t.Errorf("notification upstream = %q, want rmnet0", ev.Upstream)
	}
	if c.Snapshot().Upstream != nil {
		t.Error("binding survived unsupported stop")
	}
}

func TestSupportAvailableNotification(t *testing.T) {
	c, sim, sink := newTestController(t)
	sim.EmitSupportAvailable()
	sink.waitForEvent(t, notify.EventSupportAvailable)
	if c.State() != StateActive {
		t.Errorf("state = %v, want Active", c.State())
	}
}

func TestTeardownDiscardsPendingNotifications(t *testing.T) {
	sim := simfwd.NewManager()
	c := New(Options{Engine: sim, PollInterval: time.Minute})

	var mu sync.Mutex
	var delivered int
	slow := notify.SinkFunc(func(ev notify.Event) {
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		delivered++
		mu.Unlock()
	})
	if err := c.Init(context.Background(), slow); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := c.SetUpstreamParameters(v4Params("rmnet0")); err != nil {
		t.Fatalf("bind: %v", err)
	}
	// Queue a burst the slow sink cannot drain before teardown.
	if err := c.SetDataLimit("rmnet0", 0); err != nil {
		t.Fatalf("SetDataLimit: %v", err)
	}

	if err := c.Teardown(); err != nil {
		t.Fatalf("Teardown: %v", err)
	}
	mu.Lock()
	atTeardown := delivered
	mu.Unlock()

	// No callback may run after Teardown has returned.
	time.Sleep(60 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if delivered != atTeardown {
		t.Fatalf("sink called %d times after teardown returned", delivered-atTeardown)
	}
	sim.Close()
}

func TestWatcherSweepsOnTicker(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sim := simfwd.NewManager()
	c := New(Options{Engine: sim, PollInterval: time.Second, Clock: clock})
	sink := &recordingSink{}
	if err := c.Init(context.Background(), sink); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer func() {
		c.Teardown()
		sim.Close()
	}()

	if err := c.SetUpstreamParameters(v4Params("rmnet0")); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if err := c.SetDataLimit("rmnet0", 1000); err != nil {
		t.Fatalf("SetDataLimit: %v", err)
	}
	sim.Advance("rmnet0", 1500, 0)

	// Drive the poll ticker until the background sweep notices the
	// breach; no stats call ever runs here.
	deadline := time.Now().Add(2 * time.Second)
	for sink.count(notify.EventStoppedLimitReached) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no limit notification from background sweep")
		}
		clock.Advance(time.Second)
		time.Sleep(time.Millisecond)
	}
	if sim.Upstream() != nil {
		t.Error("engine still forwarding after background breach")
	}
}

func TestNotificationOrder(t *testing.T) {
	c, _, sink := newTestController(t)
	if err := c.SetUpstreamParameters(dualParams("rmnet0")); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if err := c.SetDataLimit("rmnet0", 0); err != nil {
		t.Fatalf("SetDataLimit: %v", err)
	}
	sink.waitForEvent(t, notify.EventStoppedLimitReached)

	evs := sink.snapshot()
	if len(evs) < 2 {
		t.Fatalf("events = %d, want at least STARTED then STOPPED_LIMIT_REACHED", len(evs))
	}
	if evs[0].Type != notify.EventStarted {
		t.Errorf("first event = %s, want STARTED", evs[0].Type)
	}
	if evs[len(evs)-1].Type != notify.EventStoppedLimitReached {
		t.Errorf("last event = %s, want STOPPED_LIMIT_REACHED", evs[len(evs)-1].Type)
	}
}

func TestRemoveDownstreamEngineFailure(t *testing.T) {
	c, sim, _ := newTestController(t)
	if err := c.SetUpstreamParameters(v4Params("rmnet0")); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if err := c.AddDownstream("wlan0", "192.168.43.0/24"); err != nil {
		t.Fatalf("AddDownstream: %v", err)
	}

	sim.SetRemoveFailure(errors.New("asic wedged"))
	err := c.RemoveDownstream("wlan0", "192.168.43.0/24")
	if !errors.Is(err, ErrHardwareProgram) {
		t.Fatalf("remove = %v, want ErrHardwareProgram", err)
	}
	// The entry stays; model and hardware agree.
	if n := len(c.Snapshot().Downstreams); n != 1 {
		t.Errorf("downstreams = %d, want 1", n)
	}
	if n := len(sim.Rules()); n != 1 {
		t.Errorf("engine rules = %d, want 1", n)
	}

	sim.SetRemoveFailure(nil)
	if err := c.RemoveDownstream("wlan0", "192.168.43.0/24"); err != nil {
		t.Fatalf("retry remove: %v", err)
	}
}

func TestSetLocalPrefixes(t *testing.T) {
	c, sim, _ := newTestController(t)

	if err := c.SetLocalPrefixes([]string{"127.0.0.0/8", "10.0.0.0/8", "fe80::/64"}); err != nil {
		t.Fatalf("SetLocalPrefixes: %v", err)
	}
	if n := len(sim.Excluded()); n != 3 {
		t.Fatalf("engine exclusions = %d, want 3", n)
	}

	// Full replace, not merge.
	if err := c.SetLocalPrefixes([]string{"169.254.0.0/16"}); err != nil {
		t.Fatalf("replace: %v", err)
	}
	if got := c.Snapshot().LocalPrefixes; len(got) != 1 || got[0] != "169.254.0.0/16" {
		t.Fatalf("local prefixes = %v, want [169.254.0.0/16]", got)
	}

	if err := c.SetLocalPrefixes([]string{"not-a-prefix"}); !errors.Is(err, ErrInvalidParameter) {
		t.Fatalf("bad prefix = %v, want ErrInvalidParameter", err)
	}

	sim.SetExcludeFailure(errors.New("asic busy"))
	err := c.SetLocalPrefixes([]string{"192.0.2.0/24"})
	if !errors.Is(err, ErrHardwareProgram) {
		t.Fatalf("engine failure = %v, want ErrHardwareProgram", err)
	}
	// Model keeps the last committed set.
	if got := c.Snapshot().LocalPrefixes; len(got) != 1 || got[0] != "169.254.0.0/16" {
		t.Fatalf("local prefixes after failed replace = %v", got)
	}
}
