package daemon

import (
	"context"
	"testing"
	"time"

	"github.com/psaab/tethrx/pkg/forwarder"
	"github.com/psaab/tethrx/pkg/forwarder/bpfmaps"
)

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("TETHRX_ENGINE", "sim")
	t.Setenv("TETHRX_POLL_INTERVAL", "250ms")
	t.Setenv("TETHRX_API_KEY", "tok-1")

	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Engine != forwarder.KindSim {
		t.Errorf("Engine = %q, want sim", cfg.Engine)
	}
	if cfg.PollInterval != 250*time.Millisecond {
		t.Errorf("PollInterval = %v, want 250ms", cfg.PollInterval)
	}
	if cfg.APIKey != "tok-1" {
		t.Errorf("APIKey = %q, want tok-1", cfg.APIKey)
	}
	// Unset fields get their defaults.
	if cfg.APIAddr != "127.0.0.1:9909" {
		t.Errorf("APIAddr = %q, want default", cfg.APIAddr)
	}
	if cfg.EventRing != 1024 {
		t.Errorf("EventRing = %d, want 1024", cfg.EventRing)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"auto", Config{Engine: EngineAuto}, false},
		{"sim", Config{Engine: forwarder.KindSim}, false},
		{"bpf", Config{Engine: forwarder.KindBPF}, false},
		{"unknown", Config{Engine: "dpdk"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if tt.cfg.PinPath != bpfmaps.DefaultPinPath {
				t.Errorf("PinPath = %q, want default", tt.cfg.PinPath)
			}
			if tt.cfg.PollInterval != time.Second {
				t.Errorf("PollInterval = %v, want 1s", tt.cfg.PollInterval)
			}
		})
	}
}

func TestSelectEngineSim(t *testing.T) {
	d := New(Config{Engine: forwarder.KindSim})
	eng, kind, err := d.selectEngine(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if kind != forwarder.KindSim {
		t.Errorf("kind = %q, want sim", kind)
	}
	if eng == nil {
		t.Fatal("engine is nil")
	}
	if err := eng.Open(context.Background()); err != nil {
		t.Fatalf("sim engine open: %v", err)
	}
	eng.Close()
}
