package app

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"wacrm/internal/config"
	"wacrm/internal/dispatch"
)

func parse(t *testing.T, yml string) *config.Config {
	t.Helper()
	cfg, err := config.ParseBytes("test.yaml", []byte(yml))
	if err != nil {
		t.Fatalf("ParseBytes: %v", err)
	}
	return cfg
}

func TestMappingDefaults(t *testing.T) {
	cfg := parse(t, "")

	dc, err := mapDispatchConfig(cfg)
	if err != nil {
		t.Fatalf("mapDispatchConfig: %v", err)
	}
	if dc.Defaults.BaseDelay != dispatch.DefaultBaseDelay || !dc.Defaults.Adaptive {
		t.Fatalf("dispatch defaults = %+v", dc.Defaults)
	}
	if len(dc.Defaults.Tiers) != len(dispatch.DefaultTiers()) {
		t.Fatalf("tiers = %d, want stock ladder", len(dc.Defaults.Tiers))
	}

	ic, err := mapInboundConfig(cfg)
	if err != nil {
		t.Fatalf("mapInboundConfig: %v", err)
	}
	if !ic.FlushOnClose {
		t.Fatalf("flush on shutdown should default to true")
	}
	if !mapHousekeepingConfig(cfg).Enabled {
		t.Fatalf("housekeeping should default to enabled")
	}
	if _, enabled, err := mapStorageConfig(cfg); err != nil || enabled {
		t.Fatalf("storage = %v, %v; want disabled", enabled, err)
	}
}

func TestMappingOverrides(t *testing.T) {
	cfg := parse(t, `
whatsapp:
  base_url: http://gw.local
  instance: main
  typing_delay: 0s
inbound:
  idle_window: 3s
  flush_on_shutdown: false
dispatch:
  base_delay: 2s
  adaptive: false
  tiers:
    - every_n: 5
      delay: 1m
storage:
  driver: sqlite
  path: /tmp/x.db
`)
	ec, err := mapEvolutionConfig(cfg)
	if err != nil {
		t.Fatalf("mapEvolutionConfig: %v", err)
	}
	if ec.TypingDelay >= 0 {
		t.Fatalf("explicit 0s typing delay should disable it, got %s", ec.TypingDelay)
	}

	ic, _ := mapInboundConfig(cfg)
	if ic.IdleWindow != 3*time.Second || ic.FlushOnClose {
		t.Fatalf("inbound = %+v", ic)
	}

	dc, _ := mapDispatchConfig(cfg)
	if dc.Defaults.BaseDelay != 2*time.Second || dc.Defaults.Adaptive {
		t.Fatalf("dispatch = %+v", dc.Defaults)
	}
	if len(dc.Defaults.Tiers) != 1 || dc.Defaults.Tiers[0].EveryN != 5 || dc.Defaults.Tiers[0].Delay != time.Minute {
		t.Fatalf("tiers = %+v", dc.Defaults.Tiers)
	}

	sc, enabled, err := mapStorageConfig(cfg)
	if err != nil || !enabled {
		t.Fatalf("storage = %v, %v", enabled, err)
	}
	if sc.BusyTimeout != time.Second {
		t.Fatalf("busy timeout = %s, want 1s default", sc.BusyTimeout)
	}
}

func TestValidateMappedRejectsBadTier(t *testing.T) {
	cfg := parse(t, "")
	cfg.Dispatch.Tiers = []config.TierConfig{{EveryN: 3, AtCount: 4, Delay: "1s"}}
	if err := validateMapped(cfg); err == nil {
		t.Fatalf("expected tier error")
	}
}

func TestAppLifecycle(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	yml := `
logging:
  level: error
http:
  addr: 127.0.0.1:0
inbound:
  max_buffer_size: 1
storage:
  driver: file
  path: ` + filepath.Join(dir, "data", "wacrm") + `
housekeeping:
  enabled: false
`
	if err := os.WriteFile(cfgPath, []byte(yml), 0o600); err != nil {
		t.Fatal(err)
	}

	a, err := NewApp(cfgPath)
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var addr string
	select {
	case addr = <-a.http.Bound():
	case <-time.After(5 * time.Second):
		t.Fatal("http server never bound")
	}
	base := "http://" + addr

	// A one-fragment buffer flushes immediately; the opt-out reply lands in
	// the unsubscribe list.
	resp, err := http.Post(base+"/v1/inbound", "application/json",
		strings.NewReader(`{"sender_id":"905551112233","content":"abonelik iptal"}`))
	if err != nil {
		t.Fatalf("POST inbound: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("inbound status = %d", resp.StatusCode)
	}
	deadline := time.Now().Add(3 * time.Second)
	for {
		ok, err := a.store.IsUnsubscribed(context.Background(), "905551112233")
		if err != nil {
			t.Fatalf("IsUnsubscribed: %v", err)
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("opt-out reply never recorded")
		}
		time.Sleep(20 * time.Millisecond)
	}

	resp, err = http.Get(base + "/healthz")
	if err != nil {
		t.Fatalf("GET healthz: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "supervisors") {
		t.Fatalf("healthz = %d %s", resp.StatusCode, body)
	}
	if !strings.Contains(string(body), `"gateway":{"error"`) {
		t.Fatalf("healthz should report the unconfigured gateway: %s", body)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, StopAppStop); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case <-a.Done():
	case <-time.After(time.Second):
		t.Fatal("app context not canceled after Stop")
	}
	if err := a.Err(); err != nil {
		t.Fatalf("unexpected fatal error: %v", err)
	}
}
