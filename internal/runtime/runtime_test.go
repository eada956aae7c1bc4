package runtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/loqalabs/loqa-listen/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.HTTP.Bind = "127.0.0.1"
	cfg.HTTP.Port = 0
	cfg.Telemetry.PrometheusBind = ""
	cfg.Bus.Port = -1
	cfg.Journal.RetentionMode = "ephemeral"
	cfg.Audio.Mode = "bus"
	cfg.STT.Mode = "mock"
	return cfg
}

func waitForAddr(t *testing.T, rt *Runtime, errc <-chan error) string {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case err := <-errc:
			t.Fatalf("runtime exited early: %v", err)
		default:
		}
		if addr := rt.Addr(); addr != "" && rt.healthy() {
			return addr
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("runtime did not become ready")
	return ""
}

func get(t *testing.T, url string) (int, []byte) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, body
}

func TestRuntimeServesProbes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	rt := New(testConfig(), newLogger())
	errc := make(chan error, 1)
	go func() { errc <- rt.Start(ctx) }()

	addr := waitForAddr(t, rt, errc)
	base := "http://" + addr

	if code, _ := get(t, base+"/healthz"); code != http.StatusOK {
		t.Fatalf("healthz returned %d", code)
	}
	if code, _ := get(t, base+"/readyz"); code != http.StatusOK {
		t.Fatalf("readyz returned %d", code)
	}

	code, body := get(t, base+"/status")
	if code != http.StatusOK {
		t.Fatalf("status returned %d", code)
	}
	var st statusResponse
	if err := json.Unmarshal(body, &st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if st.State != "idle" || !st.Ready {
		t.Fatalf("expected idle and ready after probe, got %+v", st)
	}

	if code, body := get(t, base+"/sessions"); code != http.StatusOK || string(body) != "[]\n" {
		t.Fatalf("expected empty session list, got %d %q", code, body)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		var nodes []nodeResponse
		_, body := get(t, base+"/nodes?locale=en-US")
		if err := json.Unmarshal(body, &nodes); err != nil {
			t.Fatalf("decode nodes: %v", err)
		}
		if len(nodes) == 1 && nodes[0].ID == "loqa-listen-1" && nodes[0].Backend == "mock" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected this node to advertise itself, got %+v", nodes)
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("runtime returned error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("runtime did not stop")
	}
}

func TestRuntimeFailsOnBadRecognizer(t *testing.T) {
	cfg := testConfig()
	cfg.STT.Mode = "websocket"
	cfg.STT.Endpoint = "http://not-a-websocket"
	rt := New(cfg, newLogger())
	if err := rt.Start(context.Background()); err == nil {
		t.Fatal("expected start to fail for an http endpoint")
	}
}
