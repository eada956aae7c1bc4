package stt

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-listen/internal/config"
)

func result(text string, final bool) []byte {
	msg := map[string]any{
		"type":     "Results",
		"is_final": final,
		"channel": map[string]any{
			"alternatives": []map[string]any{{"transcript": text, "confidence": 0.8}},
		},
	}
	data, _ := json.Marshal(msg)
	return data
}

// fakeListenServer answers each audio frame with an interim result and
// commits it on CloseStream.
func fakeListenServer(t *testing.T, words []string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("language") {
		case "en-US":
		default:
			http.Error(w, "unsupported language", http.StatusBadRequest)
			return
		}
		if r.Header.Get("Authorization") != "Token secret" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		frames := 0
		for {
			kind, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if kind == websocket.BinaryMessage {
				if frames < len(words) {
					_ = conn.WriteMessage(websocket.TextMessage, result(words[frames], false))
				}
				frames++
				continue
			}
			if strings.Contains(string(data), "CloseStream") {
				_ = conn.WriteMessage(websocket.TextMessage, result(strings.Join(words, " "), true))
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
		}
	}))
}

func wsConfig(srv *httptest.Server, key string) config.STTConfig {
	return config.STTConfig{
		Mode:     "websocket",
		Endpoint: "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/listen",
		APIKey:   key,
	}
}

func TestWebsocketBackendStreamsTranscript(t *testing.T) {
	srv := fakeListenServer(t, []string{"turn", "on"})
	defer srv.Close()

	backend, err := NewWebsocketBackend(wsConfig(srv, "secret"), discardLogger())
	if err != nil {
		t.Fatalf("new backend: %v", err)
	}
	log := newEventLog()
	sess, err := Open(context.Background(), backend, StreamConfig{Locale: "en-US", SampleRate: 16000}, log.handle, discardLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	sess.Feed(chunk(1024))
	if ev := log.next(t); ev.Kind != EventPartial || ev.Text != "turn" {
		t.Fatalf("unexpected partial %+v", ev)
	}
	sess.Feed(chunk(1024))
	if ev := log.next(t); ev.Text != "on" {
		t.Fatalf("unexpected partial %+v", ev)
	}
	sess.EndInput()

	var final Event
	for {
		final = log.next(t)
		if final.Terminal() {
			break
		}
	}
	if final.Kind != EventFinal || final.Text != "turn on" {
		t.Fatalf("unexpected final %+v", final)
	}
}

func TestWebsocketBackendHandshakeErrors(t *testing.T) {
	srv := fakeListenServer(t, nil)
	defer srv.Close()

	backend, err := NewWebsocketBackend(wsConfig(srv, "wrong"), discardLogger())
	if err != nil {
		t.Fatalf("new backend: %v", err)
	}
	if _, err := backend.Open(context.Background(), StreamConfig{Locale: "en-US", SampleRate: 16000}); !errors.Is(err, ErrBackendUnavailable) {
		t.Fatalf("expected unavailable on 401, got %v", err)
	}

	backend, err = NewWebsocketBackend(wsConfig(srv, "secret"), discardLogger())
	if err != nil {
		t.Fatalf("new backend: %v", err)
	}
	if _, err := backend.Open(context.Background(), StreamConfig{Locale: "tlh", SampleRate: 16000}); !errors.Is(err, ErrLocaleUnsupported) {
		t.Fatalf("expected locale unsupported on 400, got %v", err)
	}
}

func TestWebsocketBackendRejectsHTTPScheme(t *testing.T) {
	if _, err := NewWebsocketBackend(config.STTConfig{Endpoint: "https://asr.example"}, discardLogger()); err == nil {
		t.Fatal("expected scheme error")
	}
}
