package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-listen/internal/audio"
	"github.com/loqalabs/loqa-listen/internal/config"
)

// websocketBackend streams linear16 audio to a Deepgram-style listen
// endpoint and reads interim and final results back.
type websocketBackend struct {
	endpoint  *url.URL
	apiKey    string
	dialer    *websocket.Dialer
	languages map[string]struct{}
	log       *slog.Logger
}

type wsAlternative struct {
	Transcript string  `json:"transcript"`
	Confidence float64 `json:"confidence"`
}

type wsMessage struct {
	Type        string `json:"type"`
	IsFinal     bool   `json:"is_final"`
	Description string `json:"description"`
	Channel     struct {
		Alternatives []wsAlternative `json:"alternatives"`
	} `json:"channel"`
}

var closeStreamMessage = []byte(`{"type":"CloseStream"}`)

func NewWebsocketBackend(cfg config.STTConfig, log *slog.Logger) (Backend, error) {
	endpoint, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse stt endpoint: %w", err)
	}
	switch endpoint.Scheme {
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("stt endpoint must be ws:// or wss://, got %q", cfg.Endpoint)
	}
	if log == nil {
		log = slog.Default()
	}
	timeout := time.Duration(cfg.DialTimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &websocketBackend{
		endpoint: endpoint,
		apiKey:   cfg.APIKey,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: timeout,
		},
		languages: languageSet(cfg.Languages),
		log:       log.With(slog.String("backend", "websocket")),
	}, nil
}

func (b *websocketBackend) Name() string { return "websocket" }

func (b *websocketBackend) Open(ctx context.Context, cfg StreamConfig) (Stream, error) {
	if !supports(b.languages, cfg.Locale) {
		return nil, fmt.Errorf("%w: %q", ErrLocaleUnsupported, cfg.Locale)
	}

	u := *b.endpoint
	q := u.Query()
	q.Set("language", cfg.Locale)
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(cfg.SampleRate))
	q.Set("channels", "1")
	q.Set("interim_results", "true")
	u.RawQuery = q.Encode()

	header := http.Header{}
	if b.apiKey != "" {
		header.Set("Authorization", "Token "+b.apiKey)
	}

	conn, resp, err := b.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			switch resp.StatusCode {
			case http.StatusBadRequest, http.StatusNotFound:
				return nil, fmt.Errorf("%w: %q rejected by %s (%s)", ErrLocaleUnsupported, cfg.Locale, u.Host, resp.Status)
			case http.StatusUnauthorized, http.StatusForbidden:
				return nil, fmt.Errorf("%w: %s denied access (%s)", ErrBackendUnavailable, u.Host, resp.Status)
			}
		}
		return nil, fmt.Errorf("%w: dial %s: %w", ErrBackendUnavailable, u.Host, err)
	}

	s := &wsStream{
		conn:   conn,
		log:    b.log,
		events: make(chan Event, 16),
		done:   make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

type wsStream struct {
	conn *websocket.Conn
	log  *slog.Logger

	writeMu sync.Mutex
	closing bool

	committed []string

	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
}

func (s *wsStream) Send(chunk audio.Chunk) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closing {
		return nil
	}
	if err := s.conn.WriteMessage(websocket.BinaryMessage, chunk.PCM()); err != nil {
		return fmt.Errorf("write audio frame: %w", err)
	}
	return nil
}

func (s *wsStream) CloseSend() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closing {
		return nil
	}
	s.closing = true
	if err := s.conn.WriteMessage(websocket.TextMessage, closeStreamMessage); err != nil {
		return fmt.Errorf("write close stream: %w", err)
	}
	return nil
}

func (s *wsStream) Events() <-chan Event { return s.events }

func (s *wsStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}

func (s *wsStream) readLoop() {
	defer close(s.events)
	lastText := ""
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.finish(err, lastText)
			return
		}
		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.log.Debug("ignoring undecodable transcript message", slogError(err))
			continue
		}
		switch msg.Type {
		case "Error":
			s.emit(Failure(fmt.Errorf("recognizer error: %s", msg.Description)))
			return
		case "", "Results":
		default:
			continue
		}
		if len(msg.Channel.Alternatives) == 0 {
			continue
		}
		alt := msg.Channel.Alternatives[0]
		text := strings.TrimSpace(alt.Transcript)
		if text == "" {
			continue
		}
		var ev Event
		if msg.IsFinal {
			s.committed = append(s.committed, text)
			ev = Partial(strings.Join(s.committed, " "))
		} else {
			ev = Partial(strings.Join(append(append([]string(nil), s.committed...), text), " "))
		}
		ev.Confidence = alt.Confidence
		lastText = ev.Text
		s.emit(ev)
	}
}

// finish turns the end of the connection into a terminal event. Once end of
// input was signalled, a closing connection means the transcript is complete.
func (s *wsStream) finish(err error, lastText string) {
	select {
	case <-s.done:
		return
	default:
	}
	s.writeMu.Lock()
	closing := s.closing
	s.writeMu.Unlock()

	if closing && !websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		text := strings.Join(s.committed, " ")
		if text == "" {
			text = lastText
		}
		s.emit(Final(text))
		return
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		err = errors.New("recognizer closed the stream early")
	}
	s.emit(Failure(fmt.Errorf("read transcript: %w", err)))
}

func (s *wsStream) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}
