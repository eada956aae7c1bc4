// Package listen exposes a session.Controller on the message bus: control
// requests come in on listen.control.*, transcripts and readiness go out.
package listen

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-listen/internal/audio"
	"github.com/loqalabs/loqa-listen/internal/bus"
	"github.com/loqalabs/loqa-listen/internal/protocol"
	"github.com/loqalabs/loqa-listen/internal/session"
	"github.com/loqalabs/loqa-listen/internal/stt"
	"github.com/nats-io/nats.go"
)

const beginTimeout = 30 * time.Second

// Controller is the part of session.Controller the service drives.
type Controller interface {
	BeginSession(ctx context.Context, locale string) (string, error)
	RequestStop()
	Cancel()
	Status() session.Status
}

type Service struct {
	bus           *bus.Client
	ctrl          Controller
	defaultLocale string
	log           *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	subs  []*nats.Subscription
	ready bool
}

func NewService(parent context.Context, busClient *bus.Client, ctrl Controller, defaultLocale string) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		bus:           busClient,
		ctrl:          ctrl,
		defaultLocale: defaultLocale,
		log:           busClient.Logger().With(slog.String("component", "listen")),
		ctx:           ctx,
		cancel:        cancel,
	}
}

func (s *Service) Start() error {
	handlers := map[string]nats.MsgHandler{
		protocol.SubjectControlBegin:  s.handleBegin,
		protocol.SubjectControlStop:   s.handleStop,
		protocol.SubjectControlCancel: s.handleCancel,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for subject, handler := range handlers {
		sub, err := s.bus.Conn().Subscribe(subject, handler)
		if err != nil {
			s.unsubscribeLocked()
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		s.subs = append(s.subs, sub)
	}
	if err := s.bus.Conn().Flush(); err != nil {
		s.unsubscribeLocked()
		return fmt.Errorf("flush control subscriptions: %w", err)
	}
	s.ready = true
	return nil
}

func (s *Service) Close() {
	s.cancel()
	s.mu.Lock()
	s.unsubscribeLocked()
	s.ready = false
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

func (s *Service) unsubscribeLocked() {
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.subs = nil
}

func (s *Service) handleBegin(msg *nats.Msg) {
	var req protocol.BeginRequest
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			s.log.Warn("failed to decode begin request", slogError(err))
			s.reply(msg, protocol.ControlReply{Code: "bad_request", Error: err.Error()})
			return
		}
	}
	locale := req.Locale
	if locale == "" {
		locale = s.defaultLocale
	}

	// Begin blocks on device and recognizer setup; keep the subscription free
	// so stop and cancel still get through.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, beginTimeout)
		defer cancel()

		id, err := s.ctrl.BeginSession(ctx, locale)
		if err != nil {
			s.log.Warn("begin request failed", slog.String("locale", locale), slogError(err))
			s.reply(msg, protocol.ControlReply{Code: errorCode(err), Error: err.Error()})
			return
		}
		s.reply(msg, protocol.ControlReply{OK: true, SessionID: id})
	}()
}

func (s *Service) handleStop(msg *nats.Msg) {
	id := s.ctrl.Status().SessionID
	s.ctrl.RequestStop()
	s.reply(msg, protocol.ControlReply{OK: true, SessionID: id})
}

func (s *Service) handleCancel(msg *nats.Msg) {
	id := s.ctrl.Status().SessionID
	s.ctrl.Cancel()
	s.reply(msg, protocol.ControlReply{OK: true, SessionID: id})
}

func (s *Service) reply(msg *nats.Msg, reply protocol.ControlReply) {
	if msg.Reply == "" {
		return
	}
	if err := s.bus.PublishJSON(msg.Reply, reply); err != nil {
		s.log.Warn("failed to send control reply", slogError(err))
	}
}

// errorCode maps setup failures onto stable codes for bus clients.
func errorCode(err error) string {
	switch {
	case errors.Is(err, audio.ErrDeviceUnavailable):
		return "device_unavailable"
	case errors.Is(err, stt.ErrLocaleUnsupported):
		return "locale_unsupported"
	case errors.Is(err, stt.ErrBackendUnavailable):
		return "recognizer_unavailable"
	case errors.Is(err, session.ErrCanceled):
		return "canceled"
	case errors.Is(err, session.ErrClosed):
		return "closed"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "timeout"
	default:
		return "internal"
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
