package listen

import (
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-listen/internal/bus"
	"github.com/loqalabs/loqa-listen/internal/protocol"
	"github.com/loqalabs/loqa-listen/internal/session"
)

// Publisher is a session.Listener that mirrors session progress onto the bus.
type Publisher struct {
	bus *bus.Client
	log *slog.Logger

	mu        sync.Mutex
	sessionID string
	locale    string
}

func NewPublisher(busClient *bus.Client) *Publisher {
	return &Publisher{
		bus: busClient,
		log: busClient.Logger().With(slog.String("component", "listen.publisher")),
	}
}

func (p *Publisher) OnSessionStarted(id, locale string) {
	p.mu.Lock()
	p.sessionID, p.locale = id, locale
	p.mu.Unlock()
}

func (p *Publisher) OnSessionEnded(string, session.Outcome) {
	p.mu.Lock()
	p.sessionID, p.locale = "", ""
	p.mu.Unlock()
}

func (p *Publisher) OnPartial(text string) {
	p.publishTranscript(text, true)
}

func (p *Publisher) OnFinal(text string) {
	p.publishTranscript(text, false)
}

func (p *Publisher) OnError(err error) {
	id, _ := p.current()
	p.publish(protocol.SubjectSessionError, protocol.SessionError{
		SessionID: id,
		Error:     err.Error(),
		Timestamp: time.Now().UTC(),
	})
}

func (p *Publisher) OnReadyChanged(ready bool) {
	p.publish(protocol.SubjectReady, protocol.Readiness{Ready: ready, Timestamp: time.Now().UTC()})
}

func (p *Publisher) publishTranscript(text string, partial bool) {
	id, locale := p.current()
	subject := protocol.SubjectTranscriptFinal
	if partial {
		subject = protocol.SubjectTranscriptPartial
	}
	p.publish(subject, protocol.Transcript{
		SessionID: id,
		Locale:    locale,
		Text:      text,
		Partial:   partial,
		Timestamp: time.Now().UTC(),
	})
}

func (p *Publisher) current() (string, string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessionID, p.locale
}

func (p *Publisher) publish(subject string, v any) {
	if err := p.bus.PublishJSON(subject, v); err != nil {
		p.log.Warn("failed to publish", slog.String("subject", subject), slogError(err))
	}
}
