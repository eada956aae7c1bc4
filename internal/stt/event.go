package stt

import "fmt"

type EventKind int

const (
	EventPartial EventKind = iota
	EventFinal
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventPartial:
		return "partial"
	case EventFinal:
		return "final"
	case EventError:
		return "error"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Event is one recognition result or failure. Backends may flag a partial as
// final; Session folds that into an EventFinal.
type Event struct {
	Kind       EventKind
	Text       string
	Confidence float64
	IsFinal    bool
	Err        error
}

func Partial(text string) Event { return Event{Kind: EventPartial, Text: text} }

func Final(text string) Event { return Event{Kind: EventFinal, Text: text, IsFinal: true} }

func Failure(err error) Event { return Event{Kind: EventError, Err: err} }

// Terminal reports whether no further events follow this one.
func (e Event) Terminal() bool {
	return e.Kind == EventFinal || e.Kind == EventError
}

func (e Event) normalized() Event {
	if e.Kind == EventPartial && e.IsFinal {
		e.Kind = EventFinal
	}
	if e.Kind == EventError && e.Err == nil {
		e.Err = ErrStreamClosed
	}
	return e
}
