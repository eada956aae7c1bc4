package session

// Listener receives caller-facing notifications. Calls arrive in order on a
// single goroutine owned by the Controller; a listener may call back into the
// Controller (including Cancel, RequestStop and Begin) but must not call
// Close.
type Listener interface {
	OnPartial(text string)
	OnFinal(text string)
	OnError(err error)
	OnReadyChanged(ready bool)
}

// SessionObserver is optionally implemented by listeners that need to know
// which session the surrounding callbacks belong to. OnSessionStarted
// precedes every callback for the session and OnSessionEnded follows them,
// including for canceled sessions.
type SessionObserver interface {
	OnSessionStarted(id, locale string)
	OnSessionEnded(id string, outcome Outcome)
}

// ListenerFuncs adapts plain functions to Listener. Nil fields are skipped.
type ListenerFuncs struct {
	Partial      func(text string)
	Final        func(text string)
	Error        func(err error)
	ReadyChanged func(ready bool)
}

func (f ListenerFuncs) OnPartial(text string) {
	if f.Partial != nil {
		f.Partial(text)
	}
}

func (f ListenerFuncs) OnFinal(text string) {
	if f.Final != nil {
		f.Final(text)
	}
}

func (f ListenerFuncs) OnError(err error) {
	if f.Error != nil {
		f.Error(err)
	}
}

func (f ListenerFuncs) OnReadyChanged(ready bool) {
	if f.ReadyChanged != nil {
		f.ReadyChanged(ready)
	}
}

type multiListener []Listener

// Listeners fans callbacks out to each listener in order.
func Listeners(ls ...Listener) Listener {
	out := make(multiListener, 0, len(ls))
	for _, l := range ls {
		if l != nil {
			out = append(out, l)
		}
	}
	return out
}

func (m multiListener) OnPartial(text string) {
	for _, l := range m {
		l.OnPartial(text)
	}
}

func (m multiListener) OnFinal(text string) {
	for _, l := range m {
		l.OnFinal(text)
	}
}

func (m multiListener) OnError(err error) {
	for _, l := range m {
		l.OnError(err)
	}
}

func (m multiListener) OnReadyChanged(ready bool) {
	for _, l := range m {
		l.OnReadyChanged(ready)
	}
}

func (m multiListener) OnSessionStarted(id, locale string) {
	for _, l := range m {
		if o, ok := l.(SessionObserver); ok {
			o.OnSessionStarted(id, locale)
		}
	}
}

func (m multiListener) OnSessionEnded(id string, outcome Outcome) {
	for _, l := range m {
		if o, ok := l.(SessionObserver); ok {
			o.OnSessionEnded(id, outcome)
		}
	}
}
