package stream

import (
	"time"

	"github.com/DoyleJ11/cha-panelas/internal/types"
)

type Status int

const (
	Idle Status = iota
	Connecting
	Connected
	Reconnecting
	Error
)

func (s Status) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Error:
		return "error"
	}
	return "unknown"
}

// ConnectionState is what consumers observe. Backoff is the delay the next
// failure will wait before redialing.
type ConnectionState struct {
	Status  Status
	Backoff time.Duration
}

type policy struct {
	floor   time.Duration
	ceiling time.Duration
}

// state is owned by the channel loop. attempt and retry hold the generation
// of the live connection and of the scheduled redial; 0 means none.
type state struct {
	conn    ConnectionState
	attempt uint64
	retry   uint64
	seq     uint64
}

type input interface{ isInput() }

type inOpen struct{}
type inClose struct{}
type inMessage struct {
	gen uint64
	msg types.PushMessage
}
type inFailed struct {
	gen uint64
	err error
}
type inRetry struct{ gen uint64 }

func (inOpen) isInput()    {}
func (inClose) isInput()   {}
func (inMessage) isInput() {}
func (inFailed) isInput()  {}
func (inRetry) isInput()   {}

type effectKind int

const (
	effStatus effectKind = iota
	effDial
	effTeardown
	effSchedule
	effCancelRetry
	effDeliver
)

type effect struct {
	kind  effectKind
	gen   uint64
	delay time.Duration
	conn  ConnectionState
	msg   types.PushMessage
}

/*
	Open    idle|error        -> connecting   (dial)
	hello   connecting       -> connected    (backoff = floor)
	failure connecting|connected -> error -> reconnecting (teardown, schedule after backoff, backoff *= 2 up to ceiling)
	retry   reconnecting     -> connecting   (dial)
	Close   any              -> idle         (teardown, cancel retry)
*/

func next(p policy, s state, in input) (state, []effect) {
	var out []effect
	setStatus := func(st Status) {
		s.conn.Status = st
		out = append(out, effect{kind: effStatus, conn: s.conn})
	}
	dial := func() {
		s.seq++
		s.attempt = s.seq
		setStatus(Connecting)
		out = append(out, effect{kind: effDial, gen: s.attempt})
	}

	switch in := in.(type) {
	case inOpen:
		if s.attempt != 0 || s.retry != 0 {
			return s, nil
		}
		dial()

	case inRetry:
		if in.gen != s.retry {
			return s, nil
		}
		s.retry = 0
		dial()

	case inMessage:
		if in.gen != s.attempt || s.attempt == 0 {
			return s, nil
		}
		if in.msg.Type == types.PushHello {
			s.conn.Backoff = p.floor
			setStatus(Connected)
		}
		out = append(out, effect{kind: effDeliver, msg: in.msg})

	case inFailed:
		if in.gen != s.attempt || s.attempt == 0 {
			// Consumer closed it, or a connection we already replaced.
			return s, nil
		}
		out = append(out, effect{kind: effTeardown, gen: s.attempt})
		s.attempt = 0
		setStatus(Error)

		delay := s.conn.Backoff
		s.conn.Backoff = min(delay*2, p.ceiling)
		s.seq++
		s.retry = s.seq
		out = append(out, effect{kind: effSchedule, gen: s.retry, delay: delay})
		setStatus(Reconnecting)

	case inClose:
		if s.attempt != 0 {
			out = append(out, effect{kind: effTeardown, gen: s.attempt})
			s.attempt = 0
		}
		if s.retry != 0 {
			out = append(out, effect{kind: effCancelRetry, gen: s.retry})
			s.retry = 0
		}
		if s.conn.Status != Idle {
			setStatus(Idle)
		}
	}
	return s, out
}
