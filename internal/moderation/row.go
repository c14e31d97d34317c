package moderation

// Action is a destructive admin operation on one guest.
type Action int

const (
	NoAction Action = iota
	ReleaseAction
	RemoveAction
)

func (a Action) String() string {
	switch a {
	case ReleaseAction:
		return "release"
	case RemoveAction:
		return "remove"
	}
	return "none"
}

// Outcome reports what a Release or Remove call did.
type Outcome int

const (
	Ignored Outcome = iota
	Armed
	Executed
)

func (o Outcome) String() string {
	switch o {
	case Armed:
		return "armed"
	case Executed:
		return "executed"
	}
	return "ignored"
}

// Row is the transient per-guest action state.
type Row struct {
	Armed Action
	Busy  bool
}

type rowEvent int

const (
	rowPressed  rowEvent = iota
	rowExpired           // arm timer elapsed
	rowDisarmed          // another entry was armed
	rowSettled           // the request finished, either way
)

/*
	idle        + press(a)  -> armed(a)
	armed(a)    + press(a)  -> busy        (execute)
	armed(a)    + press(b)  -> armed(b)
	armed       + expired   -> idle
	armed       + disarmed  -> idle
	busy        + press     -> busy        (ignored)
	busy        + settled   -> idle
*/

func nextRow(r Row, ev rowEvent, a Action) (Row, Outcome) {
	if r.Busy {
		if ev == rowSettled {
			return Row{}, Ignored
		}
		return r, Ignored
	}
	switch ev {
	case rowPressed:
		if a == NoAction {
			return r, Ignored
		}
		if r.Armed == a {
			return Row{Busy: true}, Executed
		}
		return Row{Armed: a}, Armed
	case rowExpired, rowDisarmed, rowSettled:
		return Row{}, Ignored
	}
	return r, Ignored
}
