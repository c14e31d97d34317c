package debounce

type Phase int

const (
	Idle Phase = iota
	Waiting
	Running
	RunningDirty
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Waiting:
		return "waiting"
	case Running:
		return "running"
	case RunningDirty:
		return "running-dirty"
	}
	return "unknown"
}

type Action int

const (
	Nothing Action = iota
	// StartWindow asks the owner to arm the coalescing timer and call Fire
	// when it elapses.
	StartWindow
	// Run asks the owner to start the action and call Done when it settles.
	Run
)

/*
	Signal: Idle -> Waiting (StartWindow)
	        Waiting, RunningDirty -> unchanged
	        Running -> RunningDirty
	Fire:   Waiting -> Running (Run)
	Done:   Running -> Idle
	        RunningDirty -> Waiting (StartWindow)
*/

// Coalescer turns any number of signals inside one window into a single
// action, with at most one more queued behind an action in flight.
type Coalescer struct {
	phase Phase
}

func (c Coalescer) Phase() Phase { return c.phase }

func (c Coalescer) Signal() (Coalescer, Action) {
	switch c.phase {
	case Idle:
		return Coalescer{Waiting}, StartWindow
	case Running:
		return Coalescer{RunningDirty}, Nothing
	}
	return c, Nothing
}

func (c Coalescer) Fire() (Coalescer, Action) {
	if c.phase == Waiting {
		return Coalescer{Running}, Run
	}
	return c, Nothing
}

func (c Coalescer) Done() (Coalescer, Action) {
	switch c.phase {
	case Running:
		return Coalescer{Idle}, Nothing
	case RunningDirty:
		return Coalescer{Waiting}, StartWindow
	}
	return c, Nothing
}

// Begin marks an action started outside the window (an explicit refresh).
// Signals arriving while it runs queue one more.
func (c Coalescer) Begin() Coalescer {
	if c.phase == Idle {
		return Coalescer{Running}
	}
	return c
}
