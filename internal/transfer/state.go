package transfer

type State int

const (
	// StateIdle is the implicit state of a sender/receiver pair with no session.
	StateIdle State = iota
	StateOffered
	StateAccepted
	StateInProgress
	StateCompleted
	StateRejected
	StateCancelled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOffered:
		return "offered"
	case StateAccepted:
		return "accepted"
	case StateInProgress:
		return "in-progress"
	case StateCompleted:
		return "completed"
	case StateRejected:
		return "rejected"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal states end the session; it is removed right after entering one.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateRejected, StateCancelled, StateFailed:
		return true
	default:
		return false
	}
}

type Event int

const (
	EventOffer Event = iota
	EventAccept
	EventReject
	EventChunk
	EventComplete
	EventCancel
	EventDisconnect
	EventTimeout
)

func (e Event) String() string {
	switch e {
	case EventOffer:
		return "offer"
	case EventAccept:
		return "accept"
	case EventReject:
		return "reject"
	case EventChunk:
		return "chunk"
	case EventComplete:
		return "complete"
	case EventCancel:
		return "cancel"
	case EventDisconnect:
		return "disconnect"
	case EventTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// next is the transition table. ok is false when ev is not allowed in from.
func next(from State, ev Event) (to State, ok bool) {
	if from.Terminal() {
		return from, false
	}

	switch ev {
	case EventCancel:
		if from == StateIdle {
			return from, false
		}
		return StateCancelled, true
	case EventDisconnect, EventTimeout:
		if from == StateIdle {
			return from, false
		}
		return StateFailed, true
	}

	switch from {
	case StateIdle:
		if ev == EventOffer {
			return StateOffered, true
		}
	case StateOffered:
		switch ev {
		case EventAccept:
			return StateAccepted, true
		case EventReject:
			return StateRejected, true
		}
	case StateAccepted:
		if ev == EventChunk {
			return StateInProgress, true
		}
	case StateInProgress:
		switch ev {
		case EventChunk:
			return StateInProgress, true
		case EventComplete:
			return StateCompleted, true
		}
	}
	return from, false
}
