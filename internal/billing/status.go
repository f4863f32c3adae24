package billing

// Status is the lifecycle state shared by invoices and student payments.
type Status string

const (
	StatusOpen         Status = "OPEN"
	StatusPending      Status = "PENDING"
	StatusPaid         Status = "PAID"
	StatusOverdue      Status = "OVERDUE"
	StatusCancelled    Status = "CANCELLED"
	StatusRenegotiated Status = "RENEGOTIATED"
)

// Event triggers a status change.
type Event string

const (
	EventGenerate      Event = "generate"
	EventChargeCreated Event = "chargeCreated"
	EventMarkOverdue   Event = "markOverdue"
	EventMarkPaid      Event = "markPaid"
	EventRenegotiate   Event = "renegotiate"
	EventCancel        Event = "cancel"
)

// transitions lists, per event, the states it may fire from. The target state is in eventTarget.
var transitions = map[Event][]Status{
	EventChargeCreated: {StatusOpen},
	EventMarkOverdue:   {StatusPending},
	EventMarkPaid:      {StatusOpen, StatusPending, StatusOverdue},
	EventRenegotiate:   {StatusOpen, StatusPending, StatusOverdue},
	EventCancel:        {StatusOpen, StatusPending, StatusOverdue},
}

var eventTarget = map[Event]Status{
	EventGenerate:      StatusOpen,
	EventChargeCreated: StatusPending,
	EventMarkOverdue:   StatusOverdue,
	EventMarkPaid:      StatusPaid,
	EventRenegotiate:   StatusRenegotiated,
	EventCancel:        StatusCancelled,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusOpen, StatusPending, StatusPaid, StatusOverdue, StatusCancelled, StatusRenegotiated:
		return true
	}
	return false
}

// Terminal reports whether no further transitions can leave s.
func (s Status) Terminal() bool {
	return s == StatusPaid || s == StatusCancelled || s == StatusRenegotiated
}

// Target returns the state an event leads to.
func (e Event) Target() (Status, bool) {
	s, ok := eventTarget[e]
	return s, ok
}

// Sources returns the states an event may fire from.
func (e Event) Sources() []Status {
	src := transitions[e]
	out := make([]Status, len(src))
	copy(out, src)
	return out
}

// Transition applies event to the current state. Terminal states, and events that are not allowed from
// the current state, fail with a *TransitionError. Generate only applies to a fresh entity (empty state).
func Transition(from Status, event Event) (Status, error) {
	if event == EventGenerate {
		if from != "" {
			return from, &TransitionError{From: from, Event: event}
		}
		return StatusOpen, nil
	}
	to, ok := eventTarget[event]
	if !ok || from.Terminal() {
		return from, &TransitionError{From: from, Event: event}
	}
	for _, allowed := range transitions[event] {
		if allowed == from {
			return to, nil
		}
	}
	return from, &TransitionError{From: from, Event: event}
}

// CanTransition reports whether event may fire from the current state.
func CanTransition(from Status, event Event) bool {
	_, err := Transition(from, event)
	return err == nil
}
