package ceremony

import "time"

// Status is a participant's circuit-scoped contribution status. The same
// identity may hold independent statuses on different circuits.
type Status uint32

const (
	Waiting Status = iota
	Contributing
	Verifying
	Done
	TimedOut
)

func (s Status) String() string {
	switch s {
	case Waiting:
		return "Waiting"
	case Contributing:
		return "Contributing"
	case Verifying:
		return "Verifying"
	case Done:
		return "Done"
	case TimedOut:
		return "TimedOut"
	default:
		panic("impossible participant status received")
	}
}

// ParticipantState tracks one participant's progress on one circuit. The
// coordinator references participants by id only; identity and profile data
// live with the external identity provider.
type ParticipantState struct {
	ParticipantID string
	CircuitID     string
	Status        Status
	LastTimeoutAt *time.Time
	TimeoutCount  int
}
