package ceremony

import (
	"time"
)

// State is the lifecycle state of a ceremony. Transitions are strictly
// linear: Scheduled -> Opened -> Closed -> Finalized.
type State uint32

const (
	Scheduled State = iota
	Opened
	Closed
	Finalized
)

func (s State) String() string {
	switch s {
	case Scheduled:
		return "Scheduled"
	case Opened:
		return "Opened"
	case Closed:
		return "Closed"
	case Finalized:
		return "Finalized"
	default:
		panic("impossible ceremony state received")
	}
}

// TimeoutMechanism selects how a circuit computes contribution deadlines.
type TimeoutMechanism uint32

const (
	// Dynamic deadlines derive from the running average of verified
	// contribution durations plus a percentage threshold.
	Dynamic TimeoutMechanism = iota + 1
	// Fixed deadlines are a constant window from the slot grant.
	Fixed
)

func (m TimeoutMechanism) String() string {
	switch m {
	case Dynamic:
		return "Dynamic"
	case Fixed:
		return "Fixed"
	default:
		return "Unknown"
	}
}

// Valid reports whether m is one of the known mechanisms.
func (m TimeoutMechanism) Valid() bool {
	return m == Dynamic || m == Fixed
}

// Ceremony is a time-boxed multi-circuit trusted-setup event owned by a
// single coordinator. Once Finalized it is immutable.
type Ceremony struct {
	ID             string
	Title          string
	Description    string
	State          State
	StartTime      time.Time
	EndTime        time.Time
	Timeout        TimeoutMechanism
	PenaltyMinutes uint32
	CoordinatorID  string

	// Version is bumped by the store on every successful conditional
	// update. Updates carrying a stale version fail with
	// ErrVersionConflict.
	Version uint64
}

// Penalty returns the re-admission penalty as a duration.
func (c *Ceremony) Penalty() time.Duration {
	return time.Duration(c.PenaltyMinutes) * time.Minute
}

func isValidStateChange(current, next State) bool {
	return next == current+1
}

// Open transitions the ceremony Scheduled -> Opened. It is only legal once
// the ceremony start time has been reached.
func (c *Ceremony) Open(now time.Time) (*Ceremony, error) {
	if !isValidStateChange(c.State, Opened) {
		return nil, InvalidStateChange(c.State, Opened)
	}
	if now.Before(c.StartTime) {
		return nil, ErrCeremonyNotStarted
	}

	c.State = Opened
	return c, nil
}

// Close transitions the ceremony Opened -> Closed, either at the end time
// or on a manual close by the coordinator.
func (c *Ceremony) Close() (*Ceremony, error) {
	if !isValidStateChange(c.State, Closed) {
		return nil, InvalidStateChange(c.State, Closed)
	}

	c.State = Closed
	return c, nil
}

// Finalize transitions the ceremony Closed -> Finalized. Only the finalizer
// may call it, after every circuit holds a terminal verified contribution.
func (c *Ceremony) Finalize() (*Ceremony, error) {
	if !isValidStateChange(c.State, Finalized) {
		return nil, InvalidStateChange(c.State, Finalized)
	}

	c.State = Finalized
	return c, nil
}
