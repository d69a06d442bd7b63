package ceremony

import (
	"time"
)

// Contributor is the single active slot holder of a circuit.
type Contributor struct {
	ParticipantID string
	StartedAt     time.Time
	Deadline      time.Time
}

// Circuit is one unit of parameter generation within a ceremony,
// contributed to sequentially. A circuit holds at most one active
// contributor at any instant; everybody else waits in a FIFO queue.
type Circuit struct {
	ID               string
	CeremonyID       string
	SequencePosition int

	// Exactly one of the two is meaningful, matching the parent
	// ceremony's timeout mechanism.
	DynamicThreshold uint32
	FixedTimeWindow  time.Duration

	// AverageContributionTimeMs is the running average of verified
	// contribution durations. Zero means no verified contribution yet.
	AverageContributionTimeMs int64

	Contributor  *Contributor
	WaitingQueue []string

	// Halted is set when a chain integrity violation is detected. A
	// halted circuit accepts no further slots or contributions until an
	// operator intervenes.
	Halted bool

	Version uint64
}

// Occupied reports whether the circuit's slot is currently held.
func (c *Circuit) Occupied() bool {
	return c.Contributor != nil
}

// Grant assigns the slot to the given participant. The caller must commit
// the mutated circuit with a conditional update so that concurrent grants
// collapse to exactly one winner.
func (c *Circuit) Grant(participantID string, startedAt, deadline time.Time) error {
	if c.Halted {
		return ErrCircuitHalted
	}
	if c.Contributor != nil {
		return ErrSlotOccupied
	}

	c.removeFromQueue(participantID)
	c.Contributor = &Contributor{
		ParticipantID: participantID,
		StartedAt:     startedAt,
		Deadline:      deadline,
	}
	return nil
}

// Enqueue appends the participant to the tail of the waiting queue and
// returns its 1-based position. Re-enqueueing an already waiting
// participant is a no-op returning the current position.
func (c *Circuit) Enqueue(participantID string) int {
	if pos := c.QueuePosition(participantID); pos > 0 {
		return pos
	}

	c.WaitingQueue = append(c.WaitingQueue, participantID)
	return len(c.WaitingQueue)
}

// QueuePosition returns the 1-based queue position of the participant, or 0
// when it is not waiting.
func (c *Circuit) QueuePosition(participantID string) int {
	for i, id := range c.WaitingQueue {
		if id == participantID {
			return i + 1
		}
	}
	return 0
}

// Release clears the active slot and pops the queue head, if any. It
// returns the promoted participant id and whether a promotion happened; the
// caller computes the fresh deadline and re-grants.
func (c *Circuit) Release() (string, bool) {
	c.Contributor = nil
	if len(c.WaitingQueue) == 0 {
		return "", false
	}

	next := c.WaitingQueue[0]
	c.WaitingQueue = c.WaitingQueue[1:]
	return next, true
}

func (c *Circuit) removeFromQueue(participantID string) {
	for i, id := range c.WaitingQueue {
		if id == participantID {
			c.WaitingQueue = append(c.WaitingQueue[:i], c.WaitingQueue[i+1:]...)
			return
		}
	}
}
