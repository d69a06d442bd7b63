package verifier

import (
	"context"

	"github.com/zkceremony/coordinator/ceremony"
	"github.com/zkceremony/coordinator/log"
)

// hashHexLen is the length of a hex-encoded sha256 digest.
const hashHexLen = 64

// Transcript verifies contribution transcripts. A transcript opens with the
// hex-encoded hash of the previous contribution the participant built on,
// followed by the parameter bytes. Verification checks that the opening
// commitment matches the chain tail the coordinator expects; the chain hash
// of a valid transcript is the hash of the whole payload.
type Transcript struct {
	log log.Logger
}

// NewTranscript returns the default transcript verifier.
func NewTranscript(l log.Logger) *Transcript {
	return &Transcript{log: l.Named("verifier")}
}

var _ Verifier = (*Transcript)(nil)

func (t *Transcript) Verify(ctx context.Context, circuitID, previousHash string, payload []byte) (*Result, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	if len(payload) < hashHexLen {
		t.log.Debugw("transcript too short", "circuit", circuitID, "len", len(payload))
		return &Result{Valid: false}, nil
	}

	if string(payload[:hashHexLen]) != previousHash {
		t.log.Debugw("transcript commits to wrong tail", "circuit", circuitID)
		return &Result{Valid: false}, nil
	}

	return &Result{
		Valid: true,
		Hash:  ceremony.HashPayload(payload),
	}, nil
}

// EncodeTranscript builds a transcript payload committing to the given
// chain tail. Contribution clients use it; tests too.
func EncodeTranscript(previousHash string, params []byte) []byte {
	out := make([]byte, 0, len(previousHash)+len(params))
	out = append(out, previousHash...)
	return append(out, params...)
}
