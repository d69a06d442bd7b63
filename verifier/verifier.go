// Package verifier defines the external contribution verifier the
// coordinator delegates to. The actual zk-SNARK parameter verification runs
// out of process; the coordinator only cares about the verdict and the
// resulting chain hash.
package verifier

import "context"

// Result is the verdict of a verification run. Hash is only meaningful
// when Valid is true.
type Result struct {
	Valid bool
	Hash  string
}

// Verifier checks a contribution payload against the expected chain tail.
// Implementations must be safe for concurrent use. A call should honor the
// context deadline; the coordinator treats a verifier timeout as a
// verification failure, not as a coordinator fault.
type Verifier interface {
	Verify(ctx context.Context, circuitID, previousHash string, payload []byte) (*Result, error)
}

// Func adapts a plain function to the Verifier interface.
type Func func(ctx context.Context, circuitID, previousHash string, payload []byte) (*Result, error)

func (f Func) Verify(ctx context.Context, circuitID, previousHash string, payload []byte) (*Result, error) {
	return f(ctx, circuitID, previousHash, payload)
}
