package fetch

import (
	"fmt"

	"anvil/internal/digest"
	"anvil/internal/services"
)

// DigestMismatchError reports downloaded bytes that failed verification.
type DigestMismatchError struct {
	Artifact  string
	Algorithm digest.Algorithm
	Expected  string
	Actual    string
}

func (e *DigestMismatchError) Error() string {
	return fmt.Sprintf("artifact %s: %s digest mismatch: expected %s, got %s", e.Artifact, e.Algorithm, e.Expected, e.Actual)
}

func (e *DigestMismatchError) Is(target error) bool {
	return target == services.ErrDigestMismatch
}

// FetchExhaustedError reports an artifact that kept failing transiently until
// the retry budget ran out.
type FetchExhaustedError struct {
	Artifact string
	Attempts int
	Last     error
}

func (e *FetchExhaustedError) Error() string {
	return fmt.Sprintf("artifact %s: giving up after %d attempts: %v", e.Artifact, e.Attempts, e.Last)
}

func (e *FetchExhaustedError) Unwrap() error {
	return e.Last
}

func (e *FetchExhaustedError) Is(target error) bool {
	return target == services.ErrFetchExhausted
}
