package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrManifestNotFound   = errors.New("manifest not found")
	ErrManifestParseError = errors.New("manifest parse error")
	ErrNetwork            = errors.New("network error")
	ErrFetchExhausted     = errors.New("fetch attempts exhausted")
	ErrDigestMismatch     = errors.New("digest mismatch")
	ErrTreeCorrupted      = errors.New("working tree corrupted")
	ErrPatchConflict      = errors.New("patch conflict")
	ErrCompileFailed      = errors.New("compile failed")
	ErrCacheCorruption    = errors.New("cache corruption")

	ErrExternalTool  = errors.New("external tool error")
	ErrValidation    = errors.New("validation error")
	ErrConfiguration = errors.New("configuration error")
	ErrNotFound      = errors.New("not found")
	ErrTimeout       = errors.New("timeout")
	ErrTransient     = errors.New("transient failure")
)

// Wrap builds an error message that includes stage context while tagging it with
// the provided marker for later classification. The marker should be one of the
// exported sentinel errors above.
func Wrap(marker error, stage, operation, message string, err error) error {
	detail := buildDetail(stage, operation, message)
	if marker == nil {
		marker = ErrTransient
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// Retryable reports whether err is a transient failure that a local retry
// policy may absorb. Cancellation of the caller's context is never retryable.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}

// Kind returns a short label for the first taxonomy marker found in err. It is
// used for history records and log fields.
func Kind(err error) string {
	if err == nil {
		return ""
	}
	for _, candidate := range []struct {
		marker error
		label  string
	}{
		{ErrManifestNotFound, "manifest_not_found"},
		{ErrManifestParseError, "manifest_parse_error"},
		{ErrDigestMismatch, "digest_mismatch"},
		{ErrFetchExhausted, "fetch_exhausted"},
		{ErrNetwork, "network_error"},
		{ErrTreeCorrupted, "tree_corrupted"},
		{ErrPatchConflict, "patch_conflict"},
		{ErrCompileFailed, "compile_failed"},
		{ErrCacheCorruption, "cache_corruption"},
		{ErrConfiguration, "configuration"},
		{ErrValidation, "validation"},
		{ErrExternalTool, "external_tool"},
		{ErrTimeout, "timeout"},
		{ErrTransient, "transient"},
		{context.Canceled, "canceled"},
	} {
		if errors.Is(err, candidate.marker) {
			return candidate.label
		}
	}
	return "unknown"
}

func buildDetail(stage, operation, message string) string {
	parts := make([]string, 0, 3)
	if stage = strings.TrimSpace(stage); stage != "" {
		parts = append(parts, stage)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
