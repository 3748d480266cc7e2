package logging

import (
	"context"
	"log/slog"

	"anvil/internal/services"
)

const (
	// FieldComponent is the standardized structured logging key for component names.
	FieldComponent = "component"
	// FieldRunID is the standardized structured logging key for pipeline run identifiers.
	FieldRunID = "run_id"
	// FieldVersion is the standardized structured logging key for the requested version tag.
	FieldVersion = "version"
	// FieldStage is the standardized structured logging key for pipeline stage names.
	FieldStage = "stage"
	// FieldLayer is the standardized structured logging key for patch layer names.
	FieldLayer = "layer"
	// FieldEventType classifies a log line for filtering (e.g. "digest_mismatch").
	FieldEventType = "event_type"
	// FieldErrorHint carries the next step an operator should take.
	FieldErrorHint = "error_hint"
	// FieldImpact is the standardized key for user-facing consequence of a warning.
	FieldImpact = "impact"
	// FieldArtifact names the artifact a log line concerns.
	FieldArtifact = "artifact"
	// FieldTree names the working tree a log line concerns.
	FieldTree = "tree"
)

// ContextFields extracts standardized slog attributes from the provided context.
func ContextFields(ctx context.Context) []slog.Attr {
	if ctx == nil {
		return nil
	}
	fields := make([]slog.Attr, 0, 4)
	if id, ok := services.RunIDFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldRunID, id))
	}
	if version, ok := services.VersionFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldVersion, version))
	}
	if stage, ok := services.StageFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldStage, stage))
	}
	if layer, ok := services.LayerFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldLayer, layer))
	}
	return fields
}

// WithContext returns a logger augmented with structured fields derived from the supplied context.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = NewNop()
	}
	fields := ContextFields(ctx)
	if len(fields) == 0 {
		return logger
	}
	args := make([]any, 0, len(fields))
	for _, field := range fields {
		args = append(args, field)
	}
	return logger.With(args...)
}
