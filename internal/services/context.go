package services

import "context"

type contextKey string

const (
	runIDKey   contextKey = "run_id"
	versionKey contextKey = "version"
	stageKey   contextKey = "stage"
	layerKey   contextKey = "layer"
)

// WithRunID annotates context with the pipeline run identifier.
func WithRunID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, runIDKey, id)
}

// RunIDFromContext extracts the pipeline run identifier if present.
func RunIDFromContext(ctx context.Context) (string, bool) {
	if v, ok := ctx.Value(runIDKey).(string); ok && v != "" {
		return v, true
	}
	return "", false
}

// WithVersion annotates context with the requested version tag.
func WithVersion(ctx context.Context, version string) context.Context {
	if version == "" {
		return ctx
	}
	return context.WithValue(ctx, versionKey, version)
}

// VersionFromContext returns the version tag if present.
func VersionFromContext(ctx context.Context) (string, bool) {
	if v, ok := ctx.Value(versionKey).(string); ok && v != "" {
		return v, true
	}
	return "", false
}

// WithStage annotates context with the pipeline stage name.
func WithStage(ctx context.Context, stage string) context.Context {
	if stage == "" {
		return ctx
	}
	return context.WithValue(ctx, stageKey, stage)
}

// StageFromContext returns the stage name if present.
func StageFromContext(ctx context.Context) (string, bool) {
	v := ctx.Value(stageKey)
	if str, ok := v.(string); ok && str != "" {
		return str, true
	}
	return "", false
}

// WithLayer annotates context with the patch layer currently being applied.
func WithLayer(ctx context.Context, layer string) context.Context {
	if layer == "" {
		return ctx
	}
	return context.WithValue(ctx, layerKey, layer)
}

// LayerFromContext returns the patch layer name if present.
func LayerFromContext(ctx context.Context) (string, bool) {
	v := ctx.Value(layerKey)
	if str, ok := v.(string); ok && str != "" {
		return str, true
	}
	return "", false
}
