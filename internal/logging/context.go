package logging

import (
	"context"
	"log/slog"
	"strings"
)

type contextKey int

const (
	jobIDKey contextKey = iota
	laneKey
	stageKey
)

// WithJobID annotates the context with the job being processed.
func WithJobID(ctx context.Context, jobID string) context.Context {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return ctx
	}
	return context.WithValue(ctx, jobIDKey, jobID)
}

// WithLane annotates the context with the active batch lane.
func WithLane(ctx context.Context, lane string) context.Context {
	lane = strings.TrimSpace(lane)
	if lane == "" {
		return ctx
	}
	return context.WithValue(ctx, laneKey, lane)
}

// WithStage annotates the context with the running pipeline stage.
func WithStage(ctx context.Context, stage string) context.Context {
	stage = strings.TrimSpace(stage)
	if stage == "" {
		return ctx
	}
	return context.WithValue(ctx, stageKey, stage)
}

// WithContext returns a logger carrying any job/lane/stage attributes present
// on the context.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = NewNop()
	}
	if ctx == nil {
		return logger
	}
	if jobID, ok := ctx.Value(jobIDKey).(string); ok && jobID != "" {
		logger = logger.With(String(FieldJobID, jobID))
	}
	if lane, ok := ctx.Value(laneKey).(string); ok && lane != "" {
		logger = logger.With(String(FieldLane, lane))
	}
	if stage, ok := ctx.Value(stageKey).(string); ok && stage != "" {
		logger = logger.With(String(FieldStage, stage))
	}
	return logger
}
