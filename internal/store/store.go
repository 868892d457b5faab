// Package store defines storage interfaces for the bot's activity log and
// its last lifecycle status.
package store

import (
	"context"

	"mirrorbot/internal/domain"
)

// ActivityStore persists the append-only activity log.
type ActivityStore interface {
	// AppendActivity persists one activity. An empty ID or zero CreatedAt
	// is filled in.
	AppendActivity(ctx context.Context, activity domain.Activity) error

	// ListActivities returns the most recent activities, newest first, up
	// to limit.
	ListActivities(ctx context.Context, limit int) ([]domain.Activity, error)
}

// StatusStore persists the last lifecycle status so it can be restored
// after a restart.
type StatusStore interface {
	// LoadStatus returns the saved status, or domain.StatusOff when none
	// was saved.
	LoadStatus(ctx context.Context) (domain.Status, error)

	// SaveStatus replaces the saved status.
	SaveStatus(ctx context.Context, status domain.Status) error
}
