package domain

import (
	"context"
	"time"
)

// ExternalTaskRef is the read-only projection of a tracker task.
type ExternalTaskRef struct {
	TaskID        string     `json:"id"`
	Name          string     `json:"name"`
	Completed     bool       `json:"completed"`
	CompletedDate *time.Time `json:"completedDate,omitempty"`
}

// TaskSource lists the tasks of the external tracker.
type TaskSource interface {
	ListTasks(ctx context.Context) ([]ExternalTaskRef, error)
}

// TrackerConfig selects and configures the task source.
type TrackerConfig struct {
	// Type is the source type: "none", "http" or "file"
	Type string

	URL     string
	Token   string
	File    string
	Timeout time.Duration
}
