// Package tracker reads the external task tracker and reconciles its task
// state into AUTO cases.
package tracker

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/opensource-finance/kpiwatch/internal/domain"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/spf13/cast"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// ErrSourceUnavailable means the task list could not be fetched or decoded.
// A run carries on without reconciliation when it sees this.
var ErrSourceUnavailable = errors.New("task source unavailable")

const schemaURL = "tasks.schema.json"

//go:embed schema/tasks.schema.json
var taskSchema []byte

var compiledSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaURL, bytes.NewReader(taskSchema)); err != nil {
		panic(fmt.Sprintf("add task schema: %v", err))
	}
	return compiler.MustCompile(schemaURL)
}

type taskList struct {
	Tasks []taskJSON `json:"tasks"`
}

type taskJSON struct {
	ID            any     `json:"id"`
	Name          string  `json:"name"`
	Completed     bool    `json:"completed"`
	CompletedDate *string `json:"completedDate"`
}

// DecodeTasks validates a task list payload and converts it.
func DecodeTasks(raw []byte) ([]domain.ExternalTaskRef, error) {
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("%w: decode task list: %w", ErrSourceUnavailable, err)
	}
	if err := compiledSchema.Validate(payload); err != nil {
		return nil, fmt.Errorf("%w: invalid task list: %w", ErrSourceUnavailable, err)
	}

	var list taskList
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("%w: decode task list: %w", ErrSourceUnavailable, err)
	}

	tasks := make([]domain.ExternalTaskRef, 0, len(list.Tasks))
	for _, t := range list.Tasks {
		ref := domain.ExternalTaskRef{
			TaskID:    cast.ToString(t.ID),
			Name:      t.Name,
			Completed: t.Completed,
		}
		if t.CompletedDate != nil && *t.CompletedDate != "" {
			d, err := domain.ParseDate(*t.CompletedDate)
			if err != nil {
				return nil, fmt.Errorf("%w: task %s: %w", ErrSourceUnavailable, ref.TaskID, err)
			}
			ref.CompletedDate = &d
		}
		tasks = append(tasks, ref)
	}
	return tasks, nil
}

// HTTPSource fetches the task list from a JSON endpoint.
type HTTPSource struct {
	url    string
	token  string
	client *http.Client
}

// NewHTTPSource creates an HTTP task source.
func NewHTTPSource(url, token string, timeout time.Duration) *HTTPSource {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPSource{
		url:    url,
		token:  token,
		client: &http.Client{Timeout: timeout},
	}
}

// ListTasks implements domain.TaskSource.
func (s *HTTPSource) ListTasks(ctx context.Context) ([]domain.ExternalTaskRef, error) {
	ctx, span := otel.Tracer("kpiwatch/tracker").Start(ctx, "tracker.list_tasks")
	defer span.End()
	span.SetAttributes(attribute.String("http.url", s.url))

	tasks, err := s.fetch(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("tracker.tasks", len(tasks)))
	return tasks, nil
}

func (s *HTTPSource) fetch(ctx context.Context) ([]domain.ExternalTaskRef, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: unexpected status %d", ErrSourceUnavailable, resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %w", ErrSourceUnavailable, err)
	}
	return DecodeTasks(raw)
}

// FileSource reads the task list from a JSON export on disk.
type FileSource struct {
	path string
}

// NewFileSource creates a file task source.
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

// ListTasks implements domain.TaskSource.
func (s *FileSource) ListTasks(ctx context.Context) ([]domain.ExternalTaskRef, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
	}
	return DecodeTasks(raw)
}

// NewSource builds the configured task source. It returns nil for "none".
func NewSource(cfg domain.TrackerConfig) (domain.TaskSource, error) {
	switch cfg.Type {
	case "", "none":
		return nil, nil
	case "http":
		if cfg.URL == "" {
			return nil, fmt.Errorf("tracker url is required")
		}
		return NewHTTPSource(cfg.URL, cfg.Token, cfg.Timeout), nil
	case "file":
		if cfg.File == "" {
			return nil, fmt.Errorf("tracker file is required")
		}
		return NewFileSource(cfg.File), nil
	default:
		return nil, fmt.Errorf("unsupported tracker type: %s", cfg.Type)
	}
}
