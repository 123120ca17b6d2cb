package flotilla

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// JobStore persists job records and their streamed output under
// <state>/jobs/<job-id>/. Each job directory holds the record (job.json),
// an append-only structured event log (events.jsonl), and optionally a
// human-readable output.log.
type JobStore struct {
	dir    string
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewJobStore creates a store rooted at <stateDir>/jobs.
func NewJobStore(stateDir string, logger *slog.Logger) *JobStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &JobStore{
		dir:    filepath.Join(stateDir, "jobs"),
		logger: logger.With("component", "jobs"),
		locks:  make(map[string]*sync.Mutex),
	}
}

func (s *JobStore) lock(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

func (s *JobStore) jobDir(id string) (string, error) {
	return SafePath(s.dir, id)
}

// Create allocates a job ID, validates the agent name, and persists the
// initial pending record. No file is touched if validation fails.
func (s *JobStore) Create(job Job) (*Job, error) {
	if !ValidIdentifier(job.Agent) {
		return nil, fmt.Errorf("%w: invalid agent name %q", ErrPathTraversal, job.Agent)
	}
	if job.ID == "" {
		job.ID = NewJobID(time.Now())
	}
	dir, err := s.jobDir(job.ID)
	if err != nil {
		return nil, err
	}
	if job.Status == "" {
		job.Status = StatusPending
	}
	if job.StartedAt.IsZero() {
		job.StartedAt = time.Now()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create job dir: %v", ErrStateWrite, err)
	}
	if err := writeJSONAtomic(filepath.Join(dir, "job.json"), &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// Get loads a job record by ID.
func (s *JobStore) Get(id string) (*Job, error) {
	dir, err := s.jobDir(id)
	if err != nil {
		return nil, err
	}
	var job Job
	if err := readJSON(filepath.Join(dir, "job.json"), &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// Update applies fn to the stored record and persists the result. Status can
// only advance: an update that would move status backwards is rejected.
func (s *JobStore) Update(id string, fn func(*Job)) (*Job, error) {
	dir, err := s.jobDir(id)
	if err != nil {
		return nil, err
	}
	l := s.lock(id)
	l.Lock()
	defer l.Unlock()

	path := filepath.Join(dir, "job.json")
	var job Job
	if err := readJSON(path, &job); err != nil {
		return nil, err
	}
	before := job.Status
	fn(&job)
	job.ID = id // immutable once assigned
	if statusRank(job.Status) < statusRank(before) {
		return nil, fmt.Errorf("job %s: status cannot regress from %s to %s", id, before, job.Status)
	}
	if err := writeJSONAtomic(path, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// AppendOutput appends one event to the job's structured log. The file is
// opened for exclusive append per write, so concurrent appenders never
// interleave within a line and ordering per job is preserved by the lock.
// Failures are returned for logging but callers treat them as non-fatal: a
// failed append never terminates an ongoing turn.
func (s *JobStore) AppendOutput(id string, ev JobOutputEvent) error {
	dir, err := s.jobDir(id)
	if err != nil {
		return err
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	line, err := json.Marshal(&ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	l := s.lock(id)
	l.Lock()
	defer l.Unlock()

	f, err := os.OpenFile(filepath.Join(dir, "events.jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(line, '\n'))
	return err
}

// ReadOutput loads every event appended so far, skipping malformed lines.
func (s *JobStore) ReadOutput(id string) ([]JobOutputEvent, error) {
	dir, err := s.jobDir(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, "events.jsonl"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var events []JobOutputEvent
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		var ev JobOutputEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			s.logger.Warn("skipping malformed event line", "job", id, "error", err)
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

// OutputPath returns the path of the human-readable log for a job.
func (s *JobStore) OutputPath(id string) (string, error) {
	dir, err := s.jobDir(id)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "output.log"), nil
}

// AppendFormatted writes one formatted line to the human-readable log.
// Same non-fatal contract as AppendOutput.
func (s *JobStore) AppendFormatted(id, line string) error {
	path, err := s.OutputPath(id)
	if err != nil {
		return err
	}
	l := s.lock(id)
	l.Lock()
	defer l.Unlock()

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(line + "\n")
	return err
}

// FormatEvent renders an event as one human-readable log line.
func FormatEvent(ev JobOutputEvent) string {
	ts := ev.Timestamp.Format(time.RFC3339)
	switch ev.Type {
	case "assistant":
		if ev.Partial {
			return ""
		}
		return fmt.Sprintf("%s assistant: %s", ts, ev.Content)
	case "tool_use":
		return fmt.Sprintf("%s tool_use: %s %s", ts, ev.ToolName, string(ev.Input))
	case "tool_result":
		if ev.Error != "" {
			return fmt.Sprintf("%s tool_result: error: %s", ts, ev.Error)
		}
		return fmt.Sprintf("%s tool_result: %s", ts, ev.Result)
	case "error":
		return fmt.Sprintf("%s error: %s", ts, ev.Error)
	default:
		if ev.Subtype != "" {
			return fmt.Sprintf("%s %s[%s]: %s", ts, ev.Type, ev.Subtype, ev.Content)
		}
		return fmt.Sprintf("%s %s: %s", ts, ev.Type, ev.Content)
	}
}
