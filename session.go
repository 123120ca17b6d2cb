package flotilla

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// AgentSession is the per-agent record of the most recent upstream session
// used by that agent directly (CLI, schedule, and hook paths). At most one
// per agent, stored at <state>/sessions/<agent>.json.
type AgentSession struct {
	SessionID        string      `json:"session_id"`
	JobCount         int         `json:"job_count"`
	Mode             string      `json:"mode,omitempty"`
	LastUsedAt       time.Time   `json:"last_used_at"`
	WorkingDirectory string      `json:"working_directory,omitempty"`
	RuntimeType      RuntimeType `json:"runtime_type,omitempty"`
	DockerEnabled    bool        `json:"docker_enabled,omitempty"`
}

// SessionStore persists agent-level sessions. Writers are serialized per
// agent; reads race writers safely thanks to rename atomicity.
type SessionStore struct {
	dir    string // <state>/sessions
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewSessionStore creates a store rooted at <stateDir>/sessions.
func NewSessionStore(stateDir string, logger *slog.Logger) *SessionStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionStore{
		dir:    filepath.Join(stateDir, "sessions"),
		logger: logger.With("component", "sessions"),
		locks:  make(map[string]*sync.Mutex),
	}
}

func (s *SessionStore) lock(agent string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[agent]
	if !ok {
		l = &sync.Mutex{}
		s.locks[agent] = l
	}
	return l
}

func (s *SessionStore) path(agent string) (string, error) {
	return SafePathSuffix(s.dir, ".json", agent)
}

// LoadOptions filters what counts as a live session on load.
type LoadOptions struct {
	// Timeout drops sessions idle longer than this. Zero disables the check.
	Timeout time.Duration
	// Runtime, when non-empty, requires the stored runtime type to match.
	Runtime RuntimeType
	// Now defaults to time.Now; tests override it.
	Now time.Time
}

// Load returns the agent's session, or nil if none exists. A session that is
// expired or was created under a different runtime is removed on the spot
// and nil is returned.
func (s *SessionStore) Load(agent string, opts LoadOptions) (*AgentSession, error) {
	path, err := s.path(agent)
	if err != nil {
		return nil, err
	}
	l := s.lock(agent)
	l.Lock()
	defer l.Unlock()

	var sess AgentSession
	if err := readJSON(path, &sess); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	if opts.Timeout > 0 && !sess.LastUsedAt.IsZero() && now.Sub(sess.LastUsedAt) > opts.Timeout {
		s.logger.Info("dropping expired session", "agent", agent, "last_used", sess.LastUsedAt)
		if err := removeIfExists(path); err != nil {
			return nil, err
		}
		return nil, nil
	}
	if opts.Runtime != "" && sess.RuntimeType != "" && sess.RuntimeType != opts.Runtime {
		s.logger.Info("dropping session from different runtime",
			"agent", agent, "stored", sess.RuntimeType, "current", opts.Runtime)
		if err := removeIfExists(path); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return &sess, nil
}

// Update atomically upserts the agent's session record.
func (s *SessionStore) Update(agent string, sess AgentSession) error {
	path, err := s.path(agent)
	if err != nil {
		return err
	}
	l := s.lock(agent)
	l.Lock()
	defer l.Unlock()
	return writeJSONAtomic(path, &sess)
}

// Touch refreshes last_used_at for an existing session. Used before a resume
// so the session cannot age out mid-turn. Missing sessions are a no-op.
func (s *SessionStore) Touch(agent string, now time.Time) error {
	path, err := s.path(agent)
	if err != nil {
		return err
	}
	l := s.lock(agent)
	l.Lock()
	defer l.Unlock()

	var sess AgentSession
	if err := readJSON(path, &sess); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	sess.LastUsedAt = now
	return writeJSONAtomic(path, &sess)
}

// Clear removes the agent's session. Idempotent.
func (s *SessionStore) Clear(agent string) error {
	path, err := s.path(agent)
	if err != nil {
		return err
	}
	l := s.lock(agent)
	l.Lock()
	defer l.Unlock()
	return removeIfExists(path)
}

// CleanupExpired walks the session directory on startup and removes records
// idle longer than timeout. Returns the number removed.
func (s *SessionStore) CleanupExpired(now time.Time, timeout time.Duration) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		agent := strings.TrimSuffix(e.Name(), ".json")
		if !ValidIdentifier(agent) {
			continue
		}
		sess, err := s.Load(agent, LoadOptions{Timeout: timeout, Now: now})
		if err != nil {
			s.logger.Warn("cleanup: unreadable session", "agent", agent, "error", err)
			continue
		}
		if sess == nil {
			removed++
		}
	}
	return removed, nil
}

// ValidationResult reports whether a stored session may be resumed in the
// current context, with a human-readable reason when it may not.
type ValidationResult struct {
	Valid   bool
	Message string
}

// ValidateWorkingDirectory checks that the session was created under the
// same working directory. Sessions without one recorded always pass.
func ValidateWorkingDirectory(sess *AgentSession, currentWD string) ValidationResult {
	if sess == nil || sess.WorkingDirectory == "" || sess.WorkingDirectory == currentWD {
		return ValidationResult{Valid: true}
	}
	return ValidationResult{
		Valid: false,
		Message: fmt.Sprintf("session was created in %s, current working directory is %s",
			sess.WorkingDirectory, currentWD),
	}
}

// ValidateRuntimeContext checks that the session's runtime type and docker
// flag match the current execution context.
func ValidateRuntimeContext(sess *AgentSession, runtime RuntimeType, dockerEnabled bool) ValidationResult {
	if sess == nil {
		return ValidationResult{Valid: true}
	}
	if sess.RuntimeType != "" && sess.RuntimeType != runtime {
		return ValidationResult{
			Valid:   false,
			Message: fmt.Sprintf("session runtime %s does not match current runtime %s", sess.RuntimeType, runtime),
		}
	}
	if sess.DockerEnabled != dockerEnabled {
		return ValidationResult{
			Valid:   false,
			Message: fmt.Sprintf("session docker_enabled=%v does not match current %v", sess.DockerEnabled, dockerEnabled),
		}
	}
	return ValidationResult{Valid: true}
}
