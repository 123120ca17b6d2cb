package flotilla

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ConversationSchemaVersion is the current on-disk schema for per-thread
// conversation files. Readers tolerate versions 1..current and migrate
// forward in place; writers always write the current version.
const ConversationSchemaVersion = 3

// ContextUsage tracks accumulated token usage for one conversation session.
// Counters only ever grow within a session lifetime; deltas from upstream
// messages are added, never assigned.
type ContextUsage struct {
	InputTokens   int       `json:"input_tokens"`
	OutputTokens  int       `json:"output_tokens"`
	TotalTokens   int       `json:"total_tokens"`
	ContextWindow int       `json:"context_window,omitempty"`
	LastUpdated   time.Time `json:"last_updated"`
}

// AgentConfigSnapshot is the agent configuration captured on every turn, so
// status queries against a resumed session reflect the current config.
type AgentConfigSnapshot struct {
	Model          string         `json:"model,omitempty"`
	PermissionMode PermissionMode `json:"permission_mode,omitempty"`
	MCPServers     []string       `json:"mcp_servers,omitempty"`
}

// Conversation is one thread's record inside a per-agent conversation file.
type Conversation struct {
	SessionID        string               `json:"session_id,omitempty"`
	SessionStartedAt time.Time            `json:"session_started_at,omitempty"`
	LastMessageAt    time.Time            `json:"last_message_at,omitempty"`
	MessageCount     int                  `json:"message_count"`
	ContextUsage     *ContextUsage        `json:"context_usage,omitempty"`
	AgentConfig      *AgentConfigSnapshot `json:"agent_config_snapshot,omitempty"`
}

// conversationFile is the persisted shape (schema version 3).
type conversationFile struct {
	Version   int                      `json:"version"`
	AgentName string                   `json:"agent_name"`
	Channels  map[string]*Conversation `json:"channels"`

	// Sessions is the schema-1 shape: a flat key -> session_id map.
	// Present only while reading legacy files; never written.
	Sessions map[string]string `json:"sessions,omitempty"`
}

// ConversationStore maps external conversation keys (thread timestamps,
// channel IDs) to upstream session state for one agent on one platform.
// File: <state>/<platform>-sessions/<agent>.json.
//
// All mutations go through a per-store mutex plus atomic rename, so distinct
// keys never bleed into each other and readers never observe partial files.
type ConversationStore struct {
	path   string
	agent  string
	logger *slog.Logger

	mu    sync.Mutex
	cache *conversationFile // read-after-write cache; refreshed on every write
}

// NewConversationStore opens (lazily) the conversation file for agent on the
// given platform under stateDir. Agent and platform must be valid
// identifiers.
func NewConversationStore(stateDir, platform, agent string, logger *slog.Logger) (*ConversationStore, error) {
	if !ValidIdentifier(platform) {
		return nil, fmt.Errorf("%w: invalid platform %q", ErrPathTraversal, platform)
	}
	path, err := SafePathSuffix(filepath.Join(stateDir, platform+"-sessions"), ".json", agent)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ConversationStore{
		path:   path,
		agent:  agent,
		logger: logger.With("component", "conversations", "agent", agent),
	}, nil
}

// load returns the cached file, reading and migrating from disk on first
// use. Callers hold c.mu.
func (c *ConversationStore) load() (*conversationFile, error) {
	if c.cache != nil {
		return c.cache, nil
	}
	var f conversationFile
	if err := readJSON(c.path, &f); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			c.cache = &conversationFile{
				Version:   ConversationSchemaVersion,
				AgentName: c.agent,
				Channels:  make(map[string]*Conversation),
			}
			return c.cache, nil
		}
		return nil, err
	}
	if migrated := migrateConversationFile(&f, c.agent); migrated {
		c.logger.Info("migrated conversation file", "to_version", ConversationSchemaVersion)
		if err := writeJSONAtomic(c.path, &f); err != nil {
			return nil, err
		}
	}
	c.cache = &f
	return c.cache, nil
}

// migrateConversationFile upgrades lower schema versions in place without
// data loss. Returns true when a write-back is needed.
func migrateConversationFile(f *conversationFile, agent string) bool {
	changed := false
	if f.AgentName == "" {
		f.AgentName = agent
		changed = true
	}
	if f.Channels == nil {
		f.Channels = make(map[string]*Conversation)
		changed = true
	}
	// v1: flat sessions map of key -> session_id.
	if f.Version <= 1 && len(f.Sessions) > 0 {
		for key, sid := range f.Sessions {
			if _, ok := f.Channels[key]; !ok {
				f.Channels[key] = &Conversation{SessionID: sid}
			}
		}
		f.Sessions = nil
		changed = true
	}
	// v2: channels map already present, records lack usage/config snapshots.
	// Those fields are optional in v3, so bumping the version suffices.
	if f.Version != ConversationSchemaVersion {
		f.Version = ConversationSchemaVersion
		changed = true
	}
	return changed
}

// persist writes the cached file back to disk. Callers hold c.mu.
func (c *ConversationStore) persist() error {
	return writeJSONAtomic(c.path, c.cache)
}

// mutate loads, applies fn to the keyed record (creating it when create is
// set), and persists. fn must only touch the record it is given.
func (c *ConversationStore) mutate(key string, create bool, fn func(*Conversation)) (*Conversation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, err := c.load()
	if err != nil {
		return nil, err
	}
	conv, ok := f.Channels[key]
	if !ok {
		if !create {
			return nil, nil
		}
		conv = &Conversation{}
		f.Channels[key] = conv
	}
	fn(conv)
	if err := c.persist(); err != nil {
		return nil, err
	}
	out := *conv
	return &out, nil
}

// GetOrCreate returns the conversation for key, creating an empty record on
// first contact. isNew reports whether the record was just created.
func (c *ConversationStore) GetOrCreate(key string, now time.Time) (conv Conversation, isNew bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, err := c.load()
	if err != nil {
		return Conversation{}, false, err
	}
	existing, ok := f.Channels[key]
	if ok {
		return *existing, false, nil
	}
	created := &Conversation{LastMessageAt: now}
	f.Channels[key] = created
	if err := c.persist(); err != nil {
		return Conversation{}, false, err
	}
	return *created, true, nil
}

// Get returns a copy of the conversation for key, or nil if absent.
func (c *ConversationStore) Get(key string) (*Conversation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, err := c.load()
	if err != nil {
		return nil, err
	}
	conv, ok := f.Channels[key]
	if !ok {
		return nil, nil
	}
	out := *conv
	return &out, nil
}

// Touch stamps last_message_at for key.
func (c *ConversationStore) Touch(key string, now time.Time) error {
	_, err := c.mutate(key, true, func(conv *Conversation) {
		conv.LastMessageAt = now
	})
	return err
}

// SetSession records the upstream session ID for key. Replacing an existing
// session starts a fresh lifetime: counters and usage reset. The first
// assignment keeps whatever the opening turn already recorded.
func (c *ConversationStore) SetSession(key, sessionID string, now time.Time) error {
	_, err := c.mutate(key, true, func(conv *Conversation) {
		if conv.SessionID == sessionID {
			return
		}
		replaced := conv.SessionID != ""
		conv.SessionID = sessionID
		conv.SessionStartedAt = now
		if replaced {
			conv.MessageCount = 0
			conv.ContextUsage = nil
		}
	})
	return err
}

// Reset clears the record for key so the next message starts a fresh
// session. Unknown keys are a no-op.
func (c *ConversationStore) Reset(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, err := c.load()
	if err != nil {
		return err
	}
	if _, ok := f.Channels[key]; !ok {
		return nil
	}
	delete(f.Channels, key)
	return c.persist()
}

// UpdateContextUsage adds the given deltas to key's accumulated counters.
// Totals are never overwritten: after N updates the stored values equal the
// sum of the N deltas. ContextWindow is informational and takes the latest
// non-zero value.
func (c *ConversationStore) UpdateContextUsage(key string, delta Usage, now time.Time) error {
	_, err := c.mutate(key, true, func(conv *Conversation) {
		if conv.ContextUsage == nil {
			conv.ContextUsage = &ContextUsage{}
		}
		cu := conv.ContextUsage
		cu.InputTokens += delta.InputTokens
		cu.OutputTokens += delta.OutputTokens
		cu.TotalTokens += delta.InputTokens + delta.OutputTokens
		if delta.ContextWindow > 0 {
			cu.ContextWindow = delta.ContextWindow
		}
		cu.LastUpdated = now
	})
	return err
}

// IncrementMessageCount bumps key's message counter and stamps the time.
func (c *ConversationStore) IncrementMessageCount(key string, now time.Time) error {
	_, err := c.mutate(key, true, func(conv *Conversation) {
		conv.MessageCount++
		conv.LastMessageAt = now
	})
	return err
}

// SetAgentConfig captures the current agent configuration snapshot for key.
// Called on every turn, not only on session creation.
func (c *ConversationStore) SetAgentConfig(key string, snap AgentConfigSnapshot) error {
	_, err := c.mutate(key, true, func(conv *Conversation) {
		s := snap
		conv.AgentConfig = &s
	})
	return err
}

// CleanupExpired drops conversations whose last activity is older than
// timeout. Returns the number removed.
func (c *ConversationStore) CleanupExpired(now time.Time, timeout time.Duration) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, err := c.load()
	if err != nil {
		return 0, err
	}
	removed := 0
	for key, conv := range f.Channels {
		last := conv.LastMessageAt
		if last.IsZero() {
			last = conv.SessionStartedAt
		}
		if !last.IsZero() && now.Sub(last) > timeout {
			delete(f.Channels, key)
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}
	return removed, c.persist()
}

// Keys returns the known conversation keys, for diagnostics.
func (c *ConversationStore) Keys() ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, err := c.load()
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(f.Channels))
	for k := range f.Channels {
		keys = append(keys, k)
	}
	return keys, nil
}
