package flotilla

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

// InboundEvent is one message arriving from a chat platform.
type InboundEvent struct {
	Platform string
	Channel  string
	// Thread identifies the thread within the channel, empty for top-level
	// messages on platforms without threads (or for channel-level talk).
	Thread string
	User   string
	Text   string
	// Mentioned is set by the adapter when the message explicitly
	// addresses the bot.
	Mentioned bool
}

// ChatAdapter is the capability interface a platform integration implements.
// The adapter owns the wire protocol and reconnection; the chat manager owns
// routing, sessions, and reply assembly. All platform API calls go through
// the adapter, which is the single owner of the connection.
type ChatAdapter interface {
	Platform() string
	// Connect establishes the platform connection and returns the inbound
	// event stream. The channel closes when ctx is cancelled.
	Connect(ctx context.Context) (<-chan InboundEvent, error)
	// Post sends formatted text to a channel (and thread, when non-empty),
	// returning the platform message ID once the platform acknowledged it.
	Post(ctx context.Context, channel, thread, text string) (string, error)
	// Typing shows a processing indicator where the platform supports one.
	Typing(ctx context.Context, channel, thread string) error
	// Format converts markdown to the platform's native formatting.
	Format(markdown string) string
	// MessageLimit is the platform's maximum message length in characters.
	MessageLimit() int
}

// commandPrefix introduces chat commands (!reset, !status, !help, !fork).
const commandPrefix = "!"

// convQueueDepth bounds how many messages may wait per conversation while a
// turn is in flight. Beyond this, new messages are rejected cleanly rather
// than executed concurrently on the same conversation.
const convQueueDepth = 8

// ChatManager operates one connection per chat platform and fans inbound
// events out to agents. Per-conversation state (session cursor, counters)
// is isolated by conversation key, and at most one turn runs per
// conversation at a time.
type ChatManager struct {
	stateDir string
	agents   map[string]*AgentSpec
	adapters map[string]ChatAdapter
	trigger  TriggerFunc
	logger   *slog.Logger

	// routes: platform -> channel -> binding.
	routes map[string]map[string]chatRoute

	mu          sync.Mutex
	stores      map[string]*ConversationStore // platform/agent
	workers     map[string]*convWorker        // platform/channel/thread
	connectedAt map[string]time.Time

	wg sync.WaitGroup
}

type chatRoute struct {
	agent   string
	binding ChannelBinding
}

// NewChatManager builds the routing table from the agents' chat bindings.
// Duplicate channel claims within one platform are an error.
func NewChatManager(stateDir string, agents map[string]*AgentSpec, adapters []ChatAdapter, trigger TriggerFunc, logger *slog.Logger) (*ChatManager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := &ChatManager{
		stateDir:    stateDir,
		agents:      agents,
		adapters:    make(map[string]ChatAdapter, len(adapters)),
		trigger:     trigger,
		logger:      logger.With("component", "chat"),
		routes:      make(map[string]map[string]chatRoute),
		stores:      make(map[string]*ConversationStore),
		workers:     make(map[string]*convWorker),
		connectedAt: make(map[string]time.Time),
	}
	for _, a := range adapters {
		m.adapters[a.Platform()] = a
	}
	for name, agent := range agents {
		for platform, bindings := range agent.Chat {
			if _, ok := m.adapters[platform]; !ok {
				return nil, fmt.Errorf("agent %s binds platform %q but no adapter is configured", name, platform)
			}
			channels := m.routes[platform]
			if channels == nil {
				channels = make(map[string]chatRoute)
				m.routes[platform] = channels
			}
			for _, b := range bindings {
				if prev, ok := channels[b.Channel]; ok {
					return nil, fmt.Errorf("channel %s/%s claimed by both %s and %s", platform, b.Channel, prev.agent, name)
				}
				channels[b.Channel] = chatRoute{agent: name, binding: b}
			}
		}
	}
	return m, nil
}

// store returns (creating on first use) the conversation store for one
// agent on one platform.
func (m *ChatManager) store(platform, agent string) (*ConversationStore, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := platform + "/" + agent
	if s, ok := m.stores[key]; ok {
		return s, nil
	}
	s, err := NewConversationStore(m.stateDir, platform, agent, m.logger)
	if err != nil {
		return nil, err
	}
	m.stores[key] = s
	return s, nil
}

// Poster returns a ChatPoster for hook use: it posts markdown to a channel
// top-level on the named platform.
func (m *ChatManager) Poster(platform string) ChatPoster {
	adapter, ok := m.adapters[platform]
	if !ok {
		return nil
	}
	return func(ctx context.Context, channel, text string) error {
		r := newStreamingResponder(adapter, channel, "")
		r.Append(text)
		return r.Flush(ctx)
	}
}

// Run connects every adapter and dispatches events until ctx is cancelled.
func (m *ChatManager) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for platform, adapter := range m.adapters {
		events, err := adapter.Connect(ctx)
		if err != nil {
			return fmt.Errorf("connect %s: %w", platform, err)
		}
		m.mu.Lock()
		m.connectedAt[platform] = time.Now()
		m.mu.Unlock()
		m.cleanupOnConnect(platform)
		m.logger.Info("chat platform connected", "platform", platform)

		wg.Add(1)
		go func(platform string, events <-chan InboundEvent) {
			defer wg.Done()
			for ev := range events {
				m.dispatch(ctx, ev)
			}
		}(platform, events)
	}
	wg.Wait()
	m.wg.Wait() // drain in-flight turns
	return ctx.Err()
}

// cleanupOnConnect drops conversation entries idle beyond each agent's
// session timeout.
func (m *ChatManager) cleanupOnConnect(platform string) {
	now := time.Now()
	for name, agent := range m.agents {
		if _, ok := agent.Chat[platform]; !ok {
			continue
		}
		s, err := m.store(platform, name)
		if err != nil {
			continue
		}
		if n, err := s.CleanupExpired(now, agent.SessionTimeout()); err != nil {
			m.logger.Warn("conversation cleanup failed", "agent", name, "error", err)
		} else if n > 0 {
			m.logger.Info("dropped expired conversations", "agent", name, "count", n)
		}
	}
}

// dispatch routes one inbound event to its conversation worker.
func (m *ChatManager) dispatch(ctx context.Context, ev InboundEvent) {
	channels, ok := m.routes[ev.Platform]
	if !ok {
		return
	}
	route, ok := channels[ev.Channel]
	if !ok {
		return
	}
	isCommand := strings.HasPrefix(strings.TrimSpace(ev.Text), commandPrefix)
	// Mention mode ignores top-level messages that do not address the bot;
	// thread replies and commands always flow through.
	if !isCommand && route.binding.Mode == ModeMention && ev.Thread == "" && !ev.Mentioned {
		return
	}

	w := m.worker(ctx, ev.Platform, ev.Channel, ev.Thread)
	select {
	case w.queue <- queuedEvent{ev: ev, route: route, command: isCommand}:
	default:
		m.logger.Warn("conversation queue full, rejecting message",
			"platform", ev.Platform, "channel", ev.Channel, "thread", ev.Thread)
		m.postPlain(ctx, ev, "I'm still working on earlier messages here; please try again shortly.")
	}
}

type queuedEvent struct {
	ev      InboundEvent
	route   chatRoute
	command bool
}

// convWorker serializes turns and commands for one conversation key:
// messages are processed strictly in arrival order, one at a time. A fork
// command therefore never races an in-flight turn on the same thread, while
// other conversations keep running concurrently.
type convWorker struct {
	queue chan queuedEvent
}

func (m *ChatManager) worker(ctx context.Context, platform, channel, thread string) *convWorker {
	key := platform + "/" + channel + "/" + thread
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.workers[key]; ok {
		return w
	}
	w := &convWorker{queue: make(chan queuedEvent, convQueueDepth)}
	m.workers[key] = w
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case q := <-w.queue:
				if q.command {
					m.handleCommand(ctx, q.ev, q.route)
				} else {
					m.runTurn(ctx, q.ev, q.route)
				}
			}
		}
	}()
	return w
}

// conversationKey is the thread identifier where the platform has threads,
// the channel identifier otherwise.
func conversationKey(ev InboundEvent) string {
	if ev.Thread != "" {
		return ev.Thread
	}
	return ev.Channel
}

// runTurn executes one chat-triggered turn end to end.
func (m *ChatManager) runTurn(ctx context.Context, ev InboundEvent, route chatRoute) {
	agent := m.agents[route.agent]
	adapter := m.adapters[ev.Platform]
	log := m.logger.With("platform", ev.Platform, "channel", ev.Channel, "thread", ev.Thread, "agent", route.agent)

	store, err := m.store(ev.Platform, route.agent)
	if err != nil {
		log.Error("conversation store unavailable", "error", err)
		return
	}
	key := conversationKey(ev)
	now := time.Now()

	conv, isNew, err := store.GetOrCreate(key, now)
	if err != nil {
		log.Error("get-or-create conversation failed", "error", err)
		return
	}
	// Snapshot the current agent configuration on every turn, not only on
	// session creation, so !status reflects what is actually running.
	if err := store.SetAgentConfig(key, snapshotConfig(agent)); err != nil {
		log.Warn("failed to snapshot agent config", "error", err)
	}
	if err := store.IncrementMessageCount(key, now); err != nil {
		log.Warn("failed to bump message count", "error", err)
	}

	// Processing indicator while the turn is in flight.
	typingCtx, stopTyping := context.WithCancel(ctx)
	defer stopTyping()
	go m.typingLoop(typingCtx, adapter, ev.Channel, ev.Thread)

	responder := newStreamingResponder(adapter, ev.Channel, ev.Thread)

	result, err := m.trigger(ctx, route.agent, RunOptions{
		Prompt:      ev.Text,
		TriggerType: ChatTrigger(ev.Platform),
		Resume:      conv.SessionID, // empty for new conversations: no resume
		OnJobCreated: func(jobID string) {
			log.Info("chat turn started", "job", jobID, "new_conversation", isNew)
		},
		OnMessage: func(pe ProcessedEvent) {
			if pe.SessionID != "" {
				// A changed session ID starts a fresh lifetime; the store
				// resets counters so usage never crosses sessions.
				if err := store.SetSession(key, pe.SessionID, time.Now()); err != nil {
					log.Warn("failed to record session", "error", err)
				}
			}
			if pe.Output.Type == "assistant" && !pe.Output.Partial && pe.Output.Content != "" {
				responder.Append(pe.Output.Content)
				if err := responder.FlushFull(ctx); err != nil {
					log.Warn("streaming flush failed", "error", err)
				}
			}
		},
		OnUsage: func(u Usage) {
			if err := store.UpdateContextUsage(key, u, time.Now()); err != nil {
				log.Warn("failed to accumulate usage", "error", err)
			}
		},
	})
	stopTyping()

	if err != nil {
		log.Error("chat turn failed", "error", err)
		m.postPlain(ctx, ev, "Sorry, that didn't work: "+Truncate(err.Error(), 300))
		return
	}
	if err := responder.Flush(ctx); err != nil {
		log.Warn("final flush failed", "error", err)
	}
	if err := store.Touch(key, time.Now()); err != nil {
		log.Warn("failed to touch conversation", "error", err)
	}
	log.Info("chat turn done", "job", result.JobID, "exit", result.ExitReason)
}

func (m *ChatManager) typingLoop(ctx context.Context, adapter ChatAdapter, channel, thread string) {
	ticker := time.NewTicker(4 * time.Second)
	defer ticker.Stop()
	_ = adapter.Typing(ctx, channel, thread)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := adapter.Typing(ctx, channel, thread); err != nil {
				return
			}
		}
	}
}

func (m *ChatManager) postPlain(ctx context.Context, ev InboundEvent, text string) {
	adapter := m.adapters[ev.Platform]
	if adapter == nil {
		return
	}
	if _, err := adapter.Post(ctx, ev.Channel, ev.Thread, adapter.Format(text)); err != nil {
		m.logger.Warn("failed to post message", "platform", ev.Platform, "error", err)
	}
}

func snapshotConfig(agent *AgentSpec) AgentConfigSnapshot {
	names := make([]string, 0, len(agent.MCPServers))
	for name := range agent.MCPServers {
		names = append(names, name)
	}
	return AgentConfigSnapshot{
		Model:          agent.Model,
		PermissionMode: agent.PermissionMode,
		MCPServers:     names,
	}
}

// --- commands ---

func (m *ChatManager) handleCommand(ctx context.Context, ev InboundEvent, route chatRoute) {
	fields := strings.Fields(strings.TrimSpace(ev.Text))
	if len(fields) == 0 {
		return
	}
	cmd := strings.ToLower(fields[0])
	rest := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(ev.Text), fields[0]))

	store, err := m.store(ev.Platform, route.agent)
	if err != nil {
		m.postPlain(ctx, ev, "Internal error: conversation state unavailable.")
		return
	}
	key := conversationKey(ev)

	switch cmd {
	case commandPrefix + "reset":
		if err := store.Reset(key); err != nil {
			m.postPlain(ctx, ev, "Reset failed: "+err.Error())
			return
		}
		m.postPlain(ctx, ev, "Conversation reset. The next message starts a fresh session.")
	case commandPrefix + "status":
		m.postStatus(ctx, ev, route, store, key)
	case commandPrefix + "help":
		m.postPlain(ctx, ev,
			"Commands: !reset (start a fresh session), !status (session and usage info), !fork <prompt> (branch this conversation), !help")
	case commandPrefix + "fork":
		m.handleFork(ctx, ev, route, store, key, rest)
	default:
		m.postPlain(ctx, ev, "Unknown command "+cmd+". Try !help.")
	}
}

func (m *ChatManager) handleFork(ctx context.Context, ev InboundEvent, route chatRoute, store *ConversationStore, key, prompt string) {
	if prompt == "" {
		m.postPlain(ctx, ev, "Usage: !fork <prompt>")
		return
	}
	conv, err := store.Get(key)
	if err != nil || conv == nil || conv.SessionID == "" {
		m.postPlain(ctx, ev, "Nothing to fork: no session in this conversation yet.")
		return
	}
	adapter := m.adapters[ev.Platform]
	responder := newStreamingResponder(adapter, ev.Channel, ev.Thread)
	result, err := m.trigger(ctx, route.agent, RunOptions{
		Prompt:      prompt,
		TriggerType: TriggerFork,
		Resume:      conv.SessionID,
		Fork:        true,
		OnMessage: func(pe ProcessedEvent) {
			if pe.Output.Type == "assistant" && !pe.Output.Partial && pe.Output.Content != "" {
				responder.Append(pe.Output.Content)
			}
		},
	})
	if err != nil {
		m.postPlain(ctx, ev, "Fork failed: "+Truncate(err.Error(), 300))
		return
	}
	_ = result
	if err := responder.Flush(ctx); err != nil {
		m.logger.Warn("fork flush failed", "error", err)
	}
}

// postStatus renders the !status block. Legacy records (missing usage or
// config snapshot) render with those sections omitted.
func (m *ChatManager) postStatus(ctx context.Context, ev InboundEvent, route chatRoute, store *ConversationStore, key string) {
	var b strings.Builder
	m.mu.Lock()
	connected := m.connectedAt[ev.Platform]
	m.mu.Unlock()

	b.WriteString("**Status**\n")
	if !connected.IsZero() {
		fmt.Fprintf(&b, "Connection: up %s\n", time.Since(connected).Round(time.Second))
	}
	fmt.Fprintf(&b, "Agent: %s\n", route.agent)

	conv, err := store.Get(key)
	if err != nil || conv == nil {
		b.WriteString("No conversation session yet.")
		m.postPlain(ctx, ev, b.String())
		return
	}
	if conv.SessionID != "" {
		fmt.Fprintf(&b, "Session: %s\n", truncateID(conv.SessionID))
		if !conv.SessionStartedAt.IsZero() {
			fmt.Fprintf(&b, "Started: %s (%s ago)\n",
				conv.SessionStartedAt.Format(time.RFC3339),
				time.Since(conv.SessionStartedAt).Round(time.Second))
		}
	}
	fmt.Fprintf(&b, "Messages: %d\n", conv.MessageCount)

	if cu := conv.ContextUsage; cu != nil {
		fmt.Fprintf(&b, "Tokens: %d in / %d out / %d total", cu.InputTokens, cu.OutputTokens, cu.TotalTokens)
		if cu.ContextWindow > 0 {
			pct := float64(cu.TotalTokens) / float64(cu.ContextWindow) * 100
			fmt.Fprintf(&b, " (%.1f%% of %d%s)", pct, cu.ContextWindow, usageSeverity(pct))
		}
		b.WriteString("\n")
	}
	if ac := conv.AgentConfig; ac != nil {
		fmt.Fprintf(&b, "Model: %s\n", ac.Model)
		if ac.PermissionMode != "" {
			fmt.Fprintf(&b, "Permission mode: %s\n", ac.PermissionMode)
		}
		if len(ac.MCPServers) > 0 {
			fmt.Fprintf(&b, "MCP servers: %s\n", strings.Join(ac.MCPServers, ", "))
		}
	}
	m.postPlain(ctx, ev, strings.TrimRight(b.String(), "\n"))
}

// usageSeverity marks context pressure at the 75/90/95 percent thresholds.
func usageSeverity(pct float64) string {
	switch {
	case pct >= 95:
		return " ‼️ critical"
	case pct >= 90:
		return " ⚠️ high"
	case pct >= 75:
		return " ⚠️"
	default:
		return ""
	}
}

func truncateID(id string) string {
	if len(id) <= 12 {
		return id
	}
	return id[:12] + "…"
}

// --- streaming responder ---

// StreamingResponder buffers assistant text for one turn, converts it to
// platform formatting, splits it at the platform's size limit, and emits the
// pieces in order, awaiting each acknowledgement before sending the next.
// One responder serves exactly one turn, and the chat manager runs at most
// one turn per conversation, so output from different turns never
// interleaves on a thread.
type StreamingResponder struct {
	adapter ChatAdapter
	channel string
	thread  string

	buf strings.Builder
}

func newStreamingResponder(adapter ChatAdapter, channel, thread string) *StreamingResponder {
	return &StreamingResponder{adapter: adapter, channel: channel, thread: thread}
}

// Append adds assistant text to the pending buffer.
func (r *StreamingResponder) Append(text string) {
	if r.buf.Len() > 0 {
		r.buf.WriteString("\n\n")
	}
	r.buf.WriteString(text)
}

// FlushFull emits only limit-sized chunks, keeping any partial remainder
// buffered. Called mid-turn so long answers start appearing early.
func (r *StreamingResponder) FlushFull(ctx context.Context) error {
	return r.flush(ctx, false)
}

// Flush emits everything left in the buffer.
func (r *StreamingResponder) Flush(ctx context.Context) error {
	return r.flush(ctx, true)
}

func (r *StreamingResponder) flush(ctx context.Context, all bool) error {
	limit := r.adapter.MessageLimit()
	if limit <= 0 {
		limit = 4000
	}
	text := r.buf.String()
	for all && text != "" || utf8.RuneCountInString(text) >= limit {
		chunk, rest := splitChunk(text, limit)
		formatted := r.adapter.Format(chunk)
		if _, err := r.adapter.Post(ctx, r.channel, r.thread, formatted); err != nil {
			r.buf.Reset()
			r.buf.WriteString(text)
			return err
		}
		text = rest
		if all && text == "" {
			break
		}
	}
	r.buf.Reset()
	r.buf.WriteString(text)
	return nil
}

// splitChunk cuts at most limit characters, preferring a newline then a
// space boundary in the trailing quarter of the window. Limits are in runes
// and every cut lands on a rune boundary.
func splitChunk(text string, limit int) (chunk, rest string) {
	floor, cut := 0, -1
	n := 0
	for i := range text {
		if n == limit*3/4 {
			floor = i
		}
		if n == limit {
			cut = i
			break
		}
		n++
	}
	if cut < 0 {
		return text, ""
	}
	window := text[floor:cut]
	if idx := strings.LastIndexByte(window, '\n'); idx >= 0 {
		cut = floor + idx + 1
	} else if idx := strings.LastIndexByte(window, ' '); idx >= 0 {
		cut = floor + idx + 1
	}
	return strings.TrimRight(text[:cut], " \n"), strings.TrimLeft(text[cut:], " \n")
}
