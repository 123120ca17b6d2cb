// Package telegram implements the flotilla chat adapter for the Telegram
// Bot API: long-polling for inbound messages, HTML-formatted replies, forum
// topics as conversation threads.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/flotilla-dev/flotilla"
)

const (
	maxMessageLength = 4096
	apiBaseURL       = "https://api.telegram.org/bot"
	pollTimeout      = 30 // seconds, long-poll window for getUpdates
)

// Adapter is the Telegram implementation of flotilla.ChatAdapter. One
// adapter owns one bot connection; the chat manager owns routing.
type Adapter struct {
	token      string
	httpClient *http.Client
	logger     *slog.Logger

	// username is the bot's @name, learned from getMe on connect and used
	// for mention detection.
	username string
	botID    int64
}

var _ flotilla.ChatAdapter = (*Adapter)(nil)

// Option configures an Adapter.
type Option func(*Adapter)

// WithHTTPClient overrides the HTTP client, mainly for tests.
func WithHTTPClient(c *http.Client) Option { return func(a *Adapter) { a.httpClient = c } }

// WithLogger sets the adapter's logger.
func WithLogger(l *slog.Logger) Option { return func(a *Adapter) { a.logger = l } }

// New creates a Telegram adapter for the given bot token.
func New(token string, opts ...Option) *Adapter {
	a := &Adapter{
		token:      token,
		httpClient: &http.Client{Timeout: (pollTimeout + 10) * time.Second},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With("component", "telegram")
	return a
}

func (a *Adapter) Platform() string { return "telegram" }

func (a *Adapter) MessageLimit() int { return maxMessageLength }

func (a *Adapter) Format(markdown string) string { return MarkdownToHTML(markdown) }

// Connect verifies the token via getMe and starts the long-poll loop. The
// returned channel closes when ctx is cancelled.
func (a *Adapter) Connect(ctx context.Context) (<-chan flotilla.InboundEvent, error) {
	var me User
	if err := a.call(ctx, "getMe", map[string]any{}, &me); err != nil {
		return nil, fmt.Errorf("telegram: getMe: %w", err)
	}
	a.username = me.Username
	a.botID = me.ID
	a.logger.Info("connected", "bot", me.Username)

	ch := make(chan flotilla.InboundEvent)
	go a.pollLoop(ctx, ch)
	return ch, nil
}

func (a *Adapter) pollLoop(ctx context.Context, ch chan<- flotilla.InboundEvent) {
	defer close(ch)
	var offset int64
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		updates, err := a.getUpdates(ctx, offset)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			a.logger.Warn("poll failed, backing off", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(3 * time.Second):
			}
			continue
		}

		for _, u := range updates {
			if u.UpdateID >= offset {
				offset = u.UpdateID + 1
			}
			if u.Message == nil || u.Message.Text == "" {
				continue
			}
			select {
			case ch <- a.toInbound(u.Message):
			case <-ctx.Done():
				return
			}
		}
	}
}

func (a *Adapter) getUpdates(ctx context.Context, offset int64) ([]Update, error) {
	var updates []Update
	err := a.call(ctx, "getUpdates", map[string]any{
		"offset":          offset,
		"timeout":         pollTimeout,
		"allowed_updates": []string{"message"},
	}, &updates)
	return updates, err
}

// toInbound maps a Telegram message onto the platform-neutral event. Forum
// topic IDs become conversation threads; plain group messages are top-level.
func (a *Adapter) toInbound(m *Message) flotilla.InboundEvent {
	ev := flotilla.InboundEvent{
		Platform: a.Platform(),
		Channel:  strconv.FormatInt(m.Chat.ID, 10),
		Text:     m.Text,
	}
	if m.IsTopicMessage && m.MessageThreadID != 0 {
		ev.Thread = strconv.FormatInt(m.MessageThreadID, 10)
	}
	if m.From != nil {
		ev.User = strconv.FormatInt(m.From.ID, 10)
	}
	ev.Mentioned = a.mentioned(m)
	if ev.Mentioned {
		ev.Text = stripMention(ev.Text, a.username)
	}
	return ev
}

// mentioned reports whether the message addresses the bot: an @mention
// entity naming it, or a direct reply to one of its messages.
func (a *Adapter) mentioned(m *Message) bool {
	if m.ReplyToMessage != nil && m.ReplyToMessage.From != nil && m.ReplyToMessage.From.ID == a.botID {
		return true
	}
	if a.username == "" {
		return false
	}
	tag := "@" + a.username
	for _, e := range m.Entities {
		if e.Type != "mention" {
			continue
		}
		if strings.Contains(m.Text, tag) {
			return true
		}
	}
	return false
}

func stripMention(text, username string) string {
	return strings.TrimSpace(strings.ReplaceAll(text, "@"+username, ""))
}

// Post sends already-formatted HTML to a chat (and forum topic when thread is
// non-empty). When Telegram rejects the HTML it retries the same text as
// plain content so the reply is never silently dropped.
func (a *Adapter) Post(ctx context.Context, channel, thread, text string) (string, error) {
	body := map[string]any{
		"chat_id":    channel,
		"text":       text,
		"parse_mode": "HTML",
	}
	if thread != "" {
		if id, err := strconv.ParseInt(thread, 10, 64); err == nil {
			body["message_thread_id"] = id
		}
	}
	var sent Message
	err := a.call(ctx, "sendMessage", body, &sent)
	if err != nil && isParseError(err) {
		a.logger.Warn("HTML rejected, resending as plain text", "error", err)
		delete(body, "parse_mode")
		err = a.call(ctx, "sendMessage", body, &sent)
	}
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(sent.MessageID, 10), nil
}

// Typing shows the typing indicator. Telegram keeps it up for a few seconds,
// so the chat manager re-sends it while a turn is running.
func (a *Adapter) Typing(ctx context.Context, channel, thread string) error {
	body := map[string]any{
		"chat_id": channel,
		"action":  "typing",
	}
	if thread != "" {
		if id, err := strconv.ParseInt(thread, 10, 64); err == nil {
			body["message_thread_id"] = id
		}
	}
	return a.call(ctx, "sendChatAction", body, nil)
}

// call posts JSON to one Bot API method and decodes the enveloped result.
func (a *Adapter) call(ctx context.Context, method string, reqBody any, result any) error {
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("telegram: marshal %s request: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiBaseURL+a.token+"/"+method, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("telegram: build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: %s: %w", method, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("telegram: read %s response: %w", method, err)
	}
	var envelope struct {
		OK          bool            `json:"ok"`
		Description string          `json:"description,omitempty"`
		ErrorCode   int             `json:"error_code,omitempty"`
		Result      json.RawMessage `json:"result,omitempty"`
	}
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return fmt.Errorf("telegram: decode %s response: %w (body: %s)", method, err, respBody)
	}
	if !envelope.OK {
		return &apiError{Code: envelope.ErrorCode, Description: envelope.Description}
	}
	if result != nil && len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, result); err != nil {
			return fmt.Errorf("telegram: decode %s result: %w", method, err)
		}
	}
	return nil
}

// apiError is a Telegram API-level failure (ok=false in the envelope).
type apiError struct {
	Code        int
	Description string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("telegram API error %d: %s", e.Code, e.Description)
}

func isParseError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "can't parse entities")
}
