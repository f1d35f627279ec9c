// Package telegram adapts the daemon to a Telegram group chat. Sessions post
// their output as bot messages that are edited in place; replies to a
// session's message route back to that session. The bot serves exactly one
// configured chat.
package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"teleclaude/internal/adapters"
	"teleclaude/internal/clock"
	"teleclaude/internal/config"
	"teleclaude/internal/domain"
	"teleclaude/internal/log"
)

// Name is the adapter's registry name, inbound origin, and metadata key.
const Name = "telegram"

// messageLimit is Telegram's maximum message length in characters.
const messageLimit = 4096

// longPollTimeout is the getUpdates long-poll window in seconds.
const longPollTimeout = 30

// api is the slice of the Telegram bot client the adapter uses.
// *tgbotapi.BotAPI satisfies it.
type api interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	GetFileDirectURL(fileID string) (string, error)
}

// Sessions is the slice of the session registry the adapter reads and
// annotates. *sessions.Registry satisfies it.
type Sessions interface {
	Get(sessionID string) (*domain.Session, error)
	Live() []string
	UpdateAdapterMetadata(sessionID, adapter string, meta json.RawMessage, now time.Time) error
}

// Directory resolves senders and broadcast channels.
// *sqlite.DirectoryRepository satisfies it.
type Directory interface {
	GetPersonByPlatformRef(adapter, ref string) (*domain.Person, error)
	GetChannel(name string) (*domain.Channel, error)
}

// Adapter is the Telegram chat surface.
type Adapter struct {
	cfg       config.TelegramConfig
	sessions  Sessions
	directory Directory
	queue     adapters.Enqueuer
	clk       clock.Clock

	api api
}

// New creates the adapter. The bot connection is dialed in Start.
func New(cfg config.TelegramConfig, sessions Sessions, directory Directory, queue adapters.Enqueuer, clk clock.Clock) *Adapter {
	return &Adapter{
		cfg:       cfg,
		sessions:  sessions,
		directory: directory,
		queue:     queue,
		clk:       clk,
	}
}

// Name returns "telegram".
func (a *Adapter) Name() string { return Name }

// Start dials the bot API and, in long-poll mode, begins consuming updates.
// In webhook mode the webhook listener feeds HandleUpdate instead.
func (a *Adapter) Start(ctx context.Context) error {
	if a.api == nil {
		bot, err := tgbotapi.NewBotAPI(a.cfg.Token)
		if err != nil {
			return fmt.Errorf("telegram connect: %w", err)
		}
		a.api = bot
	}

	if a.cfg.WebhookAddr != "" {
		log.Info(log.CatAdapter, "telegram in webhook mode", "addr", a.cfg.WebhookAddr)
		return nil
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = longPollTimeout
	updates := a.api.GetUpdatesChan(u)
	log.SafeGo("telegram-updates", func() {
		a.consume(ctx, updates)
	})
	return nil
}

// Stop halts the update stream.
func (a *Adapter) Stop() error {
	if a.api != nil && a.cfg.WebhookAddr == "" {
		a.api.StopReceivingUpdates()
	}
	return nil
}

// Deliver renders one envelope into the chat.
func (a *Adapter) Deliver(ctx context.Context, env *domain.EventEnvelope) error {
	switch env.Type {
	case domain.EventSessionOutput:
		var u domain.OutputUpdate
		if err := json.Unmarshal(env.Payload, &u); err != nil {
			return domain.Permanent("deliver", "malformed output payload")
		}
		return a.deliverOutput(&u)

	case domain.EventSessionWidget:
		var w domain.WidgetUpdate
		if err := json.Unmarshal(env.Payload, &w); err != nil {
			return domain.Permanent("deliver", "malformed widget payload")
		}
		return a.deliverWidget(&w)

	case domain.EventChannelPublished:
		var p domain.ChannelPost
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return domain.Permanent("deliver", "malformed channel payload")
		}
		return a.deliverChannel(&p)

	default:
		text, ok := adapters.RenderNotice(env)
		if !ok {
			return nil
		}
		return a.deliverNotice(env, text)
	}
}

// deliverOutput edits the session's output message in place, posting fresh
// when no edit reference exists or the referenced message is gone.
func (a *Adapter) deliverOutput(u *domain.OutputUpdate) error {
	sess, err := a.sessions.Get(u.SessionID)
	if err != nil {
		return domain.Permanent("deliver", fmt.Sprintf("unknown session %s", u.SessionID))
	}
	m := a.meta(sess)
	text := adapters.RenderOutput(title(sess), u.Text, messageLimit)

	if m.MessageID != 0 {
		edit := tgbotapi.NewEditMessageText(a.chatFor(m), m.MessageID, text)
		_, err := a.api.Send(edit)
		switch {
		case err == nil:
			return nil
		case notModified(err):
			return nil
		case refGone(err):
			// The posted message was deleted out from under us. Fall
			// through and post fresh.
		default:
			return domain.Transient("deliver", err)
		}
	}

	sent, err := a.post(a.chatFor(m), text)
	if err != nil {
		return domain.Transient("deliver", err)
	}
	m.ChatID = a.chatFor(m)
	m.MessageID = sent.MessageID
	return a.saveMeta(sess.SessionID, m)
}

// deliverWidget keeps the status card on its own edited message, separate
// from the output chain.
func (a *Adapter) deliverWidget(w *domain.WidgetUpdate) error {
	sess, err := a.sessions.Get(w.SessionID)
	if err != nil {
		return domain.Permanent("deliver", fmt.Sprintf("unknown session %s", w.SessionID))
	}
	m := a.meta(sess)
	text := adapters.RenderWidget(w, title(sess))

	if m.WidgetMessageID != 0 {
		edit := tgbotapi.NewEditMessageText(a.chatFor(m), m.WidgetMessageID, text)
		_, err := a.api.Send(edit)
		switch {
		case err == nil, notModified(err):
			return nil
		case refGone(err):
		default:
			return domain.Transient("deliver", err)
		}
	}

	sent, err := a.post(a.chatFor(m), text)
	if err != nil {
		return domain.Transient("deliver", err)
	}
	m.ChatID = a.chatFor(m)
	m.WidgetMessageID = sent.MessageID
	return a.saveMeta(sess.SessionID, m)
}

// deliverChannel posts into the platform channel bound to the named channel.
func (a *Adapter) deliverChannel(p *domain.ChannelPost) error {
	ch, err := a.directory.GetChannel(p.Channel)
	if err != nil {
		return domain.Permanent("deliver", fmt.Sprintf("unknown channel %s", p.Channel))
	}
	if ch.Adapter != Name {
		return domain.Permanent("deliver", fmt.Sprintf("channel %s is bound to %s", p.Channel, ch.Adapter))
	}
	chatID, err := strconv.ParseInt(ch.PlatformChannelID, 10, 64)
	if err != nil {
		return domain.Permanent("deliver", fmt.Sprintf("channel %s has a non-numeric chat id", p.Channel))
	}
	if _, err := a.post(chatID, adapters.RenderChannelPost(p)); err != nil {
		return domain.Transient("deliver", err)
	}
	return nil
}

// deliverNotice posts a one-shot notice. A notice lands below the session's
// edited output message, so the edit chain is broken afterwards and the next
// output update posts fresh underneath it.
func (a *Adapter) deliverNotice(env *domain.EventEnvelope, text string) error {
	var probe struct {
		SessionID string `json:"session_id"`
	}
	_ = json.Unmarshal(env.Payload, &probe)

	chatID := a.cfg.ChatID
	var sess *domain.Session
	if probe.SessionID != "" {
		if s, err := a.sessions.Get(probe.SessionID); err == nil {
			sess = s
			chatID = a.chatFor(a.meta(s))
		}
	}

	if _, err := a.post(chatID, text); err != nil {
		return domain.Transient("deliver", err)
	}
	if sess != nil {
		a.breakEditChain(sess)
	}
	return nil
}

// BreakThread drops the output edit reference so the next update posts a
// fresh message below the newer conversation.
func (a *Adapter) BreakThread(ctx context.Context, sess *domain.Session) {
	a.breakEditChain(sess)
}

// MirrorInput reposts input that arrived on another surface into the chat.
func (a *Adapter) MirrorInput(ctx context.Context, sess *domain.Session, msg *domain.InboundMessage) {
	m := a.meta(sess)
	if _, err := a.post(a.chatFor(m), adapters.RenderMirror(sess, msg)); err != nil {
		log.Warn(log.CatAdapter, "input mirror failed", "adapter", Name,
			"session_id", sess.SessionID, "error", err)
		return
	}
	a.breakEditChain(sess)
}

// Typing shows the bot as typing in the session's chat.
func (a *Adapter) Typing(ctx context.Context, sess *domain.Session) {
	action := tgbotapi.NewChatAction(a.chatFor(a.meta(sess)), tgbotapi.ChatTyping)
	if _, err := a.api.Request(action); err != nil {
		log.Debug(log.CatAdapter, "typing signal failed", "adapter", Name,
			"session_id", sess.SessionID, "error", err)
	}
}

func (a *Adapter) breakEditChain(sess *domain.Session) {
	m := a.meta(sess)
	if m.MessageID == 0 {
		return
	}
	m.MessageID = 0
	if err := a.saveMeta(sess.SessionID, m); err != nil {
		log.Warn(log.CatAdapter, "thread break failed", "adapter", Name,
			"session_id", sess.SessionID, "error", err)
	}
}

func (a *Adapter) post(chatID int64, text string) (tgbotapi.Message, error) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.DisableWebPagePreview = true
	return a.api.Send(msg)
}

// meta is the adapter's slice of a session's adapter_metadata.
type meta struct {
	ChatID          int64 `json:"chat_id,omitempty"`
	MessageID       int   `json:"message_id,omitempty"`
	WidgetMessageID int   `json:"widget_message_id,omitempty"`
	Unsubscribed    bool  `json:"unsubscribed,omitempty"`
}

func (a *Adapter) meta(sess *domain.Session) meta {
	var m meta
	if raw := sess.MetadataFor(Name); len(raw) > 0 {
		_ = json.Unmarshal(raw, &m)
	}
	return m
}

func (a *Adapter) saveMeta(sessionID string, m meta) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return domain.Transient("deliver", err)
	}
	if err := a.sessions.UpdateAdapterMetadata(sessionID, Name, raw, a.clk.Now()); err != nil {
		return domain.Transient("deliver", err)
	}
	return nil
}

func (a *Adapter) chatFor(m meta) int64 {
	if m.ChatID != 0 {
		return m.ChatID
	}
	return a.cfg.ChatID
}

func title(sess *domain.Session) string {
	if sess.Title != "" {
		return sess.Title
	}
	if len(sess.SessionID) > 12 {
		return sess.SessionID[:12]
	}
	return sess.SessionID
}

// notModified matches the API error returned when an edit carries the same
// text the message already has. The update is already on screen.
func notModified(err error) bool {
	return err != nil && strings.Contains(err.Error(), "message is not modified")
}

// refGone matches the API errors returned when the referenced message was
// deleted or never existed in this chat.
func refGone(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "message to edit not found") ||
		strings.Contains(s, "MESSAGE_ID_INVALID")
}
