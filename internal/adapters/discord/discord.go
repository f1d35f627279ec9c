// Package discord adapts the daemon to a Discord channel. The shape mirrors
// the telegram adapter: sessions edit their output message in place, replies
// route back to the replied session, and the bot serves one configured
// channel.
package discord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"teleclaude/internal/adapters"
	"teleclaude/internal/clock"
	"teleclaude/internal/config"
	"teleclaude/internal/domain"
	"teleclaude/internal/log"
)

// Name is the adapter's registry name, inbound origin, and metadata key.
const Name = "discord"

// messageLimit is Discord's maximum message length in characters.
const messageLimit = 2000

// api is the slice of the Discord gateway session the adapter uses.
// *discordgo.Session satisfies it.
type api interface {
	Open() error
	Close() error
	AddHandler(handler interface{}) func()
	ChannelMessageSend(channelID string, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageEdit(channelID, messageID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelTyping(channelID string, options ...discordgo.RequestOption) error
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

// Adapter is the Discord chat surface.
type Adapter struct {
	cfg       config.DiscordConfig
	sessions  Sessions
	directory Directory
	queue     adapters.Enqueuer
	clk       clock.Clock

	api api
}

// New creates the adapter. The gateway connection is dialed in Start.
func New(cfg config.DiscordConfig, sessions Sessions, directory Directory, queue adapters.Enqueuer, clk clock.Clock) *Adapter {
	return &Adapter{
		cfg:       cfg,
		sessions:  sessions,
		directory: directory,
		queue:     queue,
		clk:       clk,
	}
}

// Name returns "discord".
func (a *Adapter) Name() string { return Name }

// Start opens the gateway connection and registers the inbound handler.
func (a *Adapter) Start(ctx context.Context) error {
	if a.api == nil {
		session, err := discordgo.New("Bot " + a.cfg.Token)
		if err != nil {
			return fmt.Errorf("discord connect: %w", err)
		}
		session.Identify.Intents = discordgo.IntentGuildMessages |
			discordgo.IntentDirectMessages |
			discordgo.IntentMessageContent
		a.api = session
	}

	a.api.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		a.handleMessage(ctx, m)
	})
	if err := a.api.Open(); err != nil {
		return fmt.Errorf("discord gateway open: %w", err)
	}
	return nil
}

// Stop closes the gateway connection.
func (a *Adapter) Stop() error {
	if a.api == nil {
		return nil
	}
	return a.api.Close()
}

// Deliver renders one envelope into the channel.
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

func (a *Adapter) deliverOutput(u *domain.OutputUpdate) error {
	sess, err := a.sessions.Get(u.SessionID)
	if err != nil {
		return domain.Permanent("deliver", fmt.Sprintf("unknown session %s", u.SessionID))
	}
	m := a.meta(sess)
	text := adapters.RenderOutput(title(sess), u.Text, messageLimit)

	if m.MessageID != "" {
		_, err := a.api.ChannelMessageEdit(a.channelFor(m), m.MessageID, text)
		switch {
		case err == nil:
			return nil
		case refGone(err):
			// Message deleted behind us; post fresh below.
		default:
			return domain.Transient("deliver", err)
		}
	}

	sent, err := a.api.ChannelMessageSend(a.channelFor(m), text)
	if err != nil {
		return domain.Transient("deliver", err)
	}
	m.ChannelID = a.channelFor(m)
	m.MessageID = sent.ID
	return a.saveMeta(sess.SessionID, m)
}

func (a *Adapter) deliverWidget(w *domain.WidgetUpdate) error {
	sess, err := a.sessions.Get(w.SessionID)
	if err != nil {
		return domain.Permanent("deliver", fmt.Sprintf("unknown session %s", w.SessionID))
	}
	m := a.meta(sess)
	text := adapters.RenderWidget(w, title(sess))

	if m.WidgetMessageID != "" {
		_, err := a.api.ChannelMessageEdit(a.channelFor(m), m.WidgetMessageID, text)
		switch {
		case err == nil:
			return nil
		case refGone(err):
		default:
			return domain.Transient("deliver", err)
		}
	}

	sent, err := a.api.ChannelMessageSend(a.channelFor(m), text)
	if err != nil {
		return domain.Transient("deliver", err)
	}
	m.ChannelID = a.channelFor(m)
	m.WidgetMessageID = sent.ID
	return a.saveMeta(sess.SessionID, m)
}

func (a *Adapter) deliverChannel(p *domain.ChannelPost) error {
	ch, err := a.directory.GetChannel(p.Channel)
	if err != nil {
		return domain.Permanent("deliver", fmt.Sprintf("unknown channel %s", p.Channel))
	}
	if ch.Adapter != Name {
		return domain.Permanent("deliver", fmt.Sprintf("channel %s is bound to %s", p.Channel, ch.Adapter))
	}
	if _, err := a.api.ChannelMessageSend(ch.PlatformChannelID, adapters.RenderChannelPost(p)); err != nil {
		return domain.Transient("deliver", err)
	}
	return nil
}

// deliverNotice posts a one-shot notice and breaks the session's edit chain
// so later output lands below it.
func (a *Adapter) deliverNotice(env *domain.EventEnvelope, text string) error {
	var probe struct {
		SessionID string `json:"session_id"`
	}
	_ = json.Unmarshal(env.Payload, &probe)

	channelID := a.cfg.ChannelID
	var sess *domain.Session
	if probe.SessionID != "" {
		if s, err := a.sessions.Get(probe.SessionID); err == nil {
			sess = s
			channelID = a.channelFor(a.meta(s))
		}
	}

	if _, err := a.api.ChannelMessageSend(channelID, text); err != nil {
		return domain.Transient("deliver", err)
	}
	if sess != nil {
		a.breakEditChain(sess)
	}
	return nil
}

// BreakThread drops the output edit reference.
func (a *Adapter) BreakThread(ctx context.Context, sess *domain.Session) {
	a.breakEditChain(sess)
}

// MirrorInput reposts input that arrived on another surface.
func (a *Adapter) MirrorInput(ctx context.Context, sess *domain.Session, msg *domain.InboundMessage) {
	m := a.meta(sess)
	if _, err := a.api.ChannelMessageSend(a.channelFor(m), adapters.RenderMirror(sess, msg)); err != nil {
		log.Warn(log.CatAdapter, "input mirror failed", "adapter", Name,
			"session_id", sess.SessionID, "error", err)
		return
	}
	a.breakEditChain(sess)
}

// Typing shows the bot as typing in the session's channel.
func (a *Adapter) Typing(ctx context.Context, sess *domain.Session) {
	if err := a.api.ChannelTyping(a.channelFor(a.meta(sess))); err != nil {
		log.Debug(log.CatAdapter, "typing signal failed", "adapter", Name,
			"session_id", sess.SessionID, "error", err)
	}
}

func (a *Adapter) breakEditChain(sess *domain.Session) {
	m := a.meta(sess)
	if m.MessageID == "" {
		return
	}
	m.MessageID = ""
	if err := a.saveMeta(sess.SessionID, m); err != nil {
		log.Warn(log.CatAdapter, "thread break failed", "adapter", Name,
			"session_id", sess.SessionID, "error", err)
	}
}

// handleMessage converts one gateway message into an inbound enqueue.
func (a *Adapter) handleMessage(ctx context.Context, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	if m.ChannelID != a.cfg.ChannelID {
		log.Debug(log.CatAdapter, "message outside configured channel dropped",
			"adapter", Name, "channel_id", m.ChannelID)
		return
	}

	person, err := a.directory.GetPersonByPlatformRef(Name, m.Author.ID)
	if err != nil {
		log.Warn(log.CatAdapter, "inbound from unregistered sender dropped",
			"adapter", Name, "sender", m.Author.ID, "username", m.Author.Username)
		return
	}

	sess := a.route(m)
	if sess == nil {
		log.Warn(log.CatAdapter, "inbound with no routable session dropped",
			"adapter", Name, "sender", person.Handle)
		return
	}

	inbound := a.convert(m, sess, person)
	if inbound == nil {
		log.Debug(log.CatAdapter, "unsupported message kind dropped",
			"adapter", Name, "message_id", m.ID)
		return
	}

	if _, _, err := a.queue.Enqueue(ctx, inbound); err != nil {
		log.ErrorErr(log.CatAdapter, "inbound enqueue failed", err,
			"adapter", Name, "session_id", sess.SessionID)
	}
}

func (a *Adapter) route(m *discordgo.MessageCreate) *domain.Session {
	if m.MessageReference != nil && m.MessageReference.MessageID != "" {
		if sess := a.sessionForMessage(m.MessageReference.MessageID); sess != nil {
			return sess
		}
	}
	return a.latestActive()
}

func (a *Adapter) sessionForMessage(messageID string) *domain.Session {
	for _, id := range a.sessions.Live() {
		sess, err := a.sessions.Get(id)
		if err != nil {
			continue
		}
		m := a.meta(sess)
		if m.MessageID == messageID || m.WidgetMessageID == messageID {
			return sess
		}
	}
	return nil
}

func (a *Adapter) latestActive() *domain.Session {
	var best *domain.Session
	for _, id := range a.sessions.Live() {
		sess, err := a.sessions.Get(id)
		if err != nil || !sess.State.AcceptsInput() || sess.Unsubscribed(Name) {
			continue
		}
		if best == nil || sess.LastActivityAt.After(best.LastActivityAt) {
			best = sess
		}
	}
	return best
}

func (a *Adapter) convert(m *discordgo.MessageCreate, sess *domain.Session, person *domain.Person) *domain.InboundMessage {
	inbound := &domain.InboundMessage{
		SessionID:       sess.SessionID,
		Origin:          Name,
		ActorID:         m.Author.ID,
		ActorName:       actorName(m.Author, person),
		SourceMessageID: m.ID,
		SourceChannelID: m.ChannelID,
	}

	if len(m.Attachments) > 0 {
		att := m.Attachments[0]
		payload, err := json.Marshal(map[string]any{
			"source_url": att.URL,
			"file_name":  att.Filename,
			"mime":       att.ContentType,
		})
		if err != nil {
			return nil
		}
		inbound.Payload = payload
		inbound.Content = m.Content
		if strings.HasPrefix(att.ContentType, "audio/") {
			inbound.Type = domain.MessageTypeVoice
		} else {
			inbound.Type = domain.MessageTypeFile
		}
		return inbound
	}

	if m.Content == "" {
		return nil
	}
	inbound.Type = domain.MessageTypeText
	inbound.Content = m.Content
	return inbound
}

func actorName(author *discordgo.User, person *domain.Person) string {
	if author.Username != "" {
		return author.Username
	}
	return person.DisplayName
}

// meta is the adapter's slice of a session's adapter_metadata.
type meta struct {
	ChannelID       string `json:"channel_id,omitempty"`
	MessageID       string `json:"message_id,omitempty"`
	WidgetMessageID string `json:"widget_message_id,omitempty"`
	Unsubscribed    bool   `json:"unsubscribed,omitempty"`
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

func (a *Adapter) channelFor(m meta) string {
	if m.ChannelID != "" {
		return m.ChannelID
	}
	return a.cfg.ChannelID
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

// refGone matches the REST error returned when the referenced message no
// longer exists.
func refGone(err error) bool {
	var rest *discordgo.RESTError
	if errors.As(err, &rest) && rest.Message != nil {
		return rest.Message.Code == discordgo.ErrCodeUnknownMessage
	}
	return false
}
