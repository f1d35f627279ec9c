package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"teleclaude/internal/domain"
	"teleclaude/internal/log"
)

func (a *Adapter) consume(ctx context.Context, updates tgbotapi.UpdatesChannel) {
	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			if err := a.HandleUpdate(ctx, update); err != nil {
				log.ErrorErr(log.CatAdapter, "inbound enqueue failed", err,
					"adapter", Name)
			}
		}
	}
}

// HandleUpdate converts one platform update into an inbound enqueue. Both
// the long-poll loop and the webhook listener feed through here. Updates
// from outside the configured chat, from bots, and from senders missing in
// the directory are dropped with a nil return; only a store failure on
// enqueue surfaces as an error, so the webhook listener can answer 5xx and
// let the platform retry.
func (a *Adapter) HandleUpdate(ctx context.Context, update tgbotapi.Update) error {
	msg := update.Message
	if msg == nil || msg.From == nil || msg.From.IsBot {
		return nil
	}
	if msg.Chat == nil || msg.Chat.ID != a.cfg.ChatID {
		log.Debug(log.CatAdapter, "update outside configured chat dropped",
			"adapter", Name, "chat_id", chatID(msg))
		return nil
	}

	ref := strconv.FormatInt(msg.From.ID, 10)
	person, err := a.directory.GetPersonByPlatformRef(Name, ref)
	if err != nil {
		log.Warn(log.CatAdapter, "inbound from unregistered sender dropped",
			"adapter", Name, "sender", ref, "username", msg.From.UserName)
		return nil
	}

	sess := a.route(msg)
	if sess == nil {
		log.Warn(log.CatAdapter, "inbound with no routable session dropped",
			"adapter", Name, "sender", person.Handle)
		return nil
	}

	inbound := a.convert(msg, sess, person)
	if inbound == nil {
		log.Debug(log.CatAdapter, "unsupported message kind dropped",
			"adapter", Name, "message_id", msg.MessageID)
		return nil
	}

	if _, _, err := a.queue.Enqueue(ctx, inbound); err != nil {
		return fmt.Errorf("enqueue inbound for %s: %w", sess.SessionID, err)
	}
	return nil
}

// route picks the target session: a reply to one of the bot's posted
// messages binds to that message's session, anything else goes to the most
// recently active live session.
func (a *Adapter) route(msg *tgbotapi.Message) *domain.Session {
	if msg.ReplyToMessage != nil {
		if sess := a.sessionForMessage(msg.ReplyToMessage.MessageID); sess != nil {
			return sess
		}
	}
	return a.latestActive()
}

func (a *Adapter) sessionForMessage(messageID int) *domain.Session {
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

func (a *Adapter) convert(msg *tgbotapi.Message, sess *domain.Session, person *domain.Person) *domain.InboundMessage {
	inbound := &domain.InboundMessage{
		SessionID:       sess.SessionID,
		Origin:          Name,
		ActorID:         strconv.FormatInt(msg.From.ID, 10),
		ActorName:       actorName(msg.From, person),
		SourceMessageID: strconv.Itoa(msg.MessageID),
		SourceChannelID: strconv.FormatInt(msg.Chat.ID, 10),
	}

	switch {
	case msg.Voice != nil:
		url, err := a.api.GetFileDirectURL(msg.Voice.FileID)
		if err != nil {
			log.Warn(log.CatAdapter, "voice file url lookup failed",
				"adapter", Name, "error", err)
			return nil
		}
		inbound.Type = domain.MessageTypeVoice
		inbound.Content = msg.Caption
		inbound.Payload = mustJSON(map[string]any{
			"source_url": url,
			"mime":       "audio/ogg",
			"duration":   msg.Voice.Duration,
		})

	case msg.Document != nil:
		url, err := a.api.GetFileDirectURL(msg.Document.FileID)
		if err != nil {
			log.Warn(log.CatAdapter, "document file url lookup failed",
				"adapter", Name, "error", err)
			return nil
		}
		inbound.Type = domain.MessageTypeFile
		inbound.Content = msg.Caption
		inbound.Payload = mustJSON(map[string]any{
			"source_url": url,
			"file_name":  msg.Document.FileName,
			"mime":       msg.Document.MimeType,
		})

	case msg.Text != "":
		inbound.Type = domain.MessageTypeText
		inbound.Content = msg.Text

	default:
		return nil
	}
	return inbound
}

func actorName(from *tgbotapi.User, person *domain.Person) string {
	name := strings.TrimSpace(from.FirstName + " " + from.LastName)
	if name != "" {
		return name
	}
	if from.UserName != "" {
		return from.UserName
	}
	return person.DisplayName
}

func chatID(msg *tgbotapi.Message) int64 {
	if msg.Chat == nil {
		return 0
	}
	return msg.Chat.ID
}

func mustJSON(v map[string]any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("{}")
	}
	return raw
}
