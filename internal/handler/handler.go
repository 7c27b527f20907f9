package handler

import (
	"context"
	"fmt"
	"io"
	"strings"

	tg "github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/ogfirstofhisname/openai-telegram-chatbot/internal/chat"
	"github.com/ogfirstofhisname/openai-telegram-chatbot/internal/config"
	"github.com/ogfirstofhisname/openai-telegram-chatbot/internal/ingest"
	"github.com/ogfirstofhisname/openai-telegram-chatbot/internal/logging"
	"github.com/ogfirstofhisname/openai-telegram-chatbot/internal/storage"
)

// tokenWarnThreshold is the estimated token count above which the user is
// warned that the conversation is approaching the context window.
const tokenWarnThreshold = 50000

// BotAPI is the subset of the Telegram client the handler needs.
type BotAPI interface {
	SendMessage(ctx context.Context, params *tg.SendMessageParams) (*models.Message, error)
	GetFile(ctx context.Context, params *tg.GetFileParams) (*models.File, error)
	FileDownloadLink(file *models.File) string
}

// Completer submits conversations to the model and supports the auxiliary
// calls the handler makes around a turn.
type Completer interface {
	Complete(ctx context.Context, history []chat.Message) (string, error)
	Transcribe(ctx context.Context, audio io.Reader) (string, error)
	CountTokens(history []chat.Message) (int, error)
}

// Handler routes incoming Telegram updates through the shared turn pipeline:
// ingest → append → complete → append → reply.
type Handler struct {
	cfg   *config.Config
	store *chat.Store
	llm   Completer
}

// New creates a handler over the given conversation store and completion
// client.
func New(cfg *config.Config, store *chat.Store, llm Completer) *Handler {
	return &Handler{cfg: cfg, store: store, llm: llm}
}

// HandleUpdate processes a Telegram update.
func (h *Handler) HandleUpdate(ctx context.Context, b BotAPI, upd *models.Update) {
	ctx = logging.Context(ctx)
	if upd.Message == nil {
		return
	}
	msg := upd.Message
	if msg.From == nil {
		return
	}
	userID := msg.From.ID
	chatID := msg.Chat.ID
	ctx = logging.WithUser(ctx, userID)
	ctx = logging.WithChat(ctx, chatID)
	log := logging.Ctx(ctx)
	log.Info().Str("event", "telegram_request").Str("snippet", logging.Snippet(msg.Text, 30)).Msg("incoming message")

	if !h.cfg.Authorized(userID) {
		b.SendMessage(ctx, &tg.SendMessageParams{
			ChatID: chatID,
			Text:   fmt.Sprintf("You are not authorized to use this bot. Your Telegram user id is %d.", userID),
		})
		log.Warn().Str("event", "unauthorized").Msg("user not in allow-list")
		return
	}

	if cmd, args, ok := parseCommand(msg); ok {
		h.handleCommand(ctx, b, msg, cmd, args)
		return
	}

	switch {
	case msg.Voice != nil:
		h.handleVoice(ctx, b, msg)
	case msg.Document != nil:
		h.handleDocument(ctx, b, msg)
	case len(msg.Photo) > 0:
		h.handlePhoto(ctx, b, msg)
	case msg.Text != "":
		h.runTurn(ctx, b, msg, chat.Message{Role: chat.RoleUser, Text: msg.Text})
	}
}

func (h *Handler) handleCommand(ctx context.Context, b BotAPI, msg *models.Message, cmd, args string) {
	userID := msg.From.ID
	chatID := msg.Chat.ID
	log := logging.Ctx(ctx)

	switch cmd {
	case "start", "restart":
		h.store.Lock(userID)
		h.store.Reset(userID)
		h.store.Unlock(userID)
		b.SendMessage(ctx, &tg.SendMessageParams{ChatID: chatID, Text: "Conversation restarted. Send a message to begin a new one."})
		log.Info().Str("event", "conversation_reset").Msg("conversation reset")

	case "debug":
		on := args == "on"
		if args != "on" && args != "off" {
			b.SendMessage(ctx, &tg.SendMessageParams{ChatID: chatID, Text: "Usage: /debug on|off"})
			return
		}
		if err := storage.SetDebug(userID, on); err != nil {
			b.SendMessage(ctx, &tg.SendMessageParams{ChatID: chatID, Text: "Failed to save debug setting: " + err.Error()})
			return
		}
		b.SendMessage(ctx, &tg.SendMessageParams{ChatID: chatID, Text: fmt.Sprintf("debug set to %v", on)})
		log.Info().Str("event", "set_debug").Bool("debug", on).Msg("debug toggled")

	case "usage":
		u, err := storage.LoadUsage(userID)
		if err != nil {
			b.SendMessage(ctx, &tg.SendMessageParams{ChatID: chatID, Text: "Failed to load usage: " + err.Error()})
			return
		}
		b.SendMessage(ctx, &tg.SendMessageParams{ChatID: chatID, Text: fmt.Sprintf("Turns: %d, estimated tokens: %d", u.Turns, u.TokensSpent)})

	default:
		b.SendMessage(ctx, &tg.SendMessageParams{ChatID: chatID, Text: "Unknown command. Available: /start, /restart, /debug on|off, /usage"})
	}
}

func (h *Handler) handleVoice(ctx context.Context, b BotAPI, msg *models.Message) {
	chatID := msg.Chat.ID
	log := logging.Ctx(ctx)

	text, ok, err := ingest.Voice(ctx, b, h.llm, msg.From.ID, msg.Voice.FileID)
	if err != nil {
		log.Error().Err(err).Str("event", "voice_ingest_failed").Msg("voice ingestion failed")
		b.SendMessage(ctx, &tg.SendMessageParams{ChatID: chatID, Text: "Error converting voice message to text."})
		return
	}
	if !ok {
		b.SendMessage(ctx, &tg.SendMessageParams{ChatID: chatID, Text: text})
		return
	}
	b.SendMessage(ctx, &tg.SendMessageParams{
		ChatID:    chatID,
		Text:      "transcripted voice message:\n" + text,
		ParseMode: models.ParseModeMarkdownV1,
	})
	log.Info().Str("event", "voice_transcribed").Str("snippet", logging.Snippet(text, 30)).Msg("voice message transcribed")
	h.runTurn(ctx, b, msg, chat.Message{Role: chat.RoleUser, Text: text})
}

func (h *Handler) handleDocument(ctx context.Context, b BotAPI, msg *models.Message) {
	log := logging.Ctx(ctx)
	text, err := ingest.File(ctx, b, msg.Document.FileID, msg.Caption)
	if err != nil {
		log.Error().Err(err).Str("event", "file_ingest_failed").Msg("file ingestion failed")
		b.SendMessage(ctx, &tg.SendMessageParams{ChatID: msg.Chat.ID, Text: "Error downloading the attached file."})
		return
	}
	h.runTurn(ctx, b, msg, chat.Message{Role: chat.RoleUser, Text: text})
}

func (h *Handler) handlePhoto(ctx context.Context, b BotAPI, msg *models.Message) {
	log := logging.Ctx(ctx)
	// Telegram sends photos in several resolutions; the last is the largest.
	fileID := msg.Photo[len(msg.Photo)-1].FileID
	userMsg, err := ingest.Image(ctx, b, fileID, msg.Caption)
	if err != nil {
		log.Error().Err(err).Str("event", "image_ingest_failed").Msg("image ingestion failed")
		b.SendMessage(ctx, &tg.SendMessageParams{ChatID: msg.Chat.ID, Text: "Error resolving the attached image."})
		return
	}
	h.runTurn(ctx, b, msg, userMsg)
}

// runTurn executes one conversation turn. The user message is only appended
// to the stored history together with the assistant reply after a successful
// completion, so a failed turn never advances the conversation.
func (h *Handler) runTurn(ctx context.Context, b BotAPI, msg *models.Message, userMsg chat.Message) {
	userID := msg.From.ID
	chatID := msg.Chat.ID
	log := logging.Ctx(ctx)

	h.store.Lock(userID)
	defer h.store.Unlock(userID)

	history := append(h.store.GetOrInit(userID), userMsg)

	tokens, err := h.llm.CountTokens(history)
	if err != nil {
		log.Warn().Err(err).Msg("token count failed")
	}
	if debugOn, _ := storage.Debug(userID); debugOn {
		b.SendMessage(ctx, &tg.SendMessageParams{
			ChatID: chatID,
			Text:   fmt.Sprintf("Got message! Chat length: %d, tokens: %d", len(history), tokens),
		})
	}
	if tokens > tokenWarnThreshold {
		b.SendMessage(ctx, &tg.SendMessageParams{
			ChatID: chatID,
			Text:   fmt.Sprintf("Warning, close to max tokens. Tokens: %d", tokens),
		})
	}

	log.Info().Str("event", "completion_request").Int("history_len", len(history)).Int("tokens", tokens).Str("snippet", logging.Snippet(userMsg.Text, 30)).Msg("sending conversation to OpenAI")
	reply, err := h.llm.Complete(ctx, history)
	if err != nil {
		log.Error().Err(err).Str("event", "completion_failed").Msg("completion request failed")
		b.SendMessage(ctx, &tg.SendMessageParams{ChatID: chatID, Text: "OpenAI error: " + err.Error()})
		return
	}

	h.store.Append(userID, userMsg)
	h.store.Append(userID, chat.Message{Role: chat.RoleAssistant, Text: reply})
	if err := storage.RecordTurn(userID, tokens); err != nil {
		log.Warn().Err(err).Msg("failed to record usage")
	}
	log.Info().Str("event", "completion_response").Int("chat_len", h.store.Len(userID)).Str("snippet", logging.Snippet(reply, 30)).Msg("received from OpenAI")

	// Legacy Markdown: model output is not escaped for MarkdownV2's stricter
	// syntax, and V1 tolerates stray formatting characters.
	b.SendMessage(ctx, &tg.SendMessageParams{
		ChatID:          chatID,
		Text:            reply,
		ParseMode:       models.ParseModeMarkdownV1,
		ReplyParameters: &models.ReplyParameters{MessageID: msg.ID},
	})
}

func parseCommand(msg *models.Message) (cmd, args string, ok bool) {
	if msg.Text == "" {
		return "", "", false
	}
	for _, e := range msg.Entities {
		if e.Type == models.MessageEntityTypeBotCommand && e.Offset == 0 {
			cmd = strings.TrimPrefix(msg.Text[:e.Length], "/")
			args = strings.TrimSpace(msg.Text[e.Length:])
			return cmd, args, true
		}
	}
	return "", "", false
}
