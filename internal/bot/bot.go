package bot

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	tg "github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/joho/godotenv"

	"github.com/ogfirstofhisname/openai-telegram-chatbot/internal/chat"
	"github.com/ogfirstofhisname/openai-telegram-chatbot/internal/config"
	"github.com/ogfirstofhisname/openai-telegram-chatbot/internal/handler"
	"github.com/ogfirstofhisname/openai-telegram-chatbot/internal/llm"
	"github.com/ogfirstofhisname/openai-telegram-chatbot/internal/logging"
	"github.com/ogfirstofhisname/openai-telegram-chatbot/internal/storage"
)

// Run wires the components together and polls Telegram for updates until
// the process receives an interrupt.
func Run() error {
	// .env is optional; real deployments set the environment directly.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logging.Log.Warn().Err(err).Msg("could not load .env file")
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := storage.Init(cfg.DBPath); err != nil {
		return err
	}
	defer storage.Close()

	store := chat.NewStore(cfg.SystemPrompt)
	client := llm.New(cfg.OpenAIKey, cfg.Model, cfg.Temperature, cfg.RetryBudget)
	h := handler.New(cfg, store, client)

	b, err := tg.New(cfg.TelegramToken, tg.WithDefaultHandler(func(ctx context.Context, b *tg.Bot, upd *models.Update) {
		h.HandleUpdate(ctx, b, upd)
	}))
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logging.Log.Info().Str("model", cfg.Model).Int("allow_list", len(cfg.AllowedUserIDs)).Msg("bot started")
	b.Start(ctx)
	logging.Log.Info().Msg("bot stopped")
	return nil
}
