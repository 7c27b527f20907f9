package main

import (
	"github.com/ogfirstofhisname/openai-telegram-chatbot/internal/bot"
	"github.com/ogfirstofhisname/openai-telegram-chatbot/internal/logging"
)

func main() {
	logging.Init()
	if err := bot.Run(); err != nil {
		logging.Log.Fatal().Err(err).Msg("bot stopped")
	}
}
