package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ogfirstofhisname/openai-telegram-chatbot/internal/logging"
)

const (
	telegramTokenFile = "telegram_api_token"
	openAIKeyFile     = "openai_api_key"
	systemPromptFile  = "system_prompt"
	allowListFile     = "allowed_user_ids"

	defaultSystemPrompt = "You are a helpful assistant in a Telegram chat."

	// temperaturePlaceholder in the system prompt file is substituted with the
	// configured temperature so the prompt can describe the bot's own settings.
	temperaturePlaceholder = "TEMPERATURE_VAL"
)

// Config holds the application configuration. Credentials and the system
// prompt come from local files; tunables come from environment variables
// (optionally via a .env file loaded by the caller).
type Config struct {
	FilesDir string

	TelegramToken string
	OpenAIKey     string
	SystemPrompt  string

	// AllowedUserIDs is an access whitelist. Empty means unrestricted.
	AllowedUserIDs map[int64]bool

	Model       string
	Temperature float64
	RetryBudget time.Duration
	DBPath      string
}

// Load reads configuration from the environment and the files directory.
// Missing credential files are fatal; the system prompt and allow-list
// files are optional.
func Load() (*Config, error) {
	cfg := &Config{
		FilesDir:    envOr("BOT_FILES_DIR", "files"),
		Model:       envOr("BOT_MODEL", "gpt-4-turbo"),
		Temperature: 0.5,
		RetryBudget: 60 * time.Second,
		DBPath:      envOr("BOT_DB_PATH", "bot.db"),
	}

	if v := os.Getenv("BOT_TEMPERATURE"); v != "" {
		t, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid BOT_TEMPERATURE: %w", err)
		}
		cfg.Temperature = t
	}
	if v := os.Getenv("BOT_RETRY_BUDGET_SECONDS"); v != "" {
		s, err := strconv.Atoi(v)
		if err != nil || s <= 0 {
			return nil, fmt.Errorf("invalid BOT_RETRY_BUDGET_SECONDS: %q", v)
		}
		cfg.RetryBudget = time.Duration(s) * time.Second
	}

	var err error
	if cfg.TelegramToken, err = readCredential(filepath.Join(cfg.FilesDir, telegramTokenFile)); err != nil {
		return nil, fmt.Errorf("telegram token: %w", err)
	}
	if cfg.OpenAIKey, err = readCredential(filepath.Join(cfg.FilesDir, openAIKeyFile)); err != nil {
		return nil, fmt.Errorf("openai key: %w", err)
	}
	cfg.SystemPrompt = loadSystemPrompt(filepath.Join(cfg.FilesDir, systemPromptFile), cfg.Temperature)
	cfg.AllowedUserIDs = loadAllowList(filepath.Join(cfg.FilesDir, allowListFile))

	return cfg, nil
}

// Authorized reports whether the user may use the bot. An empty allow-list
// grants access to everyone.
func (c *Config) Authorized(userID int64) bool {
	return len(c.AllowedUserIDs) == 0 || c.AllowedUserIDs[userID]
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// readCredential returns the first line of the file with surrounding
// whitespace removed.
func readCredential(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return "", err
		}
		return "", fmt.Errorf("%s is empty", path)
	}
	cred := strings.TrimSpace(sc.Text())
	if cred == "" {
		return "", fmt.Errorf("%s is empty", path)
	}
	return cred, nil
}

// loadSystemPrompt reads the prompt file, substitutes the temperature
// placeholder and strips newlines. A missing file yields the default prompt.
func loadSystemPrompt(path string, temperature float64) string {
	data, err := os.ReadFile(path)
	if err != nil {
		logging.Log.Warn().Str("path", path).Msg("system prompt file not found, using default")
		return defaultSystemPrompt
	}
	prompt := string(data)
	if strings.Contains(prompt, temperaturePlaceholder) {
		prompt = strings.ReplaceAll(prompt, temperaturePlaceholder, strconv.FormatFloat(temperature, 'g', -1, 64))
	}
	prompt = strings.ReplaceAll(prompt, "\r", "")
	prompt = strings.ReplaceAll(prompt, "\n", "")
	return prompt
}

// loadAllowList parses one numeric user id per line. Empty, non-numeric and
// non-positive lines are discarded. A missing file means unrestricted access.
func loadAllowList(path string) map[int64]bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	ids := make(map[int64]bool)
	for _, line := range strings.Split(string(data), "\n") {
		s := strings.TrimSpace(line)
		if s == "" {
			continue
		}
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil || id <= 0 {
			logging.Log.Warn().Str("line", logging.Snippet(s, 30)).Msg("ignoring invalid allow-list entry")
			continue
		}
		ids[id] = true
	}
	if len(ids) == 0 {
		return nil
	}
	return ids
}
