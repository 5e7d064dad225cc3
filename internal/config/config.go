package config

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/adrg/xdg"
)

const messagesConfigDir = "cheese-puzzle/messages"

type AppConfig struct {
	PuzzleAPIURL  string
	DefaultRating int

	StockfishPath      string
	EngineThreads      int
	EngineHashMB       int
	EngineDepth        int
	EngineMaxProcesses int

	ReplyDelay  time.Duration
	SolvedDelay time.Duration

	RedisURL      string
	PrefetchCount int
	ListenAddr    string
	MessagesDir   string
}

func Load() (*AppConfig, error) {
	cfg := &AppConfig{
		DefaultRating:      1500,
		EngineThreads:      4,
		EngineHashMB:       128,
		EngineDepth:        12,
		EngineMaxProcesses: 8,
		ReplyDelay:         600 * time.Millisecond,
		SolvedDelay:        500 * time.Millisecond,
		PrefetchCount:      3,
		ListenAddr:         ":8080",
	}

	cfg.PuzzleAPIURL = strings.TrimRight(strings.TrimSpace(os.Getenv("PUZZLE_API_URL")), "/")
	cfg.StockfishPath = strings.TrimSpace(os.Getenv("STOCKFISH_PATH"))
	cfg.RedisURL = strings.TrimSpace(os.Getenv("REDIS_URL"))

	if v := strings.TrimSpace(os.Getenv("LISTEN_ADDR")); v != "" {
		cfg.ListenAddr = v
	}
	positiveInt("PUZZLE_RATING", &cfg.DefaultRating)
	positiveInt("ENGINE_THREADS", &cfg.EngineThreads)
	positiveInt("ENGINE_HASH_MB", &cfg.EngineHashMB)
	positiveInt("ENGINE_DEPTH", &cfg.EngineDepth)
	positiveInt("ENGINE_MAX_PROCESSES", &cfg.EngineMaxProcesses)
	positiveInt("PUZZLE_PREFETCH", &cfg.PrefetchCount)
	millis("REPLY_DELAY_MS", &cfg.ReplyDelay)
	millis("SOLVED_DELAY_MS", &cfg.SolvedDelay)

	cfg.MessagesDir = strings.TrimSpace(os.Getenv("MESSAGES_DIR"))
	if cfg.MessagesDir == "" {
		cfg.MessagesDir = defaultMessagesDir()
	}

	if cfg.PuzzleAPIURL == "" {
		return nil, errors.New("PUZZLE_API_URL is required")
	}
	return cfg, nil
}

// EvaluationEnabled reports whether an engine binary was configured.
func (c *AppConfig) EvaluationEnabled() bool {
	return c != nil && c.StockfishPath != ""
}

func positiveInt(key string, dst *int) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			*dst = n
		}
	}
}

// zero is accepted so tests and demos can disable the delays.
func millis(key string, dst *time.Duration) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			*dst = time.Duration(n) * time.Millisecond
		}
	}
}

func defaultMessagesDir() string {
	for _, dir := range append([]string{xdg.ConfigHome}, xdg.ConfigDirs...) {
		candidate := filepath.Join(dir, messagesConfigDir)
		if st, err := os.Stat(candidate); err == nil && st.IsDir() {
			return candidate
		}
	}
	return ""
}
