package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

var (
	ErrNoAPIKey        = errors.New("no Gemini API key configured (GEMINI_API_KEY, GEMINI_API_KEY_1..3)")
	ErrMissingInstance = errors.New("character directory not found")
	ErrMissingToken    = errors.New("discord token is not set")
)

// Config is the process configuration, read from the environment.
type Config struct {
	InstancesDir string `env:"EAST_INSTANCES_DIR" envDefault:"instances"`

	GeminiAPIKey  string `env:"GEMINI_API_KEY"`
	GeminiAPIKey1 string `env:"GEMINI_API_KEY_1"`
	GeminiAPIKey2 string `env:"GEMINI_API_KEY_2"`
	GeminiAPIKey3 string `env:"GEMINI_API_KEY_3"`

	PrimaryModels []string      `env:"EAST_PRIMARY_MODELS" envDefault:"gemini-2.5-pro,gemini-2.5-flash,gemini-2.5-flash-lite" envSeparator:","`
	AnalysisModel string        `env:"EAST_ANALYSIS_MODEL" envDefault:"gemini-2.0-flash"`
	APITimeout    time.Duration `env:"EAST_API_TIMEOUT" envDefault:"120s"`
	MaxHistory    int           `env:"EAST_MAX_HISTORY" envDefault:"50"`
	CommandPrefix string        `env:"EAST_COMMAND_PREFIX" envDefault:"!"`

	VoicevoxURL          string         `env:"VOICEVOX_URL" envDefault:"http://127.0.0.1:50021"`
	VoicevoxStyles       map[string]int `env:"VOICEVOX_STYLES" envDefault:"normal:47,fun:48,fear:49,wisper:50"`
	VoicevoxDefaultStyle int            `env:"VOICEVOX_DEFAULT_STYLE" envDefault:"50"`
	VoicevoxSpeed        float64        `env:"VOICEVOX_SPEED" envDefault:"1.0"`

	TimeZone     string        `env:"EAST_TIMEZONE" envDefault:"Asia/Tokyo"`
	AutosaveSpec string        `env:"EAST_AUTOSAVE" envDefault:"@every 10m"`
	StatusAddr   string        `env:"EAST_STATUS_ADDR"`
	LogLevel     string        `env:"EAST_LOG_LEVEL" envDefault:"info"`
	LogFile      string        `env:"EAST_LOG_FILE"`
	ChunkPause   time.Duration `env:"EAST_CHUNK_PAUSE" envDefault:"500ms"`
	BackupCount  int           `env:"EAST_BACKUP_COUNT" envDefault:"3"`

	Character string
	Paths     Paths

	location *time.Location
}

// Paths are the per-character files.
type Paths struct {
	BaseDir         string
	DataDir         string
	Persona         string
	EmotionAnalyzer string
	Setting         string
	History         string
	Unread          string
	Emotion         string
	Schedule        string
	Memory          string
}

// LoadDotenv loads .env into the process environment if the file exists.
func LoadDotenv(files ...string) error {
	err := godotenv.Load(files...)
	if err != nil && errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// Load reads the environment and resolves the files of character.
// The character directory must exist; its data directory is created.
func Load(character string) (*Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	cfg.Character = character

	if len(cfg.APIKeys()) == 0 {
		return nil, ErrNoAPIKey
	}

	cfg.location, err = time.LoadLocation(cfg.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("invalid time zone %q: %w", cfg.TimeZone, err)
	}

	base := filepath.Join(cfg.InstancesDir, character)
	info, err := os.Stat(base)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrMissingInstance, base)
	}
	data := filepath.Join(base, "data")
	if err := os.MkdirAll(data, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	cfg.Paths = Paths{
		BaseDir:         base,
		DataDir:         data,
		Persona:         filepath.Join(base, "persona.txt"),
		EmotionAnalyzer: filepath.Join(base, "emotion.txt"),
		Setting:         filepath.Join(data, "setting.json"),
		History:         filepath.Join(data, "history.json"),
		Unread:          filepath.Join(data, "unread_messages.json"),
		Emotion:         filepath.Join(data, "emotion.json"),
		Schedule:        filepath.Join(data, "schedule.json"),
		Memory:          filepath.Join(data, "memory.json"),
	}
	return &cfg, nil
}

// APIKeys returns the configured Gemini keys in rotation order, skipping
// unset ones.
func (c *Config) APIKeys() []string {
	var keys []string
	for _, k := range []string{c.GeminiAPIKey, c.GeminiAPIKey1, c.GeminiAPIKey2, c.GeminiAPIKey3} {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

// Location is the time zone used for timestamps and the activity schedule.
func (c *Config) Location() *time.Location {
	if c.location == nil {
		return time.Local
	}
	return c.location
}

// TokenEnvVar is the environment variable holding the bot token of name.
func TokenEnvVar(name string) string {
	return "DISCORD_TOKEN_" + strings.ToUpper(name)
}

// Token reads the bot token for name.
func Token(name string) (string, error) {
	key := TokenEnvVar(name)
	tok := strings.TrimSpace(os.Getenv(key))
	if tok == "" {
		return "", fmt.Errorf("%w: %s", ErrMissingToken, key)
	}
	return tok, nil
}
