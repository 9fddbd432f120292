// Package config загружает настройки софтфона: значения по умолчанию,
// затем YAML файл, затем .env файл и переменные окружения SOFTPHONE_*.
package config

import (
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/arzzra/softphone/pkg/engine"
	"github.com/arzzra/softphone/pkg/notify"
	"github.com/arzzra/softphone/pkg/session"
)

const (
	// EnvPrefix префикс переменных окружения
	EnvPrefix = "SOFTPHONE_"
	// EnvConfigFile путь к YAML файлу
	EnvConfigFile = "SOFTPHONE_CONFIG"
	// EnvFile путь к .env файлу
	EnvFile = "ENV_FILE"
)

// Config корневая конфигурация.
type Config struct {
	Credentials Credentials `yaml:"credentials" envPrefix:"CREDENTIALS_"`
	Agent       Agent       `yaml:"agent" envPrefix:"AGENT_"`
	Session     Session     `yaml:"session" envPrefix:"SESSION_"`
	Tones       Tones       `yaml:"tones" envPrefix:"TONES_"`
	HTTP        HTTP        `yaml:"http" envPrefix:"HTTP_"`
	Log         Log         `yaml:"log" envPrefix:"LOG_"`
}

// Credentials учетные данные SIP. Агент строится, когда заданы все поля.
type Credentials struct {
	ServerURL string `yaml:"server_url" env:"SERVER_URL"`
	Identity  string `yaml:"identity" env:"IDENTITY"`
	Secret    string `yaml:"secret" env:"SECRET"`
}

type Agent struct {
	RegisterExpires            time.Duration `yaml:"register_expires" env:"REGISTER_EXPIRES"`
	ReconnectMin               time.Duration `yaml:"reconnect_min" env:"RECONNECT_MIN"`
	ReconnectMax               time.Duration `yaml:"reconnect_max" env:"RECONNECT_MAX"`
	SessionTimersRefreshMethod string        `yaml:"session_timers_refresh_method" env:"SESSION_TIMERS_REFRESH_METHOD"`
	TransitionTimeout          time.Duration `yaml:"transition_timeout" env:"TRANSITION_TIMEOUT"`
	UserAgent                  string        `yaml:"user_agent" env:"USER_AGENT"`
	Transport                  string        `yaml:"transport" env:"TRANSPORT"`
	ListenAddr                 string        `yaml:"listen_addr" env:"LISTEN_ADDR"`
	MediaHost                  string        `yaml:"media_host" env:"MEDIA_HOST"`
	SecureMedia                bool          `yaml:"secure_media" env:"SECURE_MEDIA"`
}

type Media struct {
	Audio bool `yaml:"audio" env:"AUDIO"`
	Video bool `yaml:"video" env:"VIDEO"`
}

type Session struct {
	AnswerMedia   Media `yaml:"answer_media" envPrefix:"ANSWER_"`
	OutgoingMedia Media `yaml:"outgoing_media" envPrefix:"OUTGOING_"`
}

type Tone struct {
	Path   string        `yaml:"path" env:"PATH"`
	Repeat time.Duration `yaml:"repeat" env:"REPEAT"`
	Volume float64       `yaml:"volume" env:"VOLUME"`
}

type Tones struct {
	Primary   Tone `yaml:"primary" envPrefix:"PRIMARY_"`
	Secondary Tone `yaml:"secondary" envPrefix:"SECONDARY_"`
	// Output файл или fifo для PCM удаленного звука, пусто отключает вывод
	Output string `yaml:"output" env:"OUTPUT"`
}

type HTTP struct {
	ListenAddr string `yaml:"listen_addr" env:"LISTEN_ADDR"`
}

type Log struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
}

// DefaultConfig значения по умолчанию.
func DefaultConfig() *Config {
	primary := notify.PrimaryTone()
	secondary := notify.SecondaryTone()
	return &Config{
		Agent: Agent{
			RegisterExpires:            60 * time.Second,
			ReconnectMin:               15 * time.Second,
			ReconnectMax:               15 * time.Second,
			SessionTimersRefreshMethod: "invite",
			TransitionTimeout:          15 * time.Second,
			UserAgent:                  "SoftPhone/1.0",
			Transport:                  "udp",
			ListenAddr:                 "0.0.0.0:5060",
			MediaHost:                  "127.0.0.1",
		},
		Session: Session{
			AnswerMedia:   Media{Audio: true},
			OutgoingMedia: Media{Audio: true},
		},
		Tones: Tones{
			Primary:   Tone{Path: primary.Path, Repeat: primary.RepeatInterval, Volume: primary.Volume},
			Secondary: Tone{Path: secondary.Path, Repeat: secondary.RepeatInterval, Volume: secondary.Volume},
		},
		HTTP: HTTP{ListenAddr: ":8080"},
		Log:  Log{Level: "info", Format: "text"},
	}
}

// Load собирает конфигурацию из всех источников по порядку.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	if path := os.Getenv(EnvConfigFile); path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}

	if err := LoadEnvFile(); err != nil {
		return nil, err
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile накладывает YAML файл на текущие значения.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "failed to read config %s", path)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return errors.Wrapf(err, "failed to parse config %s", path)
	}
	slog.Debug("config file loaded", slog.String("path", path))
	return nil
}

// LoadEnvFile загружает ENV_FILE или ./.env. Отсутствие файла не ошибка.
func LoadEnvFile() error {
	path := os.Getenv(EnvFile)
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(err, "failed to stat env file %s", path)
	}
	if err := godotenv.Load(path); err != nil {
		return errors.Wrapf(err, "failed to load env file %s", path)
	}
	return nil
}

// ApplyEnv накладывает переменные SOFTPHONE_*. Незаданные переменные
// не трогают текущие значения.
func (c *Config) ApplyEnv() error {
	if err := env.ParseWithOptions(c, env.Options{Prefix: EnvPrefix}); err != nil {
		return errors.Wrap(err, "failed to parse environment")
	}
	return nil
}

// Validate проверяет согласованность значений.
func (c *Config) Validate() error {
	a := c.Agent
	if a.RegisterExpires <= 0 {
		return errors.New("agent.register_expires must be positive")
	}
	if a.ReconnectMin <= 0 || a.ReconnectMax < a.ReconnectMin {
		return errors.Errorf("agent reconnect interval [%s, %s] is invalid", a.ReconnectMin, a.ReconnectMax)
	}
	if a.TransitionTimeout <= 0 {
		return errors.New("agent.transition_timeout must be positive")
	}
	switch strings.ToLower(a.Transport) {
	case "udp", "tcp":
	default:
		return errors.Errorf("unsupported transport %q", a.Transport)
	}
	if _, _, err := net.SplitHostPort(a.ListenAddr); err != nil {
		return errors.Wrapf(err, "agent.listen_addr %q", a.ListenAddr)
	}
	switch strings.ToLower(a.SessionTimersRefreshMethod) {
	case "invite", "update":
	default:
		return errors.Errorf("unsupported session timers refresh method %q", a.SessionTimersRefreshMethod)
	}
	for name, t := range map[string]Tone{"primary": c.Tones.Primary, "secondary": c.Tones.Secondary} {
		if t.Volume < 0 || t.Volume > 1 {
			return errors.Errorf("tones.%s.volume must be within [0, 1]", name)
		}
		if t.Repeat < 0 {
			return errors.Errorf("tones.%s.repeat must not be negative", name)
		}
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return errors.Errorf("unsupported log format %q", c.Log.Format)
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return errors.Wrapf(err, "log.level %q", c.Log.Level)
	}
	return nil
}

// HasCredentials заданы ли все учетные данные.
func (c *Config) HasCredentials() bool {
	return c.Credentials.ServerURL != "" && c.Credentials.Identity != "" && c.Credentials.Secret != ""
}

// EngineCredentials учетные данные для движка.
func (c *Config) EngineCredentials() engine.Credentials {
	return engine.Credentials{
		ServerURL: c.Credentials.ServerURL,
		Identity:  c.Credentials.Identity,
		Secret:    c.Credentials.Secret,
	}
}

// AgentConfig параметры агента для движка.
func (c *Config) AgentConfig() engine.AgentConfig {
	a := c.Agent
	return engine.AgentConfig{
		RegisterExpires:            a.RegisterExpires,
		ReconnectMinInterval:       a.ReconnectMin,
		ReconnectMaxInterval:       a.ReconnectMax,
		SessionTimersRefreshMethod: strings.ToLower(a.SessionTimersRefreshMethod),
		UserAgent:                  a.UserAgent,
		Transport:                  strings.ToLower(a.Transport),
		ListenAddr:                 a.ListenAddr,
		MediaHost:                  a.MediaHost,
		SecureMedia:                a.SecureMedia,
	}
}

// RegistryConfig параметры реестра сессий.
func (c *Config) RegistryConfig() session.RegistryConfig {
	cfg := session.DefaultRegistryConfig()
	cfg.Session.Answer.Media = engine.MediaConstraints(c.Session.AnswerMedia)
	cfg.Outgoing.Media = engine.MediaConstraints(c.Session.OutgoingMedia)
	return cfg
}

// Tone параметры рингтона для проигрывателя.
func (t Tone) Tone(name string) notify.ToneConfig {
	return notify.ToneConfig{
		Name:           name,
		Path:           t.Path,
		RepeatInterval: t.Repeat,
		Volume:         t.Volume,
	}
}
