package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to environment variable names, e.g. CHATUSHKA_TOKEN.
const EnvPrefix = "CHATUSHKA"

// Keys understood by Load.
const (
	KeyToken        = "token"
	KeyPrefixes     = "commands.prefixes"
	KeyPostfixes    = "commands.postfixes"
	KeyAllowRaw     = "commands.allow_raw"
	KeyBotUsername  = "bot_username"
	KeyAdmins       = "admins"
	KeyDebug        = "debug"
	KeyPollTimeout  = "poll.timeout"
	KeyRetryDelay   = "poll.retry_delay"
	KeyConcurrency  = "concurrency"
	KeyLogLevel     = "log.level"
	KeyLogFormat    = "log.format"
	KeyPhrasebook   = "phrasebook"
	KeyAPIServer    = "api_server"
	KeyFloodMax     = "flood.max_calls"
	KeyFloodWindow  = "flood.window"
	KeyFloodLockout = "flood.lockout"
)

// Settings is the resolved bot configuration.
type Settings struct {
	Token       string
	Prefixes    []string
	Postfixes   []string
	AllowRaw    bool
	BotUsername string
	Admins      []int64
	Debug       bool
	PollTimeout time.Duration
	RetryDelay  time.Duration
	Concurrency int
	LogLevel    string
	LogFormat   string
	Phrasebook  string
	APIServer   string
	Flood       FloodSettings
}

// FloodSettings bounds how often one user may trigger rate-limited commands.
type FloodSettings struct {
	MaxCalls int
	Window   time.Duration
	Lockout  time.Duration
}

// SetDefaults registers default values on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyPrefixes, []string{"/", "!"})
	v.SetDefault(KeyPostfixes, []string{""})
	v.SetDefault(KeyAllowRaw, false)
	v.SetDefault(KeyDebug, false)
	v.SetDefault(KeyPollTimeout, 60*time.Second)
	v.SetDefault(KeyRetryDelay, 5*time.Second)
	v.SetDefault(KeyConcurrency, 0)
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogFormat, "text")
	v.SetDefault(KeyFloodMax, 5)
	v.SetDefault(KeyFloodWindow, time.Minute)
	v.SetDefault(KeyFloodLockout, 5*time.Minute)
}

// BindEnv makes every key readable from CHATUSHKA_* variables.
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
}

// Load resolves Settings from v. When no token is configured, tokenFallback
// (if non-nil) is consulted, typically the OS keychain.
func Load(v *viper.Viper, tokenFallback func() (string, error)) (Settings, error) {
	s := Settings{
		Token:       strings.TrimSpace(v.GetString(KeyToken)),
		Prefixes:    v.GetStringSlice(KeyPrefixes),
		Postfixes:   v.GetStringSlice(KeyPostfixes),
		AllowRaw:    v.GetBool(KeyAllowRaw),
		BotUsername: strings.TrimPrefix(strings.TrimSpace(v.GetString(KeyBotUsername)), "@"),
		Debug:       v.GetBool(KeyDebug),
		PollTimeout: v.GetDuration(KeyPollTimeout),
		RetryDelay:  v.GetDuration(KeyRetryDelay),
		Concurrency: v.GetInt(KeyConcurrency),
		LogLevel:    strings.ToLower(strings.TrimSpace(v.GetString(KeyLogLevel))),
		LogFormat:   strings.ToLower(strings.TrimSpace(v.GetString(KeyLogFormat))),
		Phrasebook:  strings.TrimSpace(v.GetString(KeyPhrasebook)),
		APIServer:   strings.TrimSpace(v.GetString(KeyAPIServer)),
		Flood: FloodSettings{
			MaxCalls: v.GetInt(KeyFloodMax),
			Window:   v.GetDuration(KeyFloodWindow),
			Lockout:  v.GetDuration(KeyFloodLockout),
		},
	}

	admins, err := int64Slice(v.Get(KeyAdmins))
	if err != nil {
		return Settings{}, fmt.Errorf("%s: %w", KeyAdmins, err)
	}
	s.Admins = admins

	if s.BotUsername != "" {
		s.Postfixes = append(s.Postfixes, "@"+s.BotUsername)
	}

	if s.Token == "" && tokenFallback != nil {
		token, err := tokenFallback()
		if err != nil {
			return Settings{}, fmt.Errorf("token fallback: %w", err)
		}
		s.Token = strings.TrimSpace(token)
	}

	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Validate checks the settings for values the runtime cannot use.
func (s Settings) Validate() error {
	var errs []error
	if s.Token == "" {
		errs = append(errs, errors.New("token is required (set CHATUSHKA_TOKEN or run `chatushka token set`)"))
	}
	if s.PollTimeout < time.Second {
		errs = append(errs, fmt.Errorf("%s must be at least 1s, got %s", KeyPollTimeout, s.PollTimeout))
	}
	if s.RetryDelay < 0 {
		errs = append(errs, fmt.Errorf("%s must not be negative", KeyRetryDelay))
	}
	if s.Concurrency < 0 {
		errs = append(errs, fmt.Errorf("%s must not be negative", KeyConcurrency))
	}
	switch s.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("%s: unknown level %q", KeyLogLevel, s.LogLevel))
	}
	switch s.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("%s: unknown format %q", KeyLogFormat, s.LogFormat))
	}
	if s.Flood.MaxCalls > 0 && (s.Flood.Window <= 0 || s.Flood.Lockout <= 0) {
		errs = append(errs, errors.New("flood window and lockout must be positive when max_calls is set"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// int64Slice accepts a YAML list or a comma/space separated string
// (as environment variables deliver it).
func int64Slice(raw any) ([]int64, error) {
	var items []string
	switch val := raw.(type) {
	case nil:
		return nil, nil
	case string:
		items = strings.FieldsFunc(val, func(r rune) bool { return r == ',' || r == ' ' })
	case []any:
		for _, item := range val {
			items = append(items, fmt.Sprint(item))
		}
	case []string:
		items = val
	case []int:
		out := make([]int64, 0, len(val))
		for _, n := range val {
			out = append(out, int64(n))
		}
		return out, nil
	case []int64:
		return val, nil
	default:
		return nil, fmt.Errorf("unsupported value %T", raw)
	}

	out := make([]int64, 0, len(items))
	for _, item := range items {
		id, err := strconv.ParseInt(strings.TrimSpace(item), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid user id %q", item)
		}
		out = append(out, id)
	}
	return out, nil
}
