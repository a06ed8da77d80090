package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Defaults applied by [Load] when the file leaves a field unset.
const (
	DefaultSocketPath     = "/tmp/melodine.sock"
	DefaultControlPort    = 6011
	DefaultExtractorBin   = "yt-dlp"
	DefaultTranscoderBin  = "ffmpeg"
	DefaultExtractTimeout = 30
	DefaultDataDir        = "data"
)

// Load reads the YAML configuration file at path, applies environment
// overrides and defaults, and returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies environment overrides
// and defaults, and validates the result. Useful in tests where configs are
// constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyEnv(cfg)
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays the environment variables the deployment scripts set.
// Env always wins over the file.
func applyEnv(cfg *Config) {
	if v := os.Getenv("SOCKET_PATH"); v != "" {
		cfg.Server.SocketPath = v
	}
	if v := os.Getenv("CONTROL_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.ControlPort = p
		}
	}
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Orchestrator.DataDir = v
	}
	if envBool("WEB_AUDIO") {
		cfg.Orchestrator.Adapter = AdapterWeb
	} else if envBool("DEBUG_AUDIO") {
		cfg.Orchestrator.Adapter = AdapterDebug
	}
	if v := os.Getenv("ALLOWED_IDS"); v != "" {
		cfg.Orchestrator.AllowedIDs = splitIDs(v)
	}
	if v := os.Getenv("DISCORD_TOKEN"); v != "" {
		cfg.Discord.Token = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Server.SocketPath == "" {
		cfg.Server.SocketPath = DefaultSocketPath
	}
	if cfg.Server.ControlPort == 0 {
		cfg.Server.ControlPort = DefaultControlPort
	}
	if cfg.Engine.ExtractorBin == "" {
		cfg.Engine.ExtractorBin = DefaultExtractorBin
	}
	if cfg.Engine.TranscoderBin == "" {
		cfg.Engine.TranscoderBin = DefaultTranscoderBin
	}
	if cfg.Engine.ExtractTimeoutSeconds == 0 {
		cfg.Engine.ExtractTimeoutSeconds = DefaultExtractTimeout
	}
	if cfg.Orchestrator.DataDir == "" {
		cfg.Orchestrator.DataDir = DefaultDataDir
	}
	if cfg.Orchestrator.Adapter == "" {
		cfg.Orchestrator.Adapter = AdapterVoice
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.ControlPort < 1 || cfg.Server.ControlPort > 65535 {
		errs = append(errs, fmt.Errorf("server.control_port %d is out of range [1, 65535]", cfg.Server.ControlPort))
	}
	if cfg.Engine.ExtractTimeoutSeconds < 1 {
		errs = append(errs, fmt.Errorf("engine.extract_timeout_seconds %d must be positive", cfg.Engine.ExtractTimeoutSeconds))
	}
	if !cfg.Orchestrator.Adapter.IsValid() {
		errs = append(errs, fmt.Errorf("orchestrator.adapter %q is invalid; valid values: voice, debug, web", cfg.Orchestrator.Adapter))
	}
	if cfg.Orchestrator.Adapter == AdapterVoice && cfg.Discord.Token == "" {
		errs = append(errs, errors.New("discord.token is required when orchestrator.adapter is voice"))
	}
	if cfg.Discord.Token != "" && cfg.Discord.GuildID == "" {
		errs = append(errs, errors.New("discord.guild_id is required when discord.token is set"))
	}
	for i, id := range cfg.Orchestrator.AllowedIDs {
		if strings.TrimSpace(id) == "" {
			errs = append(errs, fmt.Errorf("orchestrator.allowed_ids[%d] is empty", i))
		}
	}

	return errors.Join(errs...)
}

func envBool(key string) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "1", "true", "yes":
		return true
	}
	return false
}

func splitIDs(v string) []string {
	parts := strings.Split(v, ",")
	ids := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			ids = append(ids, p)
		}
	}
	return ids
}
