// Package config provides the configuration schema and loader for the
// melodine daemons.
package config

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// AdapterMode selects which client adapter a consumer session uses.
type AdapterMode string

const (
	// AdapterVoice relays the Opus container stream to a voice channel.
	AdapterVoice AdapterMode = "voice"

	// AdapterDebug decodes locally through the paced player (DEBUG_AUDIO).
	AdapterDebug AdapterMode = "debug"

	// AdapterWeb streams container bytes to browser clients (WEB_AUDIO).
	AdapterWeb AdapterMode = "web"
)

// IsValid reports whether m is a recognised adapter mode.
func (m AdapterMode) IsValid() bool {
	switch m {
	case AdapterVoice, AdapterDebug, AdapterWeb:
		return true
	}
	return false
}

// Config is the root configuration for both melodine daemons. It is loaded
// from a YAML file via [Load]; the environment variables named in the field
// comments override the file.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Engine       EngineConfig       `yaml:"engine"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Discord      DiscordConfig      `yaml:"discord"`
}

// ServerConfig holds logging and shared socket settings.
type ServerConfig struct {
	// SocketPath is the filesystem path of the unix-domain streaming socket
	// the engine listens on. Env override: SOCKET_PATH.
	SocketPath string `yaml:"socket_path"`

	// ControlPort is the TCP port of the engine's HTTP control plane.
	// Env override: CONTROL_PORT.
	ControlPort int `yaml:"control_port"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// EngineConfig holds settings for the engine daemon.
type EngineConfig struct {
	// ExtractorBin is the media extractor executable. Default "yt-dlp".
	ExtractorBin string `yaml:"extractor_bin"`

	// TranscoderBin is the transcoder executable. Default "ffmpeg".
	TranscoderBin string `yaml:"transcoder_bin"`

	// ExtractTimeoutSeconds bounds one extractor invocation. Default 30.
	ExtractTimeoutSeconds int `yaml:"extract_timeout_seconds"`
}

// OrchestratorConfig holds settings for the orchestrator daemon.
type OrchestratorConfig struct {
	// DataDir is the directory holding the persisted session store.
	// Env override: DATA_DIR.
	DataDir string `yaml:"data_dir"`

	// GatewayAddr is the TCP address the websocket gateway listens on
	// (e.g. ":8080"). Empty disables the gateway.
	GatewayAddr string `yaml:"gateway_addr"`

	// Adapter selects the client adapter variant. Env overrides:
	// DEBUG_AUDIO=1 selects "debug", WEB_AUDIO=1 selects "web".
	Adapter AdapterMode `yaml:"adapter"`

	// AllowedIDs optionally whitelists consumer ids. Empty allows all.
	// Env override: ALLOWED_IDS (comma-separated).
	AllowedIDs []string `yaml:"allowed_ids"`
}

// DiscordConfig holds the voice relay's Discord settings. An empty token
// disables the relay.
type DiscordConfig struct {
	// Token is the Discord bot token.
	Token string `yaml:"token"`

	// GuildID is the guild the relay serves.
	GuildID string `yaml:"guild_id"`

	// ChannelID is the voice channel to join.
	ChannelID string `yaml:"channel_id"`
}
