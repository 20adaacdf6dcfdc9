package config

import (
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
)

var binaryName string

func init() {
	binaryName = filepath.Base(os.Args[0])
	loadConfig()
}

// BinaryName returns the name of the running binary (e.g., "taskhost")
func BinaryName() string {
	return binaryName
}

// SetBinaryName overrides the binary name (for testing)
func SetBinaryName(name string) {
	binaryName = name
}

// Config file structure
type configFile struct {
	Workspace            string `toml:"workspace"`
	RuntimeDir           string `toml:"runtime_dir"`
	DBPath               string `toml:"db_path"`
	LogPath              string `toml:"log_path"`
	WSPort               string `toml:"ws_port"`
	Preload              *bool  `toml:"preload"`
	Portable             bool   `toml:"portable"`
	PreloadPipeTimeout   string `toml:"preload_pipe_timeout"`
	HandoffDrainTimeout  string `toml:"handoff_drain_timeout"`
	ResultConnectTimeout string `toml:"result_connect_timeout"`
}

var (
	loadedConfig configFile
	configMu     sync.RWMutex
)

// Default tunables. The preload values are not part of any wire contract.
const (
	DefaultPreloadPipeTimeout   = 5 * time.Second
	DefaultHandoffDrainTimeout  = 2 * time.Second
	DefaultResultConnectTimeout = 3 * time.Second
	DefaultWSPort               = "9859"
)

// loadConfig loads configuration from file
func loadConfig() {
	configMu.Lock()
	defer configMu.Unlock()

	loadedConfig = configFile{}

	configPath := ConfigPath()
	if _, err := os.Stat(configPath); err != nil {
		return // Config file doesn't exist, use defaults
	}
	toml.DecodeFile(configPath, &loadedConfig)
}

// reloadConfig reloads configuration (for testing)
func reloadConfig() {
	loadConfig()
}

// Reload re-reads the config file. The host calls it on SIGHUP.
func Reload() {
	loadConfig()
}

// ConfigPath returns the config file location.
// Priority: TASKHOST_CONFIG_PATH env var > ~/.taskhost/config.toml
func ConfigPath() string {
	if p := os.Getenv("TASKHOST_CONFIG_PATH"); p != "" {
		return p
	}
	return filepath.Join(baseDir(), "config.toml")
}

// baseDir returns the base directory for taskhost files
func baseDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "/tmp/.taskhost"
	}
	return filepath.Join(home, ".taskhost")
}

func fromFile(get func(c configFile) string) string {
	configMu.RLock()
	defer configMu.RUnlock()
	return get(loadedConfig)
}

// resolve applies env var > config file > default.
func resolve(env string, get func(c configFile) string, def string) string {
	if v := os.Getenv(env); v != "" {
		return v
	}
	if v := fromFile(get); v != "" {
		return v
	}
	return def
}

// Workspace returns the directory scripts and executables are resolved in.
// Priority: TASKHOST_WORKSPACE env var > config file > default
func Workspace() string {
	return resolve("TASKHOST_WORKSPACE", func(c configFile) string { return c.Workspace },
		filepath.Join(baseDir(), "workspace"))
}

// RuntimeDir holds sockets, FIFOs, lock files and the handoff block.
// Priority: TASKHOST_RUNTIME_DIR env var > config file > $XDG_RUNTIME_DIR/taskhost > base dir
func RuntimeDir() string {
	def := filepath.Join(baseDir(), "run")
	if xdg := os.Getenv("XDG_RUNTIME_DIR"); xdg != "" {
		def = filepath.Join(xdg, "taskhost")
	}
	return resolve("TASKHOST_RUNTIME_DIR", func(c configFile) string { return c.RuntimeDir }, def)
}

// ControlSocketPath returns the host control endpoint for a message target
// id. An empty runtimeDir means RuntimeDir().
func ControlSocketPath(runtimeDir string, messageTargetID int) string {
	if runtimeDir == "" {
		runtimeDir = RuntimeDir()
	}
	return filepath.Join(runtimeDir, "ctl-"+strconv.Itoa(messageTargetID)+".sock")
}

// HostPointerPath is where a running host records its message target id.
func HostPointerPath() string {
	return filepath.Join(RuntimeDir(), "host.json")
}

// DBPath returns the SQLite task history path
// Priority: TASKHOST_DB_PATH env var > config file > default
func DBPath() string {
	return resolve("TASKHOST_DB_PATH", func(c configFile) string { return c.DBPath },
		filepath.Join(baseDir(), "history.db"))
}

// LogPath returns the log file path
func LogPath() string {
	return resolve("TASKHOST_LOG_PATH", func(c configFile) string { return c.LogPath },
		filepath.Join(baseDir(), "host.log"))
}

// WSPort returns the port of the event websocket.
func WSPort() string {
	return resolve("TASKHOST_WS_PORT", func(c configFile) string { return c.WSPort }, DefaultWSPort)
}

// PreloadEnabled reports whether the host keeps a warm standby worker.
func PreloadEnabled() bool {
	if v := os.Getenv("TASKHOST_PRELOAD"); v != "" {
		b, err := strconv.ParseBool(v)
		return err == nil && b
	}
	configMu.RLock()
	defer configMu.RUnlock()
	if loadedConfig.Preload != nil {
		return *loadedConfig.Preload
	}
	return true
}

// Portable reports whether the host runs in portable mode.
func Portable() bool {
	if v := os.Getenv("TASKHOST_PORTABLE"); v != "" {
		b, _ := strconv.ParseBool(v)
		return b
	}
	configMu.RLock()
	defer configMu.RUnlock()
	return loadedConfig.Portable
}

func duration(env string, get func(c configFile) string, def time.Duration) time.Duration {
	raw := resolve(env, get, "")
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// PreloadPipeTimeout bounds how long the host waits for a woken slot to connect.
func PreloadPipeTimeout() time.Duration {
	return duration("TASKHOST_PRELOAD_PIPE_TIMEOUT", func(c configFile) string { return c.PreloadPipeTimeout }, DefaultPreloadPipeTimeout)
}

// HandoffDrainTimeout bounds how long the host waits for a slot to consume
// the previous handoff generation.
func HandoffDrainTimeout() time.Duration {
	return duration("TASKHOST_HANDOFF_DRAIN_TIMEOUT", func(c configFile) string { return c.HandoffDrainTimeout }, DefaultHandoffDrainTimeout)
}

// ResultConnectTimeout bounds how long a worker waits to connect to a result channel.
func ResultConnectTimeout() time.Duration {
	return duration("TASKHOST_RESULT_CONNECT_TIMEOUT", func(c configFile) string { return c.ResultConnectTimeout }, DefaultResultConnectTimeout)
}

// Log levels
const (
	LogError = iota
	LogWarn
	LogInfo
	LogDebug
	LogTrace
)

// DebugLevel returns the debug level from TASKHOST_DEBUG env var
func DebugLevel() int {
	switch os.Getenv("TASKHOST_DEBUG") {
	case "trace":
		return LogTrace
	case "debug":
		return LogDebug
	case "info":
		return LogInfo
	case "warn":
		return LogWarn
	case "1", "true":
		return LogDebug
	default:
		return LogError
	}
}
