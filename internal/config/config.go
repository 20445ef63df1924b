package config

import (
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Config file structure
type configFile struct {
	Listen     string `yaml:"listen"`
	DBPath     string `yaml:"db_path"`
	LogPath    string `yaml:"log_path"`
	Token      string `yaml:"token"`
	Permission struct {
		Timeout         time.Duration `yaml:"timeout"`
		DefaultDecision string        `yaml:"default_decision"`
	} `yaml:"permission"`
	Relay struct {
		WorkerGrace time.Duration `yaml:"worker_grace"`
	} `yaml:"relay"`
	Worker struct {
		Binary             string        `yaml:"binary"`
		AgentCommand       string        `yaml:"agent_command"`
		APIURL             string        `yaml:"api_url"`
		CheckpointDir      string        `yaml:"checkpoint_dir"`
		CheckpointCompress bool          `yaml:"checkpoint_compress"`
		CheckpointDisabled bool          `yaml:"checkpoint_disabled"`
		DrainTimeout       time.Duration `yaml:"drain_timeout"`
		CheckpointTimeout  time.Duration `yaml:"checkpoint_timeout"`
		NotifyTimeout      time.Duration `yaml:"notify_timeout"`
	} `yaml:"worker"`
}

var (
	loadedConfig configFile
	loadErr      error
	configMu     sync.RWMutex
	loadOnce     sync.Once
)

// Defaults
const (
	DefaultListen            = "127.0.0.1:9850"
	DefaultWorkerGrace       = 15 * time.Second
	DefaultDrainTimeout      = 10 * time.Second
	DefaultCheckpointTimeout = 5 * time.Second
	DefaultNotifyTimeout     = 5 * time.Second
	DefaultWorkerBinary      = "relay-worker"
)

// loadConfig loads configuration from file
func loadConfig() {
	configMu.Lock()
	defer configMu.Unlock()

	// Reset to empty
	loadedConfig = configFile{}
	loadErr = nil

	configPath := os.Getenv("RELAYD_CONFIG_PATH")
	if configPath == "" {
		configPath = filepath.Join(relaydDir(), "config.yaml")
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return // Config file doesn't exist, use defaults
	}

	loadErr = yaml.Unmarshal(data, &loadedConfig)
}

func current() configFile {
	loadOnce.Do(loadConfig)
	configMu.RLock()
	defer configMu.RUnlock()
	return loadedConfig
}

// reloadConfig reloads configuration (for testing)
func reloadConfig() {
	loadOnce.Do(func() {})
	loadConfig()
}

// Err returns the error from parsing the config file, if any. A missing file is not an error.
func Err() error {
	current()
	configMu.RLock()
	defer configMu.RUnlock()
	return loadErr
}

// relaydDir returns the base directory for relayd files
func relaydDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "/tmp/.relayd"
	}
	return filepath.Join(home, ".relayd")
}

func stringSetting(env, fromFile, def string) string {
	if v := os.Getenv(env); v != "" {
		return v
	}
	if fromFile != "" {
		return fromFile
	}
	return def
}

func durationSetting(env string, fromFile, def time.Duration) time.Duration {
	if v := os.Getenv(env); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	if fromFile != 0 {
		return fromFile
	}
	return def
}

func boolSetting(env string, fromFile bool) bool {
	if v := os.Getenv(env); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fromFile
}

// ListenAddr returns the control plane's HTTP listen address
// Priority: RELAYD_LISTEN env var > config file > default
func ListenAddr() string {
	return stringSetting("RELAYD_LISTEN", current().Listen, DefaultListen)
}

// DBPath returns the SQLite database path
// Priority: RELAYD_DB_PATH env var > config file > default
func DBPath() string {
	return stringSetting("RELAYD_DB_PATH", current().DBPath, filepath.Join(relaydDir(), "relayd.db"))
}

// LogPath returns the log file path
func LogPath() string {
	return stringSetting("RELAYD_LOG_PATH", current().LogPath, filepath.Join(relaydDir(), "relayd.log"))
}

// Token returns the bearer token shared by clients, workers and the API.
// Empty disables authentication.
func Token() string {
	return stringSetting("RELAYD_TOKEN", current().Token, "")
}

// PermissionTimeout returns how long a permission request may stay pending
// before it is auto-resolved. Zero disables the timeout.
func PermissionTimeout() time.Duration {
	return durationSetting("RELAYD_PERMISSION_TIMEOUT", current().Permission.Timeout, 0)
}

// DefaultDecision returns the decision applied when a permission request times out.
func DefaultDecision() string {
	return stringSetting("RELAYD_PERMISSION_DEFAULT", current().Permission.DefaultDecision, "deny")
}

// WorkerGrace returns how long a disconnected worker may take to reconnect
// before its session is marked errored.
func WorkerGrace() time.Duration {
	return durationSetting("RELAYD_WORKER_GRACE", current().Relay.WorkerGrace, DefaultWorkerGrace)
}

// WorkerBinary returns the executable launched for each session.
func WorkerBinary() string {
	return stringSetting("RELAYD_WORKER_BIN", current().Worker.Binary, DefaultWorkerBinary)
}

// AgentCommand returns the shell command a worker runs as its agent.
func AgentCommand() string {
	return stringSetting("RELAY_AGENT_CMD", current().Worker.AgentCommand, "")
}

// APIURL returns the control-plane base URL workers report their final status to.
func APIURL() string {
	return stringSetting("RELAY_API_URL", current().Worker.APIURL, "")
}

// CheckpointDir returns where workers write their shutdown checkpoints.
func CheckpointDir() string {
	return stringSetting("RELAY_CHECKPOINT_DIR", current().Worker.CheckpointDir, filepath.Join(relaydDir(), "checkpoints"))
}

// CheckpointCompress reports whether checkpoints are zstd-compressed.
func CheckpointCompress() bool {
	return boolSetting("RELAY_CHECKPOINT_COMPRESS", current().Worker.CheckpointCompress)
}

// CheckpointEnabled reports whether workers write a checkpoint on shutdown.
func CheckpointEnabled() bool {
	return !boolSetting("RELAY_CHECKPOINT_DISABLED", current().Worker.CheckpointDisabled)
}

// ShutdownTimeouts bounds each suspending phase of a worker's shutdown.
type ShutdownTimeouts struct {
	Drain      time.Duration
	Checkpoint time.Duration
	Notify     time.Duration
}

// WorkerShutdownTimeouts returns the configured shutdown phase budgets.
func WorkerShutdownTimeouts() ShutdownTimeouts {
	w := current().Worker
	return ShutdownTimeouts{
		Drain:      durationSetting("RELAY_DRAIN_TIMEOUT", w.DrainTimeout, DefaultDrainTimeout),
		Checkpoint: durationSetting("RELAY_CHECKPOINT_TIMEOUT", w.CheckpointTimeout, DefaultCheckpointTimeout),
		Notify:     durationSetting("RELAY_NOTIFY_TIMEOUT", w.NotifyTimeout, DefaultNotifyTimeout),
	}
}

// Log levels
const (
	LogError = iota
	LogWarn
	LogInfo
	LogDebug
	LogTrace
)

// DebugLevel returns the debug level from RELAYD_DEBUG env var
func DebugLevel() int {
	switch os.Getenv("RELAYD_DEBUG") {
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
