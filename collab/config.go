package collab

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

const defaultConfigPath = "~/.config/collab/config.toml"

// Config is the client configuration file. Missing values keep the defaults.
//
//	api_url = "https://api.example.com"
//	store_path = "~/.local/share/collab/diagrams.db"
//
//	[connection]
//	connect_timeout = "10s"
//	max_reconnect_attempts = 5
//
//	[save]
//	policy = "auto"
//	max_queue_depth = 100
type Config struct {
	ApiUrl    string
	StorePath string

	Connection  *ConnectionManagerSettings
	Broadcaster *OperationBroadcasterSettings
	Save        *SaveCoordinatorSettings
}

func DefaultConfig() *Config {
	return &Config{
		Connection:  DefaultConnectionManagerSettings(),
		Broadcaster: DefaultOperationBroadcasterSettings(),
		Save:        DefaultSaveCoordinatorSettings(),
	}
}

type rawConfig struct {
	ApiUrl     string `toml:"api_url"`
	StorePath  string `toml:"store_path"`
	Connection struct {
		ConnectTimeout        string `toml:"connect_timeout"`
		WriteTimeout          string `toml:"write_timeout"`
		ReadTimeout           string `toml:"read_timeout"`
		PingTimeout           string `toml:"ping_timeout"`
		RetryDelay            string `toml:"retry_delay"`
		MaxReconnectAttempts  *int   `toml:"max_reconnect_attempts"`
		ReconnectInitialDelay string `toml:"reconnect_initial_delay"`
		ReconnectMaxDelay     string `toml:"reconnect_max_delay"`
	} `toml:"connection"`
	Broadcaster struct {
		SendTimeout string `toml:"send_timeout"`
		RequireAck  *bool  `toml:"require_ack"`
	} `toml:"broadcaster"`
	Save struct {
		AutoSave      *bool  `toml:"auto_save"`
		Policy        string `toml:"policy"`
		MaxQueueDepth *int64 `toml:"max_queue_depth"`
		SaveTimeout   string `toml:"save_timeout"`
	} `toml:"save"`
}

// LoadConfig parses the config at `path`, or the default path when empty.
// A missing file is not an error.
func LoadConfig(path string) (*Config, error) {
	resolved, err := resolveConfigPath(path)
	if err != nil {
		return nil, err
	}

	config := DefaultConfig()

	file, err := os.Open(resolved)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return config, nil
		}
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	bytes, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return ParseConfig(bytes)
}

func ParseConfig(bytes []byte) (*Config, error) {
	var raw rawConfig
	if err := toml.Unmarshal(bytes, &raw); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	config := DefaultConfig()
	config.ApiUrl = strings.TrimSpace(raw.ApiUrl)
	if storePath := strings.TrimSpace(raw.StorePath); storePath != "" {
		expanded, err := expandPath(storePath)
		if err != nil {
			return nil, err
		}
		config.StorePath = expanded
	}

	durations := []struct {
		name  string
		value string
		out   *time.Duration
	}{
		{"connection.connect_timeout", raw.Connection.ConnectTimeout, &config.Connection.ConnectTimeout},
		{"connection.write_timeout", raw.Connection.WriteTimeout, &config.Connection.WriteTimeout},
		{"connection.read_timeout", raw.Connection.ReadTimeout, &config.Connection.ReadTimeout},
		{"connection.ping_timeout", raw.Connection.PingTimeout, &config.Connection.PingTimeout},
		{"connection.retry_delay", raw.Connection.RetryDelay, &config.Connection.RetryDelay},
		{"connection.reconnect_initial_delay", raw.Connection.ReconnectInitialDelay, &config.Connection.ReconnectInitialDelay},
		{"connection.reconnect_max_delay", raw.Connection.ReconnectMaxDelay, &config.Connection.ReconnectMaxDelay},
		{"broadcaster.send_timeout", raw.Broadcaster.SendTimeout, &config.Broadcaster.SendTimeout},
		{"save.save_timeout", raw.Save.SaveTimeout, &config.Save.SaveTimeout},
	}
	for _, d := range durations {
		value := strings.TrimSpace(d.value)
		if value == "" {
			continue
		}
		duration, err := time.ParseDuration(value)
		if err != nil {
			return nil, fmt.Errorf("parse config %s: %w", d.name, err)
		}
		if duration < 0 {
			return nil, fmt.Errorf("parse config %s: negative duration %s", d.name, value)
		}
		*d.out = duration
	}

	if raw.Connection.MaxReconnectAttempts != nil {
		if *raw.Connection.MaxReconnectAttempts < 0 {
			return nil, fmt.Errorf("parse config connection.max_reconnect_attempts: must not be negative")
		}
		config.Connection.MaxReconnectAttempts = *raw.Connection.MaxReconnectAttempts
	}
	if raw.Broadcaster.RequireAck != nil {
		config.Broadcaster.RequireAck = *raw.Broadcaster.RequireAck
	}
	if raw.Save.AutoSave != nil {
		config.Save.AutoSave = *raw.Save.AutoSave
	}
	switch policy := SavePolicy(strings.TrimSpace(raw.Save.Policy)); policy {
	case "":
	case SavePolicyAuto, SavePolicyManual:
		config.Save.Policy = policy
	default:
		return nil, fmt.Errorf("parse config save.policy: unknown policy %q", policy)
	}
	if raw.Save.MaxQueueDepth != nil {
		if *raw.Save.MaxQueueDepth < 1 {
			return nil, fmt.Errorf("parse config save.max_queue_depth: must be positive")
		}
		config.Save.MaxQueueDepth = *raw.Save.MaxQueueDepth
	}

	return config, nil
}

func resolveConfigPath(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return expandPath(defaultConfigPath)
	}
	return expandPath(path)
}

func expandPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", fmt.Errorf("path is empty")
	}
	if strings.HasPrefix(trimmed, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home dir: %w", err)
		}
		trimmed = filepath.Join(home, strings.TrimPrefix(trimmed, "~"))
	}
	return filepath.Abs(trimmed)
}
