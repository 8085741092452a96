package config

import (
	"flag"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/gaspardpetit/deskmux/internal/reconnect"
)

// ClientConfig holds configuration for the interaction client and its CLI.
type ClientConfig struct {
	URL          string        `yaml:"url"`
	Name         string        `yaml:"name"`
	Route        string        `yaml:"route"`
	Model        string        `yaml:"model"`
	SystemPrompt string        `yaml:"system_prompt"`
	Temperature  float64       `yaml:"temperature"`
	PingInterval time.Duration `yaml:"ping_interval"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	ReadLimit    int64         `yaml:"read_limit"`

	Reconnect         bool          `yaml:"reconnect"`
	ReconnectAttempts int           `yaml:"reconnect_attempts"`
	ReconnectDelay    time.Duration `yaml:"reconnect_delay"`

	InspectorAddr   string   `yaml:"inspector_addr"`
	AllowedOrigins  []string `yaml:"allowed_origins"`
	JournalRedis    string   `yaml:"journal_redis"`
	JournalCapacity int      `yaml:"journal_capacity"`

	RequestTimeout time.Duration `yaml:"request_timeout"`
	LogLevel       string        `yaml:"log_level"`
	ConfigFile     string        `yaml:"-"`
}

// BindFlags populates the struct with defaults from environment variables and
// binds command line flags so main can call flag.Parse().
func (c *ClientConfig) BindFlags() {
	c.BindFlagSet(flag.CommandLine)
}

// BindFlagSet is BindFlags against an explicit flag set.
func (c *ClientConfig) BindFlagSet(fs *flag.FlagSet) {
	c.LoadEnv()

	fs.StringVar(&c.URL, "url", c.URL, "backend WebSocket endpoint (e.g. ws://127.0.0.1:8000/frontend/ws)")
	fs.StringVar(&c.Name, "name", c.Name, "client name shown in logs, metrics and the inspector")
	fs.StringVar(&c.Route, "route", c.Route, "route tag sent with every interaction; empty when the endpoint is route specific")
	fs.StringVar(&c.Model, "model", c.Model, "model requested for chat interactions")
	fs.StringVar(&c.SystemPrompt, "system-prompt", c.SystemPrompt, "system prompt sent with chat interactions")
	fs.Float64Var(&c.Temperature, "temperature", c.Temperature, "sampling temperature sent with chat interactions")
	fs.DurationVar(&c.PingInterval, "ping-interval", c.PingInterval, "interval between WebSocket pings (0 disables)")
	fs.DurationVar(&c.WriteTimeout, "write-timeout", c.WriteTimeout, "maximum time to write one frame")
	fs.Int64Var(&c.ReadLimit, "read-limit", c.ReadLimit, "maximum inbound frame size in bytes")
	fs.BoolVar(&c.Reconnect, "reconnect", c.Reconnect, "reconnect automatically when the connection drops")
	fs.BoolVar(&c.Reconnect, "r", c.Reconnect, "short for --reconnect")
	fs.IntVar(&c.ReconnectAttempts, "reconnect-attempts", c.ReconnectAttempts, "maximum automatic reconnect attempts after a drop")
	fs.DurationVar(&c.ReconnectDelay, "reconnect-delay", c.ReconnectDelay, "fixed delay between reconnect attempts (0 uses the stepped schedule)")
	fs.StringVar(&c.InspectorAddr, "inspector-addr", c.InspectorAddr, "listen address for the frame inspector and metrics (disabled when empty; e.g. 127.0.0.1:4556)")
	fs.Func("allowed-origins", "comma separated origins allowed to call the inspector API", func(v string) error {
		c.AllowedOrigins = splitList(v)
		return nil
	})
	fs.StringVar(&c.JournalRedis, "journal-redis", c.JournalRedis, "Redis address or URL for the inspector journal (in-memory when empty)")
	fs.IntVar(&c.JournalCapacity, "journal-capacity", c.JournalCapacity, "frames kept per direction in the inspector journal")
	fs.DurationVar(&c.RequestTimeout, "request-timeout", c.RequestTimeout, "maximum duration of one chat interaction (0 waits indefinitely)")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log verbosity (all, debug, info, warn, error, fatal, none)")
	fs.StringVar(&c.ConfigFile, "config", c.ConfigFile, "client config file path")
}

// LoadEnv fills every field from its environment variable or default.
func (c *ClientConfig) LoadEnv() {
	c.ConfigFile = GetEnv("CONFIG_FILE", DefaultConfigPath("client.yaml"))
	c.LogLevel = GetEnv("LOG_LEVEL", "info")

	c.URL = GetEnv("DESKMUX_URL", "ws://127.0.0.1:8000/frontend/ws")
	c.Route = GetEnv("DESKMUX_ROUTE", "chat")
	c.Model = GetEnv("DESKMUX_MODEL", "")
	c.SystemPrompt = GetEnv("DESKMUX_SYSTEM_PROMPT", "")
	if v, err := strconv.ParseFloat(GetEnv("DESKMUX_TEMPERATURE", "0.7"), 64); err == nil {
		c.Temperature = v
	} else {
		c.Temperature = 0.7
	}
	c.PingInterval = envDuration("PING_INTERVAL", 30*time.Second)
	c.WriteTimeout = envDuration("WRITE_TIMEOUT", 5*time.Second)
	if v, err := strconv.ParseInt(GetEnv("READ_LIMIT", "1048576"), 10, 64); err == nil {
		c.ReadLimit = v
	} else {
		c.ReadLimit = 1 << 20
	}

	if b, err := strconv.ParseBool(GetEnv("RECONNECT", "false")); err == nil {
		c.Reconnect = b
	}
	if v, err := strconv.Atoi(GetEnv("RECONNECT_ATTEMPTS", "5")); err == nil {
		c.ReconnectAttempts = v
	} else {
		c.ReconnectAttempts = 5
	}
	c.ReconnectDelay = envDuration("RECONNECT_DELAY", 2*time.Second)

	c.InspectorAddr = GetEnv("INSPECTOR_ADDR", "")
	c.AllowedOrigins = splitList(GetEnv("ALLOWED_ORIGINS", ""))
	c.JournalRedis = GetEnv("JOURNAL_REDIS", "")
	if v, err := strconv.Atoi(GetEnv("JOURNAL_CAPACITY", "500")); err == nil {
		c.JournalCapacity = v
	} else {
		c.JournalCapacity = 500
	}
	c.RequestTimeout = envDuration("REQUEST_TIMEOUT", 5*time.Minute)

	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "client-" + uuid.NewString()[:8]
	}
	c.Name = GetEnv("DESKMUX_NAME", host)
}

// LoadFile populates the config from a YAML file. Fields already set remain unless
// overwritten by corresponding entries in the file.
func (c *ClientConfig) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, c)
}

// ReconnectPolicy derives the automatic reconnect policy. Reconnection is
// disabled unless Reconnect is set.
func (c ClientConfig) ReconnectPolicy() reconnect.Policy {
	if !c.Reconnect {
		return reconnect.Policy{}
	}
	return reconnect.Policy{MaxAttempts: c.ReconnectAttempts, Delay: c.ReconnectDelay}
}

func envDuration(key string, def time.Duration) time.Duration {
	if d, err := time.ParseDuration(GetEnv(key, def.String())); err == nil {
		return d
	}
	return def
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
