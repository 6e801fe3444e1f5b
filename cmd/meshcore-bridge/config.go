package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.yaml.in/yaml/v2"

	"github.com/kstaniek/meshcore-bridge/internal/weather"
)

type appConfig struct {
	serialPort string
	serialBaud int

	httpPort int
	wsPort   int
	tcpPort  int

	pushBufferSize int
	pushBufferFile string
	commandTimeout time.Duration
	appName        string

	maxWSClients  int
	maxTCPClients int

	logFormat       string
	logLevel        string
	logMetricsEvery time.Duration

	mdnsEnable bool
	mdnsName   string

	weather weather.Config

	configFile string
	debug      bool
}

// yamlConfig mirrors appConfig's overlay-able fields for the optional
// CONFIG_FILE overlay (spec §6, ambient). Only fields present in the file
// are applied, and only where no flag was explicitly set.
type yamlConfig struct {
	SerialPort      string            `yaml:"serial_port"`
	SerialBaud      int               `yaml:"serial_baud"`
	HTTPPort        int               `yaml:"http_port"`
	WSPort          int               `yaml:"ws_port"`
	TCPPort         int               `yaml:"tcp_port"`
	PushBufferSize  int               `yaml:"push_buffer_size"`
	PushBufferFile  string            `yaml:"push_buffer_file"`
	CommandTimeout  int               `yaml:"command_timeout_ms"`
	AppName         string            `yaml:"app_name"`
	MaxWSClients    int               `yaml:"max_ws_clients"`
	MaxTCPClients   int               `yaml:"max_tcp_clients"`
	LogFormat       string            `yaml:"log_format"`
	LogLevel        string            `yaml:"log_level"`
	MDNSEnable      bool              `yaml:"mdns_enable"`
	MDNSName        string            `yaml:"mdns_name"`
	WeatherEnable   bool              `yaml:"weather_enable"`
	WeatherBaseURL  string            `yaml:"weather_base_url"`
	WeatherToken    string            `yaml:"weather_token"`
	WeatherPollMin  int               `yaml:"weather_poll_minutes"`
	WeatherChannel  int               `yaml:"weather_channel"`
	WeatherEntities map[string]string `yaml:"weather_entities"`
}

func parseFlags() (*appConfig, bool) {
	cfg := &appConfig{}
	serialPort := flag.String("serial", "/dev/ttyACM0", "Serial device path")
	serialBaud := flag.Int("baud", 115200, "Serial baud rate")
	httpPort := flag.Int("http-port", 8080, "HTTP metrics/ready listen port")
	wsPort := flag.Int("ws-port", 3000, "WebSocket listen port")
	tcpPort := flag.Int("tcp-port", 5000, "TCP listen port")
	pushBufferSize := flag.Int("push-buffer-size", 1000, "Push-replay buffer capacity (frames)")
	pushBufferFile := flag.String("push-buffer-file", "", "Push-replay buffer persistence path (empty disables)")
	commandTimeoutMS := flag.Int("command-timeout-ms", 30000, "In-flight command deadline, milliseconds")
	appName := flag.String("app-name", "meshcore-bridge", "App name advertised in the AppStart handshake")
	maxWSClients := flag.Int("max-ws-clients", 0, "Maximum simultaneous WebSocket clients (0 = unlimited)")
	maxTCPClients := flag.Int("max-tcp-clients", 0, "Maximum simultaneous TCP clients (0 = unlimited)")
	logFormat := flag.String("log-format", "text", "Log format: text|json")
	logLevel := flag.String("log-level", "info", "Log level: debug|info|warn|error")
	logMetricsEvery := flag.Duration("log-metrics-interval", 0, "If >0, periodically log metrics counters")
	mdnsEnable := flag.Bool("mdns-enable", false, "Enable mDNS advertisement")
	mdnsName := flag.String("mdns-name", "", "mDNS instance name (default meshcore-bridge-<hostname>)")
	configFile := flag.String("config-file", "", "Optional YAML config overlay path")
	debug := flag.Bool("debug", false, "Shorthand for --log-level=debug")

	weatherEnable := flag.Bool("weather-enable", false, "Enable the weather broadcast producer")
	weatherBaseURL := flag.String("weather-base-url", "", "Weather source base URL")
	weatherToken := flag.String("weather-token", "", "Weather source bearer token")
	weatherPoll := flag.Duration("weather-poll-interval", 15*time.Minute, "Weather poll interval")
	weatherChannel := flag.Int("weather-channel", 0, "Channel index for weather broadcasts")
	weatherEntities := flag.String("weather-entities", "", "Comma-separated sensor_key=entity_id pairs")

	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })

	cfg.serialPort = *serialPort
	cfg.serialBaud = *serialBaud
	cfg.httpPort = *httpPort
	cfg.wsPort = *wsPort
	cfg.tcpPort = *tcpPort
	cfg.pushBufferSize = *pushBufferSize
	cfg.pushBufferFile = *pushBufferFile
	cfg.commandTimeout = time.Duration(*commandTimeoutMS) * time.Millisecond
	cfg.appName = *appName
	cfg.maxWSClients = *maxWSClients
	cfg.maxTCPClients = *maxTCPClients
	cfg.logFormat = *logFormat
	cfg.logLevel = *logLevel
	cfg.logMetricsEvery = *logMetricsEvery
	cfg.mdnsEnable = *mdnsEnable
	cfg.mdnsName = *mdnsName
	cfg.configFile = *configFile
	cfg.debug = *debug
	cfg.weather.Enabled = *weatherEnable
	cfg.weather.BaseURL = *weatherBaseURL
	cfg.weather.Token = *weatherToken
	cfg.weather.PollInterval = *weatherPoll
	cfg.weather.Channel = byte(*weatherChannel)
	cfg.weather.Entities = parseEntities(*weatherEntities)

	if _, ok := setFlags["config-file"]; !ok {
		if v := strings.TrimSpace(os.Getenv("CONFIG_FILE")); v != "" {
			cfg.configFile = v
		}
	}
	if cfg.configFile != "" {
		if err := applyYAMLOverlay(cfg, cfg.configFile, setFlags); err != nil {
			fmt.Printf("config file error: %v\n", err)
			return nil, *showVersion
		}
	}
	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		fmt.Printf("environment override error: %v\n", err)
		return nil, *showVersion
	}
	if cfg.debug {
		cfg.logLevel = "debug"
	}
	if err := cfg.validate(); err != nil {
		fmt.Printf("configuration error: %v\n", err)
		return nil, *showVersion
	}
	return cfg, *showVersion
}

func parseEntities(s string) map[string]string {
	if s == "" {
		return nil
	}
	out := map[string]string{}
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out
}

// validate performs basic semantic validation of the parsed configuration.
// It does not attempt to open devices or listeners — only checks values/ranges.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	if c.serialBaud <= 0 {
		return fmt.Errorf("baud must be > 0 (got %d)", c.serialBaud)
	}
	if c.pushBufferSize <= 0 {
		return fmt.Errorf("push-buffer-size must be > 0 (got %d)", c.pushBufferSize)
	}
	if c.commandTimeout <= 0 {
		return errors.New("command-timeout-ms must be > 0")
	}
	if c.maxWSClients < 0 || c.maxTCPClients < 0 {
		return errors.New("max client counts must be >= 0")
	}
	if c.httpPort < 0 || c.wsPort <= 0 || c.tcpPort <= 0 {
		return errors.New("invalid port configuration")
	}
	if c.weather.Enabled {
		if err := c.weather.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// applyYAMLOverlay reads path and overlays any fields not already set by an
// explicit flag. Values set by later env overrides still take precedence
// (applyEnvOverrides runs after this), matching the documented
// flag > env > YAML > default precedence.
func applyYAMLOverlay(c *appConfig, path string, set map[string]struct{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var y yamlConfig
	if err := yaml.Unmarshal(data, &y); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}

	apply := func(flagName string, fn func()) {
		if _, ok := set[flagName]; !ok {
			fn()
		}
	}
	if y.SerialPort != "" {
		apply("serial", func() { c.serialPort = y.SerialPort })
	}
	if y.SerialBaud > 0 {
		apply("baud", func() { c.serialBaud = y.SerialBaud })
	}
	if y.HTTPPort > 0 {
		apply("http-port", func() { c.httpPort = y.HTTPPort })
	}
	if y.WSPort > 0 {
		apply("ws-port", func() { c.wsPort = y.WSPort })
	}
	if y.TCPPort > 0 {
		apply("tcp-port", func() { c.tcpPort = y.TCPPort })
	}
	if y.PushBufferSize > 0 {
		apply("push-buffer-size", func() { c.pushBufferSize = y.PushBufferSize })
	}
	if y.PushBufferFile != "" {
		apply("push-buffer-file", func() { c.pushBufferFile = y.PushBufferFile })
	}
	if y.CommandTimeout > 0 {
		apply("command-timeout-ms", func() { c.commandTimeout = time.Duration(y.CommandTimeout) * time.Millisecond })
	}
	if y.AppName != "" {
		apply("app-name", func() { c.appName = y.AppName })
	}
	if y.MaxWSClients > 0 {
		apply("max-ws-clients", func() { c.maxWSClients = y.MaxWSClients })
	}
	if y.MaxTCPClients > 0 {
		apply("max-tcp-clients", func() { c.maxTCPClients = y.MaxTCPClients })
	}
	if y.LogFormat != "" {
		apply("log-format", func() { c.logFormat = y.LogFormat })
	}
	if y.LogLevel != "" {
		apply("log-level", func() { c.logLevel = y.LogLevel })
	}
	apply("mdns-enable", func() { c.mdnsEnable = c.mdnsEnable || y.MDNSEnable })
	if y.MDNSName != "" {
		apply("mdns-name", func() { c.mdnsName = y.MDNSName })
	}
	apply("weather-enable", func() { c.weather.Enabled = c.weather.Enabled || y.WeatherEnable })
	if y.WeatherBaseURL != "" {
		apply("weather-base-url", func() { c.weather.BaseURL = y.WeatherBaseURL })
	}
	if y.WeatherToken != "" {
		apply("weather-token", func() { c.weather.Token = y.WeatherToken })
	}
	if y.WeatherPollMin > 0 {
		apply("weather-poll-interval", func() { c.weather.PollInterval = time.Duration(y.WeatherPollMin) * time.Minute })
	}
	if y.WeatherChannel > 0 {
		apply("weather-channel", func() { c.weather.Channel = byte(y.WeatherChannel) })
	}
	if len(y.WeatherEntities) > 0 {
		apply("weather-entities", func() { c.weather.Entities = y.WeatherEntities })
	}
	return nil
}

// applyEnvOverrides maps the environment variables named in spec §6 to
// config fields unless a corresponding flag was explicitly set (flag wins).
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }
	errf := func(name string, err error) {
		if firstErr == nil {
			firstErr = fmt.Errorf("invalid %s: %w", name, err)
		}
	}

	if _, ok := set["serial"]; !ok {
		if v, ok := get("SERIAL_PORT"); ok && v != "" {
			c.serialPort = v
		}
	}
	if _, ok := set["baud"]; !ok {
		if v, ok := get("SERIAL_BAUD"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.serialBaud = n
			} else if err != nil {
				errf("SERIAL_BAUD", err)
			}
		}
	}
	if _, ok := set["http-port"]; !ok {
		if v, ok := get("HTTP_PORT"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				c.httpPort = n
			} else {
				errf("HTTP_PORT", err)
			}
		}
	}
	if _, ok := set["ws-port"]; !ok {
		if v, ok := get("WS_PORT"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				c.wsPort = n
			} else {
				errf("WS_PORT", err)
			}
		}
	}
	if _, ok := set["tcp-port"]; !ok {
		if v, ok := get("TCP_PORT"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				c.tcpPort = n
			} else {
				errf("TCP_PORT", err)
			}
		}
	}
	if _, ok := set["push-buffer-size"]; !ok {
		if v, ok := get("PUSH_BUFFER_SIZE"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.pushBufferSize = n
			} else if err != nil {
				errf("PUSH_BUFFER_SIZE", err)
			}
		}
	}
	if _, ok := set["push-buffer-file"]; !ok {
		if v, ok := get("PUSH_BUFFER_FILE"); ok {
			c.pushBufferFile = v
		}
	}
	if _, ok := set["command-timeout-ms"]; !ok {
		if v, ok := get("COMMAND_TIMEOUT_MS"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.commandTimeout = time.Duration(n) * time.Millisecond
			} else if err != nil {
				errf("COMMAND_TIMEOUT_MS", err)
			}
		}
	}
	if _, ok := get("DEBUG"); ok {
		c.debug = true
	}
	if _, ok := set["app-name"]; !ok {
		if v, ok := get("APP_NAME"); ok && v != "" {
			c.appName = v
		}
	}
	if _, ok := set["max-ws-clients"]; !ok {
		if v, ok := get("MAX_WS_CLIENTS"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				c.maxWSClients = n
			} else if err != nil {
				errf("MAX_WS_CLIENTS", err)
			}
		}
	}
	if _, ok := set["max-tcp-clients"]; !ok {
		if v, ok := get("MAX_TCP_CLIENTS"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				c.maxTCPClients = n
			} else if err != nil {
				errf("MAX_TCP_CLIENTS", err)
			}
		}
	}
	if _, ok := set["log-format"]; !ok {
		if v, ok := get("LOG_FORMAT"); ok && v != "" {
			c.logFormat = v
		}
	}
	if _, ok := set["log-level"]; !ok {
		if v, ok := get("LOG_LEVEL"); ok && v != "" {
			c.logLevel = v
		}
	}
	if _, ok := set["log-metrics-interval"]; !ok {
		if v, ok := get("LOG_METRICS_INTERVAL"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d >= 0 {
				c.logMetricsEvery = d
			} else if err != nil {
				errf("LOG_METRICS_INTERVAL", err)
			}
		}
	}
	if _, ok := set["mdns-enable"]; !ok {
		if v, ok := get("MDNS_ENABLE"); ok && v != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				c.mdnsEnable = true
			case "0", "false", "no", "off":
				c.mdnsEnable = false
			}
		}
	}
	if _, ok := set["mdns-name"]; !ok {
		if v, ok := get("MDNS_NAME"); ok && v != "" {
			c.mdnsName = v
		}
	}
	if _, ok := set["weather-enable"]; !ok {
		if v, ok := get("WEATHER_ENABLE"); ok && v != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				c.weather.Enabled = true
			case "0", "false", "no", "off":
				c.weather.Enabled = false
			}
		}
	}
	if _, ok := set["weather-base-url"]; !ok {
		if v, ok := get("WEATHER_BASE_URL"); ok && v != "" {
			c.weather.BaseURL = v
		}
	}
	if _, ok := set["weather-token"]; !ok {
		if v, ok := get("WEATHER_TOKEN"); ok && v != "" {
			c.weather.Token = v
		}
	}
	if _, ok := set["weather-poll-interval"]; !ok {
		if v, ok := get("WEATHER_POLL_INTERVAL"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				c.weather.PollInterval = d
			} else if err != nil {
				errf("WEATHER_POLL_INTERVAL", err)
			}
		}
	}
	if _, ok := set["weather-channel"]; !ok {
		if v, ok := get("WEATHER_CHANNEL"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 && n <= 255 {
				c.weather.Channel = byte(n)
			} else if err != nil {
				errf("WEATHER_CHANNEL", err)
			}
		}
	}
	if _, ok := set["weather-entities"]; !ok {
		if v, ok := get("WEATHER_ENTITIES"); ok && v != "" {
			c.weather.Entities = parseEntities(v)
		}
	}
	return firstErr
}
