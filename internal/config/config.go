package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all runtime configuration for the survey dialer.
// Precedence: CLI flags > env vars > .env file > defaults.
type Config struct {
	DataDir   string
	DBDSN     string // PostgreSQL DSN; empty selects SQLite in DataDir
	HTTPPort  int
	PublicURL string // base URL the carrier uses to reach us
	LogLevel  string
	LogFormat string // log output format: "text" or "json"

	QueueBackend  string // "memory" or "redis"
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	MaxQueueSize  int

	MaxConcurrentCalls int
	DispatchInterval   time.Duration
	StaggerInterval    time.Duration
	RetryDelay         time.Duration
	DefaultMaxRetries  int
	DialTimeout        time.Duration
	ResponseTimeout    time.Duration // fallback when a question has no pause
	SilenceTimeout     time.Duration

	Gateway        string // "stream" or "sip"
	CallsPerSecond float64
	CallerID       string

	CarrierOriginateURL string
	CarrierToken        string

	SIPTrunkHost    string
	SIPTrunkPort    int
	SIPTransport    string
	SIPUsername     string
	SIPAuthUsername string
	SIPPassword     string
	SIPPrefixStrip  int
	SIPPrefixAdd    string
	SIPPort         int
	RTPPortMin      int
	RTPPortMax      int
	ExternalIP      string // advertised in SIP Contact and SDP

	TTSURL        string
	STTURL        string
	SpeechTimeout time.Duration

	DefaultLanguage string
	DefaultGreeting string
	DefaultClosing  string
	LexiconFile     string

	ResultsURL    string
	ResultsSecret string
}

// Queue backends and telephony gateways.
const (
	QueueMemory   = "memory"
	QueueRedis    = "redis"
	GatewayStream = "stream"
	GatewaySIP    = "sip"
)

// defaults
const (
	defaultDataDir            = "./data"
	defaultHTTPPort           = 8080
	defaultLogLevel           = "info"
	defaultLogFormat          = "text"
	defaultQueueBackend       = QueueMemory
	defaultRedisAddr          = "localhost:6379"
	defaultMaxQueueSize       = 10000
	defaultMaxConcurrentCalls = 10
	defaultDispatchInterval   = time.Second
	defaultStaggerInterval    = 30 * time.Second
	defaultRetryDelay         = 5 * time.Minute
	defaultMaxRetries         = 3
	defaultDialTimeout        = 45 * time.Second
	defaultResponseTimeout    = 8 * time.Second
	defaultSilenceTimeout     = 1500 * time.Millisecond
	defaultGateway            = GatewayStream
	defaultSIPTrunkPort       = 5060
	defaultSIPTransport       = "udp"
	defaultSIPPort            = 5060
	defaultRTPPortMin         = 10000
	defaultRTPPortMax         = 20000
	defaultSpeechTimeout      = 30 * time.Second
	defaultLanguage           = "ar"
	defaultGreeting           = "السلام عليكم، معك استبيان قصير لن يأخذ إلا دقيقة من وقتك."
	defaultClosing            = "شكرا لوقتك، مع السلامة."
)

// envPrefix is the prefix for all environment variables.
const envPrefix = "CALLSURVEY_"

// envFileVar names the .env file to load. Unset means ".env" in the
// working directory, which may be absent.
const envFileVar = envPrefix + "ENV_FILE"

// Load parses configuration from args (without the program name),
// environment variables and an optional .env file.
func Load(args []string) (*Config, error) {
	if err := loadEnvFile(); err != nil {
		return nil, err
	}

	cfg := &Config{}
	fs := flag.NewFlagSet("callsurvey", flag.ContinueOnError)
	cfg.register(fs)

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	if err := applyEnvOverrides(fs); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

func (c *Config) register(fs *flag.FlagSet) {
	fs.StringVar(&c.DataDir, "data-dir", defaultDataDir, "data directory for the SQLite database")
	fs.StringVar(&c.DBDSN, "db-dsn", "", "PostgreSQL connection string (SQLite is used when empty)")
	fs.IntVar(&c.HTTPPort, "http-port", defaultHTTPPort, "HTTP server listen port")
	fs.StringVar(&c.PublicURL, "public-url", "", "public base URL of this service, sent to the carrier for stream and status callbacks")
	fs.StringVar(&c.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&c.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")

	fs.StringVar(&c.QueueBackend, "queue-backend", defaultQueueBackend, "call queue backend (memory, redis)")
	fs.StringVar(&c.RedisAddr, "redis-addr", defaultRedisAddr, "redis address for the redis queue backend")
	fs.StringVar(&c.RedisPassword, "redis-password", "", "redis password")
	fs.IntVar(&c.RedisDB, "redis-db", 0, "redis database number")
	fs.IntVar(&c.MaxQueueSize, "max-queue-size", defaultMaxQueueSize, "maximum number of queued call requests")

	fs.IntVar(&c.MaxConcurrentCalls, "max-concurrent-calls", defaultMaxConcurrentCalls, "maximum number of simultaneous calls")
	fs.DurationVar(&c.DispatchInterval, "dispatch-interval", defaultDispatchInterval, "how often the dispatcher checks the queue")
	fs.DurationVar(&c.StaggerInterval, "stagger-interval", defaultStaggerInterval, "delay between consecutive recipients of a campaign")
	fs.DurationVar(&c.RetryDelay, "retry-delay", defaultRetryDelay, "delay before a failed call is retried")
	fs.IntVar(&c.DefaultMaxRetries, "max-retries", defaultMaxRetries, "default retries per recipient")
	fs.DurationVar(&c.DialTimeout, "dial-timeout", defaultDialTimeout, "how long to wait for a call to be answered")
	fs.DurationVar(&c.ResponseTimeout, "response-timeout", defaultResponseTimeout, "answer window for questions without a pause")
	fs.DurationVar(&c.SilenceTimeout, "silence-timeout", defaultSilenceTimeout, "silence that ends an answer once speech was heard")

	fs.StringVar(&c.Gateway, "gateway", defaultGateway, "telephony gateway (stream, sip)")
	fs.Float64Var(&c.CallsPerSecond, "calls-per-second", 0, "maximum call attempts per second (0 for unlimited)")
	fs.StringVar(&c.CallerID, "caller-id", "", "caller id presented to recipients")

	fs.StringVar(&c.CarrierOriginateURL, "carrier-originate-url", "", "carrier endpoint that places outbound calls (stream gateway)")
	fs.StringVar(&c.CarrierToken, "carrier-token", "", "shared token for carrier requests and callbacks")

	fs.StringVar(&c.SIPTrunkHost, "sip-trunk-host", "", "SIP trunk host (sip gateway)")
	fs.IntVar(&c.SIPTrunkPort, "sip-trunk-port", defaultSIPTrunkPort, "SIP trunk port")
	fs.StringVar(&c.SIPTransport, "sip-transport", defaultSIPTransport, "SIP transport (udp, tcp)")
	fs.StringVar(&c.SIPUsername, "sip-username", "", "SIP trunk account")
	fs.StringVar(&c.SIPAuthUsername, "sip-auth-username", "", "SIP digest username when it differs from sip-username")
	fs.StringVar(&c.SIPPassword, "sip-password", "", "SIP digest password")
	fs.IntVar(&c.SIPPrefixStrip, "sip-prefix-strip", 0, "digits to strip from dialed numbers")
	fs.StringVar(&c.SIPPrefixAdd, "sip-prefix-add", "", "prefix to add to dialed numbers")
	fs.IntVar(&c.SIPPort, "sip-port", defaultSIPPort, "local SIP listen port")
	fs.IntVar(&c.RTPPortMin, "rtp-port-min", defaultRTPPortMin, "minimum UDP port for RTP media")
	fs.IntVar(&c.RTPPortMax, "rtp-port-max", defaultRTPPortMax, "maximum UDP port for RTP media")
	fs.StringVar(&c.ExternalIP, "external-ip", "", "public IP address for SIP and SDP (auto-detected if empty)")

	fs.StringVar(&c.TTSURL, "tts-url", "", "base URL of the text-to-speech service")
	fs.StringVar(&c.STTURL, "stt-url", "", "base URL of the speech-to-text service")
	fs.DurationVar(&c.SpeechTimeout, "speech-timeout", defaultSpeechTimeout, "timeout for speech service requests")

	fs.StringVar(&c.DefaultLanguage, "language", defaultLanguage, "default template language")
	fs.StringVar(&c.DefaultGreeting, "greeting", defaultGreeting, "greeting for templates without one")
	fs.StringVar(&c.DefaultClosing, "closing", defaultClosing, "closing for templates without one")
	fs.StringVar(&c.LexiconFile, "lexicon-file", "", "YAML file extending the answer vocabulary (reloaded on change)")

	fs.StringVar(&c.ResultsURL, "results-url", "", "base URL that completed surveys are submitted to")
	fs.StringVar(&c.ResultsSecret, "results-secret", "", "HS256 secret for result submission tokens")
}

// loadEnvFile loads the .env file into the process environment without
// overriding variables that are already set.
func loadEnvFile() error {
	path, explicit := os.LookupEnv(envFileVar)
	if !explicit {
		path = ".env"
	}
	err := godotenv.Load(path)
	if err == nil || (!explicit && errors.Is(err, fs.ErrNotExist)) {
		return nil
	}
	return fmt.Errorf("loading env file %s: %w", path, err)
}

// envName maps a flag name to its environment variable.
func envName(flagName string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

// applyEnvOverrides sets every flag that was not given on the command
// line from its environment variable, if present.
func applyEnvOverrides(fs *flag.FlagSet) error {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	var errs []error
	fs.VisitAll(func(f *flag.Flag) {
		if set[f.Name] {
			return
		}
		val, ok := os.LookupEnv(envName(f.Name))
		if !ok || val == "" {
			return
		}
		if err := fs.Set(f.Name, val); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", envName(f.Name), err))
		}
	})
	return errors.Join(errs...)
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	switch c.QueueBackend {
	case QueueMemory:
	case QueueRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("redis-addr is required for the redis queue backend")
		}
	default:
		return fmt.Errorf("queue-backend must be one of memory, redis; got %q", c.QueueBackend)
	}
	if c.MaxQueueSize < 1 {
		return fmt.Errorf("max-queue-size must be positive, got %d", c.MaxQueueSize)
	}

	if c.MaxConcurrentCalls < 1 {
		return fmt.Errorf("max-concurrent-calls must be positive, got %d", c.MaxConcurrentCalls)
	}
	if c.DefaultMaxRetries < 0 {
		return fmt.Errorf("max-retries must not be negative, got %d", c.DefaultMaxRetries)
	}
	for name, d := range map[string]time.Duration{
		"dispatch-interval": c.DispatchInterval,
		"dial-timeout":      c.DialTimeout,
		"response-timeout":  c.ResponseTimeout,
		"silence-timeout":   c.SilenceTimeout,
		"speech-timeout":    c.SpeechTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if c.StaggerInterval < 0 || c.RetryDelay < 0 {
		return fmt.Errorf("stagger-interval and retry-delay must not be negative")
	}
	if c.CallsPerSecond < 0 {
		return fmt.Errorf("calls-per-second must not be negative, got %g", c.CallsPerSecond)
	}

	switch c.Gateway {
	case GatewayStream:
		if c.CarrierOriginateURL == "" {
			return fmt.Errorf("carrier-originate-url is required for the stream gateway")
		}
		if c.PublicURL == "" {
			return fmt.Errorf("public-url is required for the stream gateway")
		}
		if _, err := url.Parse(c.PublicURL); err != nil {
			return fmt.Errorf("public-url: %w", err)
		}
	case GatewaySIP:
		if err := c.validateSIP(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("gateway must be one of stream, sip; got %q", c.Gateway)
	}

	if c.TTSURL == "" || c.STTURL == "" {
		return fmt.Errorf("tts-url and stt-url are required")
	}

	if c.ResultsURL != "" && c.ResultsSecret == "" {
		return fmt.Errorf("results-secret is required when results-url is set")
	}

	return nil
}

func (c *Config) validateSIP() error {
	if c.SIPTrunkHost == "" {
		return fmt.Errorf("sip-trunk-host is required for the sip gateway")
	}
	if c.SIPTrunkPort < 1 || c.SIPTrunkPort > 65535 {
		return fmt.Errorf("sip-trunk-port must be between 1 and 65535, got %d", c.SIPTrunkPort)
	}
	if c.SIPPort < 1 || c.SIPPort > 65535 {
		return fmt.Errorf("sip-port must be between 1 and 65535, got %d", c.SIPPort)
	}
	c.SIPTransport = strings.ToLower(c.SIPTransport)
	if c.SIPTransport != "udp" && c.SIPTransport != "tcp" {
		return fmt.Errorf("sip-transport must be one of udp, tcp; got %q", c.SIPTransport)
	}
	if c.RTPPortMin < 1024 || c.RTPPortMin > 65534 {
		return fmt.Errorf("rtp-port-min must be between 1024 and 65534, got %d", c.RTPPortMin)
	}
	if c.RTPPortMax < c.RTPPortMin+2 || c.RTPPortMax > 65535 {
		return fmt.Errorf("rtp-port-max must be between rtp-port-min+2 and 65535, got %d", c.RTPPortMax)
	}
	// RTP ports must be even (RTP uses even ports, RTCP uses the next odd port).
	if c.RTPPortMin%2 != 0 {
		return fmt.Errorf("rtp-port-min must be even, got %d", c.RTPPortMin)
	}
	if c.SIPPrefixStrip < 0 {
		return fmt.Errorf("sip-prefix-strip must not be negative, got %d", c.SIPPrefixStrip)
	}
	if c.ExternalIP != "" && net.ParseIP(c.ExternalIP) == nil {
		return fmt.Errorf("external-ip %q is not an IP address", c.ExternalIP)
	}
	return nil
}

// StreamURL is the WebSocket endpoint handed to the carrier.
func (c *Config) StreamURL() string {
	base := strings.TrimRight(c.PublicURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/telephony/stream"
}

// StatusURL is the dial progress webhook handed to the carrier.
func (c *Config) StatusURL() string {
	return strings.TrimRight(c.PublicURL, "/") + "/telephony/status"
}

// MediaIP returns the IP address to use in SIP and SDP.
// If ExternalIP is configured, it is returned directly. Otherwise the
// function attempts to detect the machine's primary non-loopback IPv4 address.
// Falls back to "127.0.0.1" if detection fails.
func (c *Config) MediaIP() string {
	if c.ExternalIP != "" {
		return c.ExternalIP
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok && !ipNet.IP.IsLoopback() {
			if ipNet.IP.To4() != nil {
				return ipNet.IP.String()
			}
		}
	}
	return "127.0.0.1"
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
