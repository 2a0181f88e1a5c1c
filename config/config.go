package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"go.yaml.in/yaml/v4"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"

	ModeLive = "live"
	ModeFake = "fake"

	SourceKafka = "kafka"
	SourceIMAP  = "imap"

	masked = "******"
	notSet = "<not set>"
)

type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Redis    RedisConfig    `yaml:"redis"`
	Worker   WorkerConfig   `yaml:"worker"`
	Sync     SyncConfig     `yaml:"sync"`
	Couriers CouriersConfig `yaml:"couriers"`
	Ingest   IngestConfig   `yaml:"ingest"`
}

type DatabaseConfig struct {
	Driver   string `yaml:"driver"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DBName   string `yaml:"name"`
	SSLMode  string `yaml:"ssl_mode"`
	// Path is the SQLite file.
	Path string `yaml:"path"`
}

func (d DatabaseConfig) ConnString() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.Username, d.Password, d.Host, d.Port, d.DBName, d.SSLMode)
}

type KafkaConfig struct {
	Host                   string `yaml:"host"`
	Port                   int    `yaml:"port"`
	MailReceivedTopicName  string `yaml:"mail_received_topic_name"`
	StatusChangedTopicName string `yaml:"status_changed_topic_name"`
}

func (k KafkaConfig) Enabled() bool { return k.Host != "" }

func (k KafkaConfig) Brokers() []string {
	return []string{fmt.Sprintf("%s:%d", k.Host, k.Port)}
}

type RedisConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

func (r RedisConfig) Enabled() bool { return r.Host != "" }

func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

type WorkerConfig struct {
	HTTPAddr                string `yaml:"http_addr"`
	SwaggerPath             string `yaml:"swagger_path"`
	KafkaConsumerGroup      string `yaml:"kafka_consumer_group"`
	CurrentStatusTTLSeconds int    `yaml:"current_status_ttl_seconds"`
}

type SyncConfig struct {
	IntervalSeconds           int            `yaml:"interval_seconds"`
	Concurrency               int            `yaml:"concurrency"`
	CourierConcurrency        map[string]int `yaml:"courier_concurrency"`
	RateLimitPerMinute        int            `yaml:"rate_limit_per_minute"`
	CourierRateLimitPerMinute map[string]int `yaml:"courier_rate_limit_per_minute"`
	RequestTimeoutSeconds     int            `yaml:"request_timeout_seconds"`
	ShutdownGraceSeconds      int            `yaml:"shutdown_grace_seconds"`
}

type CourierCredentials struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	BaseURL      string `yaml:"base_url"`
}

// Configured reports whether both halves of the credential pair are present.
func (c CourierCredentials) Configured() bool {
	return c.ClientID != "" && c.ClientSecret != ""
}

type CouriersConfig struct {
	// Mode is "live" (real APIs) or "fake" (deterministic demo clients).
	Mode          string             `yaml:"mode"`
	FedEx         CourierCredentials `yaml:"fedex"`
	UPS           CourierCredentials `yaml:"ups"`
	USPS          CourierCredentials `yaml:"usps"`
	UPSWebBaseURL string             `yaml:"ups_web_base_url"`
}

type IMAPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Folder   string `yaml:"folder"`
	Security string `yaml:"security"`
}

type IngestConfig struct {
	Source        string     `yaml:"source"`
	Schedule      string     `yaml:"schedule"`
	ConsumerGroup string     `yaml:"consumer_group"`
	HTTPAddr      string     `yaml:"http_addr"`
	IMAP          IMAPConfig `yaml:"imap"`
}

// LoadEnv reads a .env file into the environment when there is one.
func LoadEnv(files ...string) {
	_ = godotenv.Load(files...)
}

func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML, overlays secrets from the environment and fills defaults.
func Parse(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
	}
	config.applyEnv()
	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// секреты из окружения имеют приоритет над файлом
func (c *Config) applyEnv() {
	envOverride(&c.Database.Password, "TRACKMAIL_DB_PASSWORD")
	envOverride(&c.Couriers.FedEx.ClientID, "FEDEX_CLIENT_ID")
	envOverride(&c.Couriers.FedEx.ClientSecret, "FEDEX_CLIENT_SECRET")
	envOverride(&c.Couriers.UPS.ClientID, "UPS_CLIENT_ID")
	envOverride(&c.Couriers.UPS.ClientSecret, "UPS_CLIENT_SECRET")
	envOverride(&c.Couriers.USPS.ClientID, "USPS_CLIENT_ID")
	envOverride(&c.Couriers.USPS.ClientSecret, "USPS_CLIENT_SECRET")
	envOverride(&c.Ingest.IMAP.Password, "TRACKMAIL_IMAP_PASSWORD")
}

func envOverride(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = DriverPostgres
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.Database.Path == "" {
		c.Database.Path = "trackmail.db"
	}
	if c.Kafka.MailReceivedTopicName == "" {
		c.Kafka.MailReceivedTopicName = "mail.received"
	}
	if c.Kafka.StatusChangedTopicName == "" {
		c.Kafka.StatusChangedTopicName = "package.status_changed"
	}
	if c.Worker.HTTPAddr == "" {
		c.Worker.HTTPAddr = ":8081"
	}
	if c.Worker.SwaggerPath == "" {
		c.Worker.SwaggerPath = "docs/worker.swagger.json"
	}
	if c.Worker.KafkaConsumerGroup == "" {
		c.Worker.KafkaConsumerGroup = "track-worker"
	}
	if c.Sync.IntervalSeconds <= 0 {
		c.Sync.IntervalSeconds = 3600
	}
	if c.Sync.Concurrency <= 0 {
		c.Sync.Concurrency = 4
	}
	if c.Sync.RequestTimeoutSeconds <= 0 {
		c.Sync.RequestTimeoutSeconds = 15
	}
	if c.Sync.ShutdownGraceSeconds <= 0 {
		c.Sync.ShutdownGraceSeconds = 10
	}
	if c.Couriers.Mode == "" {
		c.Couriers.Mode = ModeLive
	}
	if c.Ingest.Source == "" {
		c.Ingest.Source = SourceKafka
	}
	if c.Ingest.Schedule == "" {
		c.Ingest.Schedule = "@every 5m"
	}
	if c.Ingest.ConsumerGroup == "" {
		c.Ingest.ConsumerGroup = "mail-ingest"
	}
	if c.Ingest.HTTPAddr == "" {
		c.Ingest.HTTPAddr = ":8082"
	}
	if c.Ingest.IMAP.Port == 0 {
		c.Ingest.IMAP.Port = 993
	}
	if c.Ingest.IMAP.Folder == "" {
		c.Ingest.IMAP.Folder = "INBOX"
	}
	if c.Ingest.IMAP.Security == "" {
		c.Ingest.IMAP.Security = "tls"
	}
}

func (c *Config) Validate() error {
	switch c.Database.Driver {
	case DriverPostgres, DriverSQLite:
	default:
		return errors.Errorf("database.driver must be %q or %q, got %q", DriverPostgres, DriverSQLite, c.Database.Driver)
	}
	switch c.Couriers.Mode {
	case ModeLive, ModeFake:
	default:
		return errors.Errorf("couriers.mode must be %q or %q, got %q", ModeLive, ModeFake, c.Couriers.Mode)
	}
	switch c.Ingest.Source {
	case SourceKafka, SourceIMAP:
	default:
		return errors.Errorf("ingest.source must be %q or %q, got %q", SourceKafka, SourceIMAP, c.Ingest.Source)
	}
	for name, creds := range map[string]CourierCredentials{
		"fedex": c.Couriers.FedEx, "ups": c.Couriers.UPS, "usps": c.Couriers.USPS,
	} {
		if (creds.ClientID == "") != (creds.ClientSecret == "") {
			return errors.Errorf("couriers.%s: client_id and client_secret must be set together", name)
		}
	}
	for name := range c.Sync.CourierConcurrency {
		if !knownCourier(name) {
			return errors.Errorf("sync.courier_concurrency: unknown courier %q", name)
		}
	}
	for name := range c.Sync.CourierRateLimitPerMinute {
		if !knownCourier(name) {
			return errors.Errorf("sync.courier_rate_limit_per_minute: unknown courier %q", name)
		}
	}
	return nil
}

func knownCourier(name string) bool {
	switch strings.ToLower(name) {
	case "fedex", "ups", "usps":
		return true
	}
	return false
}

// Sanitized is a copy safe to log or serve: every secret is masked.
func (c Config) Sanitized() Config {
	c.Database.Password = mask(c.Database.Password)
	c.Couriers.FedEx = c.Couriers.FedEx.sanitized()
	c.Couriers.UPS = c.Couriers.UPS.sanitized()
	c.Couriers.USPS = c.Couriers.USPS.sanitized()
	c.Ingest.IMAP.Password = mask(c.Ingest.IMAP.Password)
	return c
}

func (c CourierCredentials) sanitized() CourierCredentials {
	c.ClientID = mask(c.ClientID)
	c.ClientSecret = mask(c.ClientSecret)
	return c
}

func mask(s string) string {
	if s == "" {
		return notSet
	}
	return masked
}
