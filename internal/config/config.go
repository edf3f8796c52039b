package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

type DB struct {
	User string `validate:"required"`
	Pass string
	Host string `validate:"required"`
	Port string `validate:"required"`
	Name string `validate:"required"`
}

type Redis struct {
	Addr      string `validate:"required"` // e.g. redis:6379
	Password  string
	DB        int    `validate:"min=0,max=15"`
	KeyPrefix string `validate:"required"` // hash tag of every queue key
}

type NSQ struct {
	NsqdTCPAddr       string        // e.g. nsqd:4150
	LookupHTTPAddr    string        // e.g. nsqlookupd:4161
	NsqdHTTPAddr      string        // e.g. nsqd:4151, polled for channel depth
	EventsTopic       string        `validate:"required"` // domain events topic
	TranslatorChannel string        `validate:"required"` // channel the translator consumes
	MaxInFlight       int           `validate:"min=1"`
	MaxAttempts       int           `validate:"min=1,max=65535"` // translation attempts per message
	RequeueDelay      time.Duration `validate:"gt=0"`
}

// CAPI selects the conversion API endpoint.
type CAPI struct {
	APIVersion    string        `validate:"required"`
	BaseURL       string        `validate:"required,url"`
	Timeout       time.Duration `validate:"gt=0"`
	TestEventCode string        // routes every event to the provider's test console
}

// Delivery bounds the retry policy.
type Delivery struct {
	MaxAttempts      int `validate:"min=1,max=20"`
	BaseDelaySeconds int `validate:"min=5,max=3600"`
}

// BaseDelay is BaseDelaySeconds as a duration.
func (d Delivery) BaseDelay() time.Duration {
	return time.Duration(d.BaseDelaySeconds) * time.Second
}

type Worker struct {
	Concurrency     int           `validate:"min=1,max=64"` // identical delivery loops per process
	PopTimeout      time.Duration `validate:"gte=1s"`       // BRPOP timeout, so retries are promoted while idle
	PromoteBatch    int           `validate:"min=1"`
	ClaimTTL        time.Duration `validate:"gt=0"`
	HTTPPort        string        // ops server: /healthz, /metrics, /dlq
	MonitorInterval time.Duration `validate:"gt=0"`
}

type FakeReceiver struct {
	FailFirstN      int    // number of requests to fail initially
	FailStatus      int    `validate:"omitempty,min=400,max=599"`
	ResponseDelayMS int    // simulated response delay
	Port            string // server listen address
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
}

type Config struct {
	AppName         string
	LogMode         string `validate:"omitempty,oneof=production development"`
	SecretsKey      string // base64 32-byte key for stored credentials
	PIICountryCodes []string
	DB              DB
	Redis           Redis
	NSQ             NSQ
	CAPI            CAPI
	Delivery        Delivery
	Worker          Worker
	FakeReceiver    FakeReceiver
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getenvList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}

// LoadDotenv loads the given .env files (default ".env") into the process
// environment without overriding variables that are already set. Missing
// files are ignored.
func LoadDotenv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// Load reads .env, then the environment, and validates the result.
func Load() (Config, error) {
	if err := LoadDotenv(); err != nil {
		return Config{}, err
	}
	cfg := FromEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func FromEnv() Config {
	return Config{
		AppName:         getenv("APP_NAME", "convhook"),
		LogMode:         getenv("LOG_MODE", "production"),
		SecretsKey:      getenv("SECRETS_KEY", ""),
		PIICountryCodes: getenvList("PII_COUNTRY_CODES", []string{"55"}),
		DB: DB{
			User: getenv("DB_USER", "postgres"),
			Pass: getenv("DB_PASS", "postgres"),
			Host: getenv("DB_HOST", "postgres"),
			Port: getenv("DB_PORT", "5432"),
			Name: getenv("DB_NAME", "convhook"),
		},
		Redis: Redis{
			Addr:      getenv("REDIS_ADDR", "redis:6379"),
			Password:  getenv("REDIS_PASSWORD", ""),
			DB:        getenvInt("REDIS_DB", 0),
			KeyPrefix: getenv("REDIS_KEY_PREFIX", "convhook"),
		},
		NSQ: NSQ{
			NsqdTCPAddr:       getenv("NSQD_TCP_ADDR", "nsqd:4150"),
			LookupHTTPAddr:    getenv("NSQ_LOOKUP_HTTP_ADDR", "nsqlookupd:4161"),
			NsqdHTTPAddr:      getenv("NSQD_HTTP_ADDR", "nsqd:4151"),
			EventsTopic:       getenv("NSQ_EVENTS_TOPIC", "domain_events"),
			TranslatorChannel: getenv("NSQ_TRANSLATOR_CHANNEL", "conversions"),
			MaxInFlight:       getenvInt("NSQ_MAX_IN_FLIGHT", 50),
			MaxAttempts:       getenvInt("NSQ_MAX_ATTEMPTS", 5),
			RequeueDelay:      getenvDuration("NSQ_REQUEUE_DELAY", 5*time.Second),
		},
		CAPI: CAPI{
			APIVersion:    getenv("CAPI_API_VERSION", "v21.0"),
			BaseURL:       getenv("CAPI_BASE_URL", "https://graph.facebook.com"),
			Timeout:       getenvDuration("CAPI_TIMEOUT", 15*time.Second),
			TestEventCode: getenv("CAPI_TEST_EVENT_CODE", ""),
		},
		Delivery: Delivery{
			MaxAttempts:      getenvInt("DELIVERY_MAX_ATTEMPTS", 5),
			BaseDelaySeconds: getenvInt("DELIVERY_BASE_DELAY_SECONDS", 30),
		},
		Worker: Worker{
			Concurrency:     getenvInt("WORKER_CONCURRENCY", 4),
			PopTimeout:      getenvDuration("WORKER_POP_TIMEOUT", 5*time.Second),
			PromoteBatch:    getenvInt("WORKER_PROMOTE_BATCH", 100),
			ClaimTTL:        getenvDuration("WORKER_CLAIM_TTL", 2*time.Minute),
			HTTPPort:        ":" + strings.TrimPrefix(getenv("WORKER_HTTP_PORT", "8083"), ":"),
			MonitorInterval: getenvDuration("WORKER_MONITOR_INTERVAL", 15*time.Second),
		},
		FakeReceiver: FakeReceiver{
			FailFirstN:      getenvInt("FAIL_FIRST_N", 0),
			FailStatus:      getenvInt("FAIL_STATUS", 503),
			ResponseDelayMS: getenvInt("RESPONSE_DELAY_MS", 0),
			Port:            getenv("FAKE_RECEIVER_PORT", ":8081"),
			ReadTimeout:     getenvDuration("FAKE_RECEIVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:    getenvDuration("FAKE_RECEIVER_WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:     getenvDuration("FAKE_RECEIVER_IDLE_TIMEOUT", 60*time.Second),
		},
	}
}

var validate = validator.New()

// Validate enforces the documented bounds, e.g. 1-20 delivery attempts and a
// 5-3600s base delay.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}
