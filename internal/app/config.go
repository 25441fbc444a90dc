package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
)

const defaultAddr = "0.0.0.0:8080"

// Config holds the complete application configuration, loadable from
// environment variables (CHECKOUT_ prefix), flags, or YAML config files.
type Config struct {
	Addr        string `default:"0.0.0.0:8080" usage:"API server listen address"`
	DatabaseURL string `usage:"PostgreSQL connection URL (CHECKOUT_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	// APIKeys guard the API. An empty list leaves it open.
	APIKeys      []string `usage:"Accepted API keys" flag:"api-keys"`
	APIKeyPepper string   `usage:"HMAC pepper for API key comparison" flag:"api-key-pepper"`
	OrderService OrderServiceConfig
	Payment      PaymentConfig
	Pipeline     PipelineConfig
	Assets       AssetsConfig
	Kafka        KafkaConfig
	RateLimit    RateLimitConfig
	Graceful     GracefulConfig
}

// OrderServiceConfig points at the remote order service.
type OrderServiceConfig struct {
	URL             string        `usage:"Order service base URL" flag:"order-service-url"`
	APIKey          string        `usage:"Order service API key" flag:"order-service-api-key"`
	Timeout         time.Duration `default:"30s" usage:"Order service request timeout"`
	CompressUploads bool          `default:"false" usage:"Gzip asset uploads" flag:"compress-uploads"`
}

// PaymentConfig points at the payment gateway.
type PaymentConfig struct {
	GatewayURL   string        `usage:"Payment gateway base URL" flag:"payment-gateway-url"`
	APIKey       string        `usage:"Payment gateway API key" flag:"payment-api-key"`
	PollInterval time.Duration `default:"1s" usage:"Authorization status poll interval"`
	Timeout      time.Duration `default:"15s" usage:"Payment gateway request timeout"`
}

// PipelineConfig tunes order processing.
type PipelineConfig struct {
	UploadWorkers         int           `default:"4" usage:"Concurrent asset uploads per order"`
	PollInterval          time.Duration `default:"2s" usage:"Submission poll interval"`
	MaxPolls              int           `default:"30" usage:"Submission polls before giving up"`
	SubmitTimeout         time.Duration `default:"30s" usage:"Timeout of a single submit or poll call"`
	AuthorizeDuringUpload bool          `default:"false" usage:"Authorize payment while assets upload" flag:"authorize-during-upload"`
	Currency              string        `default:"USD" usage:"Currency of orders created without one"`
}

// AssetsConfig locates asset bytes on disk.
type AssetsConfig struct {
	Dir string `default:"./assets" usage:"Directory holding asset files" flag:"assets-dir"`
}

// KafkaConfig enables order event publishing. Events are only logged when
// Brokers is empty.
type KafkaConfig struct {
	Brokers []string `usage:"Kafka brokers" flag:"kafka-brokers"`
	Topic   string   `default:"checkout.events" usage:"Order events topic" flag:"kafka-topic"`
	Buffer  int      `default:"256" usage:"Events queued before dropping" flag:"kafka-buffer"`
}

// RateLimitConfig controls the per-client token bucket rate limiter.
type RateLimitConfig struct {
	Max    int           `default:"100" usage:"Max requests per window"`
	Window time.Duration `default:"1m"  usage:"Rate limit window duration"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from environment variables and YAML config
// files, then applies platform defaults.
func LoadConfig() (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "CHECKOUT",
		Files:     []string{"config.yaml", "/etc/checkout/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch {
	case c.DatabaseURL == "":
		return errors.New("database URL is required: set CHECKOUT_DATABASE_URL or DATABASE_URL")
	case c.OrderService.URL == "":
		return errors.New("order service URL is required: set CHECKOUT_ORDER_SERVICE_URL")
	case c.Payment.GatewayURL == "":
		return errors.New("payment gateway URL is required: set CHECKOUT_PAYMENT_GATEWAY_URL")
	case len(c.APIKeys) > 0 && c.APIKeyPepper == "":
		return errors.New("API key pepper is required when API keys are set")
	}
	return nil
}

// applyPlatformDefaults maps platform-provided DATABASE_URL and PORT to the
// CHECKOUT_-prefixed configuration.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		if v := os.Getenv("DATABASE_URL"); v != "" {
			c.DatabaseURL = v
		}
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == defaultAddr {
		c.Addr = "0.0.0.0:" + port
	}
}
