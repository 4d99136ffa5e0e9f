package global

import (
	"fmt"
	"os"

	"github.com/go-redis/redis_rate/v10"
	"gopkg.in/yaml.v3"
)

const (
	// ServerSecretEnv overrides keyshare.serverSecret from conf.yaml
	ServerSecretEnv = "KEYSHARE_SERVER_SECRET"

	DefaultPreviousShareRetention = 5
	DefaultQrSessionTTLSeconds    = 120
	DefaultQrPayloadTTLSeconds    = 60
	DefaultPruneSchedule          = "@every 6h"
)

// Conf global config
var Conf Config

// Global rate limiter
var RateLimiter *redis_rate.Limiter

type Config struct {
	Title             string                   `yaml:"title"`
	Version           string                   `yaml:"version"`
	Host              string                   `yaml:"host"`
	Port              int                      `yaml:"port"`
	Scheme            string                   `yaml:"scheme"`
	Mode              string                   `yaml:"mode"` // debug or release
	CouchDB           CouchDBConfig            `yaml:"couchdb"`
	Prometheus        PrometheusConfig         `yaml:"prometheus"`
	Redis             RedisConfig              `yaml:"redis"`
	Queue             Queue                    `yaml:"queue"`
	KeyShare          KeyShareConfig           `yaml:"keyshare"`
	WebAuthn          WebAuthnConfig           `yaml:"webauthn"`
	IdentityProviders []IdentityProviderConfig `yaml:"identityProviders"`
	Notifications     NotificationsConfig      `yaml:"notifications"`
	Cors              CorsConfig               `yaml:"cors"`
}

type CouchDBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Scheme   string `yaml:"scheme"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type PrometheusConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	Username string `yaml:"username"`
}

type Queue struct {
	Concurrency int `yaml:"concurrency"`
}

type KeyShareConfig struct {
	ServerSecret           string `yaml:"serverSecret"`
	PreviousShareRetention int    `yaml:"previousShareRetention"`
	QrSessionTTLSeconds    int    `yaml:"qrSessionTTLSeconds"`
	QrPayloadTTLSeconds    int    `yaml:"qrPayloadTTLSeconds"`
	PruneSchedule          string `yaml:"pruneSchedule"`
	// PublicURL is embedded into QR payloads so the requester knows which server to poll
	PublicURL string `yaml:"publicUrl"`
}

type WebAuthnConfig struct {
	Enabled       bool     `yaml:"enabled"`
	RPID          string   `yaml:"rpId"`
	RPDisplayName string   `yaml:"rpDisplayName"`
	RPOrigins     []string `yaml:"rpOrigins"`
}

type IdentityProviderConfig struct {
	Type     string `yaml:"type"` // firebase, supertokens, keycloak, oidc
	Issuer   string `yaml:"issuer"`
	Audience string `yaml:"audience"`
	JWKSURL  string `yaml:"jwksUrl"`
}

type NotificationsConfig struct {
	WebhookURL string        `yaml:"webhookUrl"`
	WebhookKey string        `yaml:"webhookKey"`
	Mailgun    MailgunConfig `yaml:"mailgun"`
}

type MailgunConfig struct {
	Domain string `yaml:"domain"`
	ApiKey string `yaml:"apiKey"`
	Sender string `yaml:"sender"`
	EU     bool   `yaml:"eu"`
}

type CorsConfig struct {
	AllowOrigins []string `yaml:"allowOrigins"`
}

// LoadConfig reads the yaml configuration and applies defaults and environment overrides
func LoadConfig(path string, conf *Config) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, conf); err != nil {
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	conf.applyDefaults()
	return nil
}

func (c *Config) applyDefaults() {
	if secret := os.Getenv(ServerSecretEnv); secret != "" {
		c.KeyShare.ServerSecret = secret
	}
	if c.KeyShare.PreviousShareRetention <= 0 {
		c.KeyShare.PreviousShareRetention = DefaultPreviousShareRetention
	}
	if c.KeyShare.QrSessionTTLSeconds <= 0 {
		c.KeyShare.QrSessionTTLSeconds = DefaultQrSessionTTLSeconds
	}
	if c.KeyShare.QrPayloadTTLSeconds <= 0 {
		c.KeyShare.QrPayloadTTLSeconds = DefaultQrPayloadTTLSeconds
	}
	if c.KeyShare.PruneSchedule == "" {
		c.KeyShare.PruneSchedule = DefaultPruneSchedule
	}
	if c.Mode == "" {
		c.Mode = "release"
	}
	if c.Scheme == "" {
		c.Scheme = "http"
	}
}
