package config

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// General
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// HTTPPort serves the widget API and webhook routes; RealtimeAddr serves
	// the WebSocket endpoint and Prometheus metrics.
	HTTPPort     int    `envconfig:"HTTP_PORT" default:"3000"`
	RealtimeAddr string `envconfig:"REALTIME_LISTEN_ADDR" default:":3001"`

	// CORS (the widget is embedded on customer pages)
	CORSOrigins string `envconfig:"CORS_ORIGINS" default:"*"`

	// Provider API
	ProviderBaseURL        string        `envconfig:"PROVIDER_BASE_URL"`
	ProviderAuthURL        string        `envconfig:"PROVIDER_AUTH_URL"`
	ProviderRefreshURL     string        `envconfig:"PROVIDER_REFRESH_URL"`
	ProviderChannel        string        `envconfig:"PROVIDER_CHANNEL" default:"CHAT"`
	ProviderIntegration    string        `envconfig:"PROVIDER_INTEGRATION_CHANNEL" default:"CHAT_API"`
	ProviderChannelRefID   string        `envconfig:"PROVIDER_CHANNEL_REF_ID"`
	ProviderVirtualAgentID string        `envconfig:"PROVIDER_VIRTUAL_AGENT_ID"`
	ProviderTimeout        time.Duration `envconfig:"PROVIDER_TIMEOUT" default:"15s"`

	// ProviderProfile optionally points at a YAML file carrying the provider
	// settings above; environment variables win over the file.
	ProviderProfile string `envconfig:"PROVIDER_PROFILE"`

	// Webhook receiver
	WebhookBearerToken   string `envconfig:"WEBHOOK_BEARER_TOKEN"`
	WebhookSigningSecret string `envconfig:"WEBHOOK_SIGNING_SECRET"`
	WebhookPublicURL     string `envconfig:"WEBHOOK_PUBLIC_URL"`

	// Tunables
	SubmitWaitTimeout time.Duration `envconfig:"SUBMIT_WAIT_TIMEOUT" default:"30s"`
	AckTimeout        time.Duration `envconfig:"REALTIME_ACK_TIMEOUT" default:"5s"`
	TokenRefreshLead  time.Duration `envconfig:"TOKEN_REFRESH_LEAD" default:"60s"`
	TokenFallbackTTL  time.Duration `envconfig:"TOKEN_FALLBACK_TTL" default:"15m"`
	HistoryLimit      int           `envconfig:"HISTORY_LIMIT" default:"100"`
	HistoryMaxConvs   int           `envconfig:"HISTORY_MAX_CONVERSATIONS" default:"1000"`
	WSPingInterval    time.Duration `envconfig:"WS_PING_INTERVAL" default:"60s"`
	WSPongWait        time.Duration `envconfig:"WS_PONG_WAIT" default:"90s"`

	// WebhookTokenGenerated is true when no bearer token was configured and a
	// random one was minted at startup.
	WebhookTokenGenerated bool `ignored:"true"`
}

// providerProfile is the YAML shape of a provider settings file. Values may
// reference environment variables as ${VAR}.
type providerProfile struct {
	Provider struct {
		BaseURL        string `yaml:"baseUrl"`
		AuthURL        string `yaml:"authUrl"`
		RefreshURL     string `yaml:"refreshUrl"`
		Channel        string `yaml:"channel"`
		Integration    string `yaml:"integrationChannel"`
		ChannelRefID   string `yaml:"channelRefId"`
		VirtualAgentID string `yaml:"virtualAgentId"`
	} `yaml:"provider"`
}

// Load reads configuration from environment variables, merges the optional
// provider profile file, and mints a webhook bearer token when none is set.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	if cfg.ProviderProfile != "" {
		if err := cfg.applyProfile(cfg.ProviderProfile); err != nil {
			return nil, err
		}
	}

	if cfg.WebhookBearerToken == "" {
		cfg.WebhookBearerToken = "chat-relay-webhook-" + uuid.New().String()
		cfg.WebhookTokenGenerated = true
	}

	return &cfg, nil
}

// applyProfile fills provider fields the environment left empty.
func (c *Config) applyProfile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading provider profile: %w", err)
	}

	var profile providerProfile
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(raw))), &profile); err != nil {
		return fmt.Errorf("parsing provider profile %s: %w", path, err)
	}

	p := profile.Provider
	fill(&c.ProviderBaseURL, p.BaseURL)
	fill(&c.ProviderAuthURL, p.AuthURL)
	fill(&c.ProviderRefreshURL, p.RefreshURL)
	fill(&c.ProviderChannelRefID, p.ChannelRefID)
	fill(&c.ProviderVirtualAgentID, p.VirtualAgentID)
	if p.Channel != "" && c.ProviderChannel == "CHAT" {
		c.ProviderChannel = p.Channel
	}
	if p.Integration != "" && c.ProviderIntegration == "CHAT_API" {
		c.ProviderIntegration = p.Integration
	}
	return nil
}

func fill(dst *string, v string) {
	if *dst == "" && v != "" {
		*dst = v
	}
}

// Validate checks the settings the relay cannot run without.
func (c *Config) Validate() error {
	if c.ProviderBaseURL == "" {
		return fmt.Errorf("PROVIDER_BASE_URL is required")
	}
	if c.ProviderAuthURL == "" {
		return fmt.Errorf("PROVIDER_AUTH_URL is required")
	}
	if c.ProviderVirtualAgentID == "" {
		return fmt.Errorf("PROVIDER_VIRTUAL_AGENT_ID is required")
	}
	return nil
}
