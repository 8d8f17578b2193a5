package config

import (
	"fmt"
	"sync"
	"time"

	"github.com/ilyakaznacheev/cleanenv"

	"vpngate/internal/models"
	"vpngate/pkg/logger"
)

type Config struct {
	Env     string        `yaml:"env" env:"APP_ENV" env-default:"production" env-description:"Environment [production, local, sandbox]"`
	Logger  logger.Config `yaml:"logger"`
	API     API           `yaml:"api"`
	Storage Storage       `yaml:"storage"`
	Smart   Smart         `yaml:"smart"`
	Refresh Refresh       `yaml:"refresh"`
	Gateway Gateway       `yaml:"gateway"`
	Debug   bool          `yaml:"debug" env:"APP_DEBUG" env-default:"false" env-description:"Enables debug mode"`
}

type API struct {
	BaseURL    string        `yaml:"base_url" env:"API_BASE_URL" env-default:"https://vpn-api.proton.me" env-description:"Base URL of the VPN API"`
	Timeout    time.Duration `yaml:"timeout" env:"API_TIMEOUT" env-default:"30s" env-description:"Timeout of a single API request"`
	AppVersion string        `yaml:"app_version" env:"API_APP_VERSION" env-default:"linux-vpn@4.0.0" env-description:"Value of the x-pm-appversion header"`
}

type Storage struct {
	BaseDir         string `yaml:"base_dir" env:"STORAGE_BASE_DIR" env-description:"Directory for database, settings and cache. Defaults to the user config dir"`
	KeychainService string `yaml:"keychain_service" env:"STORAGE_KEYCHAIN_SERVICE" env-default:"vpngate" env-description:"Service name of the OS keyring entries"`
}

type Smart struct {
	PingTimeout      time.Duration `yaml:"ping_timeout" env:"SMART_PING_TIMEOUT" env-default:"3s" env-description:"Timeout of a single port probe"`
	Protocols        []string      `yaml:"protocols" env:"SMART_PROTOCOLS" env-separator:"," env-description:"Protocols with a probe. Empty enables all"`
	OpenVPNStaticKey string        `yaml:"openvpn_static_key" env:"SMART_OPENVPN_STATIC_KEY" env-description:"OpenVPN tls-auth key in PEM-like form used for OpenVPN probes"`
	HealthInterval   time.Duration `yaml:"health_interval" env:"SMART_HEALTH_INTERVAL" env-default:"15s" env-description:"Interval of the active connection health check"`
}

type Refresh struct {
	CheckInterval  time.Duration `yaml:"check_interval" env:"REFRESH_CHECK_INTERVAL" env-default:"2m" env-description:"Certificate check interval while connected"`
	Margin         time.Duration `yaml:"margin" env:"REFRESH_MARGIN" env-default:"3m" env-description:"Refresh certificates this long before their refresh time"`
	BackoffBase    time.Duration `yaml:"backoff_base" env:"REFRESH_BACKOFF_BASE" env-default:"10s" env-description:"First retry delay after a failed certificate refresh"`
	BackoffCap     time.Duration `yaml:"backoff_cap" env:"REFRESH_BACKOFF_CAP" env-default:"1h" env-description:"Upper bound of the certificate retry delay"`
	PropertiesCron string        `yaml:"properties_cron" env:"REFRESH_PROPERTIES_CRON" env-default:"@every 3m" env-description:"Cron spec of the session properties refresh"`
}

type Gateway struct {
	ProtocolChangeDelay time.Duration `yaml:"protocol_change_delay" env:"GATEWAY_PROTOCOL_CHANGE_DELAY" env-default:"1s" env-description:"Pause between teardown and reconnect on a protocol change"`
	EnforceDeprecations bool          `yaml:"enforce_deprecations" env:"GATEWAY_ENFORCE_DEPRECATIONS" env-default:"false" env-description:"Refuse deprecated protocols before the API says so"`
	WireGuardTLS        bool          `yaml:"wireguard_tls" env:"GATEWAY_WIREGUARD_TLS" env-default:"true" env-description:"Allow WireGuard TCP and TLS before the API says so"`
}

// ParsedProtocols parses Protocols. An empty list means every protocol.
func (s Smart) ParsedProtocols() ([]models.VPNProtocol, error) {
	out := make([]models.VPNProtocol, 0, len(s.Protocols))
	for _, name := range s.Protocols {
		p, err := models.ParseVPNProtocol(name)
		if err != nil {
			return nil, fmt.Errorf("smart.protocols: %w", err)
		}
		out = append(out, p)
	}
	return out, nil
}

// ClientConfigDefaults is the client config used until the API answered.
func (c *Config) ClientConfigDefaults() models.ClientConfig {
	out := models.DefaultClientConfig()
	out.FeatureFlags.EnforceDeprecations = c.Gateway.EnforceDeprecations
	out.FeatureFlags.WireGuardTLS = c.Gateway.WireGuardTLS
	return out
}

var (
	once   = sync.Once{}
	cfg    = &Config{}
	errCfg error
)

func New(configPath string, skipConfig bool) (*Config, error) {
	once.Do(func() {
		cfg = &Config{}

		if skipConfig {
			errCfg = cleanenv.ReadEnv(cfg)
			return
		}

		errCfg = cleanenv.ReadConfig(configPath, cfg)
	})

	return cfg, errCfg
}

// Load reads a config without touching the process wide instance.
func Load(configPath string, skipConfig bool) (*Config, error) {
	c := &Config{}
	var err error
	if skipConfig {
		err = cleanenv.ReadEnv(c)
	} else {
		err = cleanenv.ReadConfig(configPath, c)
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}
