package config

import (
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	DNS      DNSConfig
	RDAP     RDAPConfig
	Whois    WhoisConfig
}

type ServerConfig struct {
	Port      string
	Mode      string
	JWTSecret string
}

type DatabaseConfig struct {
	URL            string
	MaxConnections int
	MaxIdleConns   int
}

type DNSConfig struct {
	// Providers are tried in order for each domain; entries are either
	// DoH JSON endpoint URLs or "dns53:host:port" for plain DNS.
	Providers   []string
	Concurrency int
	Timeout     time.Duration
	MaxAttempts int
	RetryBase   time.Duration
}

type RDAPConfig struct {
	BootstrapURL string
	FallbackURL  string
	Concurrency  int
	Timeout      time.Duration
	MaxAttempts  int
	RetryBase    time.Duration
	RatePerSec   float64
	UseProxy     bool
	ProxyURL     string
}

type WhoisConfig struct {
	EnableFallback bool
	Timeout        time.Duration
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.SetEnvPrefix("DOMIRO")
	viper.AutomaticEnv()

	// Set defaults
	viper.SetDefault("server.port", "8080")
	viper.SetDefault("server.mode", "release")
	viper.SetDefault("database.maxconnections", 25)
	viper.SetDefault("database.maxidleconns", 5)
	viper.SetDefault("dns.providers", []string{
		"https://cloudflare-dns.com/dns-query",
		"https://dns.google/resolve",
	})
	viper.SetDefault("dns.concurrency", 1000)
	viper.SetDefault("dns.timeout", "10s")
	viper.SetDefault("dns.maxattempts", 3)
	viper.SetDefault("dns.retrybase", "400ms")
	viper.SetDefault("rdap.bootstrapurl", "https://data.iana.org/rdap/dns.json")
	viper.SetDefault("rdap.fallbackurl", "https://rdap.org")
	viper.SetDefault("rdap.concurrency", 3)
	viper.SetDefault("rdap.timeout", "15s")
	viper.SetDefault("rdap.maxattempts", 3)
	viper.SetDefault("rdap.retrybase", "1s")
	viper.SetDefault("rdap.ratepersec", 5)
	viper.SetDefault("rdap.useproxy", false)
	viper.SetDefault("whois.enablefallback", false)
	viper.SetDefault("whois.timeout", "10s")

	var cfg Config
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// Override with environment variables
	if url := os.Getenv("DATABASE_URL"); url != "" {
		cfg.Database.URL = url
	}
	if secret := os.Getenv("DOMIRO_JWT_SECRET"); secret != "" {
		cfg.Server.JWTSecret = secret
	}
	if proxy := os.Getenv("DOMIRO_RDAP_PROXY"); proxy != "" {
		cfg.RDAP.ProxyURL = proxy
		cfg.RDAP.UseProxy = true
	}

	return &cfg, nil
}
