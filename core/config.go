package core

import (
	"log"
	"os"
	"time"

	"github.com/go-yaml/yaml"
)

// Config is Clearance base configuration
type Config struct {
	Server    Server    `yaml:"server"`
	Clearance Clearance `yaml:"clearance"`
}

type Server struct {
	Dsn           string `yaml:"dsn"`
	RedisAddr     string `yaml:"redisAddr"`
	RedisDB       int    `yaml:"redisDB"`
	MemcachedAddr string `yaml:"memcachedAddr"`
	TraceEndpoint string `yaml:"traceEndpoint"`
	LogPath       string `yaml:"logPath"`
}

type Clearance struct {
	FQDN             string          `yaml:"fqdn"`
	Issuer           string          `yaml:"issuer"`
	Audience         []string        `yaml:"audience"`
	AccessTokenTTL   int             `yaml:"accessTokenTTL"`  // seconds
	RefreshTokenTTL  int             `yaml:"refreshTokenTTL"` // seconds
	KeyRotationDays  int             `yaml:"keyRotationDays"`
	KeyRetentionDays int             `yaml:"keyRetentionDays"`
	TrustedIssuers   []TrustedIssuer `yaml:"trustedIssuers"`
	Jwks             JwksConfig      `yaml:"jwks"`
	Sandbox          SandboxConfig   `yaml:"sandbox"`
	Audit            AuditConfig     `yaml:"audit"`
}

type TrustedIssuer struct {
	Issuer  string `yaml:"issuer"`
	JwksURI string `yaml:"jwksURI"`
}

type JwksConfig struct {
	CacheTTL     int `yaml:"cacheTTL"`     // seconds
	MaxStaleness int `yaml:"maxStaleness"` // seconds
	FetchTimeout int `yaml:"fetchTimeout"` // seconds
	FetchRetries int `yaml:"fetchRetries"`
}

type SandboxConfig struct {
	PoolSize        int `yaml:"poolSize"`
	CheckoutTimeout int `yaml:"checkoutTimeout"` // milliseconds
	ScriptTimeout   int `yaml:"scriptTimeout"`   // milliseconds
	MaxContextBytes int `yaml:"maxContextBytes"`
	MaxOps          int `yaml:"maxOps"`
	MaxCallDepth    int `yaml:"maxCallDepth"`
	MaxStackSize    int `yaml:"maxStackSize"`
}

type AuditConfig struct {
	StreamKey  string `yaml:"streamKey"`
	BufferSize int    `yaml:"bufferSize"`
	MaxLen     int64  `yaml:"maxLen"`
}

// Load loads clearance config from given path
func (c *Config) Load(path string) error {
	f, err := os.Open(path)
	if err != nil {
		log.Fatal("failed to open configuration file:", err)
		return err
	}
	defer f.Close()

	err = yaml.NewDecoder(f).Decode(&c)
	if err != nil {
		log.Fatal("failed to load configuration file:", err)
		return err
	}

	return nil
}

func (c Clearance) IssuerID() string {
	if c.Issuer != "" {
		return c.Issuer
	}
	return "https://" + c.FQDN
}

func (c Clearance) AccessTokenLifetime() time.Duration {
	if c.AccessTokenTTL <= 0 {
		return time.Hour
	}
	return time.Duration(c.AccessTokenTTL) * time.Second
}

func (c Clearance) RefreshTokenLifetime() time.Duration {
	if c.RefreshTokenTTL <= 0 {
		return 14 * 24 * time.Hour
	}
	return time.Duration(c.RefreshTokenTTL) * time.Second
}

func (c Clearance) KeyRotationInterval() time.Duration {
	if c.KeyRotationDays <= 0 {
		return 30 * 24 * time.Hour
	}
	return time.Duration(c.KeyRotationDays) * 24 * time.Hour
}

func (c Clearance) KeyRetention() time.Duration {
	if c.KeyRetentionDays <= 0 {
		return 90 * 24 * time.Hour
	}
	return time.Duration(c.KeyRetentionDays) * 24 * time.Hour
}

func (j JwksConfig) TTL() time.Duration {
	if j.CacheTTL <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(j.CacheTTL) * time.Second
}

func (j JwksConfig) Staleness() time.Duration {
	if j.MaxStaleness <= 0 {
		return time.Hour
	}
	return time.Duration(j.MaxStaleness) * time.Second
}

func (j JwksConfig) Timeout() time.Duration {
	if j.FetchTimeout <= 0 {
		return 5 * time.Second
	}
	return time.Duration(j.FetchTimeout) * time.Second
}

func (j JwksConfig) Retries() int {
	if j.FetchRetries <= 0 {
		return 3
	}
	return j.FetchRetries
}

func (s SandboxConfig) Size() int {
	if s.PoolSize <= 0 {
		return 8
	}
	return s.PoolSize
}

func (s SandboxConfig) Checkout() time.Duration {
	if s.CheckoutTimeout <= 0 {
		return 250 * time.Millisecond
	}
	return time.Duration(s.CheckoutTimeout) * time.Millisecond
}

func (s SandboxConfig) Timeout() time.Duration {
	if s.ScriptTimeout <= 0 {
		return 200 * time.Millisecond
	}
	return time.Duration(s.ScriptTimeout) * time.Millisecond
}

func (s SandboxConfig) ContextBytes() int {
	if s.MaxContextBytes <= 0 {
		return 256 * 1024
	}
	return s.MaxContextBytes
}

func (s SandboxConfig) Ops() int {
	if s.MaxOps <= 0 {
		return 100000
	}
	return s.MaxOps
}

func (s SandboxConfig) CallDepth() int {
	if s.MaxCallDepth <= 0 {
		return 64
	}
	return s.MaxCallDepth
}

func (s SandboxConfig) StackSize() int {
	if s.MaxStackSize <= 0 {
		return 128
	}
	return s.MaxStackSize
}

func (a AuditConfig) Stream() string {
	if a.StreamKey == "" {
		return "clearance:audit"
	}
	return a.StreamKey
}

func (a AuditConfig) Buffer() int {
	if a.BufferSize <= 0 {
		return 1024
	}
	return a.BufferSize
}

func (a AuditConfig) StreamMaxLen() int64 {
	if a.MaxLen <= 0 {
		return 100000
	}
	return a.MaxLen
}
