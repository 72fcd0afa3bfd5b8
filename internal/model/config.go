package model

import "time"

// Config is the complete regtruth configuration
type Config struct {
	HTTP         HTTPConfig         `yaml:"http" mapstructure:"http"`
	Cache        CacheConfig        `yaml:"cache" mapstructure:"cache"`
	Concurrency  ConcurrencyConfig  `yaml:"concurrency" mapstructure:"concurrency"`
	RateLimiting RateLimitingConfig `yaml:"rate_limiting" mapstructure:"rate_limiting"`
	Sentinel     SentinelConfig     `yaml:"sentinel" mapstructure:"sentinel"`
	Parser       ParserConfig       `yaml:"parser" mapstructure:"parser"`
	Graph        GraphConfig        `yaml:"graph" mapstructure:"graph"`
	Storage      StorageConfig      `yaml:"storage" mapstructure:"storage"`
	Metrics      MetricsConfig      `yaml:"metrics" mapstructure:"metrics"`
	Daemon       DaemonConfig       `yaml:"daemon" mapstructure:"daemon"`
	Output       OutputConfig       `yaml:"output" mapstructure:"output"`
}

// HTTPConfig configures the fetch collaborator
type HTTPConfig struct {
	Timeout       time.Duration `yaml:"timeout" mapstructure:"timeout"`
	UserAgent     string        `yaml:"user_agent" mapstructure:"user_agent"`
	MaxBodyBytes  int64         `yaml:"max_body_bytes" mapstructure:"max_body_bytes"`
	MaxRetries    int           `yaml:"max_retries" mapstructure:"max_retries"`
	RespectRobots bool          `yaml:"respect_robots" mapstructure:"respect_robots"`
	InsecureTLS   bool          `yaml:"insecure_tls" mapstructure:"insecure_tls"`
	HTTPProxy     string        `yaml:"http_proxy,omitempty" mapstructure:"http_proxy"`
	HTTPSProxy    string        `yaml:"https_proxy,omitempty" mapstructure:"https_proxy"`
	NoProxy       string        `yaml:"no_proxy,omitempty" mapstructure:"no_proxy"`
	Auth          []HostAuth    `yaml:"auth,omitempty" mapstructure:"auth"`
}

// HostAuth enables bearer authentication for one host via the OAuth 2.0
// client credentials grant. The secret is read from the named variable.
type HostAuth struct {
	Host            string `yaml:"host" mapstructure:"host"`
	TokenURL        string `yaml:"token_url" mapstructure:"token_url"`
	ClientID        string `yaml:"client_id" mapstructure:"client_id"`
	ClientSecretEnv string `yaml:"client_secret_env" mapstructure:"client_secret_env"`
}

// CacheConfig configures the conditional-fetch cache
type CacheConfig struct {
	Enabled   bool          `yaml:"enabled" mapstructure:"enabled"`
	Dir       string        `yaml:"dir" mapstructure:"dir"`
	MemoryTTL time.Duration `yaml:"memory_ttl" mapstructure:"memory_ttl"`
	DiskTTL   time.Duration `yaml:"disk_ttl" mapstructure:"disk_ttl"`
}

// ConcurrencyConfig bounds parallel work
type ConcurrencyConfig struct {
	Workers int `yaml:"workers" mapstructure:"workers"`
}

// RateLimitingConfig is applied per host
type RateLimitingConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size" mapstructure:"burst_size"`
}

// SentinelConfig configures change detection and scheduling
type SentinelConfig struct {
	JitterFraction float64         `yaml:"jitter_fraction" mapstructure:"jitter_fraction"` // Uniform +/- fraction applied to scan delays
	AllowedTypes   []string        `yaml:"allowed_types" mapstructure:"allowed_types"`     // Gazette sitemap types to follow
	Authority      AuthorityConfig `yaml:"authority" mapstructure:"authority"`
}

// AuthorityConfig assigns authority levels to newly registered sources.
// Lookup order: DomainMap, level domain lists, PathPatterns, then the URL role.
type AuthorityConfig struct {
	DomainMap         map[string]string  `yaml:"domain_map,omitempty" mapstructure:"domain_map"` // host -> level
	LawDomains        []string           `yaml:"law_domains" mapstructure:"law_domains"`
	RegulationDomains []string           `yaml:"regulation_domains" mapstructure:"regulation_domains"`
	GuidanceDomains   []string           `yaml:"guidance_domains" mapstructure:"guidance_domains"`
	PathPatterns      []AuthorityPattern `yaml:"path_patterns" mapstructure:"path_patterns"`
}

// AuthorityPattern maps a path regexp to a level
type AuthorityPattern struct {
	Pattern string `yaml:"pattern" mapstructure:"pattern"`
	Level   string `yaml:"level" mapstructure:"level"`
}

// ParserConfig configures the structural parser
type ParserConfig struct {
	MinCoveragePercent float64 `yaml:"min_coverage_percent" mapstructure:"min_coverage_percent"`
	MaxBlankLines      int     `yaml:"max_blank_lines" mapstructure:"max_blank_lines"`
}

// GraphConfig configures the precedence graph writer
type GraphConfig struct {
	Backend       string        `yaml:"backend" mapstructure:"backend"`     // sqlite, postgres, neo4j, memory
	LockMode      string        `yaml:"lock_mode" mapstructure:"lock_mode"` // local, redis
	RedisURL      string        `yaml:"redis_url,omitempty" mapstructure:"redis_url"`
	LockTTL       time.Duration `yaml:"lock_ttl" mapstructure:"lock_ttl"`
	Neo4jURI      string        `yaml:"neo4j_uri,omitempty" mapstructure:"neo4j_uri"`
	Neo4jUser     string        `yaml:"neo4j_user,omitempty" mapstructure:"neo4j_user"`
	Neo4jPassword string        `yaml:"-" mapstructure:"neo4j_password"`
}

// StorageConfig configures evidence persistence
type StorageConfig struct {
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	PostgresDSN string `yaml:"postgres_dsn,omitempty" mapstructure:"postgres_dsn"`
	BlobBackend string `yaml:"blob_backend" mapstructure:"blob_backend"` // local, s3, none
	BlobDir     string `yaml:"blob_dir" mapstructure:"blob_dir"`
	S3Bucket    string `yaml:"s3_bucket,omitempty" mapstructure:"s3_bucket"`
	S3Region    string `yaml:"s3_region,omitempty" mapstructure:"s3_region"`
	S3Endpoint  string `yaml:"s3_endpoint,omitempty" mapstructure:"s3_endpoint"` // MinIO, LocalStack
	S3AccessKey string `yaml:"-" mapstructure:"s3_access_key"`
	S3SecretKey string `yaml:"-" mapstructure:"s3_secret_key"`
}

// MetricsConfig configures Prometheus exposition
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Listen  string `yaml:"listen" mapstructure:"listen"`
}

// DaemonConfig configures the periodic sweep
type DaemonConfig struct {
	SweepInterval time.Duration `yaml:"sweep_interval" mapstructure:"sweep_interval"`
	BatchSize     int           `yaml:"batch_size" mapstructure:"batch_size"` // Due sources taken per sweep; 0 takes all
}

// OutputConfig configures CLI output
type OutputConfig struct {
	Verbose   bool   `yaml:"verbose" mapstructure:"verbose"`
	LogFormat string `yaml:"log_format" mapstructure:"log_format"` // text, json
}

// DefaultConfig returns the built-in defaults
func DefaultConfig() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Timeout:       30 * time.Second,
			UserAgent:     "regtruth/0.3 (+https://github.com/ppiankov/regtruth)",
			MaxBodyBytes:  20_000_000,
			MaxRetries:    3,
			RespectRobots: true,
		},
		Cache: CacheConfig{
			Enabled:   true,
			Dir:       ".regtruth-cache",
			MemoryTTL: 30 * time.Minute,
			DiskTTL:   7 * 24 * time.Hour,
		},
		Concurrency: ConcurrencyConfig{
			Workers: 4,
		},
		RateLimiting: RateLimitingConfig{
			RequestsPerSecond: 1,
			BurstSize:         2,
		},
		Sentinel: SentinelConfig{
			JitterFraction: 0.10,
			AllowedTypes:   []string{"1"},
			Authority: AuthorityConfig{
				RegulationDomains: []string{"hnb.hr", "hanfa.hr"},
				GuidanceDomains:   []string{"porezna-uprava.hr"},
				PathPatterns: []AuthorityPattern{
					{Pattern: `^/(clanci|eli)/(sluzbeni|medunarodni)/`, Level: string(AuthorityLaw)},
					{Pattern: `/(pravilnik|uredba|odluka|naredba)`, Level: string(AuthorityRegulation)},
				},
			},
		},
		Parser: ParserConfig{
			MinCoveragePercent: 20,
			MaxBlankLines:      1,
		},
		Graph: GraphConfig{
			Backend:  "sqlite",
			LockMode: "local",
			LockTTL:  30 * time.Second,
		},
		Storage: StorageConfig{
			SQLitePath:  "regtruth.db",
			BlobBackend: "local",
			BlobDir:     ".regtruth-blobs",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Listen:  ":9464",
		},
		Daemon: DaemonConfig{
			SweepInterval: 5 * time.Minute,
			BatchSize:     200,
		},
		Output: OutputConfig{
			LogFormat: "text",
		},
	}
}
