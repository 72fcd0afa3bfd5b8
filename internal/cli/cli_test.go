package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/ppiankov/regtruth/internal/model"
)

// resetViper gives each test a fresh global viper with defaults and env binding
func resetViper(t *testing.T) {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
	if err := setDefaults(viper.GetViper(), model.DefaultConfig()); err != nil {
		t.Fatal(err)
	}
	viper.SetEnvPrefix("REGTRUTH")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
}

func TestLoadConfig_Defaults(t *testing.T) {
	resetViper(t)

	cfg, err := loadConfig()
	if err != nil {
		t.Fatal(err)
	}
	def := model.DefaultConfig()
	if cfg.Daemon.SweepInterval != def.Daemon.SweepInterval {
		t.Errorf("sweep interval = %v, expected %v", cfg.Daemon.SweepInterval, def.Daemon.SweepInterval)
	}
	if cfg.Storage.SQLitePath != def.Storage.SQLitePath {
		t.Errorf("sqlite path = %q", cfg.Storage.SQLitePath)
	}
	if len(cfg.Sentinel.Authority.PathPatterns) != len(def.Sentinel.Authority.PathPatterns) {
		t.Errorf("authority patterns lost: %+v", cfg.Sentinel.Authority.PathPatterns)
	}
}

func TestLoadConfig_EnvironmentOverrides(t *testing.T) {
	resetViper(t)
	t.Setenv("REGTRUTH_STORAGE_POSTGRES_DSN", "postgres://regtruth@localhost/regtruth")
	t.Setenv("REGTRUTH_DAEMON_BATCH_SIZE", "50")
	t.Setenv("REGTRUTH_DAEMON_SWEEP_INTERVAL", "90s")
	t.Setenv("REGTRUTH_GRAPH_NEO4J_PASSWORD", "hunter2")

	cfg, err := loadConfig()
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		got, expected any
		desc          string
	}{
		{cfg.Storage.PostgresDSN, "postgres://regtruth@localhost/regtruth", "optional key absent from defaults"},
		{cfg.Daemon.BatchSize, 50, "integer"},
		{cfg.Daemon.SweepInterval, 90 * time.Second, "duration"},
		{cfg.Graph.Neo4jPassword, "hunter2", "secret only settable from the environment"},
	}
	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			if tt.got != tt.expected {
				t.Errorf("got %v, expected %v", tt.got, tt.expected)
			}
		})
	}
}

func TestLoadConfig_FileThenEnvironment(t *testing.T) {
	resetViper(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := "graph:\n  backend: postgres\n  lock_mode: redis\nmetrics:\n  listen: \":9000\"\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	viper.SetConfigFile(path)
	if err := viper.ReadInConfig(); err != nil {
		t.Fatal(err)
	}
	t.Setenv("REGTRUTH_METRICS_LISTEN", ":9100")

	cfg, err := loadConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Graph.Backend != "postgres" || cfg.Graph.LockMode != "redis" {
		t.Errorf("file values not applied: %+v", cfg.Graph)
	}
	if cfg.Metrics.Listen != ":9100" {
		t.Errorf("environment must win over the file, got %q", cfg.Metrics.Listen)
	}
	if cfg.HTTP.UserAgent != model.DefaultConfig().HTTP.UserAgent {
		t.Errorf("keys missing from the file keep their defaults, got %q", cfg.HTTP.UserAgent)
	}
}

func TestFlatten(t *testing.T) {
	tree := map[string]any{
		"daemon": map[string]any{"sweep_interval": "5m0s", "batch_size": 200},
		"top":    true,
	}
	got := map[string]any{}
	flatten("", tree, func(k string, v any) { got[k] = v })

	expected := map[string]any{"daemon.sweep_interval": "5m0s", "daemon.batch_size": 200, "top": true}
	if len(got) != len(expected) {
		t.Fatalf("got %v", got)
	}
	for k, v := range expected {
		if got[k] != v {
			t.Errorf("%s = %v, expected %v", k, got[k], v)
		}
	}
	if _, ok := lookup(tree, "daemon.batch_size"); !ok {
		t.Error("lookup must find nested keys")
	}
	if _, ok := lookup(tree, "storage.postgres_dsn"); ok {
		t.Error("lookup must miss absent keys")
	}
}

func TestNewLogger(t *testing.T) {
	tests := []struct {
		format  string
		debug   bool
		want    string
		wantErr bool
		desc    string
	}{
		{format: "text", want: "msg=hello", desc: "text handler"},
		{format: "JSON", want: `"msg":"hello"`, desc: "json handler, case-insensitive"},
		{format: "", want: "msg=hello", desc: "empty defaults to text"},
		{format: "xml", wantErr: true, desc: "unknown format"},
	}
	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			var buf bytes.Buffer
			logger, err := newLogger(&buf, tt.format, tt.debug)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected an error")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			logger.Debug("hidden")
			logger.Info("hello")
			if !strings.Contains(buf.String(), tt.want) {
				t.Errorf("output %q lacks %q", buf.String(), tt.want)
			}
			if strings.Contains(buf.String(), "hidden") {
				t.Error("debug records must be dropped at info level")
			}
		})
	}
}

func TestRenderDefaultConfig_RoundTrips(t *testing.T) {
	var buf bytes.Buffer
	if err := renderDefaultConfig(&buf); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(buf.String(), "# regtruth configuration") {
		t.Errorf("missing header: %q", buf.String()[:40])
	}
	for _, line := range strings.Split(buf.String(), "\n") {
		if strings.Contains(line, "Environment variables") && !strings.HasPrefix(line, "#") {
			t.Errorf("hierarchy line not commented: %q", line)
		}
	}

	var cfg model.Config
	if err := yaml.Unmarshal(buf.Bytes(), &cfg); err != nil {
		t.Fatal(err)
	}
	def := model.DefaultConfig()
	if cfg.Daemon != def.Daemon || cfg.HTTP.UserAgent != def.HTTP.UserAgent {
		t.Errorf("round trip lost values: %+v", cfg.Daemon)
	}
}

func TestWriteDefaultConfig_RefusesOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	if err := writeDefaultConfig(path); err != nil {
		t.Fatal(err)
	}
	if err := writeDefaultConfig(path); err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Errorf("expected an already-exists error, got %v", err)
	}
}

func TestContentTypeFor(t *testing.T) {
	tests := []struct {
		path     string
		override string
		expected string
	}{
		{"zakon.html", "", "text/html"},
		{"ZAKON.HTM", "", "text/html"},
		{"zakon.md", "", "text/markdown"},
		{"zakon.txt", "", "text/plain"},
		{"zakon.bin", "", "application/octet-stream"},
		{"zakon.bin", "text/plain", "text/plain"},
	}
	for _, tt := range tests {
		t.Run(tt.path+tt.override, func(t *testing.T) {
			if got := contentTypeFor(tt.path, tt.override); got != tt.expected {
				t.Errorf("contentTypeFor(%q, %q) = %q, expected %q", tt.path, tt.override, got, tt.expected)
			}
		})
	}
}

func TestParseDate(t *testing.T) {
	d, err := parseDate("2024-01-01")
	if err != nil || !d.Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("date only: %v %v", d, err)
	}
	d, err = parseDate("2024-01-01T12:00:00+02:00")
	if err != nil || !d.Equal(time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("rfc3339: %v %v", d, err)
	}
	if _, err := parseDate("01.01.2024."); err == nil {
		t.Error("expected an error for a local date format")
	}

	if p, err := parseDateFlag("valid-to", ""); p != nil || err != nil {
		t.Errorf("empty flag must be unbounded, got %v %v", p, err)
	}
}

func TestParseRelations(t *testing.T) {
	rels, err := parseRelations([]string{"supersedes", " AMENDS "})
	if err != nil {
		t.Fatal(err)
	}
	if len(rels) != 2 || rels[0] != model.RelationSupersedes || rels[1] != model.RelationAmends {
		t.Errorf("unexpected relations %v", rels)
	}
	if _, err := parseRelations([]string{"REPEALS"}); err == nil {
		t.Error("expected an error for an unknown relation")
	}
}

func TestCommandTree(t *testing.T) {
	expected := []string{
		"version", "config show", "config init", "classify", "sitemap", "hash", "parse",
		"scan", "batch", "graph add-edge", "graph validate", "graph path", "graph governing", "daemon",
	}
	for _, path := range expected {
		t.Run(path, func(t *testing.T) {
			cmd, rest, err := rootCmd.Find(strings.Fields(path))
			if err != nil || len(rest) != 0 {
				t.Fatalf("command %q not found: %v %v", path, rest, err)
			}
			if cmd.RunE == nil && cmd.Run == nil {
				t.Errorf("command %q has no action", path)
			}
		})
	}
}

func TestClassifyCommand(t *testing.T) {
	var out bytes.Buffer
	classifyCmd.SetOut(&out)
	t.Cleanup(func() { classifyCmd.SetOut(nil) })

	err := classifyCmd.RunE(classifyCmd, []string{
		"https://narodne-novine.nn.hr/clanci/sluzbeni/2024_01_5_100.html",
		"https://example.hr/nothing",
	})
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header and two rows, got %q", out.String())
	}
	if !strings.Contains(lines[1], "gazette-official-article") || !strings.Contains(lines[1], string(model.RiskCritical)) {
		t.Errorf("unexpected gazette row %q", lines[1])
	}
	if !strings.Contains(lines[2], "default") {
		t.Errorf("unmatched URL must report the default rule, got %q", lines[2])
	}
}

func TestValidateLockMode(t *testing.T) {
	tests := []struct {
		cfg     model.GraphConfig
		wantErr string
		desc    string
	}{
		{cfg: model.GraphConfig{Backend: "sqlite"}, desc: "local lock by default"},
		{cfg: model.GraphConfig{Backend: "postgres", LockMode: "local"}, desc: "transactional backend with local lock"},
		{cfg: model.GraphConfig{Backend: "neo4j", LockMode: "redis", RedisURL: "redis://localhost:6379/0"}, desc: "neo4j with shared lock"},
		{cfg: model.GraphConfig{Backend: "neo4j"}, wantErr: "requires graph.lock_mode redis", desc: "neo4j with default lock"},
		{cfg: model.GraphConfig{Backend: "neo4j", LockMode: "local"}, wantErr: "requires graph.lock_mode redis", desc: "neo4j with local lock"},
		{cfg: model.GraphConfig{LockMode: "redis"}, wantErr: "redis_url is required", desc: "redis without url"},
		{cfg: model.GraphConfig{LockMode: "etcd"}, wantErr: "unknown graph.lock_mode", desc: "unknown mode"},
	}
	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			err := validateLockMode(tt.cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}
