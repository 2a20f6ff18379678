package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the explicit context object handed to every component
// constructor. It is built once at process start; nothing global mutates it.
type Config struct {
	Storage StorageConfig `mapstructure:"storage" yaml:"storage"`
	GitHub  GitHubConfig  `mapstructure:"github" yaml:"github"`
	Neo4j   Neo4jConfig   `mapstructure:"neo4j" yaml:"neo4j"`
	Sync    SyncConfig    `mapstructure:"sync" yaml:"sync"`
}

type StorageConfig struct {
	Type        string `mapstructure:"type" yaml:"type"` // "postgres" or "sqlite"
	PostgresDSN string `mapstructure:"postgres_dsn" yaml:"postgres_dsn"`
	SQLitePath  string `mapstructure:"sqlite_path" yaml:"sqlite_path"`
}

type GitHubConfig struct {
	Tokens            []string `mapstructure:"tokens" yaml:"tokens"`
	PerPage           int      `mapstructure:"per_page" yaml:"per_page"`
	RequestsPerSecond float64  `mapstructure:"requests_per_second" yaml:"requests_per_second"`
	Retries           int      `mapstructure:"retries" yaml:"retries"`
	// APIBaseURL overrides the API endpoint for GitHub Enterprise.
	APIBaseURL string `mapstructure:"api_base_url" yaml:"api_base_url,omitempty"`
}

type Neo4jConfig struct {
	URI      string `mapstructure:"uri" yaml:"uri"`
	User     string `mapstructure:"user" yaml:"user"`
	Password string `mapstructure:"password" yaml:"password"`
	Database string `mapstructure:"database" yaml:"database"`
}

type SyncConfig struct {
	Workers    int    `mapstructure:"workers" yaml:"workers"`
	LedgerPath string `mapstructure:"ledger_path" yaml:"ledger_path"`
}

// Default returns the default configuration.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	base := filepath.Join(homeDir, ".issuegraph")
	return &Config{
		Storage: StorageConfig{
			Type:       "sqlite",
			SQLitePath: filepath.Join(base, "issuegraph.db"),
		},
		GitHub: GitHubConfig{
			PerPage:           100,
			RequestsPerSecond: 1,
			Retries:           3,
		},
		Neo4j: Neo4jConfig{
			URI:      "bolt://localhost:7687",
			User:     "neo4j",
			Database: "neo4j",
		},
		Sync: SyncConfig{
			Workers:    4,
			LedgerPath: filepath.Join(base, "failures.db"),
		},
	}
}

// Load reads configuration from path (or the default search locations when
// path is empty) and applies ISSUEGRAPH_* environment overrides. The
// GITHUB_TOKENS environment variable supplements the token list.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".issuegraph")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".issuegraph"))
		}
	}

	v.SetEnvPrefix("ISSUEGRAPH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := Default()
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !asConfigNotFound(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// No config file anywhere: defaults plus environment.
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if env := os.Getenv("GITHUB_TOKENS"); env != "" {
		for _, token := range strings.Split(env, ",") {
			if token = strings.TrimSpace(token); token != "" {
				cfg.GitHub.Tokens = append(cfg.GitHub.Tokens, token)
			}
		}
	}

	return cfg, nil
}

func asConfigNotFound(err error, target *viper.ConfigFileNotFoundError) bool {
	if e, ok := err.(viper.ConfigFileNotFoundError); ok {
		*target = e
		return true
	}
	return false
}

// WriteDefault writes the default configuration as YAML to path, refusing
// to overwrite an existing file.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file %s already exists", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
