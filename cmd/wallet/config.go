package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"github.com/luikyv/go-oid4vci/pkg/goid4vci"
	"github.com/spf13/pflag"
)

const (
	envPrefix          = "WALLET_"
	delimiter          = "."
	listSeparator      = ","
	configFileFlag     = "configfile"
	defaultConfigFile  = "wallet.yaml"
	storageMemory      = "memory"
	storageRedis       = "redis"
	storageMongoDB     = "mongodb"
	logFormatJSON      = "json"
	logFormatText      = "text"
	defaultHTTPAddress = ":8080"
)

type Config struct {
	EntityID string `koanf:"entityid"`
	// TrustAnchors are the entity identifiers of the trusted anchors. The
	// first one is where issuers are discovered.
	TrustAnchors []string `koanf:"trustanchors"`
	// TrustAnchorJWKSFile points to a JSON object mapping trust anchor ids to
	// the JWKS their configuration must be signed with.
	TrustAnchorJWKSFile string            `koanf:"trustanchorjwksfile"`
	CredentialChoices   map[string]string `koanf:"credentialchoices"`
	// TrustMarkStatusCheck disables the trust mark status endpoint calls
	// when false.
	TrustMarkStatusCheck bool `koanf:"trustmarkstatuscheck"`
	// Reverify resolves the issuer trust chain again before requesting a
	// credential.
	Reverify   bool             `koanf:"reverify"`
	Federation FederationConfig `koanf:"federation"`
	TrustChain TrustChainConfig `koanf:"trustchain"`
	HTTP       HTTPConfig       `koanf:"http"`
	Storage    StorageConfig    `koanf:"storage"`
	Log        LogConfig        `koanf:"log"`
	Metrics    MetricsConfig    `koanf:"metrics"`
}

type FederationConfig struct {
	// JWKSFile holds the private keys the wallet entity configuration is
	// signed with.
	JWKSFile       string   `koanf:"jwksfile"`
	AuthorityHints []string `koanf:"authorityhints"`
}

type TrustChainConfig struct {
	CacheTTL time.Duration `koanf:"cachettl"`
	MaxDepth int           `koanf:"maxdepth"`
}

type HTTPConfig struct {
	Address       string `koanf:"address"`
	SessionCookie string `koanf:"sessioncookie"`
}

type StorageConfig struct {
	Type    string        `koanf:"type"`
	Redis   RedisConfig   `koanf:"redis"`
	MongoDB MongoDBConfig `koanf:"mongodb"`
}

type RedisConfig struct {
	Address  string `koanf:"address"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
}

type MongoDBConfig struct {
	URI      string `koanf:"uri"`
	Database string `koanf:"database"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

type MetricsConfig struct {
	Enabled bool   `koanf:"enabled"`
	Path    string `koanf:"path"`
}

func DefaultConfig() Config {
	return Config{
		EntityID:             "http://localhost:8080",
		TrustMarkStatusCheck: true,
		Reverify:             true,
		TrustChain: TrustChainConfig{
			CacheTTL: 10 * time.Minute,
			MaxDepth: goid4vci.DefaultTrustChainMaxDepth,
		},
		HTTP: HTTPConfig{
			Address:       defaultHTTPAddress,
			SessionCookie: "wallet_session",
		},
		Storage: StorageConfig{
			Type: storageMemory,
			Redis: RedisConfig{
				Address: "localhost:6379",
			},
			MongoDB: MongoDBConfig{
				URI:      "mongodb://localhost:27017",
				Database: "wallet",
			},
		},
		Log: LogConfig{
			Level:  "info",
			Format: logFormatText,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// loadConfig reads the defaults, then the config file, then the WALLET_
// environment variables and lastly the flags that were set.
func loadConfig(flags *pflag.FlagSet) (Config, error) {
	k := koanf.New(delimiter)
	if err := k.Load(structs.Provider(DefaultConfig(), "koanf"), nil); err != nil {
		return Config{}, err
	}

	configFile, _ := flags.GetString(configFileFlag)
	if err := loadFromFile(k, configFile); err != nil {
		return Config{}, err
	}

	if err := loadFromEnv(k); err != nil {
		return Config{}, err
	}

	if err := k.Load(posflag.Provider(flags, delimiter, k), nil); err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return Config{}, err
	}
	return cfg, cfg.validate()
}

func loadFromFile(k *koanf.Koanf, path string) error {
	if path == "" {
		return nil
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("could not load the config file %s: %w", path, err)
	}
	return nil
}

func loadFromEnv(k *koanf.Koanf) error {
	e := env.ProviderWithValue(envPrefix, delimiter, func(rawKey string, rawValue string) (string, any) {
		key := strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(rawKey, envPrefix)), "_", delimiter)

		if strings.Contains(rawValue, listSeparator) {
			values := strings.Split(rawValue, listSeparator)
			for i, value := range values {
				values[i] = strings.TrimSpace(value)
			}
			return key, values
		}
		return key, rawValue
	})
	return k.Load(e, nil)
}

func (cfg Config) validate() error {
	if cfg.EntityID == "" {
		return errors.New("entityid is required")
	}

	switch cfg.Storage.Type {
	case storageMemory, storageRedis, storageMongoDB:
	default:
		return fmt.Errorf("unknown storage type %q", cfg.Storage.Type)
	}

	switch cfg.Log.Format {
	case logFormatJSON, logFormatText:
	default:
		return fmt.Errorf("unknown log format %q", cfg.Log.Format)
	}
	return nil
}

func (cfg LogConfig) logger() (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == logFormatJSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
}

func readJWKS(path string) (jose.JSONWebKeySet, error) {
	var jwks jose.JSONWebKeySet
	if err := readJSON(path, &jwks); err != nil {
		return jose.JSONWebKeySet{}, err
	}
	return jwks, nil
}

func readJSON(path string, v any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("could not parse %s: %w", path, err)
	}
	return nil
}
