// Package config loads the service configuration.
//
// Sources are layered, later ones winning:
//  1. the tier preset (community or pro) as struct defaults
//  2. an optional YAML file
//  3. KESTREL_* environment variables, e.g. KESTREL_SERVER_PORT=9090 or
//     KESTREL_WORKER_TENANTS=acme,globex
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "KESTREL_"

// DefaultFile is read when no file is named and it exists.
const DefaultFile = "kestrel.yaml"

var validate = validator.New()

// Load builds the configuration from the tier preset, path and the
// environment. An empty path reads DefaultFile if present; a named file
// must exist.
func Load(path string) (*domain.Config, error) {
	optional := path == ""
	if optional {
		path = DefaultFile
	}

	overrides := koanf.New(".")
	if err := overrides.Load(file.Provider(path), yaml.Parser()); err != nil {
		if !optional || !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}
	if err := overrides.Load(envProvider(), nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	preset, err := Preset(domain.Tier(overrides.String("tier")))
	if err != nil {
		return nil, err
	}

	k := koanf.New(".")
	if err := k.Load(structs.Provider(preset, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}
	if err := k.Merge(overrides); err != nil {
		return nil, fmt.Errorf("merging overrides: %w", err)
	}

	var cfg domain.Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Preset returns the defaults for a tier. An empty tier is community.
func Preset(tier domain.Tier) (*domain.Config, error) {
	switch tier {
	case "", domain.TierCommunity:
		return domain.DefaultConfig(), nil
	case domain.TierPro:
		return domain.ProConfig(), nil
	default:
		return nil, fmt.Errorf("%w: unknown tier %q", domain.ErrInvalidInput, tier)
	}
}

// Validate checks field constraints and cross-field requirements.
func Validate(cfg *domain.Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("%w: %s", domain.ErrInvalidInput, describe(err))
	}

	var errs []error
	if cfg.Repository.Driver == "postgres" && cfg.Repository.PostgresHost == "" {
		errs = append(errs, fmt.Errorf("repository.postgreshost is required for postgres"))
	}
	if cfg.Cache.Type == "redis" && cfg.Cache.RedisAddr == "" {
		errs = append(errs, fmt.Errorf("cache.redisaddr is required for redis"))
	}
	if cfg.EventBus.Type == "nats" && cfg.EventBus.NATSUrl == "" {
		errs = append(errs, fmt.Errorf("eventbus.natsurl is required for nats"))
	}
	seen := map[string]bool{}
	for _, m := range cfg.Models.Endpoints {
		if seen[m.ID] {
			errs = append(errs, fmt.Errorf("models.endpoints: duplicate id %q", m.ID))
		}
		seen[m.ID] = true
	}
	var sum float64
	for name, w := range cfg.Scoring.FactorWeights {
		if w < 0 {
			errs = append(errs, fmt.Errorf("scoring.factorweights.%s must not be negative", name))
		}
		sum += w
	}
	if len(cfg.Scoring.FactorWeights) > 0 && sum == 0 {
		errs = append(errs, fmt.Errorf("scoring.factorweights must not all be zero"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrInvalidInput, err)
	}
	return nil
}

// describe flattens validator errors into "field: rule" pairs.
func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.ToLower(strings.TrimPrefix(fe.Namespace(), "Config."))
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s: %s=%s", field, fe.Tag(), fe.Param()))
		} else {
			parts = append(parts, fmt.Sprintf("%s: %s", field, fe.Tag()))
		}
	}
	return strings.Join(parts, "; ")
}

// envProvider maps KESTREL_SERVER_PORT to server.port. Keys carry no
// underscores, so every underscore is a level separator.
func envProvider() *env.Env {
	return env.Provider(EnvPrefix, ".", func(s string) string {
		if s == EnvPrefix+"CONFIG" {
			return ""
		}
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "_", ".")
	})
}

// FileFromEnv returns the config path named by KESTREL_CONFIG.
func FileFromEnv() string {
	return os.Getenv(EnvPrefix + "CONFIG")
}
