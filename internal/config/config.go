package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/padron-mx/riesgo-cli/internal/anomaly"
	"github.com/padron-mx/riesgo-cli/internal/baseline"
	"github.com/padron-mx/riesgo-cli/internal/calibrate"
	"github.com/padron-mx/riesgo-cli/internal/feature"
	"github.com/padron-mx/riesgo-cli/internal/resolve"
	"github.com/padron-mx/riesgo-cli/internal/scorer"
	"github.com/padron-mx/riesgo-cli/internal/store"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig      `yaml:"store" mapstructure:"store"`
	Resolve   resolve.Config   `yaml:"resolve" mapstructure:"resolve"`
	Baseline  baseline.Config  `yaml:"baseline" mapstructure:"baseline"`
	Feature   feature.Config   `yaml:"feature" mapstructure:"feature"`
	Anomaly   anomaly.Config   `yaml:"anomaly" mapstructure:"anomaly"`
	Calibrate calibrate.Config `yaml:"calibrate" mapstructure:"calibrate"`
	Scorer    scorer.Config    `yaml:"scorer" mapstructure:"scorer"`
	Log       LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string           `yaml:"driver" mapstructure:"driver"` // postgres | sqlite
	DatabaseURL string           `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string           `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	Pool        store.PoolConfig `yaml:"pool" mapstructure:"pool"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("RIESGO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults come from each package's production setup, so that a
	// bare `riesgo resolve` behaves exactly like the documented knobs.
	rd := resolve.DefaultConfig()
	bd := baseline.DefaultConfig()
	fd := feature.DefaultConfig()
	ad := anomaly.DefaultConfig()
	cd := calibrate.DefaultConfig()
	sd := scorer.DefaultConfig()

	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.sqlite_path", "riesgo.db")
	v.SetDefault("store.pool.max_conns", 10)
	v.SetDefault("store.pool.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("resolve.exact_name_confidence", rd.ExactNameConfidence)
	v.SetDefault("resolve.corporate_group_confidence", rd.CorporateGroupConfidence)
	v.SetDefault("resolve.business_prefix_threshold", rd.BusinessPrefixThreshold)
	v.SetDefault("resolve.phonetic_threshold", rd.PhoneticThreshold)
	v.SetDefault("resolve.generic_token_threshold", rd.GenericTokenThreshold)
	v.SetDefault("resolve.transitive_threshold", rd.TransitiveThreshold)
	v.SetDefault("resolve.max_cluster_size", rd.MaxClusterSize)
	v.SetDefault("resolve.generic_tokens", rd.GenericTokens)
	v.SetDefault("resolve.business_prefixes", rd.BusinessPrefixes)
	v.SetDefault("resolve.generic_group_labels", rd.GenericGroupLabels)
	v.SetDefault("resolve.blocking.max_block_size", rd.Blocking.MaxBlockSize)
	v.SetDefault("resolve.blocking.strategies", rd.Blocking.Strategies)
	v.SetDefault("resolve.weights.jaro_winkler", rd.Weights.JaroWinkler)
	v.SetDefault("resolve.weights.token_set", rd.Weights.TokenSet)
	v.SetDefault("resolve.weights.token_sort", rd.Weights.TokenSort)
	v.SetDefault("resolve.weights.partial", rd.Weights.Partial)
	v.SetDefault("resolve.weights.levenshtein", rd.Weights.Levenshtein)

	v.SetDefault("baseline.std_floor", bd.StdFloor)
	v.SetDefault("baseline.min_sector_year_n", bd.MinSectorYearN)
	v.SetDefault("baseline.min_sector_n", bd.MinSectorN)

	v.SetDefault("feature.max_amount", fd.MaxAmount)
	v.SetDefault("feature.max_z", fd.MaxZ)

	v.SetDefault("anomaly.alpha", ad.Alpha)
	v.SetDefault("anomaly.alpha_floor", ad.AlphaFloor)
	v.SetDefault("anomaly.var_floor", ad.VarFloor)

	v.SetDefault("calibrate.lambda", cd.Lambda)
	v.SetDefault("calibrate.max_iter", cd.MaxIter)
	v.SetDefault("calibrate.tol", cd.Tol)
	v.SetDefault("calibrate.pu_floor", cd.PUFloor)
	v.SetDefault("calibrate.bootstrap", cd.Bootstrap)
	v.SetDefault("calibrate.min_bootstrap_positives", cd.MinBootstrapPositives)
	v.SetDefault("calibrate.workers", cd.Workers)
	v.SetDefault("calibrate.seed", cd.Seed)
	v.SetDefault("calibrate.min_positives", cd.MinPositives)
	v.SetDefault("calibrate.min_rows", cd.MinRows)
	v.SetDefault("calibrate.bins", cd.Bins)

	v.SetDefault("scorer.batch_size", sd.BatchSize)
	v.SetDefault("scorer.medium_cut", sd.MediumCut)
	v.SetDefault("scorer.high_cut", sd.HighCut)
	v.SetDefault("scorer.critical_cut", sd.CriticalCut)
	v.SetDefault("scorer.fallback_band", sd.FallbackBand)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the fields a command mode needs. Every mode needs a
// reachable store; pipeline modes also validate their tuning sections.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch c.Store.Driver {
	case "postgres":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required")
		}
	case "sqlite":
		if c.Store.SQLitePath == "" {
			errs = append(errs, "store.sqlite_path is required")
		}
	default:
		errs = append(errs, "store.driver must be postgres or sqlite")
	}

	section := func(err error) {
		if err != nil {
			errs = append(errs, err.Error())
		}
	}

	switch mode {
	case "migrate", "status":
		// Store checks only.
	case "resolve":
		section(c.Resolve.Validate())
	case "baseline":
		section(c.Baseline.Validate())
	case "calibrate":
		section(c.Feature.Validate())
		section(c.Anomaly.Validate())
		section(c.Calibrate.Validate())
	case "score":
		section(c.Feature.Validate())
		section(c.Anomaly.Validate())
		section(c.Scorer.Validate())
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: invalid for %s: %s", mode, strings.Join(errs, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
