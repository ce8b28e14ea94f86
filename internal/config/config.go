package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/gregtusar/autotrader/pkg/decision"
	"github.com/gregtusar/autotrader/pkg/journal"
	"github.com/gregtusar/autotrader/pkg/market"
	"github.com/gregtusar/autotrader/pkg/models"
	"github.com/gregtusar/autotrader/pkg/reasoning"
	"github.com/gregtusar/autotrader/pkg/secrets"
	"github.com/gregtusar/autotrader/pkg/venue"
)

const EnvPrefix = "AUTOTRADER"

type Config struct {
	Server    ServerConfig          `mapstructure:"server" yaml:"server"`
	Market    MarketConfig          `mapstructure:"market" yaml:"market"`
	Venue     venue.Config          `mapstructure:"venue" yaml:"venue"`
	Reasoning ReasoningConfig       `mapstructure:"reasoning" yaml:"reasoning"`
	Decision  decision.Config       `mapstructure:"decision" yaml:"decision"`
	Journal   journal.Config        `mapstructure:"journal" yaml:"journal"`
	Logging   LoggingConfig         `mapstructure:"logging" yaml:"logging"`
	GCP       secrets.GCPConfig     `mapstructure:"gcp" yaml:"gcp"`
	Defaults  TraderDefaults        `mapstructure:"defaults" yaml:"defaults"`
	Traders   []models.TraderConfig `mapstructure:"traders" yaml:"traders" validate:"-"`
}

type ServerConfig struct {
	// Port 0 disables the HTTP API.
	Port           int           `mapstructure:"port" yaml:"port" validate:"gte=0,lte=65535"`
	StatusInterval time.Duration `mapstructure:"status_interval" yaml:"status_interval" validate:"gte=0"`
}

type MarketConfig struct {
	Seed           int64              `mapstructure:"seed" yaml:"seed"`
	Start          string             `mapstructure:"start" yaml:"start"`
	TickInterval   time.Duration      `mapstructure:"tick_interval" yaml:"tick_interval" validate:"gt=0"`
	Volatility     float64            `mapstructure:"volatility" yaml:"volatility" validate:"gt=0,lt=1"`
	MaxStepPct     float64            `mapstructure:"max_step_pct" yaml:"max_step_pct" validate:"gt=0,lt=1"`
	SpreadPct      float64            `mapstructure:"spread_pct" yaml:"spread_pct" validate:"gte=0,lt=1"`
	HistoryLimit   int                `mapstructure:"history_limit" yaml:"history_limit" validate:"gte=1"`
	ImpliedVol     float64            `mapstructure:"implied_vol" yaml:"implied_vol" validate:"gt=0"`
	RiskFreeRate   float64            `mapstructure:"risk_free_rate" yaml:"risk_free_rate"`
	StrikesPerSide int                `mapstructure:"strikes_per_side" yaml:"strikes_per_side" validate:"gte=1"`
	InitialPrices  map[string]float64 `mapstructure:"initial_prices" yaml:"initial_prices,omitempty" validate:"omitempty,dive,gt=0"`
	// ClockSpeed is simulated seconds per wall-clock second.
	ClockSpeed float64       `mapstructure:"clock_speed" yaml:"clock_speed" validate:"gt=0"`
	ClockPoll  time.Duration `mapstructure:"clock_poll" yaml:"clock_poll" validate:"gt=0"`
}

// Simulator converts the market section into simulator settings.
func (m MarketConfig) Simulator() (market.SimulatorConfig, error) {
	cfg := market.DefaultSimulatorConfig()
	cfg.Seed = m.Seed
	if m.Start != "" {
		start, err := time.Parse(time.RFC3339, m.Start)
		if err != nil {
			return cfg, fmt.Errorf("%w: market.start: %v", models.ErrConfiguration, err)
		}
		cfg.Start = start
	}
	cfg.TickInterval = m.TickInterval
	cfg.Volatility = m.Volatility
	cfg.MaxStepPct = m.MaxStepPct
	cfg.SpreadPct = m.SpreadPct
	cfg.HistoryLimit = m.HistoryLimit
	cfg.ImpliedVol = m.ImpliedVol
	cfg.RiskFreeRate = m.RiskFreeRate
	cfg.StrikesPerSide = m.StrikesPerSide
	// viper lower-cases map keys
	cfg.InitialPrices = make(map[string]float64, len(m.InitialPrices))
	for symbol, price := range m.InitialPrices {
		cfg.InitialPrices[strings.ToUpper(symbol)] = price
	}
	return cfg, nil
}

type ReasoningConfig struct {
	reasoning.Config `mapstructure:",squash" yaml:",inline"`
	// CredentialsRef is the default credential for traders without their own.
	CredentialsRef string `mapstructure:"credentials_ref" yaml:"credentials_ref,omitempty"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level" validate:"oneof=trace debug info warn warning error fatal panic"`
	Format string `mapstructure:"format" yaml:"format" validate:"oneof=json text"`
	File   string `mapstructure:"file" yaml:"file,omitempty"`
}

// TraderDefaults fill fields a trader entry leaves empty.
type TraderDefaults struct {
	ScanInterval   time.Duration `mapstructure:"scan_interval" yaml:"scan_interval" validate:"gte=1s"`
	InitialBalance float64       `mapstructure:"initial_balance" yaml:"initial_balance" validate:"gt=0"`
}

// Default is the configuration written by `config init`: an offline demo
// with two traders.
func Default() *Config {
	sim := market.DefaultSimulatorConfig()
	return &Config{
		Server: ServerConfig{Port: 8080, StatusInterval: 2 * time.Second},
		Market: MarketConfig{
			Seed:           sim.Seed,
			Start:          sim.Start.Format(time.RFC3339),
			TickInterval:   sim.TickInterval,
			Volatility:     sim.Volatility,
			MaxStepPct:     sim.MaxStepPct,
			SpreadPct:      sim.SpreadPct,
			HistoryLimit:   sim.HistoryLimit,
			ImpliedVol:     sim.ImpliedVol,
			RiskFreeRate:   sim.RiskFreeRate,
			StrikesPerSide: sim.StrikesPerSide,
			InitialPrices:  map[string]float64{"AAPL": 190, "MSFT": 410, "NVDA": 130, "TSLA": 240},
			ClockSpeed:     60,
			ClockPoll:      time.Second,
		},
		Venue: venue.Config{SlippagePct: 0.0005, MaxPositionPct: 0.5},
		Reasoning: ReasoningConfig{
			Config: reasoning.Config{
				Provider:    reasoning.ProviderOffline,
				BaseURL:     "https://api.openai.com/v1",
				Model:       "gpt-4o-mini",
				AuthType:    reasoning.AuthTypeBearer,
				Timeout:     60 * time.Second,
				Temperature: 0.5,
				MaxTokens:   2000,
				RateLimit:   1,
				RateBurst:   2,
			},
			CredentialsRef: "env:OPENAI_API_KEY",
		},
		Decision: decision.DefaultConfig(),
		Journal:  journal.Config{Kind: journal.KindJSONL, Dir: "./data/decisions", Path: "./data/decisions.db"},
		Logging:  LoggingConfig{Level: "info", Format: "json"},
		Defaults: TraderDefaults{ScanInterval: 3 * time.Minute, InitialBalance: 10000},
		Traders: []models.TraderConfig{
			{ID: "momentum", Name: "Momentum", ScanInterval: 3 * time.Minute, Universe: []string{"AAPL", "MSFT", "NVDA"}, InitialBalance: 10000},
			{ID: "options", Name: "Options", ScanInterval: 5 * time.Minute, Universe: []string{"TSLA"}, InitialBalance: 25000, OptionsEnabled: true},
		},
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.status_interval", d.Server.StatusInterval)

	v.SetDefault("market.seed", d.Market.Seed)
	v.SetDefault("market.start", d.Market.Start)
	v.SetDefault("market.tick_interval", d.Market.TickInterval)
	v.SetDefault("market.volatility", d.Market.Volatility)
	v.SetDefault("market.max_step_pct", d.Market.MaxStepPct)
	v.SetDefault("market.spread_pct", d.Market.SpreadPct)
	v.SetDefault("market.history_limit", d.Market.HistoryLimit)
	v.SetDefault("market.implied_vol", d.Market.ImpliedVol)
	v.SetDefault("market.risk_free_rate", d.Market.RiskFreeRate)
	v.SetDefault("market.strikes_per_side", d.Market.StrikesPerSide)
	v.SetDefault("market.clock_speed", d.Market.ClockSpeed)
	v.SetDefault("market.clock_poll", d.Market.ClockPoll)

	v.SetDefault("venue.slippage_pct", d.Venue.SlippagePct)
	v.SetDefault("venue.max_position_pct", d.Venue.MaxPositionPct)

	v.SetDefault("reasoning.provider", d.Reasoning.Provider)
	v.SetDefault("reasoning.base_url", d.Reasoning.BaseURL)
	v.SetDefault("reasoning.model", d.Reasoning.Model)
	v.SetDefault("reasoning.auth_type", string(d.Reasoning.AuthType))
	v.SetDefault("reasoning.jwt_key_id", "")
	v.SetDefault("reasoning.jwt_issuer", "")
	v.SetDefault("reasoning.timeout", d.Reasoning.Timeout)
	v.SetDefault("reasoning.temperature", d.Reasoning.Temperature)
	v.SetDefault("reasoning.max_tokens", d.Reasoning.MaxTokens)
	v.SetDefault("reasoning.rate_limit", d.Reasoning.RateLimit)
	v.SetDefault("reasoning.rate_burst", d.Reasoning.RateBurst)
	v.SetDefault("reasoning.credentials_ref", d.Reasoning.CredentialsRef)

	v.SetDefault("decision.max_attempts", d.Decision.MaxAttempts)
	v.SetDefault("decision.backoff_initial", d.Decision.BackoffInitial)
	v.SetDefault("decision.backoff_max", d.Decision.BackoffMax)
	v.SetDefault("decision.timeout", d.Decision.Timeout)

	v.SetDefault("journal.kind", d.Journal.Kind)
	v.SetDefault("journal.dir", d.Journal.Dir)
	v.SetDefault("journal.path", d.Journal.Path)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.file", "")

	v.SetDefault("gcp.project_id", "")
	v.SetDefault("gcp.credentials_file", "")

	v.SetDefault("defaults.scan_interval", d.Defaults.ScanInterval)
	v.SetDefault("defaults.initial_balance", d.Defaults.InitialBalance)
}

// Load reads configuration from configPath, or from config.yaml in the usual
// search paths, layered over defaults and AUTOTRADER_* environment
// variables. Trader entries are not validated here; see Traders.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/autotrader")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate checks every section except the trader list.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("%w: %v", models.ErrConfiguration, err)
	}
	if _, err := c.Market.Simulator(); err != nil {
		return err
	}
	return nil
}

// ValidTraders normalizes and validates each trader entry independently. Valid
// entries are returned in file order; every rejected entry is reported under
// its id, or its position when it has none.
func (c *Config) ValidTraders() ([]models.TraderConfig, map[string]error) {
	validate := validator.New()
	valid := make([]models.TraderConfig, 0, len(c.Traders))
	invalid := make(map[string]error)
	seen := make(map[string]bool)

	for i, t := range c.Traders {
		t = c.normalize(t)
		key := t.ID
		if key == "" {
			key = fmt.Sprintf("traders[%d]", i)
		}
		if seen[key] {
			invalid[key] = fmt.Errorf("%w: duplicate trader id %s", models.ErrConfiguration, key)
			continue
		}
		seen[key] = true

		if err := validate.Struct(t); err != nil {
			invalid[key] = fmt.Errorf("%w: trader %s: %v", models.ErrConfiguration, key, err)
			continue
		}
		valid = append(valid, t)
	}

	// A duplicate invalidates the first entry as well.
	kept := valid[:0]
	for _, t := range valid {
		if _, dup := invalid[t.ID]; !dup {
			kept = append(kept, t)
		}
	}
	return kept, invalid
}

func (c *Config) normalize(t models.TraderConfig) models.TraderConfig {
	t.ID = strings.TrimSpace(t.ID)
	if t.ScanInterval == 0 {
		t.ScanInterval = c.Defaults.ScanInterval
	}
	if t.InitialBalance == 0 {
		t.InitialBalance = c.Defaults.InitialBalance
	}
	if t.CredentialsRef == "" {
		t.CredentialsRef = c.Reasoning.CredentialsRef
	}
	if t.Model == "" {
		t.Model = c.Reasoning.Model
	}

	universe := make([]string, 0, len(t.Universe))
	dedup := make(map[string]bool)
	for _, s := range t.Universe {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" || dedup[s] {
			continue
		}
		dedup[s] = true
		universe = append(universe, s)
	}
	t.Universe = universe
	return t
}

// Symbols is the sorted union of the universes of traders.
func Symbols(traders []models.TraderConfig) []string {
	set := make(map[string]bool)
	for _, t := range traders {
		for _, s := range t.Universe {
			set[s] = true
		}
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// SaveToFile writes c as YAML, creating parent directories.
func (c *Config) SaveToFile(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
