// Package config loads the resource server configuration from the environment.
package config

import (
	"os"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/go-faster/errors"
	"gopkg.in/yaml.v3"

	"github.com/andrewreder/x402-gate/x402"
)

type Config struct {
	API struct {
		Port    int    `env:"PORT" envDefault:"8080"`
		BaseURL string `env:"SERVER_BASE_URL" envDefault:"http://localhost:8080"`
	}
	App struct {
		LogLevel string `env:"LOG_LEVEL" envDefault:"INFO"`
	}
	Facilitator struct {
		URL          string        `env:"FACILITATOR_URL"`
		Timeout      time.Duration `env:"FACILITATOR_TIMEOUT" envDefault:"10s"`
		APIKey       string        `env:"FACILITATOR_API_KEY"`
		CDPKeyID     string        `env:"CDP_API_KEY"`
		CDPKeySecret string        `env:"CDP_API_KEY_SECRET"`
		SupportedTTL time.Duration `env:"FACILITATOR_SUPPORTED_TTL" envDefault:"5m"`
	}
	Payments struct {
		SettlementMode x402.SettlementMode `env:"SETTLEMENT_MODE" envDefault:"inline"`
		SettleTimeout  time.Duration       `env:"SETTLE_TIMEOUT" envDefault:"30s"`
		ClockSkew      time.Duration       `env:"CLOCK_SKEW" envDefault:"5s"`
		// ReplayGuardTTL enables the in-process replay guard when non-zero.
		ReplayGuardTTL time.Duration `env:"REPLAY_GUARD_TTL"`
		// IssuanceSecret signs challenge issuance times; proofs must echo the stamp.
		IssuanceSecret string `env:"ISSUANCE_SECRET"`
		// PriceTable is a YAML price table. Without it DefaultPriceTable is used.
		PriceTable string `env:"PRICE_TABLE"`
	}
	// Default price table parameters.
	Price struct {
		PayTo     string       `env:"PAY_TO" envDefault:"0x8D170Db9aB247E7013d024566093E13dc7b0f181"`
		Asset     string       `env:"ASSET" envDefault:"0x036CbD53842c5426634e7929541eC2318f3dCF7e"`
		AssetName string       `env:"ASSET_NAME" envDefault:"USDC"`
		Decimals  int32        `env:"ASSET_DECIMALS" envDefault:"6"`
		Network   x402.Network `env:"NETWORK" envDefault:"base-sepolia"`
		// Amount in the asset's smallest unit.
		Amount string `env:"PRICE" envDefault:"10000"`
	}
}

// DefaultFacilitatorURL is used when neither FACILITATOR_URL nor CDP credentials are set.
const DefaultFacilitatorURL = "https://x402.org/facilitator"

func Load() (Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return Config{}, errors.Wrap(err, "parse env")
	}
	if _, err := x402.ParseSettlementMode(string(c.Payments.SettlementMode)); err != nil {
		return Config{}, err
	}
	return c, nil
}

// PriceTable is the on-disk form of a price table.
type PriceTable struct {
	Rules []x402.PriceRule `yaml:"rules"`
}

// LoadPriceTable reads a YAML price table from path.
func LoadPriceTable(path string) ([]x402.PriceRule, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read price table")
	}
	return ParsePriceTable(raw)
}

func ParsePriceTable(raw []byte) ([]x402.PriceRule, error) {
	var table PriceTable
	if err := yaml.Unmarshal(raw, &table); err != nil {
		return nil, errors.Wrap(err, "decode price table")
	}
	if len(table.Rules) == 0 {
		return nil, errors.New("price table has no rules")
	}
	return table.Rules, nil
}

// Rules returns the configured price table, falling back to DefaultPriceTable.
func (c Config) Rules() ([]x402.PriceRule, error) {
	if c.Payments.PriceTable != "" {
		return LoadPriceTable(c.Payments.PriceTable)
	}
	return c.DefaultPriceTable(), nil
}

// DefaultPriceTable prices the demo routes and the get_weather tool with one exact option.
func (c Config) DefaultPriceTable() []x402.PriceRule {
	option := x402.PaymentOption{
		Scheme:  x402.SchemeExact,
		Network: c.Price.Network,
		Amount:  c.Price.Amount,
		PayTo:   c.Price.PayTo,
		Asset: x402.AssetDescriptor{
			Address:  c.Price.Asset,
			Decimals: c.Price.Decimals,
			Symbol:   c.Price.AssetName,
		},
		Extra: map[string]any{"name": c.Price.AssetName, "version": "2"},
	}
	return []x402.PriceRule{
		{
			Resource:    "GET /weather",
			Description: "Get synthetic weather data for a city",
			MimeType:    "application/json",
			Accepts:     []x402.PaymentOption{option},
		},
		{
			Resource:    "POST /restaurants",
			Description: "Restaurant recommendations for a city and a kind of food",
			MimeType:    "application/json",
			Accepts:     []x402.PaymentOption{option},
		},
		{
			Resource:    x402.MethodToolCall + " /tools/get_weather",
			Description: "Weather tool",
			Accepts:     []x402.PaymentOption{option},
		},
	}
}
