package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/web3guy0/sigbot/types"
)

// fileTier is one take-profit rung in the overlay file
type fileTier struct {
	Offset   float64 `yaml:"offset"`
	ClosePct float64 `yaml:"close_pct"`
	Trailing bool    `yaml:"trailing"`
}

// fileOverlay is the subset of settings better expressed in YAML than env
type fileOverlay struct {
	Weights           *RiskWeights       `yaml:"weights"`
	SourceTrust       map[string]float64 `yaml:"source_trust"`
	SignalSources     []string           `yaml:"signal_sources"`
	TakeProfits       []fileTier         `yaml:"take_profits"`
	TrackedWallets    []string           `yaml:"tracked_wallets"`
	ApprovalThreshold *float64           `yaml:"approval_threshold"`
	StopLossPct       *float64           `yaml:"stop_loss_pct"`
}

// applyFile overlays a YAML file on top of the env-derived config
func applyFile(cfg *Config, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return &types.ConfigurationError{Field: "CONFIG_FILE", Reason: err.Error()}
	}
	var f fileOverlay
	if err := yaml.Unmarshal(b, &f); err != nil {
		return &types.ConfigurationError{Field: "CONFIG_FILE", Reason: fmt.Sprintf("parse %s: %v", path, err)}
	}

	if f.Weights != nil {
		cfg.Weights = *f.Weights
	}
	if len(f.SourceTrust) > 0 {
		trust := make(map[string]float64, len(f.SourceTrust))
		for k, v := range f.SourceTrust {
			trust[strings.ToUpper(k)] = v
		}
		cfg.SourceTrust = trust
	}
	if len(f.SignalSources) > 0 {
		cfg.SignalSources = f.SignalSources
	}
	if len(f.TrackedWallets) > 0 {
		cfg.TrackedWallets = f.TrackedWallets
	}
	if len(f.TakeProfits) > 0 {
		tiers := make([]TakeProfitLevel, 0, len(f.TakeProfits))
		for _, t := range f.TakeProfits {
			tiers = append(tiers, TakeProfitLevel{
				Offset:   decimal.NewFromFloat(t.Offset),
				ClosePct: decimal.NewFromFloat(t.ClosePct),
				Trailing: t.Trailing,
			})
		}
		cfg.TakeProfits = tiers
	}
	if f.ApprovalThreshold != nil {
		cfg.ApprovalThreshold = *f.ApprovalThreshold
	}
	if f.StopLossPct != nil {
		cfg.StopLossPct = decimal.NewFromFloat(*f.StopLossPct)
	}
	return nil
}
