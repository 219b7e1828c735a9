package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"battery-policy/internal/env"
	"battery-policy/internal/policy"
	"battery-policy/internal/train"

	"gopkg.in/yaml.v3"
)

// Config is the on-disk configuration shape (YAML).
type Config struct {
	// Optional: load battery parameters from a separate YAML. If both
	// BatteryFile and Battery are provided, Battery overrides BatteryFile.
	BatteryFile string        `yaml:"battery_file"`
	Battery     BatteryConfig `yaml:"battery"`
	Model       ModelConfig   `yaml:"model"`
	Beta        BetaConfig    `yaml:"beta"`
	Trainer     TrainerConfig `yaml:"trainer"`
}

type BatteryConfig struct {
	Name           string  `yaml:"name"`
	CapacityKWh    float64 `yaml:"capacity_kwh"`
	MaxChargeKW    float64 `yaml:"max_charge_kw"`
	MaxDischargeKW float64 `yaml:"max_discharge_kw"`
	PeakTax        float64 `yaml:"peak_tax"`
}

// ModelConfig covers both controller kinds; fields irrelevant to the chosen
// kind are ignored.
type ModelConfig struct {
	Kind string `yaml:"kind"` // "discrete" or "signature"

	InputSize     int     `yaml:"input_size"`
	HiddenSize    int     `yaml:"hidden_size"`
	Dropout       float64 `yaml:"dropout"`
	FCSize        int     `yaml:"fc_size"`
	EncoderLayers int     `yaml:"encoder_layers"`
	Bidirectional bool    `yaml:"bidirectional"`
	SemiDiscrete  bool    `yaml:"semi_discrete"`

	FeatureSize   int     `yaml:"feature_size"`
	RegSize       int     `yaml:"reg_size"`
	SigDepth      int     `yaml:"sig_depth"`
	EStepIters    int     `yaml:"e_step_iters"`
	TimeTickHours float64 `yaml:"time_tick_hours"`
}

type BetaConfig struct {
	Floor     float64 `yaml:"floor"`
	Increment float64 `yaml:"increment"`
	Ceiling   float64 `yaml:"ceiling"`
	Interval  int     `yaml:"interval"`
}

type TrainerConfig struct {
	Epochs       int     `yaml:"epochs"`
	LearningRate float64 `yaml:"learning_rate"`
	MinLR        float64 `yaml:"min_lr"`
	Patience     int     `yaml:"patience"`
	SeqLen       int     `yaml:"seq_len"`
	BatchSize    int     `yaml:"batch_size"`
}

func Load(path string) (*Config, error) {
	c, err := LoadUnchecked(path)
	if err != nil {
		return nil, err
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadUnchecked loads and merges config, but does not validate it.
func LoadUnchecked(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return nil, err
	}
	if c.BatteryFile != "" {
		batteryPath := c.BatteryFile
		if !filepath.IsAbs(batteryPath) {
			// Prefer paths relative to the config file directory, falling
			// back to the path as given.
			cand := filepath.Join(filepath.Dir(path), batteryPath)
			if _, err := os.Stat(cand); err == nil {
				batteryPath = cand
			}
		}
		loaded, err := loadBatteryFile(batteryPath)
		if err != nil {
			return nil, err
		}
		c.Battery = MergeBattery(loaded, c.Battery)
	}
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.Beta.Floor == 0 {
		c.Beta.Floor = 0.5
	}
	if c.Beta.Increment == 0 {
		c.Beta.Increment = 0.1
	}
	if c.Beta.Ceiling == 0 {
		c.Beta.Ceiling = 5.0
	}
	if c.Beta.Interval == 0 {
		c.Beta.Interval = 1
	}
	if c.Trainer.Epochs == 0 {
		c.Trainer.Epochs = 50
	}
	if c.Trainer.LearningRate == 0 {
		c.Trainer.LearningRate = 1e-3
	}
	if c.Trainer.MinLR == 0 {
		c.Trainer.MinLR = 1e-6
	}
	if c.Trainer.Patience == 0 {
		c.Trainer.Patience = 5
	}
	if c.Trainer.SeqLen == 0 {
		c.Trainer.SeqLen = 48
	}
	if c.Trainer.BatchSize == 0 {
		c.Trainer.BatchSize = 16
	}
}

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if _, err := env.NewBattery(c.Battery.ToParams()); err != nil {
		return fmt.Errorf("battery config invalid: %w", err)
	}
	if _, err := train.NewBeta(c.BetaConfig()); err != nil {
		return fmt.Errorf("beta config invalid: %w", err)
	}
	switch c.Model.Kind {
	case "discrete", "signature":
	case "":
		return errors.New("model.kind is required")
	default:
		return fmt.Errorf("unknown model.kind %q", c.Model.Kind)
	}
	if c.Model.InputSize <= 0 {
		return errors.New("model.input_size must be > 0")
	}
	return nil
}

func (b BatteryConfig) ToParams() env.Params {
	return env.Params{
		CapacityKWh:    b.CapacityKWh,
		MaxChargeKW:    b.MaxChargeKW,
		MaxDischargeKW: b.MaxDischargeKW,
		PeakTax:        b.PeakTax,
	}
}

func (c *Config) BetaConfig() train.BetaConfig {
	return train.BetaConfig{
		Floor:     c.Beta.Floor,
		Increment: c.Beta.Increment,
		Ceiling:   c.Beta.Ceiling,
		Interval:  c.Beta.Interval,
	}
}

func (c *Config) TrainConfig() train.Config {
	return train.Config{
		Epochs:       c.Trainer.Epochs,
		LearningRate: c.Trainer.LearningRate,
		MinLR:        c.Trainer.MinLR,
		Patience:     c.Trainer.Patience,
	}
}

// BuildController constructs the configured controller species against a
// fresh battery environment.
func (c *Config) BuildController() (policy.Controller, error) {
	batt, err := env.NewBattery(c.Battery.ToParams())
	if err != nil {
		return nil, err
	}
	switch c.Model.Kind {
	case "discrete":
		return policy.NewDiscrete(batt, policy.DiscreteConfig{
			InputSize:     c.Model.InputSize,
			HiddenSize:    c.Model.HiddenSize,
			FCSize:        c.Model.FCSize,
			EncoderLayers: c.Model.EncoderLayers,
			Dropout:       c.Model.Dropout,
			Bidirectional: c.Model.Bidirectional,
			SemiDiscrete:  c.Model.SemiDiscrete,
		})
	case "signature":
		return policy.NewSignature(env.NewSeq(batt), policy.SignatureConfig{
			InputSize:   c.Model.InputSize,
			HiddenSize:  c.Model.HiddenSize,
			FeatureSize: c.Model.FeatureSize,
			RegSize:     c.Model.RegSize,
			SigDepth:    c.Model.SigDepth,
			Dropout:     c.Model.Dropout,
			EStepIters:  c.Model.EStepIters,
			TimeTick:    c.Model.TimeTickHours,
		})
	default:
		return nil, fmt.Errorf("unknown model.kind %q", c.Model.Kind)
	}
}

type batteryFileWrapper struct {
	Battery BatteryConfig `yaml:"battery"`
}

func loadBatteryFile(path string) (BatteryConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return BatteryConfig{}, err
	}
	var w batteryFileWrapper
	if err := yaml.Unmarshal(raw, &w); err != nil {
		return BatteryConfig{}, err
	}
	return w.Battery, nil
}

// MergeBattery overlays non-zero fields from override onto base.
func MergeBattery(base, override BatteryConfig) BatteryConfig {
	out := base
	if override.Name != "" {
		out.Name = override.Name
	}
	if override.CapacityKWh != 0 {
		out.CapacityKWh = override.CapacityKWh
	}
	if override.MaxChargeKW != 0 {
		out.MaxChargeKW = override.MaxChargeKW
	}
	if override.MaxDischargeKW != 0 {
		out.MaxDischargeKW = override.MaxDischargeKW
	}
	if override.PeakTax != 0 {
		out.PeakTax = override.PeakTax
	}
	return out
}
