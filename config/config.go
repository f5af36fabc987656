// Package config loads the service configuration from YAML with KEEPER_
// environment overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
	"github.com/spf13/viper"

	"cron-keeper/errs"
	"cron-keeper/models"
	"cron-keeper/treasury"
)

const EnvPrefix = "KEEPER"

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
	LevelDB  LevelDBConfig  `mapstructure:"leveldb"`
	Keeper   KeeperConfig   `mapstructure:"keeper"`
	Treasury TreasuryConfig `mapstructure:"treasury"`
	Sandbox  SandboxConfig  `mapstructure:"sandbox"`
}

type ServerConfig struct {
	Port       int    `mapstructure:"port"`
	AdminToken string `mapstructure:"admin_token"`
}

type LogConfig struct {
	AppLogFile string `mapstructure:"app_log_file"`
	Level      string `mapstructure:"level"`
}

// LevelDBConfig locates the store; an empty path keeps it in memory.
type LevelDBConfig struct {
	Path string `mapstructure:"path"`
}

type NetworkConfig struct {
	Name   string `mapstructure:"name"`
	Window uint64 `mapstructure:"window"`
}

type KeeperConfig struct {
	Network       string          `mapstructure:"network"`
	DefaultWindow uint64          `mapstructure:"default_window"`
	Networks      []NetworkConfig `mapstructure:"networks"`
}

// TreasuryConfig holds amounts as decimal strings and ids as hex.
type TreasuryConfig struct {
	Threshold       string `mapstructure:"threshold"`
	MaxDeposit      string `mapstructure:"max_deposit"`
	MinWithdraw     string `mapstructure:"min_withdraw"`
	SlippageBps     uint64 `mapstructure:"slippage_bps"`
	SwapPath        string `mapstructure:"swap_path"`
	UpkeepID        string `mapstructure:"upkeep_id"`
	StreamID        string `mapstructure:"stream_id"`
	AllowIdleRefill bool   `mapstructure:"allow_idle_refill"`
	SurplusAccount  string `mapstructure:"surplus_account"`
}

type JobConfig struct {
	Handle      string `mapstructure:"handle"`
	MaxDuration uint64 `mapstructure:"max_duration"`
}

// SandboxConfig seeds the in-process chain the service runs against.
type SandboxConfig struct {
	StartBlock     uint64        `mapstructure:"start_block"`
	BlocksPerTick  uint64        `mapstructure:"blocks_per_tick"`
	Interval       time.Duration `mapstructure:"interval"`
	PerformFee     string        `mapstructure:"perform_fee"`
	Decimals       uint8         `mapstructure:"decimals"`
	SourcePrice    string        `mapstructure:"source_price"`
	TargetPrice    string        `mapstructure:"target_price"`
	SwapFeeBps     uint64        `mapstructure:"swap_fee_bps"`
	StreamTotal    string        `mapstructure:"stream_total"`
	StreamDuration uint64        `mapstructure:"stream_duration"`
	UpkeepBalance  string        `mapstructure:"upkeep_balance"`
	Jobs           []JobConfig   `mapstructure:"jobs"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.admin_token", "")
	v.SetDefault("log.app_log_file", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("leveldb.path", "data/keeper")
	v.SetDefault("keeper.default_window", 10)
	v.SetDefault("treasury.slippage_bps", 200)
	v.SetDefault("treasury.allow_idle_refill", true)
	v.SetDefault("sandbox.blocks_per_tick", 1)
	v.SetDefault("sandbox.interval", "1s")
	v.SetDefault("sandbox.perform_fee", "0")
	v.SetDefault("sandbox.decimals", 8)
	v.SetDefault("sandbox.swap_fee_bps", 30)
}

// Load reads path and applies KEEPER_ environment overrides, for example
// KEEPER_SERVER_PORT for server.port.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errs.InvalidParam("server.port")
	}
	if c.Keeper.Network == "" {
		return errs.InvalidParam("keeper.network")
	}
	if c.Keeper.DefaultWindow == 0 {
		return errs.InvalidParam("keeper.default_window")
	}
	for _, n := range c.Keeper.Networks {
		if n.Name == "" {
			return errs.InvalidParam("keeper.networks.name")
		}
	}
	params, err := c.Treasury.Params()
	if err != nil {
		return err
	}
	if err := treasury.ValidateParams(params); err != nil {
		return fmt.Errorf("treasury: %w", err)
	}
	if c.Treasury.SurplusAccount != "" && !common.IsHexAddress(c.Treasury.SurplusAccount) {
		return errs.InvalidParam("treasury.surplus_account")
	}
	return c.Sandbox.validate()
}

// Params converts the treasury section into refill parameters.
func (t TreasuryConfig) Params() (models.TreasuryParams, error) {
	threshold, err := Amount("treasury.threshold", t.Threshold)
	if err != nil {
		return models.TreasuryParams{}, err
	}
	maxDeposit, err := Amount("treasury.max_deposit", t.MaxDeposit)
	if err != nil {
		return models.TreasuryParams{}, err
	}
	minWithdraw, err := Amount("treasury.min_withdraw", t.MinWithdraw)
	if err != nil {
		return models.TreasuryParams{}, err
	}
	path, err := hexutil.Decode(t.SwapPath)
	if err != nil {
		return models.TreasuryParams{}, errs.InvalidParam("treasury.swap_path")
	}
	return models.TreasuryParams{
		Threshold:       threshold,
		MaxDeposit:      maxDeposit,
		MinWithdraw:     minWithdraw,
		ToleranceBps:    t.SlippageBps,
		Path:            path,
		UpkeepID:        common.HexToHash(t.UpkeepID),
		StreamID:        common.HexToHash(t.StreamID),
		AllowIdleRefill: t.AllowIdleRefill,
	}, nil
}

func (s SandboxConfig) validate() error {
	if s.BlocksPerTick == 0 {
		return errs.InvalidParam("sandbox.blocks_per_tick")
	}
	if s.Interval <= 0 {
		return errs.InvalidParam("sandbox.interval")
	}
	if s.StreamDuration == 0 {
		return errs.InvalidParam("sandbox.stream_duration")
	}
	for field, value := range map[string]string{
		"sandbox.perform_fee":    s.PerformFee,
		"sandbox.source_price":   s.SourcePrice,
		"sandbox.target_price":   s.TargetPrice,
		"sandbox.stream_total":   s.StreamTotal,
		"sandbox.upkeep_balance": s.UpkeepBalance,
	} {
		if _, err := Amount(field, value); err != nil {
			return err
		}
	}
	for _, j := range s.Jobs {
		if !common.IsHexAddress(j.Handle) {
			return errs.InvalidParam("sandbox.jobs.handle")
		}
		if j.MaxDuration == 0 {
			return errs.InvalidParam("sandbox.jobs.max_duration")
		}
	}
	return nil
}

// Amount parses a base-10 token amount.
func Amount(field, s string) (*uint256.Int, error) {
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, errs.InvalidParam(field)
	}
	return v, nil
}
