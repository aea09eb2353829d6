// Package config loads the protocol parameters for the capital and
// allocator pools from a TOML file.
package config

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"

	"creditpool/native/allocator"
	"creditpool/native/pool"
)

// Config is the on-disk shape of the protocol parameters. Amount fields are
// decimal strings in stable units so the file stays exact beyond uint64.
type Config struct {
	ReserveAddress string          `toml:"ReserveAddress"`
	Pool           PoolSection     `toml:"Pool"`
	Allocator      PoolSection     `toml:"Allocator"`
	Writedown      WritedownConfig `toml:"Writedown"`
}

// PoolSection carries the limits and reserve cuts of one pool.
type PoolSection struct {
	TotalFundsLimit        string `toml:"TotalFundsLimit"`
	TransactionLimit       string `toml:"TransactionLimit"`
	ReserveDenominator     uint64 `toml:"ReserveDenominator"`
	WithdrawFeeDenominator uint64 `toml:"WithdrawFeeDenominator"`
}

// WritedownConfig carries the lateness schedule for allocator writedowns.
type WritedownConfig struct {
	GracePeriodDays uint64 `toml:"GracePeriodDays"`
	MaxDaysLate     uint64 `toml:"MaxDaysLate"`
}

// Load reads the configuration from the given path and validates it.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the engines would refuse at runtime.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config: missing configuration")
	}
	if !common.IsHexAddress(strings.TrimSpace(c.ReserveAddress)) {
		return fmt.Errorf("config: ReserveAddress is not a hex address")
	}
	if err := c.Pool.validate("Pool"); err != nil {
		return err
	}
	if err := c.Allocator.validate("Allocator"); err != nil {
		return err
	}
	if c.Writedown.MaxDaysLate <= c.Writedown.GracePeriodDays {
		return fmt.Errorf("config: Writedown.MaxDaysLate must exceed GracePeriodDays")
	}
	return nil
}

func (s PoolSection) validate(section string) error {
	if s.ReserveDenominator == 0 {
		return fmt.Errorf("config: %s.ReserveDenominator must be non-zero", section)
	}
	if s.WithdrawFeeDenominator == 0 {
		return fmt.Errorf("config: %s.WithdrawFeeDenominator must be non-zero", section)
	}
	if _, err := parseAmount(s.TotalFundsLimit); err != nil {
		return fmt.Errorf("config: %s.TotalFundsLimit: %w", section, err)
	}
	if _, err := parseAmount(s.TransactionLimit); err != nil {
		return fmt.Errorf("config: %s.TransactionLimit: %w", section, err)
	}
	return nil
}

// PoolConfig converts the loaded file into the capital pool's parameters.
func (c *Config) PoolConfig() (*pool.Config, error) {
	funds, err := parseAmount(c.Pool.TotalFundsLimit)
	if err != nil {
		return nil, fmt.Errorf("config: Pool.TotalFundsLimit: %w", err)
	}
	tx, err := parseAmount(c.Pool.TransactionLimit)
	if err != nil {
		return nil, fmt.Errorf("config: Pool.TransactionLimit: %w", err)
	}
	return &pool.Config{
		TotalFundsLimit:        funds,
		TransactionLimit:       tx,
		ReserveDenominator:     c.Pool.ReserveDenominator,
		WithdrawFeeDenominator: c.Pool.WithdrawFeeDenominator,
		ReserveAddress:         common.HexToAddress(strings.TrimSpace(c.ReserveAddress)),
	}, nil
}

// AllocatorConfig converts the loaded file into the allocator pool's
// parameters.
func (c *Config) AllocatorConfig() (*allocator.Config, error) {
	funds, err := parseAmount(c.Allocator.TotalFundsLimit)
	if err != nil {
		return nil, fmt.Errorf("config: Allocator.TotalFundsLimit: %w", err)
	}
	tx, err := parseAmount(c.Allocator.TransactionLimit)
	if err != nil {
		return nil, fmt.Errorf("config: Allocator.TransactionLimit: %w", err)
	}
	return &allocator.Config{
		TotalFundsLimit:         funds,
		TransactionLimit:        tx,
		ReserveDenominator:      c.Allocator.ReserveDenominator,
		WithdrawFeeDenominator:  c.Allocator.WithdrawFeeDenominator,
		LatenessGracePeriodDays: c.Writedown.GracePeriodDays,
		LatenessMaxDays:         c.Writedown.MaxDaysLate,
		ReserveAddress:          common.HexToAddress(strings.TrimSpace(c.ReserveAddress)),
	}, nil
}

// parseAmount reads a decimal string into a big integer. Empty strings read
// as zero, which the engines treat as "no limit".
func parseAmount(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid decimal amount %q", raw)
	}
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("amount %q must not be negative", raw)
	}
	return amount, nil
}
