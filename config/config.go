// Package config collects and validates the runtime configuration of the
// dispute agents.
package config

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrMissingFrom            = errors.New("missing account address")
	ErrInvalidBond            = errors.New("bond must be positive")
	ErrMissingL1Endpoint      = errors.New("missing l1 endpoint")
	ErrMissingGatewayEndpoint = errors.New("missing dispute gateway endpoint")
	ErrMissingRollupEndpoint  = errors.New("missing rollup endpoint")
	ErrMissingProverBinary    = errors.New("missing prover binary")
	ErrMissingProverEndpoint  = errors.New("missing prover endpoint")
)

type ProverKind string

const (
	ProverFake   ProverKind = "fake"
	ProverLocal  ProverKind = "local"
	ProverRemote ProverKind = "remote"
)

const (
	DefaultInterval            = 12 * time.Second
	DefaultOutputInterval      = 300
	DefaultMaxConcurrentAudits = 4
	DefaultReorgSafetyDepth    = 32
	DefaultProofConcurrency    = 4
	DefaultProofQueueSize      = 64
	DefaultProofMaxAttempts    = 3
	DefaultProofCacheSize      = 128
	DefaultProverPollInterval  = 10 * time.Second
	DefaultMetricsHost         = "0.0.0.0"
	DefaultMetricsPort         = 7300

	DefaultDevL2Genesis = 100
	DefaultDevBlockTime = time.Second
	DefaultDevDeposit   = 1_000_000
	DefaultDevBond      = 1000
	DefaultDevWindow    = time.Minute
)

type Config struct {
	// DevMode runs against an in-process dispute machine and synthetic
	// chain instead of live endpoints.
	DevMode bool

	From common.Address
	Bond *big.Int

	L1Endpoint      string
	GatewayEndpoint string
	RollupEndpoint  string

	Interval time.Duration

	// ReorgSafetyDepth is the L1 depth beyond which finalized proposals
	// are treated as immutable under reorgs.
	ReorgSafetyDepth uint64

	// Proposer settings.
	OutputInterval uint64
	FaultHeight    uint64

	// Validator settings.
	MaxConcurrentAudits int
	FastForwardTarget   uint64

	// Proving backend.
	Prover             ProverKind
	ProverBinary       string
	ProverDataDir      string
	ProverEndpoint     string
	ProverAPIKey       string
	ProverPollInterval time.Duration
	ProofConcurrency   int
	ProofQueueSize     int
	ProofMaxAttempts   int
	ProofCacheSize     int

	MetricsEnabled bool
	MetricsHost    string
	MetricsPort    int

	// Dev mode chain parameters.
	DevSeed      common.Hash
	DevL2Genesis uint64
	DevBlockTime time.Duration
	DevWindow    time.Duration
}

func NewConfig(from common.Address, bond *big.Int) Config {
	return Config{
		From:                from,
		Bond:                bond,
		Interval:            DefaultInterval,
		ReorgSafetyDepth:    DefaultReorgSafetyDepth,
		OutputInterval:      DefaultOutputInterval,
		MaxConcurrentAudits: DefaultMaxConcurrentAudits,
		Prover:              ProverFake,
		ProverPollInterval:  DefaultProverPollInterval,
		ProofConcurrency:    DefaultProofConcurrency,
		ProofQueueSize:      DefaultProofQueueSize,
		ProofMaxAttempts:    DefaultProofMaxAttempts,
		ProofCacheSize:      DefaultProofCacheSize,
		MetricsHost:         DefaultMetricsHost,
		MetricsPort:         DefaultMetricsPort,
		DevL2Genesis:        DefaultDevL2Genesis,
		DevBlockTime:        DefaultDevBlockTime,
		DevWindow:           DefaultDevWindow,
	}
}

func (c Config) Check() error {
	if c.From == (common.Address{}) {
		return ErrMissingFrom
	}
	if c.Bond == nil || c.Bond.Sign() <= 0 {
		return ErrInvalidBond
	}
	if c.Interval <= 0 {
		return errors.New("interval must be positive")
	}
	if c.ReorgSafetyDepth == 0 {
		return errors.New("reorg safety depth must be positive")
	}
	if !c.DevMode {
		if c.L1Endpoint == "" {
			return ErrMissingL1Endpoint
		}
		if c.GatewayEndpoint == "" {
			return ErrMissingGatewayEndpoint
		}
		if c.RollupEndpoint == "" {
			return ErrMissingRollupEndpoint
		}
	}
	switch c.Prover {
	case ProverFake:
	case ProverLocal:
		if c.ProverBinary == "" {
			return ErrMissingProverBinary
		}
	case ProverRemote:
		if c.ProverEndpoint == "" {
			return ErrMissingProverEndpoint
		}
		if c.ProverPollInterval <= 0 {
			return errors.New("prover poll interval must be positive")
		}
	default:
		return fmt.Errorf("unknown prover kind %q", c.Prover)
	}
	if c.ProofConcurrency <= 0 || c.ProofQueueSize <= 0 || c.ProofMaxAttempts <= 0 || c.ProofCacheSize <= 0 {
		return errors.New("proof orchestrator limits must be positive")
	}
	if c.DevMode {
		if c.DevBlockTime <= 0 {
			return errors.New("dev block time must be positive")
		}
		if c.DevWindow <= 0 {
			return errors.New("dev dispute window must be positive")
		}
	}
	return nil
}

// CheckProposer validates settings the proposer role additionally needs.
func (c Config) CheckProposer() error {
	if err := c.Check(); err != nil {
		return err
	}
	if c.OutputInterval == 0 {
		return errors.New("output interval must be positive")
	}
	return nil
}

// CheckValidator validates settings the validator role additionally needs.
func (c Config) CheckValidator() error {
	if err := c.Check(); err != nil {
		return err
	}
	if c.MaxConcurrentAudits <= 0 {
		return errors.New("max concurrent audits must be positive")
	}
	return nil
}
