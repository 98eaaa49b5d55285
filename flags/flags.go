package flags

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/urfave/cli/v2"

	"github.com/zkrollup/zkdispute/config"
)

const EnvVarPrefix = "ZKDISPUTE"

func prefixEnvVars(name string) []string {
	return []string{EnvVarPrefix + "_" + name}
}

var (
	FromFlag = &cli.StringFlag{
		Name:    "from",
		Usage:   "Address proposals and challenges are submitted as",
		EnvVars: prefixEnvVars("FROM"),
	}
	BondFlag = &cli.Uint64Flag{
		Name:    "bond",
		Usage:   "Collateral posted with proposals and challenges, in wei",
		EnvVars: prefixEnvVars("BOND"),
	}
	DevModeFlag = &cli.BoolFlag{
		Name:    "dev",
		Usage:   "Run against an in-process dispute machine and synthetic chain",
		EnvVars: prefixEnvVars("DEV"),
	}
	L1EndpointFlag = &cli.StringFlag{
		Name:    "l1-endpoint",
		Usage:   "RPC endpoint of the L1 node",
		EnvVars: prefixEnvVars("L1_ENDPOINT"),
	}
	GatewayEndpointFlag = &cli.StringFlag{
		Name:    "gateway-endpoint",
		Usage:   "RPC endpoint of the dispute contract gateway",
		EnvVars: prefixEnvVars("GATEWAY_ENDPOINT"),
	}
	RollupEndpointFlag = &cli.StringFlag{
		Name:    "rollup-endpoint",
		Usage:   "RPC endpoint of the rollup node",
		EnvVars: prefixEnvVars("ROLLUP_ENDPOINT"),
	}
	IntervalFlag = &cli.DurationFlag{
		Name:    "interval",
		Usage:   "Cadence of the agent work loop",
		Value:   config.DefaultInterval,
		EnvVars: prefixEnvVars("INTERVAL"),
	}
	OutputIntervalFlag = &cli.Uint64Flag{
		Name:    "output-interval",
		Usage:   "Maximum number of L2 blocks covered by one proposal",
		Value:   config.DefaultOutputInterval,
		EnvVars: prefixEnvVars("OUTPUT_INTERVAL"),
	}
	FaultHeightFlag = &cli.Uint64Flag{
		Name:    "fault-at",
		Usage:   "Corrupt the output root of the first proposal at or above this L2 block (testing aid)",
		EnvVars: prefixEnvVars("FAULT_AT"),
		Hidden:  true,
	}
	MaxConcurrentAuditsFlag = &cli.IntFlag{
		Name:    "max-concurrent-audits",
		Usage:   "Maximum number of proposals audited in parallel",
		Value:   config.DefaultMaxConcurrentAudits,
		EnvVars: prefixEnvVars("MAX_CONCURRENT_AUDITS"),
	}
	FastForwardTargetFlag = &cli.Uint64Flag{
		Name:    "fast-forward-target",
		Usage:   "Finalize honest proposals at or below this L2 block with validity proofs instead of waiting out their windows (0 disables)",
		EnvVars: prefixEnvVars("FAST_FORWARD_TARGET"),
	}
	ReorgSafetyDepthFlag = &cli.Uint64Flag{
		Name:    "reorg-safety-depth",
		Usage:   "L1 depth beyond which finalized proposals are treated as immutable under reorgs",
		Value:   config.DefaultReorgSafetyDepth,
		EnvVars: prefixEnvVars("REORG_SAFETY_DEPTH"),
	}
	ProverFlag = &cli.StringFlag{
		Name:    "prover",
		Usage:   "Proving backend: fake, local or remote",
		Value:   string(config.ProverFake),
		EnvVars: prefixEnvVars("PROVER"),
	}
	ProverBinaryFlag = &cli.StringFlag{
		Name:    "prover.binary",
		Usage:   "Path to the zkVM host binary (local prover)",
		EnvVars: prefixEnvVars("PROVER_BINARY"),
	}
	ProverDataDirFlag = &cli.StringFlag{
		Name:    "prover.datadir",
		Usage:   "Directory for proving job work dirs (local prover)",
		EnvVars: prefixEnvVars("PROVER_DATADIR"),
	}
	ProverEndpointFlag = &cli.StringFlag{
		Name:    "prover.endpoint",
		Usage:   "URL of the hosted proving service (remote prover)",
		EnvVars: prefixEnvVars("PROVER_ENDPOINT"),
	}
	ProverAPIKeyFlag = &cli.StringFlag{
		Name:    "prover.api-key",
		Usage:   "API key for the hosted proving service (remote prover)",
		EnvVars: prefixEnvVars("PROVER_API_KEY"),
	}
	ProverPollIntervalFlag = &cli.DurationFlag{
		Name:    "prover.poll-interval",
		Usage:   "How often remote proving jobs are polled",
		Value:   config.DefaultProverPollInterval,
		EnvVars: prefixEnvVars("PROVER_POLL_INTERVAL"),
	}
	ProofConcurrencyFlag = &cli.IntFlag{
		Name:    "proofs.concurrency",
		Usage:   "Number of proving jobs run at once",
		Value:   config.DefaultProofConcurrency,
		EnvVars: prefixEnvVars("PROOFS_CONCURRENCY"),
	}
	ProofQueueSizeFlag = &cli.IntFlag{
		Name:    "proofs.queue-size",
		Usage:   "Maximum number of proving jobs waiting for a worker",
		Value:   config.DefaultProofQueueSize,
		EnvVars: prefixEnvVars("PROOFS_QUEUE_SIZE"),
	}
	ProofMaxAttemptsFlag = &cli.IntFlag{
		Name:    "proofs.max-attempts",
		Usage:   "Per-job retry ceiling for transient proving failures",
		Value:   config.DefaultProofMaxAttempts,
		EnvVars: prefixEnvVars("PROOFS_MAX_ATTEMPTS"),
	}
	ProofCacheSizeFlag = &cli.IntFlag{
		Name:    "proofs.cache-size",
		Usage:   "Number of completed artifacts kept in memory",
		Value:   config.DefaultProofCacheSize,
		EnvVars: prefixEnvVars("PROOFS_CACHE_SIZE"),
	}
	MetricsEnabledFlag = &cli.BoolFlag{
		Name:    "metrics.enabled",
		Usage:   "Enable the metrics server",
		EnvVars: prefixEnvVars("METRICS_ENABLED"),
	}
	MetricsHostFlag = &cli.StringFlag{
		Name:    "metrics.host",
		Usage:   "Host the metrics server listens on",
		Value:   config.DefaultMetricsHost,
		EnvVars: prefixEnvVars("METRICS_HOST"),
	}
	MetricsPortFlag = &cli.IntFlag{
		Name:    "metrics.port",
		Usage:   "Port the metrics server listens on",
		Value:   config.DefaultMetricsPort,
		EnvVars: prefixEnvVars("METRICS_PORT"),
	}
	DevSeedFlag = &cli.StringFlag{
		Name:    "dev.seed",
		Usage:   "Seed of the synthetic L2 chain (dev mode)",
		Value:   "0x00",
		EnvVars: prefixEnvVars("DEV_SEED"),
	}
	DevBlockTimeFlag = &cli.DurationFlag{
		Name:    "dev.block-time",
		Usage:   "Block time of the synthetic L2 chain (dev mode)",
		Value:   config.DefaultDevBlockTime,
		EnvVars: prefixEnvVars("DEV_BLOCK_TIME"),
	}
	DevWindowFlag = &cli.DurationFlag{
		Name:    "dev.window",
		Usage:   "Dispute and challenge window length (dev mode)",
		Value:   config.DefaultDevWindow,
		EnvVars: prefixEnvVars("DEV_WINDOW"),
	}
	LogLevelFlag = &cli.StringFlag{
		Name:    "log.level",
		Usage:   "Lowest log level that will be output: trace, debug, info, warn, error or crit",
		Value:   "info",
		EnvVars: prefixEnvVars("LOG_LEVEL"),
	}
)

var requiredFlags = []cli.Flag{
	FromFlag,
	BondFlag,
}

var optionalFlags = []cli.Flag{
	DevModeFlag,
	L1EndpointFlag,
	GatewayEndpointFlag,
	RollupEndpointFlag,
	IntervalFlag,
	OutputIntervalFlag,
	FaultHeightFlag,
	MaxConcurrentAuditsFlag,
	FastForwardTargetFlag,
	ReorgSafetyDepthFlag,
	ProverFlag,
	ProverBinaryFlag,
	ProverDataDirFlag,
	ProverEndpointFlag,
	ProverAPIKeyFlag,
	ProverPollIntervalFlag,
	ProofConcurrencyFlag,
	ProofQueueSizeFlag,
	ProofMaxAttemptsFlag,
	ProofCacheSizeFlag,
	MetricsEnabledFlag,
	MetricsHostFlag,
	MetricsPortFlag,
	DevSeedFlag,
	DevBlockTimeFlag,
	DevWindowFlag,
	LogLevelFlag,
}

// Flags contains the list of configuration options available to the binary.
var Flags = append(append([]cli.Flag{}, requiredFlags...), optionalFlags...)

func CheckRequired(ctx *cli.Context) error {
	for _, f := range requiredFlags {
		if !ctx.IsSet(f.Names()[0]) {
			return fmt.Errorf("flag %s is required", f.Names()[0])
		}
	}
	return nil
}

// NewConfig assembles a validated-enough Config from CLI context; role
// specific checks happen in the service.
func NewConfig(ctx *cli.Context) (config.Config, error) {
	if err := CheckRequired(ctx); err != nil {
		return config.Config{}, err
	}
	if !common.IsHexAddress(ctx.String(FromFlag.Name)) {
		return config.Config{}, fmt.Errorf("invalid address %q", ctx.String(FromFlag.Name))
	}
	cfg := config.NewConfig(
		common.HexToAddress(ctx.String(FromFlag.Name)),
		new(big.Int).SetUint64(ctx.Uint64(BondFlag.Name)),
	)
	cfg.DevMode = ctx.Bool(DevModeFlag.Name)
	cfg.L1Endpoint = ctx.String(L1EndpointFlag.Name)
	cfg.GatewayEndpoint = ctx.String(GatewayEndpointFlag.Name)
	cfg.RollupEndpoint = ctx.String(RollupEndpointFlag.Name)
	cfg.Interval = ctx.Duration(IntervalFlag.Name)
	cfg.OutputInterval = ctx.Uint64(OutputIntervalFlag.Name)
	cfg.FaultHeight = ctx.Uint64(FaultHeightFlag.Name)
	cfg.MaxConcurrentAudits = ctx.Int(MaxConcurrentAuditsFlag.Name)
	cfg.FastForwardTarget = ctx.Uint64(FastForwardTargetFlag.Name)
	cfg.ReorgSafetyDepth = ctx.Uint64(ReorgSafetyDepthFlag.Name)
	cfg.Prover = config.ProverKind(ctx.String(ProverFlag.Name))
	cfg.ProverBinary = ctx.String(ProverBinaryFlag.Name)
	cfg.ProverDataDir = ctx.String(ProverDataDirFlag.Name)
	cfg.ProverEndpoint = ctx.String(ProverEndpointFlag.Name)
	cfg.ProverAPIKey = ctx.String(ProverAPIKeyFlag.Name)
	cfg.ProverPollInterval = ctx.Duration(ProverPollIntervalFlag.Name)
	cfg.ProofConcurrency = ctx.Int(ProofConcurrencyFlag.Name)
	cfg.ProofQueueSize = ctx.Int(ProofQueueSizeFlag.Name)
	cfg.ProofMaxAttempts = ctx.Int(ProofMaxAttemptsFlag.Name)
	cfg.ProofCacheSize = ctx.Int(ProofCacheSizeFlag.Name)
	cfg.MetricsEnabled = ctx.Bool(MetricsEnabledFlag.Name)
	cfg.MetricsHost = ctx.String(MetricsHostFlag.Name)
	cfg.MetricsPort = ctx.Int(MetricsPortFlag.Name)
	cfg.DevSeed = common.HexToHash(ctx.String(DevSeedFlag.Name))
	cfg.DevBlockTime = ctx.Duration(DevBlockTimeFlag.Name)
	cfg.DevWindow = ctx.Duration(DevWindowFlag.Name)
	return cfg, nil
}
