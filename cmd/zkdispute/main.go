package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"
	"golang.org/x/term"

	"github.com/zkrollup/zkdispute/flags"
	"github.com/zkrollup/zkdispute/service"
	"github.com/zkrollup/zkdispute/version"
)

var gitCommit = ""

func main() {
	app := cli.NewApp()
	app.Name = "zkdispute"
	app.Usage = "Succinct-proof dispute protocol agents"
	app.Version = fmt.Sprintf("%s-%s", version.Version, version.Meta)
	if gitCommit != "" {
		app.Version += "-" + gitCommit[:min(8, len(gitCommit))]
	}
	app.Flags = flags.Flags
	app.Commands = []*cli.Command{
		{
			Name:   "proposer",
			Usage:  "Run the proposer agent: extend, defend and resolve proposals",
			Flags:  flags.Flags,
			Action: run(service.RoleProposer),
		},
		{
			Name:   "validator",
			Usage:  "Run the validator agent: audit, challenge and prove proposals",
			Flags:  flags.Flags,
			Action: run(service.RoleValidator),
		},
		{
			Name:  "fault",
			Usage: "Run a proposer that submits one corrupted output root, to exercise validators on a devnet",
			Flags: flags.Flags,
			Action: func(cliCtx *cli.Context) error {
				if cliCtx.Uint64(flags.FaultHeightFlag.Name) == 0 {
					return fmt.Errorf("flag %s is required", flags.FaultHeightFlag.Name)
				}
				return run(service.RoleProposer)(cliCtx)
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Application failed: %v\n", err)
		os.Exit(1)
	}
}

func run(role service.Role) cli.ActionFunc {
	return func(cliCtx *cli.Context) error {
		logger, err := newLogger(cliCtx.String(flags.LogLevelFlag.Name))
		if err != nil {
			return err
		}
		cfg, err := flags.NewConfig(cliCtx)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		svc, err := service.New(ctx, logger, role, cfg)
		if err != nil {
			return fmt.Errorf("create %s service: %w", role, err)
		}
		if err := svc.Start(ctx); err != nil {
			_ = svc.Stop(context.Background())
			return fmt.Errorf("start %s service: %w", role, err)
		}

		<-ctx.Done()
		logger.Info("Shutting down", "role", role)
		return svc.Stop(context.Background())
	}
}

func newLogger(level string) (log.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	useColor := term.IsTerminal(int(os.Stderr.Fd()))
	handler := log.NewTerminalHandlerWithLevel(os.Stderr, lvl, useColor)
	return log.NewLogger(handler), nil
}
