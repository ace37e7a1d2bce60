// tichaind is the industrial time-series ingestion and integrity daemon:
// producer-side shadow buffering and chain hashing, a durable broker hop,
// and the consumer pipeline that writes points and heals gaps.
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

// Exit codes match the control-surface contract: 0 success, 64 bad usage
// (EX_USAGE), 69 dependency unavailable (EX_UNAVAILABLE), 70 internal
// software error (EX_SOFTWARE).
const (
	exitOK          = 0
	exitUsage       = 64
	exitUnavailable = 69
	exitSoftware    = 70
)

var (
	configFlag = &cli.StringFlag{
		Name:  "config",
		Usage: "Path to the TOML configuration file",
	}
	debugFlag = &cli.BoolFlag{
		Name:  "debug",
		Usage: "Enable debug-level console logging",
	}
	controlAddrFlag = &cli.StringFlag{
		Name:  "ctl-addr",
		Usage: "Control API address to reach for health/metrics/recover/checkpoint subcommands",
		Value: "127.0.0.1:8765",
	}
	sourceFlag = &cli.StringFlag{
		Name:     "source",
		Usage:    "Data source id to target",
		Required: true,
	}
	reasonFlag = &cli.StringFlag{
		Name:  "reason",
		Usage: "Operator-supplied note recorded on the checkpoint entry",
	}
)

func main() {
	app := &cli.App{
		Name:  "tichaind",
		Usage: "industrial time-series ingestion and integrity daemon",
		Commands: []*cli.Command{
			{
				Name:   "start",
				Usage:  "run the daemon: producer wrapper, consumer pipeline, recovery controller, control API",
				Flags:  []cli.Flag{configFlag, debugFlag},
				Action: runStart,
			},
			{
				Name:   "health",
				Usage:  "check the control API's /healthz endpoint",
				Flags:  []cli.Flag{controlAddrFlag},
				Action: runHealth,
			},
			{
				Name:   "metrics",
				Usage:  "fetch the control API's /metrics endpoint",
				Flags:  []cli.Flag{controlAddrFlag},
				Action: runMetrics,
			},
			{
				Name:   "recover",
				Usage:  "trigger an on-demand gap recovery scan for a source",
				Flags:  []cli.Flag{controlAddrFlag, sourceFlag},
				Action: runRecover,
			},
			{
				Name:   "checkpoint",
				Usage:  "write a checkpoint chain entry for a source",
				Flags:  []cli.Flag{controlAddrFlag, sourceFlag, reasonFlag},
				Action: runCheckpoint,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeFor(err))
	}
}

func exitCodeFor(err error) int {
	var cerr *cliError
	if ok := asCliError(err, &cerr); ok {
		return cerr.code
	}
	return exitSoftware
}

// cliError carries an explicit process exit code through the urfave/cli
// action-error path.
type cliError struct {
	code int
	err  error
}

func (e *cliError) Error() string { return e.err.Error() }
func (e *cliError) Unwrap() error { return e.err }

func asCliError(err error, target **cliError) bool {
	for err != nil {
		if c, ok := err.(*cliError); ok {
			*target = c
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func usageErr(format string, args ...any) error {
	return &cliError{code: exitUsage, err: fmt.Errorf(format, args...)}
}

func unavailableErr(format string, args ...any) error {
	return &cliError{code: exitUnavailable, err: fmt.Errorf(format, args...)}
}

func softwareErr(format string, args ...any) error {
	return &cliError{code: exitSoftware, err: fmt.Errorf(format, args...)}
}
