package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"brokerledger/cmd/executor"
	"brokerledger/src/database"
	"brokerledger/src/utils"
)

var Version string

func main() {
	dbCfg := database.GetConfig()
	utils.SetupLogger(dbCfg.LogLevel, dbCfg.LogFormat)

	app := cli.NewApp()
	app.Name = "brokerledger"
	app.Usage = "The brokerage ledger command line interface"
	app.Version = Version

	app.Commands = []cli.Command{
		serveCMD,
		jobCMD("sweep-settlements", "settlement-sweep", "settle every pending transaction that is due"),
		jobCMD("init-trading-day", "initialize-trading-day", "roll previous closes for a new trading day"),
		jobCMD("capture-closing-prices", "capture-closing-prices", "store today's closing prices"),
		jobCMD("refresh-quotes", "refresh-quotes", "run one market-data refresh"),
		jobCMD("expire-orders", "expire-orders", "expire open limit orders past their expiry"),
	}

	if err := app.Run(os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var serveCMD = cli.Command{
	Name:        "serve",
	Usage:       "run the HTTP API and schedulers",
	Action:      serveAction,
	ArgsUsage:   "",
	Flags:       []cli.Flag{},
	Description: `Run the ledger with its settlement, market-data and expiry schedulers`,
}

func serveAction(_ *cli.Context) error {
	logrus.WithField("cmd", "serve").Info("Starting ledger")

	ex := &executor.Executor{}
	if err := ex.Start(); err != nil {
		logrus.WithError(err).Error("Starting cmd")
		return err
	}
	return nil
}

// jobCMD runs one scheduled job immediately and exits.
func jobCMD(name, job, usage string) cli.Command {
	return cli.Command{
		Name:        name,
		Usage:       usage,
		ArgsUsage:   "",
		Flags:       []cli.Flag{},
		Description: fmt.Sprintf("Run the %s job once", job),
		Action: func(_ *cli.Context) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logrus.WithField("cmd", name).Info("Running job once")

			ex := &executor.Executor{}
			if err := ex.Init(ctx); err != nil {
				return err
			}
			return ex.RunOnce(ctx, job)
		},
	}
}
