package main

import (
	"fmt"
	"os"
	"time"

	logger "github.com/sirupsen/logrus"

	"brokerledger/cmd/executor"
	"brokerledger/src/database"
	"brokerledger/src/utils"
)

var (
	APP_NAME = os.Getenv("APP_NAME")
)

func main() {
	dbCfg := database.GetConfig()
	utils.SetupLogger(dbCfg.LogLevel, dbCfg.LogFormat)
	defer handlePanic()

	ex := &executor.Executor{}
	if err := ex.Start(); err != nil {
		logger.WithError(err).Fatal("Ledger stopped with error")
	}
}

func handlePanic() {
	if r := recover(); r != nil {
		logger.WithError(fmt.Errorf("%+v", r)).Error(fmt.Sprintf("Application %s panic", APP_NAME))
	}
	//nolint
	time.Sleep(time.Second * 5)
}
