package main

import (
	"context"
	"log"
	"time"

	"github.com/Badgercharge/Energymanager/internal"
	"github.com/Badgercharge/Energymanager/internal/config"
	"github.com/Badgercharge/Energymanager/metrics"
	"github.com/Badgercharge/Energymanager/server"
	"github.com/Badgercharge/Energymanager/telegram"
)

func main() {

	conf, err := config.GetConfig()
	if err != nil {
		log.Println("config load failed;", err)
		return
	}

	location, err := time.LoadLocation(conf.TimeZone)
	if err != nil {
		log.Println("invalid time zone;", err)
		return
	}

	logger := internal.NewLogger(location)
	logger.SetDebugMode(conf.IsDebug)

	var database internal.Database
	mongo, err := internal.NewMongoClient(conf)
	if err != nil {
		log.Println("mongodb initialization failed;", err)
		return
	}
	if mongo != nil {
		database = mongo
		logger.SetDatabase(mongo)
	}

	var events internal.EventHandler
	if conf.Telegram.Enabled {
		bot, err := telegram.NewBot(conf, logger)
		if err != nil {
			logger.Error("telegram initialization failed", err)
		} else {
			events = bot
		}
	}

	go metrics.Listen(conf, logger)

	centralSystem, err := server.NewCentralSystem(conf, logger, database, events)
	if err != nil {
		logger.Error("central system initialization failed", err)
		return
	}
	centralSystem.Start(context.Background())

}
