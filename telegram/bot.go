package telegram

import (
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api"

	"github.com/Badgercharge/Energymanager/internal"
	"github.com/Badgercharge/Energymanager/internal/config"
)

const featureName = "Telegram"

// TgBot forwards charge point events to a single configured chat. All
// event methods enqueue and return immediately; a background pump owns
// the api calls.
type TgBot struct {
	api      *tgbotapi.BotAPI
	chatId   int64
	logger   internal.LogHandler
	messages chan string
}

func NewBot(conf *config.Config, logger internal.LogHandler) (*TgBot, error) {
	api, err := tgbotapi.NewBotAPI(conf.Telegram.ApiKey)
	if err != nil {
		return nil, fmt.Errorf("telegram api: %w", err)
	}
	bot := &TgBot{
		api:      api,
		chatId:   conf.Telegram.ChatID,
		logger:   logger,
		messages: make(chan string, 100),
	}
	go bot.sendPump()
	logger.FeatureEvent(featureName, "", fmt.Sprintf("authorized as %s", api.Self.UserName))
	return bot, nil
}

func (b *TgBot) sendPump() {
	for text := range b.messages {
		message := tgbotapi.NewMessage(b.chatId, text)
		if _, err := b.api.Send(message); err != nil {
			b.logger.Error("sending telegram message", err)
		}
	}
}

func (b *TgBot) enqueue(text string) {
	select {
	case b.messages <- text:
	default:
		b.logger.Warn("telegram queue full; message dropped")
	}
}

func (b *TgBot) OnStatusNotification(event *internal.EventMessage) {
	if event.Info == "" || event.Info == "NoError" {
		return
	}
	b.enqueue(fmt.Sprintf("⚠️ %s connector %d: %s (%s)", event.ChargePointId, event.ConnectorId, event.Status, event.Info))
}

func (b *TgBot) OnTransactionStart(event *internal.EventMessage) {
	b.enqueue(fmt.Sprintf("🪫 %s: charging started, transaction %d, tag %s", event.ChargePointId, event.TransactionId, event.IdTag))
}

func (b *TgBot) OnTransactionStop(event *internal.EventMessage) {
	b.enqueue(fmt.Sprintf("🔋 %s: charging stopped, transaction %d, %s", event.ChargePointId, event.TransactionId, event.Info))
}

func (b *TgBot) OnBoostGoalReached(event *internal.EventMessage) {
	b.enqueue(fmt.Sprintf("⚡ %s: %s", event.ChargePointId, event.Info))
}

func (b *TgBot) OnAlert(event *internal.EventMessage) {
	b.enqueue(fmt.Sprintf("🚨 %s: %s (%s)", event.ChargePointId, event.Status, event.Info))
}
