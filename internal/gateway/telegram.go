package gateway

import (
	"context"
	"fmt"
	"log"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// telegramLimit is the maximum length of one Telegram message.
const telegramLimit = 4096

type TelegramGateway struct {
	Bot     *tgbotapi.BotAPI
	Handler Handler
}

func NewTelegramGateway(token string, handler Handler) (*TelegramGateway, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, err
	}

	log.Printf("Authorized on account %s", bot.Self.UserName)

	return &TelegramGateway{
		Bot:     bot,
		Handler: handler,
	}, nil
}

func telegramSession(chatID int64) string {
	return fmt.Sprintf("telegram:%d", chatID)
}

func (tg *TelegramGateway) Start() error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := tg.Bot.GetUpdatesChan(u)

	for update := range updates {
		if update.Message == nil || update.Message.Text == "" {
			continue
		}

		log.Printf("[%s] %s", update.Message.From.UserName, update.Message.Text)

		// Chats are independent; turns within one chat are serialized by
		// the orchestrator.
		go tg.reply(update.Message.Chat.ID, update.Message.Text)
	}
	return nil
}

func (tg *TelegramGateway) reply(chatID int64, text string) {
	_, _ = tg.Bot.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping))

	response := answer(context.Background(), tg.Handler, telegramSession(chatID), text)
	for _, chunk := range Split(response, telegramLimit) {
		if _, err := tg.Bot.Send(tgbotapi.NewMessage(chatID, chunk)); err != nil {
			log.Printf("Error sending to %d: %v", chatID, err)
			return
		}
	}
}

func (tg *TelegramGateway) Send(chatID string, text string) error {
	var id int64
	fmt.Sscanf(chatID, "%d", &id)
	if id == 0 {
		return fmt.Errorf("invalid chat ID: %s", chatID)
	}

	for _, chunk := range Split(text, telegramLimit) {
		msg := tgbotapi.NewMessage(id, chunk)
		msg.ParseMode = "Markdown"
		if _, err := tg.Bot.Send(msg); err != nil {
			return err
		}
	}
	return nil
}

func (tg *TelegramGateway) Stop() error {
	tg.Bot.StopReceivingUpdates()
	return nil
}
