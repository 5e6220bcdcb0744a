package gateway

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"
)

// discordLimit is the maximum length of one Discord message.
const discordLimit = 2000

// DiscordGateway answers direct messages and messages that mention the bot.
type DiscordGateway struct {
	Session *discordgo.Session
	Handler Handler

	stopOnce sync.Once
	done     chan struct{}
}

func NewDiscordGateway(token string, handler Handler) (*DiscordGateway, error) {
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, err
	}
	s.Identify.Intents = discordgo.IntentGuildMessages |
		discordgo.IntentDirectMessages |
		discordgo.IntentMessageContent

	dg := &DiscordGateway{
		Session: s,
		Handler: handler,
		done:    make(chan struct{}),
	}
	s.AddHandler(dg.onMessage)
	return dg, nil
}

func discordSession(channelID string) string {
	return "discord:" + channelID
}

// Start connects and blocks until Stop is called.
func (dg *DiscordGateway) Start() error {
	if err := dg.Session.Open(); err != nil {
		return fmt.Errorf("opening discord session: %w", err)
	}
	if u := dg.Session.State.User; u != nil {
		log.Printf("Authorized on account %s", u.Username)
	}
	<-dg.done
	return nil
}

func (dg *DiscordGateway) onMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	self := ""
	if s.State != nil && s.State.User != nil {
		self = s.State.User.ID
	}
	text, ok := addressedText(m.Message, self)
	if !ok {
		return
	}

	log.Printf("[%s] %s", m.Author.Username, text)

	go func() {
		_ = s.ChannelTyping(m.ChannelID)
		response := answer(context.Background(), dg.Handler, discordSession(m.ChannelID), text)
		if err := dg.Send(m.ChannelID, response); err != nil {
			log.Printf("Error sending to %s: %v", m.ChannelID, err)
		}
	}()
}

// addressedText returns the message text with the bot mention removed.
// Guild messages are only answered when they mention the bot.
func addressedText(m *discordgo.Message, selfID string) (string, bool) {
	text := strings.TrimSpace(m.Content)
	if text == "" {
		return "", false
	}
	if m.GuildID == "" {
		return text, true
	}
	for _, u := range m.Mentions {
		if u != nil && u.ID == selfID {
			text = strings.NewReplacer("<@"+selfID+">", "", "<@!"+selfID+">", "").Replace(text)
			text = strings.TrimSpace(text)
			return text, text != ""
		}
	}
	return "", false
}

func (dg *DiscordGateway) Send(chatID string, text string) error {
	for _, chunk := range Split(text, discordLimit) {
		if _, err := dg.Session.ChannelMessageSend(chatID, chunk); err != nil {
			return err
		}
	}
	return nil
}

func (dg *DiscordGateway) Stop() error {
	var err error
	dg.stopOnce.Do(func() {
		err = dg.Session.Close()
		close(dg.done)
	})
	return err
}
