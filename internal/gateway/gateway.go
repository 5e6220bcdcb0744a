// Package gateway connects chat platforms to the orchestrator.
package gateway

import (
	"context"
	"log"
	"time"

	"github.com/toankh-dev/chat-bot-sub001/pkg/models"
)

// Messenger defines the interface for communication gateways (Telegram, Discord, etc.)
type Messenger interface {
	// Start begins the message listening loop
	Start() error
	// Send sends a message to a specific chat
	Send(chatID string, text string) error
	// Stop gracefully shuts down the gateway
	Stop() error
}

// Handler answers one user message within a conversation.
type Handler interface {
	HandleRequest(ctx context.Context, sessionID, userText string) (*models.Response, error)
}

// turnTimeout bounds a whole turn as seen from a chat platform.
const turnTimeout = 5 * time.Minute

// answer runs one turn and renders the reply text.
func answer(ctx context.Context, h Handler, sessionID, text string) string {
	ctx, cancel := context.WithTimeout(ctx, turnTimeout)
	defer cancel()

	resp, err := h.HandleRequest(ctx, sessionID, text)
	if err != nil {
		log.Printf("Error handling %s: %v", sessionID, err)
	}
	return Render(resp, err)
}
