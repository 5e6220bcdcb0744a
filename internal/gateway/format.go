package gateway

import (
	"errors"
	"fmt"
	"strings"

	"github.com/toankh-dev/chat-bot-sub001/internal/orchestrator"
	"github.com/toankh-dev/chat-bot-sub001/pkg/models"
)

const (
	busyText    = "I'm still working on your previous message. Please wait for that answer first."
	troubleText = "I'm having trouble answering right now..."
	timeoutNote = "(Some steps ran out of time, so this answer may be incomplete.)"
)

// Render formats a response for a chat message.
func Render(resp *models.Response, err error) string {
	if resp == nil {
		if errors.Is(err, orchestrator.ErrSessionBusy) {
			return busyText
		}
		return troubleText
	}

	var b strings.Builder
	b.WriteString(strings.TrimSpace(resp.Text))

	if resp.Partial && len(resp.Errors) > 0 {
		b.WriteString("\n\nNot completed:")
		for _, e := range resp.Errors {
			fmt.Fprintf(&b, "\n- %s", e)
		}
	}
	if len(resp.Citations) > 0 {
		b.WriteString("\n\nSources:")
		for i, c := range resp.Citations {
			fmt.Fprintf(&b, "\n[%d] %s %s", i+1, c.SourceSystem, c.SourceID)
		}
	}
	if errors.Is(err, orchestrator.ErrPlanDeadlineExceeded) {
		b.WriteString("\n\n" + timeoutNote)
	}
	return b.String()
}

// Split breaks text into chunks of at most limit bytes, preferring line
// boundaries.
func Split(text string, limit int) []string {
	if limit <= 0 || len(text) <= limit {
		return []string{text}
	}

	var chunks []string
	for len(text) > limit {
		cut := strings.LastIndexByte(text[:limit], '\n')
		if cut <= 0 {
			cut = limit
			// Do not split a multi-byte rune.
			for cut > 0 && !isRuneStart(text[cut]) {
				cut--
			}
			if cut == 0 {
				cut = limit
			}
		}
		chunks = append(chunks, text[:cut])
		text = strings.TrimPrefix(text[cut:], "\n")
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
