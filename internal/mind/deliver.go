package mind

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// Attachment is a file sent along with a message.
type Attachment struct {
	Name string
	Data []byte
}

// Transport is the chat platform as seen by the orchestrator.
type Transport interface {
	// ChannelName resolves a channel id; an error means the channel is gone
	// or not visible to the bot.
	ChannelName(ctx context.Context, channelID string) (string, error)
	Send(ctx context.Context, channelID, text string, file *Attachment) error
}

// Typist is implemented by transports that can show a typing indicator.
type Typist interface {
	Typing(ctx context.Context, channelID string) error
}

// NewChunkLimiter paces consecutive chunks at least pause apart.
func NewChunkLimiter(pause time.Duration) *rate.Limiter {
	if pause <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(pause), 1)
}

// Deliver splits text into Discord-sized chunks and sends them in order,
// attaching file to the last chunk. A file without text goes out alone. It
// stops at the first failed send.
func Deliver(ctx context.Context, t Transport, lim *rate.Limiter, channelID, text string, file *Attachment) error {
	chunks := SplitMessage(text, MessageLimit)
	if len(chunks) == 0 && file != nil {
		chunks = []string{""}
	}
	for i, chunk := range chunks {
		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				return err
			}
		}
		var att *Attachment
		if i == len(chunks)-1 {
			att = file
		}
		if err := t.Send(ctx, channelID, chunk, att); err != nil {
			return fmt.Errorf("send chunk %d/%d: %w", i+1, len(chunks), err)
		}
	}
	return nil
}
