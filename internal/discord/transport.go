package discord

import (
	"bytes"
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/keshon/east/internal/mind"
)

// ErrNoChannel is returned when a channel is not visible to the bot.
var ErrNoChannel = errors.New("channel not found")

// api is the subset of the REST client the bot uses.
type api interface {
	Channel(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelTyping(channelID string, options ...discordgo.RequestOption) error
}

var (
	_ mind.Transport = (*Bot)(nil)
	_ mind.Typist    = (*Bot)(nil)
)

// ChannelName resolves a channel from the state cache, falling back to the
// REST API.
func (b *Bot) ChannelName(ctx context.Context, channelID string) (string, error) {
	if b.dg != nil && b.dg.State != nil {
		if ch, err := b.dg.State.Channel(channelID); err == nil {
			return ch.Name, nil
		}
	}
	ch, err := b.api.Channel(channelID, discordgo.WithContext(ctx))
	if err != nil {
		return "", errors.Join(ErrNoChannel, err)
	}
	if ch == nil {
		return "", ErrNoChannel
	}
	return ch.Name, nil
}

// Send posts one message of at most the Discord length limit.
func (b *Bot) Send(ctx context.Context, channelID, text string, file *mind.Attachment) error {
	msg := &discordgo.MessageSend{Content: text}
	if file != nil {
		msg.Files = []*discordgo.File{{
			Name:        file.Name,
			ContentType: contentType(file.Name),
			Reader:      bytes.NewReader(file.Data),
		}}
	}
	_, err := b.api.ChannelMessageSendComplex(channelID, msg, discordgo.WithContext(ctx))
	return err
}

// Typing shows the typing indicator for a few seconds.
func (b *Bot) Typing(ctx context.Context, channelID string) error {
	return b.api.ChannelTyping(channelID, discordgo.WithContext(ctx))
}

func contentType(name string) string {
	switch {
	case strings.HasSuffix(name, ".wav"):
		return "audio/wav"
	case strings.HasSuffix(name, ".json"):
		return "application/json"
	default:
		return "application/octet-stream"
	}
}

// responder replies to a command in the channel it came from. Long replies
// are split like any other message and paced by the bot's shared limiter.
type responder struct {
	bot       *Bot
	channelID string
}

func (r *responder) Send(ctx context.Context, text string) error {
	return mind.Deliver(ctx, r.bot, r.bot.pace, r.channelID, text, nil)
}

func (r *responder) SendFile(ctx context.Context, text, name string, data []byte) error {
	return mind.Deliver(ctx, r.bot, r.bot.pace, r.channelID, text, &mind.Attachment{Name: name, Data: data})
}
