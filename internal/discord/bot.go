// Package discord connects the character to Discord: it buffers channel
// messages as unread, routes prefixed messages to the command surface and
// carries replies back out.
package discord

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/keshon/east/internal/command"
	"github.com/keshon/east/internal/mind"
	"github.com/keshon/east/internal/state"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const intents = discordgo.IntentsGuilds |
	discordgo.IntentsGuildMessages |
	discordgo.IntentsGuildMembers |
	discordgo.IntentsGuildPresences |
	discordgo.IntentsDirectMessages |
	discordgo.IntentsMessageContent

// Store is the part of the state store the bot writes inbound messages to.
type Store interface {
	ChannelSetting(channelID string) state.ChannelSetting
	AppendUnread(channelID string, e state.UnreadEntry) int
}

// Commands handles prefixed messages.
type Commands interface {
	IsCommand(content string) bool
	Dispatch(ctx context.Context, content string, c *command.Context) (bool, error)
}

// Config configures a Bot.
type Config struct {
	Token      string
	Location   *time.Location
	Now        func() time.Time
	// ChunkPause spaces the chunks of a split command reply.
	ChunkPause time.Duration
	Logger     zerolog.Logger
}

// Bot is a Discord session bound to one character.
type Bot struct {
	dg       *discordgo.Session
	api      api
	store    Store
	commands Commands
	loc      *time.Location
	now      func() time.Time
	log      zerolog.Logger
	pace     *rate.Limiter

	ready     chan struct{}
	readyOnce sync.Once

	mu     sync.RWMutex
	selfID string
}

// New creates the session without connecting. Commands must be set with
// HandleCommands before Run.
func New(cfg Config, store Store) (*Bot, error) {
	dg, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	dg.Identify.Intents = intents
	dg.State.TrackPresences = true

	b := newBot(cfg, store, dg)
	b.dg = dg
	routeLogs(b.log, dg)

	dg.AddHandler(b.onReady)
	dg.AddHandler(b.onMessageCreate)
	return b, nil
}

func newBot(cfg Config, store Store, a api) *Bot {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Bot{
		api:   a,
		store: store,
		loc:   cfg.Location,
		now:   cfg.Now,
		log:   cfg.Logger.With().Str("component", "discord").Logger(),
		pace:  mind.NewChunkLimiter(cfg.ChunkPause),
		ready: make(chan struct{}),
	}
}

// HandleCommands sets the command surface.
func (b *Bot) HandleCommands(c Commands) {
	b.commands = c
}

// Ready is closed once the gateway reports the session ready.
func (b *Bot) Ready() <-chan struct{} {
	return b.ready
}

// Run opens the session and keeps it open until ctx is done.
func (b *Bot) Run(ctx context.Context) error {
	if err := b.dg.Open(); err != nil {
		return fmt.Errorf("failed to open Discord session: %w", err)
	}
	<-ctx.Done()
	b.log.Info().Msg("closing Discord session")
	if err := b.dg.Close(); err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	return nil
}

func (b *Bot) onReady(_ *discordgo.Session, r *discordgo.Ready) {
	if r.User != nil {
		b.mu.Lock()
		b.selfID = r.User.ID
		b.mu.Unlock()
		b.log.Info().Str("user", r.User.Username).Int("guilds", len(r.Guilds)).Msg("Discord bot is running")
	}
	b.readyOnce.Do(func() { close(b.ready) })
}

func (b *Bot) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil {
		return
	}
	in := inbound{
		ChannelID: m.ChannelID,
		AuthorID:  m.Author.ID,
		Author:    displayName(m.Message),
		Content:   m.Content,
	}
	if s.State != nil && m.GuildID != "" {
		if p, err := s.State.Presence(m.GuildID, m.Author.ID); err == nil {
			in.Activities = activitiesFromPresence(p)
		}
	}
	b.handleMessage(context.Background(), in)
}

// inbound is a received message reduced to what the bot acts on.
type inbound struct {
	ChannelID  string
	AuthorID   string
	Author     string
	Content    string
	Activities []mind.Activity
}

// handleMessage dispatches commands and buffers everything else as unread
// when chat mode is on in the channel. The bot's own messages are ignored.
func (b *Bot) handleMessage(ctx context.Context, in inbound) {
	b.mu.RLock()
	self := b.selfID
	b.mu.RUnlock()
	if in.AuthorID == self {
		return
	}

	if b.commands != nil && b.commands.IsCommand(in.Content) {
		cc := &command.Context{
			ChannelID: in.ChannelID,
			AuthorID:  in.AuthorID,
			Author:    in.Author,
			Reply:     &responder{bot: b, channelID: in.ChannelID},
		}
		if name, err := b.ChannelName(ctx, in.ChannelID); err == nil {
			cc.ChannelName = name
		}
		if _, err := b.commands.Dispatch(ctx, in.Content, cc); err != nil {
			b.log.Warn().Err(err).Str("channel", in.ChannelID).Msg("command failed")
		}
		return
	}

	if !b.store.ChannelSetting(in.ChannelID).ChatMode {
		return
	}
	activity := mind.RenderActivities(in.Activities)
	n := b.store.AppendUnread(in.ChannelID, state.UnreadEntry{
		Author:    in.Author,
		Content:   in.Content,
		Timestamp: mind.FormatTimestamp(b.now().In(b.loc)),
		Activity:  activity,
	})
	b.log.Info().
		Str("channel", in.ChannelID).
		Str("author", in.Author).
		Str("activity", activity).
		Int("unread", n).
		Msg("unread message buffered")
}

// displayName prefers the guild nickname, then the global display name.
func displayName(m *discordgo.Message) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	return m.Author.DisplayName()
}
