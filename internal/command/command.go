// Package command implements the prefixed admin commands ("!status",
// "!mem add ...") on top of pkg/cmd.
package command

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/keshon/east/internal/mind"
	"github.com/keshon/east/internal/state"
	"github.com/keshon/east/pkg/cmd"
	"github.com/keshon/east/pkg/jobmgr"
	"github.com/rs/zerolog"
)

const (
	systemPrefix = "> SYSTEM: "
	usagePrefix  = "> USAGE: "
)

// ErrNoContext is returned when a command is invoked without a *Context.
var ErrNoContext = errors.New("command invoked without chat context")

// Responder replies in the channel a command came from.
type Responder interface {
	Send(ctx context.Context, text string) error
	SendFile(ctx context.Context, text, name string, data []byte) error
}

// Context is the invocation payload of every command.
type Context struct {
	ChannelID   string
	ChannelName string
	AuthorID    string
	Author      string
	Reply       Responder
}

func (c *Context) system(ctx context.Context, format string, args ...any) error {
	return c.Reply.Send(ctx, systemPrefix+fmt.Sprintf(format, args...))
}

func (c *Context) usage(ctx context.Context, prefix, text string) error {
	return c.Reply.Send(ctx, usagePrefix+"`"+prefix+text+"`")
}

// Store is the state the commands read and change.
type Store interface {
	Flush() error
	Reload(key string) error
	History(channelID string) ([]state.Turn, bool)
	EmotionMap() state.EmotionMap
	Emotions() map[string]int
	SetEmotion(name string, value int) error
	ResetEmotions()
	RandomizeEmotions(intn func(int) int)
	Memories() []string
	AddMemory(text string) int
	DeleteMemory(index int) (string, bool)
	ResetMemories()
	PopUnread(channelID string) (state.UnreadEntry, bool)
	ResetUnread()
	UnreadCounts() map[string]int
	ChannelSetting(channelID string) state.ChannelSetting
	SetChatMode(channelID string, on bool)
	SetVoiceMode(channelID string, on bool)
}

// Gateway is the model gateway control surface.
type Gateway interface {
	ActiveKey() int
	SetActiveKey(n int) error
	KeyCount() int
	ResetHistories()
	ReloadPersona() error
	ApplyPersona(ctx context.Context, channelID string) error
}

// Checker runs channel activity on demand.
type Checker interface {
	ForceCheck(ctx context.Context, channelID string) mind.Outcome
	Status() mind.Status
}

// Deps are the services commands act on.
type Deps struct {
	Store     Store
	Gateway   Gateway
	Checker   Checker
	Jobs      *jobmgr.Manager
	Character string
	Prefix    string
	Location  *time.Location
	Now       func() time.Time
	Log       zerolog.Logger
}

// Dispatcher parses prefixed messages and runs the matching command.
type Dispatcher struct {
	reg    *cmd.Registry
	prefix string
	log    zerolog.Logger
}

// NewDispatcher registers every admin command.
func NewDispatcher(deps Deps) (*Dispatcher, error) {
	if deps.Prefix == "" {
		deps.Prefix = "!"
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Location == nil {
		deps.Location = time.Local
	}
	log := deps.Log.With().Str("component", "command").Logger()

	reg := cmd.NewRegistry()
	d := &Dispatcher{reg: reg, prefix: deps.Prefix, log: log}

	commands := []cmd.Command{
		&HelpCommand{reg: reg, prefix: deps.Prefix},
		&StatusCommand{deps: &deps},
		&SaveCommand{deps: &deps},
		&HistoryCommand{deps: &deps},
		&PersonaCommand{deps: &deps},
		&EmotionCommand{deps: &deps},
		&MemoryCommand{deps: &deps},
		&UnreadCommand{deps: &deps},
		&ChatCommand{deps: &deps},
		&VoiceCommand{deps: &deps},
		&KeyCommand{deps: &deps},
		&CheckCommand{deps: &deps},
	}
	for _, c := range commands {
		if err := reg.Register(cmd.Apply(c, WithRecover(), WithCommandLogger(log))); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// IsCommand reports whether content is addressed to the command surface.
// Such messages are never buffered as unread.
func (d *Dispatcher) IsCommand(content string) bool {
	return strings.HasPrefix(content, d.prefix)
}

// Dispatch runs the command in content. It reports false for messages that
// are not a known command. Command errors are reported back to the channel.
func (d *Dispatcher) Dispatch(ctx context.Context, content string, c *Context) (bool, error) {
	if !d.IsCommand(content) {
		return false, nil
	}
	fields := strings.Fields(strings.TrimPrefix(content, d.prefix))
	if len(fields) == 0 {
		return false, nil
	}
	command := d.reg.Get(fields[0])
	if command == nil {
		d.log.Debug().Str("name", fields[0]).Msg("unknown command")
		return false, nil
	}

	err := command.Run(ctx, &cmd.Invocation{Args: fields[1:], Data: c})
	if err != nil {
		if rerr := c.system(ctx, "error: %v", err); rerr != nil {
			err = errors.Join(err, rerr)
		}
	}
	return true, err
}

// Commands lists the registered commands.
func (d *Dispatcher) Commands() []cmd.Command {
	return d.reg.GetAll()
}

func chatContext(inv *cmd.Invocation) (*Context, error) {
	c, ok := inv.Data.(*Context)
	if !ok || c == nil || c.Reply == nil {
		return nil, ErrNoContext
	}
	return c, nil
}

// subcommand is one verb of a command group.
type subcommand struct {
	names []string
	run   func(ctx context.Context, c *Context, args []string) error
}

// runGroup dispatches args[0] to the matching subcommand, replying with the
// usage line when nothing matches.
func runGroup(ctx context.Context, c *Context, args []string, prefix, usage string, subs []subcommand) error {
	if len(args) > 0 {
		verb := strings.ToLower(args[0])
		for _, s := range subs {
			for _, n := range s.names {
				if n == verb {
					return s.run(ctx, c, args[1:])
				}
			}
		}
	}
	return c.usage(ctx, prefix, usage)
}
