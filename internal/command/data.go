package command

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/keshon/east/internal/persist"
	"github.com/keshon/east/internal/state"
	"github.com/keshon/east/pkg/cmd"
)

// HistoryCommand manages conversation histories.
type HistoryCommand struct{ deps *Deps }

func (c *HistoryCommand) Name() string        { return "history" }
func (c *HistoryCommand) Description() string { return "`history <reload|reset|export>` manage conversation history" }
func (c *HistoryCommand) Aliases() []string   { return []string{"hist"} }

func (c *HistoryCommand) Run(ctx context.Context, inv *cmd.Invocation) error {
	cc, err := chatContext(inv)
	if err != nil {
		return err
	}
	d := c.deps
	return runGroup(ctx, cc, inv.Args, d.Prefix, "history <reload|reset|export>", []subcommand{
		{names: []string{"reload", "rl"}, run: func(ctx context.Context, cc *Context, _ []string) error {
			if err := d.Store.Reload(persist.KeyHistory); err != nil {
				return cc.system(ctx, "reloading history failed.\n`%v`", err)
			}
			return cc.system(ctx, "history file reloaded.")
		}},
		{names: []string{"reset", "rs"}, run: func(ctx context.Context, cc *Context, _ []string) error {
			d.Gateway.ResetHistories()
			return cc.system(ctx, "all conversation histories reset.")
		}},
		{names: []string{"export", "ex"}, run: c.export},
	})
}

func (c *HistoryCommand) export(ctx context.Context, cc *Context, _ []string) error {
	h, ok := c.deps.Store.History(cc.ChannelID)
	if !ok || len(h) == 0 {
		return cc.system(ctx, "this channel has no conversation history.")
	}
	data, err := persist.Marshal(h)
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}
	name := cc.ChannelName
	if name == "" {
		name = cc.ChannelID
	}
	file := fmt.Sprintf("history_%s_%s.json", name, c.deps.Now().In(c.deps.Location).Format("20060102"))
	return cc.Reply.SendFile(ctx, "", file, data)
}

// PersonaCommand reloads the persona sheet or applies it to this channel.
type PersonaCommand struct{ deps *Deps }

func (c *PersonaCommand) Name() string        { return "persona" }
func (c *PersonaCommand) Description() string { return "`persona <reload|apply>` manage the character sheet" }
func (c *PersonaCommand) Aliases() []string   { return []string{"ps"} }

func (c *PersonaCommand) Run(ctx context.Context, inv *cmd.Invocation) error {
	cc, err := chatContext(inv)
	if err != nil {
		return err
	}
	gw := c.deps.Gateway
	return runGroup(ctx, cc, inv.Args, c.deps.Prefix, "persona <reload|apply>", []subcommand{
		{names: []string{"reload", "rl"}, run: func(ctx context.Context, cc *Context, _ []string) error {
			if err := gw.ReloadPersona(); err != nil {
				return cc.system(ctx, "error: could not load the character sheet.\n`%v`", err)
			}
			return cc.system(ctx, "character sheet reloaded.")
		}},
		{names: []string{"apply", "ap"}, run: func(ctx context.Context, cc *Context, _ []string) error {
			if err := gw.ApplyPersona(ctx, cc.ChannelID); err != nil {
				return cc.system(ctx, "applying the persona failed.\n`%v`", err)
			}
			return cc.system(ctx, "persona applied to the history of `%s`.", cc.ChannelName)
		}},
	})
}

// EmotionCommand edits the emotion values.
type EmotionCommand struct{ deps *Deps }

func (c *EmotionCommand) Name() string { return "emotion" }
func (c *EmotionCommand) Description() string {
	return "`emotion <set|reset|random|reload>` edit emotion values"
}
func (c *EmotionCommand) Aliases() []string { return []string{"emo"} }

func (c *EmotionCommand) Run(ctx context.Context, inv *cmd.Invocation) error {
	cc, err := chatContext(inv)
	if err != nil {
		return err
	}
	st := c.deps.Store
	return runGroup(ctx, cc, inv.Args, c.deps.Prefix, "emotion <set|reset|random|reload>", []subcommand{
		{names: []string{"set", "s"}, run: c.set},
		{names: []string{"reset", "rs"}, run: func(ctx context.Context, cc *Context, _ []string) error {
			st.ResetEmotions()
			return cc.system(ctx, "emotions reset to defaults.")
		}},
		{names: []string{"random", "rn"}, run: func(ctx context.Context, cc *Context, _ []string) error {
			st.RandomizeEmotions(nil)
			return cc.system(ctx, "all emotions set to random values.")
		}},
		{names: []string{"reload", "rl"}, run: func(ctx context.Context, cc *Context, _ []string) error {
			if err := st.Reload(persist.KeyEmotion); err != nil {
				return cc.system(ctx, "reloading the emotion file failed.\n`%v`", err)
			}
			return cc.system(ctx, "emotion file reloaded.")
		}},
	})
}

func (c *EmotionCommand) set(ctx context.Context, cc *Context, args []string) error {
	if len(args) < 2 {
		return cc.usage(ctx, c.deps.Prefix, "emotion set <name> <0-500>")
	}
	name := strings.ToLower(args[0])
	value, err := strconv.Atoi(args[1])
	if err != nil {
		return cc.system(ctx, "value must be a number between %d and %d.", state.EmotionMin, state.EmotionMax)
	}
	switch err := c.deps.Store.SetEmotion(name, value); {
	case errors.Is(err, state.ErrUnknownEmotion):
		return cc.system(ctx, "there is no emotion called `%s`.", args[0])
	case errors.Is(err, state.ErrEmotionRange):
		return cc.system(ctx, "value must be a number between %d and %d.", state.EmotionMin, state.EmotionMax)
	case err != nil:
		return err
	}
	return cc.system(ctx, "emotion `%s` set to **%d**.", name, value)
}

// MemoryCommand manages the important memories listed in every prompt.
type MemoryCommand struct{ deps *Deps }

func (c *MemoryCommand) Name() string        { return "memory" }
func (c *MemoryCommand) Description() string { return "`memory <add|list|del|reset>` manage memories" }
func (c *MemoryCommand) Aliases() []string   { return []string{"mem"} }

func (c *MemoryCommand) Run(ctx context.Context, inv *cmd.Invocation) error {
	cc, err := chatContext(inv)
	if err != nil {
		return err
	}
	st := c.deps.Store
	return runGroup(ctx, cc, inv.Args, c.deps.Prefix, "memory <add|list|del|reset>", []subcommand{
		{names: []string{"add", "a"}, run: func(ctx context.Context, cc *Context, args []string) error {
			text := strings.Join(args, " ")
			if text == "" {
				return cc.usage(ctx, c.deps.Prefix, "memory add <text>")
			}
			st.AddMemory(text)
			return cc.system(ctx, "new memory added.\n`%s`", text)
		}},
		{names: []string{"list", "ls"}, run: func(ctx context.Context, cc *Context, _ []string) error {
			mems := st.Memories()
			if len(mems) == 0 {
				return cc.system(ctx, "no memories yet.")
			}
			var sb strings.Builder
			sb.WriteString("**Memories**\n")
			for i, m := range mems {
				fmt.Fprintf(&sb, "**%d.** %s\n", i+1, m)
			}
			return cc.Reply.Send(ctx, strings.TrimRight(sb.String(), "\n"))
		}},
		{names: []string{"delete", "del"}, run: func(ctx context.Context, cc *Context, args []string) error {
			if len(args) == 0 {
				return cc.usage(ctx, c.deps.Prefix, "memory del <number>")
			}
			n, err := strconv.Atoi(args[0])
			if err != nil {
				return cc.system(ctx, "no memory with that number.")
			}
			deleted, ok := st.DeleteMemory(n - 1)
			if !ok {
				return cc.system(ctx, "no memory with that number.")
			}
			return cc.system(ctx, "memory #%d deleted.\n`%s`", n, deleted)
		}},
		{names: []string{"reset", "rs"}, run: func(ctx context.Context, cc *Context, _ []string) error {
			st.ResetMemories()
			return cc.system(ctx, "all memories reset.")
		}},
	})
}

// UnreadCommand manages the unread queues.
type UnreadCommand struct{ deps *Deps }

func (c *UnreadCommand) Name() string        { return "unread" }
func (c *UnreadCommand) Description() string { return "`unread <pop|reset|reload>` manage unread messages" }
func (c *UnreadCommand) Aliases() []string   { return []string{"ur"} }

func (c *UnreadCommand) Run(ctx context.Context, inv *cmd.Invocation) error {
	cc, err := chatContext(inv)
	if err != nil {
		return err
	}
	st := c.deps.Store
	return runGroup(ctx, cc, inv.Args, c.deps.Prefix, "unread <pop|reset|reload>", []subcommand{
		{names: []string{"pop"}, run: func(ctx context.Context, cc *Context, _ []string) error {
			e, ok := st.PopUnread(cc.ChannelID)
			if !ok {
				return cc.system(ctx, "no unread messages in this channel.")
			}
			return cc.system(ctx, "removed this unread message:\n`%s: %s`", e.Author, e.Content)
		}},
		{names: []string{"reset", "rs"}, run: func(ctx context.Context, cc *Context, _ []string) error {
			st.ResetUnread()
			return cc.system(ctx, "all unread messages reset.")
		}},
		{names: []string{"reload", "rl"}, run: func(ctx context.Context, cc *Context, _ []string) error {
			if err := st.Reload(persist.KeyUnread); err != nil {
				return cc.system(ctx, "reloading unread messages failed.\n`%v`", err)
			}
			return cc.system(ctx, "unread message file reloaded.")
		}},
	})
}
