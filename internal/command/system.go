package command

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/keshon/east/internal/mind"
	"github.com/keshon/east/pkg/cmd"
	"github.com/keshon/east/pkg/jobmgr"
)

// HelpCommand lists every command with its aliases.
type HelpCommand struct {
	reg    *cmd.Registry
	prefix string
}

func (c *HelpCommand) Name() string        { return "help" }
func (c *HelpCommand) Description() string { return "Show this help" }
func (c *HelpCommand) Aliases() []string   { return []string{"h"} }

func (c *HelpCommand) Run(ctx context.Context, inv *cmd.Invocation) error {
	cc, err := chatContext(inv)
	if err != nil {
		return err
	}
	var sb strings.Builder
	sb.WriteString("**EAST help**\n")
	fmt.Fprintf(&sb, "Short aliases work too, e.g. `%sst`, `%smem ls`.\n\n", c.prefix, c.prefix)
	for _, command := range c.reg.GetAll() {
		fmt.Fprintf(&sb, "**%s** %s\n", cmd.Usage(command, c.prefix), command.Description())
	}
	return cc.Reply.Send(ctx, strings.TrimRight(sb.String(), "\n"))
}

// StatusCommand shows the active key, schedule slot, unread backlog and
// emotions.
type StatusCommand struct{ deps *Deps }

func (c *StatusCommand) Name() string        { return "status" }
func (c *StatusCommand) Description() string { return "Show the current state of mind" }
func (c *StatusCommand) Aliases() []string   { return []string{"st"} }

func (c *StatusCommand) Run(ctx context.Context, inv *cmd.Invocation) error {
	cc, err := chatContext(inv)
	if err != nil {
		return err
	}
	d := c.deps

	var sb strings.Builder
	sb.WriteString("**Status monitor**\n")
	fmt.Fprintf(&sb, "🧠 API key: #%d of %d\n", d.Gateway.ActiveKey(), d.Gateway.KeyCount())
	if d.Checker != nil {
		st := d.Checker.Status()
		fmt.Fprintf(&sb, "🕒 Current action: %s (%s)\n", st.Action, st.Level)
		if !st.NextCheck.IsZero() {
			fmt.Fprintf(&sb, "⏰ Next check: %s\n", mind.FormatTimestamp(st.NextCheck.In(d.Location)))
		}
		if len(st.InFlight) > 0 {
			fmt.Fprintf(&sb, "✍️ Replying in: %s\n", strings.Join(st.InFlight, ", "))
		}
	}
	fmt.Fprintf(&sb, "📬 Unread: %s\n", formatCounts(d.Store.UnreadCounts()))
	if d.Jobs != nil {
		fmt.Fprintf(&sb, "⚙️ %s\n", d.Jobs.Status())
	}

	sb.WriteString("--- Emotions ---\n")
	emap := d.Store.EmotionMap()
	values := d.Store.Emotions()
	for _, name := range emap.Names() {
		def, _ := emap.Get(name)
		fmt.Fprintf(&sb, "%s %s: **%d** / 500\n", def.Emoji, def.Label, values[name])
	}
	return cc.Reply.Send(ctx, strings.TrimRight(sb.String(), "\n"))
}

func formatCounts(counts map[string]int) string {
	if len(counts) == 0 {
		return "none"
	}
	ids := make([]string, 0, len(counts))
	for id := range counts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprintf("<#%s> %d", id, counts[id])
	}
	return strings.Join(parts, ", ")
}

// SaveCommand flushes every document to disk.
type SaveCommand struct{ deps *Deps }

func (c *SaveCommand) Name() string        { return "save" }
func (c *SaveCommand) Description() string { return "Save all data to disk" }
func (c *SaveCommand) Aliases() []string   { return []string{"s"} }

func (c *SaveCommand) Run(ctx context.Context, inv *cmd.Invocation) error {
	cc, err := chatContext(inv)
	if err != nil {
		return err
	}
	if err := c.deps.Store.Flush(); err != nil {
		return cc.system(ctx, "saving failed.\n`%v`", err)
	}
	return cc.system(ctx, "all data saved.")
}

// ChatCommand toggles buffering of channel messages as unread.
type ChatCommand struct{ deps *Deps }

func (c *ChatCommand) Name() string        { return "chat" }
func (c *ChatCommand) Description() string { return "`chat [on|off]` toggle chat mode in this channel" }

func (c *ChatCommand) Run(ctx context.Context, inv *cmd.Invocation) error {
	cc, err := chatContext(inv)
	if err != nil {
		return err
	}
	return toggle(ctx, cc, inv.Args, "chat mode",
		func() bool { return c.deps.Store.ChannelSetting(cc.ChannelID).ChatMode },
		func(on bool) { c.deps.Store.SetChatMode(cc.ChannelID, on) })
}

// VoiceCommand toggles speech synthesis of replies.
type VoiceCommand struct{ deps *Deps }

func (c *VoiceCommand) Name() string        { return "voice" }
func (c *VoiceCommand) Description() string { return "`voice [on|off]` toggle voice replies in this channel" }

func (c *VoiceCommand) Run(ctx context.Context, inv *cmd.Invocation) error {
	cc, err := chatContext(inv)
	if err != nil {
		return err
	}
	return toggle(ctx, cc, inv.Args, "voice mode",
		func() bool { return c.deps.Store.ChannelSetting(cc.ChannelID).VoiceMode },
		func(on bool) { c.deps.Store.SetVoiceMode(cc.ChannelID, on) })
}

func toggle(ctx context.Context, cc *Context, args []string, what string, get func() bool, set func(bool)) error {
	if len(args) == 0 {
		return cc.system(ctx, "%s is currently **%s**.", what, onOff(get()))
	}
	switch strings.ToLower(args[0]) {
	case "on":
		set(true)
	case "off":
		set(false)
	default:
		return cc.system(ctx, "use `on` or `off`.")
	}
	return cc.system(ctx, "%s turned **%s**.", what, onOff(get()))
}

func onOff(b bool) string {
	if b {
		return "ON"
	}
	return "OFF"
}

// KeyCommand switches the preferred API key.
type KeyCommand struct{ deps *Deps }

func (c *KeyCommand) Name() string        { return "key" }
func (c *KeyCommand) Description() string { return "`key <n>` switch the API key tried first" }
func (c *KeyCommand) Aliases() []string   { return []string{"k"} }

func (c *KeyCommand) Run(ctx context.Context, inv *cmd.Invocation) error {
	cc, err := chatContext(inv)
	if err != nil {
		return err
	}
	n := 0
	if len(inv.Args) > 0 {
		n, _ = strconv.Atoi(inv.Args[0])
	}
	if err := c.deps.Gateway.SetActiveKey(n); err != nil {
		return cc.system(ctx, "key number must be between 1 and %d.", c.deps.Gateway.KeyCount())
	}
	return cc.system(ctx, "switched to API key **#%d**.", n)
}

// CheckCommand makes the named character answer this channel right away.
// Other characters sharing the channel ignore it.
type CheckCommand struct{ deps *Deps }

func (c *CheckCommand) Name() string { return "check" }
func (c *CheckCommand) Description() string {
	return "`check <character>` make the character check this channel now"
}
func (c *CheckCommand) Aliases() []string { return []string{"c"} }

func (c *CheckCommand) Run(ctx context.Context, inv *cmd.Invocation) error {
	cc, err := chatContext(inv)
	if err != nil {
		return err
	}
	if len(inv.Args) == 0 || !strings.EqualFold(inv.Args[0], c.deps.Character) {
		return nil
	}
	if c.deps.Checker == nil || c.deps.Jobs == nil {
		return cc.system(ctx, "the activity loop is not running.")
	}

	channelID := cc.ChannelID
	log := c.deps.Log
	err = c.deps.Jobs.StartAsync("check:"+channelID, func(ctx context.Context) error {
		out := c.deps.Checker.ForceCheck(ctx, channelID)
		log.Info().Str("channel", channelID).Stringer("outcome", out).Msg("forced check finished")
		if out != mind.OutcomeDelivered {
			return fmt.Errorf("check ended %s", out)
		}
		return nil
	})
	if errors.Is(err, jobmgr.ErrRunning) {
		return cc.system(ctx, "a check is already running here.")
	}
	return err
}
