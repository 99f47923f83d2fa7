package command

import (
	"context"
	"fmt"
	"time"

	"github.com/keshon/east/pkg/cmd"
	"github.com/rs/zerolog"
)

// WithCommandLogger logs every command execution with its caller and outcome.
func WithCommandLogger(log zerolog.Logger) cmd.Middleware {
	return func(c cmd.Command) cmd.Command {
		return cmd.Wrap(c, func(ctx context.Context, inv *cmd.Invocation) error {
			start := time.Now()
			err := c.Run(ctx, inv)

			ev := log.Info()
			if err != nil {
				ev = log.Warn().Err(err)
			}
			if cc, ok := inv.Data.(*Context); ok && cc != nil {
				ev = ev.Str("channel", cc.ChannelID).Str("author", cc.Author)
			}
			ev.Str("command", c.Name()).
				Strs("args", inv.Args).
				Dur("took", time.Since(start)).
				Msg("command executed")
			return err
		})
	}
}

// WithRecover turns a panicking command into an error.
func WithRecover() cmd.Middleware {
	return func(c cmd.Command) cmd.Command {
		return cmd.Wrap(c, func(ctx context.Context, inv *cmd.Invocation) (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("command %s panicked: %v", c.Name(), r)
				}
			}()
			return c.Run(ctx, inv)
		})
	}
}
