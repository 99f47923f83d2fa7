// Package cmd provides a transport-agnostic command core: a command is something
// with a name, description, and Run(ctx, invocation). How it is parsed and
// dispatched (chat prefix, CLI, HTTP) is defined by adapters that wrap this.
package cmd

import "context"

// Invocation carries the minimal input any command runner can pass: arguments
// and an opaque payload. Adapters set Data to their own context (the channel
// and a way to reply, for chat commands).
type Invocation struct {
	Args []string
	Data any
}

// Command is the universal contract: identity plus execution. Permissions,
// subcommands, and transport-specific parsing stay in adapters.
type Command interface {
	Name() string
	Description() string
	Run(ctx context.Context, inv *Invocation) error
}

// Aliaser is implemented by commands reachable under short names.
type Aliaser interface {
	Aliases() []string
}
