package cmd

import (
	"context"
	"strings"
)

// Middleware decorates a command. The result still reports the inner
// command's name, description and aliases.
type Middleware func(Command) Command

// Apply wraps c with mws; the last one ends up outermost.
func Apply(c Command, mws ...Middleware) Command {
	for _, mw := range mws {
		c = mw(c)
	}
	return c
}

type wrapped struct {
	inner Command
	run   func(ctx context.Context, inv *Invocation) error
}

func (w *wrapped) Name() string        { return w.inner.Name() }
func (w *wrapped) Description() string { return w.inner.Description() }
func (w *wrapped) Aliases() []string   { return AliasesOf(w.inner) }

func (w *wrapped) Run(ctx context.Context, inv *Invocation) error {
	return w.run(ctx, inv)
}

// Wrap returns c with run in place of c.Run. A nil run keeps c.Run.
func Wrap(c Command, run func(ctx context.Context, inv *Invocation) error) Command {
	if run == nil {
		run = c.Run
	}
	return &wrapped{inner: c, run: run}
}

// Root strips every middleware layer from c.
func Root(c Command) Command {
	for {
		w, ok := c.(*wrapped)
		if !ok {
			return c
		}
		c = w.inner
	}
}

// AliasesOf returns the short names c answers to, looking through
// middleware.
func AliasesOf(c Command) []string {
	if a, ok := Root(c).(Aliaser); ok {
		return a.Aliases()
	}
	return nil
}

// Usage renders the help heading for c, e.g. "!memory (mem)".
func Usage(c Command, prefix string) string {
	head := prefix + c.Name()
	if aliases := AliasesOf(c); len(aliases) > 0 {
		head += " (" + strings.Join(aliases, ", ") + ")"
	}
	return head
}
