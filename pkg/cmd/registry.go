package cmd

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry stores commands by name and alias. It does not perform dispatch;
// each adapter looks up commands and invokes them with its own context.
// Names are matched case-insensitively.
type Registry struct {
	mu       sync.RWMutex
	commands map[string]Command
	aliases  map[string]string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		commands: make(map[string]Command),
		aliases:  make(map[string]string),
	}
}

// Register adds a command and its aliases. A name or alias that is already
// taken by another command is an error.
func (r *Registry) Register(c Command) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := strings.ToLower(c.Name())
	if _, taken := r.lookup(name); taken {
		return fmt.Errorf("command %q already registered", name)
	}
	aliases := AliasesOf(c)
	for _, alias := range aliases {
		if _, taken := r.lookup(strings.ToLower(alias)); taken {
			return fmt.Errorf("alias %q of %q already registered", alias, name)
		}
	}

	r.commands[name] = c
	for _, alias := range aliases {
		r.aliases[strings.ToLower(alias)] = name
	}
	return nil
}

// Get returns the command registered under name or alias, or nil.
func (r *Registry) Get(name string) Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, _ := r.lookup(strings.ToLower(name))
	return c
}

func (r *Registry) lookup(name string) (Command, bool) {
	if c, ok := r.commands[name]; ok {
		return c, true
	}
	if target, ok := r.aliases[name]; ok {
		return r.commands[target], true
	}
	return nil, false
}

// GetAll returns all registered commands, sorted by name.
func (r *Registry) GetAll() []Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := make([]Command, 0, len(r.commands))
	for _, c := range r.commands {
		list = append(list, c)
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].Name() < list[j].Name()
	})
	return list
}
