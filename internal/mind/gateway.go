package mind

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/keshon/east/internal/ai"
	"github.com/keshon/east/internal/state"
	"github.com/rs/zerolog"
)

// ModelPrimary asks the gateway for the configured primary fallback list.
const ModelPrimary = "primary"

// systemScope serializes requests that carry no channel.
const systemScope = "system"

var (
	// ErrNoResponse is returned when every key and model failed.
	ErrNoResponse = errors.New("no response from any key or model")
	ErrNoKeys     = errors.New("no API keys configured")
	ErrKeyRange   = errors.New("key number out of range")
	ErrNoPersona  = errors.New("persona is empty")
)

// HistoryStore is the part of the state store the gateway mutates.
type HistoryStore interface {
	History(channelID string) ([]state.Turn, bool)
	UpdateHistory(channelID string, fn func([]state.Turn) []state.Turn) []state.Turn
	ResetHistories()
}

// GatewayConfig configures a Gateway.
type GatewayConfig struct {
	Keys          []string
	PrimaryModels []string
	Timeout       time.Duration // per attempt; 0 means no limit
	MaxHistory    int           // 0 disables trimming
	PersonaPath   string
}

// GatewayRequest is one logical model call.
type GatewayRequest struct {
	Model     string // ModelPrimary or a concrete model id
	Prompt    string
	ChannelID string // empty: no history is read or written
	UserTurn  string // user side recorded in history on success
}

// Gateway sends prompts to the model backend, rotating API keys and falling
// back across models, and owns the per-channel conversation history.
type Gateway struct {
	backend ai.Backend
	history HistoryStore
	cfg     GatewayConfig
	locks   *KeyedMutex
	log     zerolog.Logger

	mu      sync.RWMutex
	active  int // index of the last key that worked
	persona string
}

func NewGateway(backend ai.Backend, history HistoryStore, cfg GatewayConfig, log zerolog.Logger) *Gateway {
	g := &Gateway{
		backend: backend,
		history: history,
		cfg:     cfg,
		locks:   NewKeyedMutex(),
		log:     log.With().Str("component", "gateway").Logger(),
	}
	if cfg.PersonaPath != "" {
		if err := g.ReloadPersona(); err != nil {
			g.log.Warn().Err(err).Msg("persona not loaded")
		}
	}
	return g
}

// Send runs the key x model fallback protocol for req and returns the text
// of the first successful attempt.
func (g *Gateway) Send(ctx context.Context, req GatewayRequest) (string, error) {
	if len(g.cfg.Keys) == 0 {
		return "", ErrNoKeys
	}

	scope := req.ChannelID
	if scope == "" {
		scope = systemScope
	}
	unlock, err := g.locks.Lock(ctx, scope)
	if err != nil {
		return "", err
	}
	defer unlock()

	var history []ai.Message
	if req.ChannelID != "" {
		history = toMessages(g.seededHistory(req.ChannelID))
	}

	models := g.models(req.Model)
	start := g.activeIndex()
	n := len(g.cfg.Keys)
	var lastErr error

	for _, model := range models {
	keys:
		for i := 0; i < n; i++ {
			idx := (start + i) % n
			l := g.log.With().Str("model", model).Int("key", idx+1).Str("channel", req.ChannelID).Logger()

			resp, err := g.attempt(ctx, model, g.cfg.Keys[idx], history, req.Prompt)
			if err == nil {
				g.setActive(idx)
				if req.ChannelID != "" {
					g.commit(req.ChannelID, req.UserTurn, resp.Text)
				}
				l.Info().
					Int("prompt_tokens", resp.Usage.PromptTokens).
					Int("output_tokens", resp.Usage.OutputTokens).
					Int("total_tokens", resp.Usage.TotalTokens).
					Str("finish", resp.FinishReason).
					Msg("response received")
				return resp.Text, nil
			}
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			lastErr = err

			var blocked *ai.BlockedError
			switch {
			case errors.Is(err, ai.ErrRateLimited):
				l.Warn().Err(err).Msg("rate limited, trying next key")
			case errors.As(err, &blocked):
				l.Warn().
					Str("finish", blocked.FinishReason).
					Str("block", blocked.BlockReason).
					Strs("safety", blocked.Safety).
					Msg("blocked or empty response, trying next key")
			case errors.Is(err, ai.ErrBlocked):
				l.Warn().Err(err).Msg("blocked or empty response, trying next key")
			case errors.Is(err, context.DeadlineExceeded):
				l.Warn().Dur("timeout", g.cfg.Timeout).Msg("request timed out, trying next key")
			case errors.Is(err, ai.ErrInvalidHistory):
				l.Error().Err(err).Str("history_head", historyHead(history, 5)).Msg("history rejected, skipping model")
				break keys
			default:
				l.Error().Err(err).Msg("request failed, skipping model")
				break keys
			}
		}
	}

	g.log.Error().Err(lastErr).Str("channel", req.ChannelID).Msg("all keys and models failed")
	if lastErr == nil {
		return "", ErrNoResponse
	}
	return "", fmt.Errorf("%w: %w", ErrNoResponse, lastErr)
}

func (g *Gateway) attempt(ctx context.Context, model, key string, history []ai.Message, prompt string) (ai.Response, error) {
	if g.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.cfg.Timeout)
		defer cancel()
	}
	resp, err := g.backend.Generate(ctx, ai.Request{
		Model:   model,
		APIKey:  key,
		History: history,
		Prompt:  prompt,
	})
	if err == nil && strings.TrimSpace(resp.Text) == "" {
		err = &ai.BlockedError{FinishReason: resp.FinishReason}
	}
	return resp, err
}

func (g *Gateway) models(model string) []string {
	if model == ModelPrimary || model == "" {
		return g.cfg.PrimaryModels
	}
	return []string{model}
}

// seededHistory returns the channel history, seeding it with the persona
// when it is missing or empty.
func (g *Gateway) seededHistory(channelID string) []state.Turn {
	if h, ok := g.history.History(channelID); ok && len(h) > 0 {
		return h
	}
	persona := g.Persona()
	if persona == "" {
		g.log.Warn().Str("channel", channelID).Msg("history empty and no persona to seed it")
		return nil
	}
	g.log.Info().Str("channel", channelID).Msg("seeding history with persona")
	return g.history.UpdateHistory(channelID, func(h []state.Turn) []state.Turn {
		if len(h) > 0 {
			return h
		}
		return []state.Turn{{Role: state.RoleUser, Content: persona}}
	})
}

// commit records a confirmed exchange.
func (g *Gateway) commit(channelID, userTurn, reply string) {
	limit := g.cfg.MaxHistory
	h := g.history.UpdateHistory(channelID, func(h []state.Turn) []state.Turn {
		if userTurn != "" {
			h = appendTurn(h, state.Turn{Role: state.RoleUser, Content: userTurn}, limit)
		}
		return appendTurn(h, state.Turn{Role: state.RoleModel, Content: reply}, limit)
	})
	g.log.Debug().Str("channel", channelID).Int("history", len(h)).Msg("history updated")
}

// appendTurn appends t, first dropping the two turns after the persona seed
// when the history has reached limit.
func appendTurn(h []state.Turn, t state.Turn, limit int) []state.Turn {
	if limit > 0 && len(h) >= limit && len(h) >= 3 {
		h = append(h[:1:1], h[3:]...)
	}
	return append(h, t)
}

// ActiveKey returns the 1-based number of the preferred key.
func (g *Gateway) ActiveKey() int {
	return g.activeIndex() + 1
}

// SetActiveKey makes key n (1-based) the first one tried.
func (g *Gateway) SetActiveKey(n int) error {
	if n < 1 || n > len(g.cfg.Keys) {
		return fmt.Errorf("%w: %d (1..%d)", ErrKeyRange, n, len(g.cfg.Keys))
	}
	g.setActive(n - 1)
	g.log.Info().Int("key", n).Msg("active key switched")
	return nil
}

// KeyCount returns the number of configured keys.
func (g *Gateway) KeyCount() int {
	return len(g.cfg.Keys)
}

func (g *Gateway) activeIndex() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.active < 0 || g.active >= len(g.cfg.Keys) {
		return 0
	}
	return g.active
}

func (g *Gateway) setActive(i int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.active = i
}

// Persona returns the loaded persona text.
func (g *Gateway) Persona() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.persona
}

// ReloadPersona re-reads the persona file.
func (g *Gateway) ReloadPersona() error {
	data, err := os.ReadFile(g.cfg.PersonaPath)
	if err != nil {
		return fmt.Errorf("read persona: %w", err)
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return ErrNoPersona
	}
	g.mu.Lock()
	g.persona = text
	g.mu.Unlock()
	g.log.Info().Str("path", g.cfg.PersonaPath).Int("len", len(text)).Msg("persona loaded")
	return nil
}

// ApplyPersona replaces the persona seed of a channel with the loaded
// persona, creating the history when needed.
func (g *Gateway) ApplyPersona(ctx context.Context, channelID string) error {
	persona := g.Persona()
	if persona == "" {
		return ErrNoPersona
	}
	unlock, err := g.locks.Lock(ctx, channelID)
	if err != nil {
		return err
	}
	defer unlock()

	g.history.UpdateHistory(channelID, func(h []state.Turn) []state.Turn {
		seed := state.Turn{Role: state.RoleUser, Content: persona}
		switch {
		case len(h) == 0:
			return []state.Turn{seed}
		case h[0].Role == state.RoleUser:
			h[0] = seed
			return h
		default:
			return append([]state.Turn{seed}, h...)
		}
	})
	g.log.Info().Str("channel", channelID).Msg("persona applied")
	return nil
}

// ResetHistories drops every channel history.
func (g *Gateway) ResetHistories() {
	g.history.ResetHistories()
	g.log.Info().Msg("histories reset")
}

func toMessages(turns []state.Turn) []ai.Message {
	if len(turns) == 0 {
		return nil
	}
	out := make([]ai.Message, len(turns))
	for i, t := range turns {
		out[i] = ai.Message{Role: t.Role, Content: t.Content}
	}
	return out
}

func historyHead(h []ai.Message, n int) string {
	var parts []string
	for i, m := range h {
		if i == n {
			break
		}
		parts = append(parts, m.Role+":"+ai.Truncate(m.Content, 40))
	}
	return strings.Join(parts, " | ")
}
