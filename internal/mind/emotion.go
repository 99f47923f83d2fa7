package mind

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/keshon/east/internal/ai"
	"github.com/keshon/east/internal/state"
	"github.com/rs/zerolog"
)

// ErrMalformedDeltas is returned when the analysis reply is not a JSON object.
var ErrMalformedDeltas = errors.New("emotion analysis reply is not a JSON object")

// Requester sends a prompt through the gateway.
type Requester interface {
	Send(ctx context.Context, req GatewayRequest) (string, error)
}

// EmotionStore is the part of the state store the emotion engine touches.
type EmotionStore interface {
	EmotionMap() state.EmotionMap
	AdjustEmotions(deltas map[string]int) map[string]int
}

// EmotionEngine updates the emotion state from a finished exchange using a
// history-less analysis call.
type EmotionEngine struct {
	gw          Requester
	store       EmotionStore
	model       string
	personaPath string
	log         zerolog.Logger
}

func NewEmotionEngine(gw Requester, store EmotionStore, model, personaPath string, log zerolog.Logger) *EmotionEngine {
	return &EmotionEngine{
		gw:          gw,
		store:       store,
		model:       model,
		personaPath: personaPath,
		log:         log.With().Str("component", "emotion").Logger(),
	}
}

// Update asks the analysis model how the exchange moved each emotion and
// applies the clamped deltas. Errors leave the emotions untouched.
func (e *EmotionEngine) Update(ctx context.Context, response, userInput string) error {
	emap := e.store.EmotionMap()
	if emap.Len() == 0 {
		return nil
	}

	prompt := BuildEmotionPrompt(emap, e.analyzerPersona(), userInput, response)
	reply, err := e.gw.Send(ctx, GatewayRequest{Model: e.model, Prompt: prompt})
	if err != nil {
		return fmt.Errorf("emotion analysis: %w", err)
	}

	deltas, err := ParseDeltas(reply)
	if err != nil {
		return err
	}

	var unknown []string
	for name := range deltas {
		if !emap.Has(name) {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		e.log.Warn().Strs("names", unknown).Msg("ignoring unknown emotions")
	}

	changed := e.store.AdjustEmotions(deltas)
	e.log.Info().Interface("deltas", deltas).Interface("values", changed).Msg("emotions updated")
	return nil
}

func (e *EmotionEngine) analyzerPersona() string {
	if e.personaPath == "" {
		return ""
	}
	data, err := os.ReadFile(e.personaPath)
	if err != nil {
		e.log.Warn().Err(err).Str("path", e.personaPath).Msg("analyzer persona not found, using default")
		return ""
	}
	return string(data)
}

const maxDelta = float64(state.EmotionMax - state.EmotionMin)

// ParseDeltas decodes an analysis reply into integer deltas. Code fences are
// stripped and numbers are truncated toward zero; non-numeric values are
// skipped. A delta never exceeds the full emotion range in either direction.
func ParseDeltas(reply string) (map[string]int, error) {
	text := ai.StripCodeFence(reply)
	if i, j := strings.Index(text, "{"), strings.LastIndex(text, "}"); i >= 0 && j > i {
		text = text[i : j+1]
	}

	var raw map[string]any
	if err := json.Unmarshal([]byte(text), &raw); err != nil || raw == nil {
		return nil, fmt.Errorf("%w: %q", ErrMalformedDeltas, ai.Truncate(reply, 200))
	}

	out := make(map[string]int, len(raw))
	for name, v := range raw {
		if f, ok := v.(float64); ok {
			out[name] = int(max(-maxDelta, min(maxDelta, f)))
		}
	}
	return out, nil
}
