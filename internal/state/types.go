package state

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Emotion values are kept in this closed range.
const (
	EmotionMin = 0
	EmotionMax = 500
)

// Turn roles.
const (
	RoleUser  = "user"
	RoleModel = "model"
)

// Snowflake is a Discord id. It decodes from either a JSON number or string
// and encodes back as a number when it is purely numeric.
type Snowflake string

func (s *Snowflake) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*s = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return err
		}
		*s = Snowflake(str)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("snowflake: %w", err)
	}
	*s = Snowflake(n.String())
	return nil
}

func (s Snowflake) MarshalJSON() ([]byte, error) {
	if s == "" {
		return []byte("null"), nil
	}
	if _, err := strconv.ParseUint(string(s), 10, 64); err == nil {
		return []byte(s), nil
	}
	return json.Marshal(string(s))
}

// UnreadEntry is one buffered inbound message.
type UnreadEntry struct {
	Author    string `json:"author"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
	Activity  string `json:"activity,omitempty"`
}

// Turn is one conversation history entry. On disk it keeps the
// {"role": ..., "parts": [...]} layout of the chat API.
type Turn struct {
	Role    string
	Content string
}

type turnJSON struct {
	Role  string   `json:"role"`
	Parts []string `json:"parts"`
}

func (t Turn) MarshalJSON() ([]byte, error) {
	return json.Marshal(turnJSON{Role: t.Role, Parts: []string{t.Content}})
}

func (t *Turn) UnmarshalJSON(b []byte) error {
	var raw turnJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	t.Role = raw.Role
	t.Content = strings.Join(raw.Parts, "")
	return nil
}

// EmotionDef describes how an emotion is shown. Encoded as [emoji, label].
type EmotionDef struct {
	Emoji string
	Label string
}

func (d EmotionDef) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{d.Emoji, d.Label})
}

func (d *EmotionDef) UnmarshalJSON(b []byte) error {
	var pair []string
	if err := json.Unmarshal(b, &pair); err != nil {
		return fmt.Errorf("emotion definition: %w", err)
	}
	if len(pair) > 0 {
		d.Emoji = pair[0]
	}
	if len(pair) > 1 {
		d.Label = pair[1]
	}
	return nil
}

// EmotionMap is the authoritative emotion vocabulary. Iteration follows the
// order the emotions appear in the document.
type EmotionMap struct {
	names []string
	defs  map[string]EmotionDef
}

// NewEmotionMap builds a map; later duplicates replace earlier definitions
// but keep the first position.
func NewEmotionMap(names []string, defs map[string]EmotionDef) EmotionMap {
	m := EmotionMap{defs: make(map[string]EmotionDef, len(names))}
	for _, n := range names {
		m.set(n, defs[n])
	}
	return m
}

func (m *EmotionMap) set(name string, def EmotionDef) {
	if m.defs == nil {
		m.defs = make(map[string]EmotionDef)
	}
	if _, ok := m.defs[name]; !ok {
		m.names = append(m.names, name)
	}
	m.defs[name] = def
}

// Names returns emotion names in document order.
func (m EmotionMap) Names() []string {
	return append([]string(nil), m.names...)
}

// Get returns the definition for name.
func (m EmotionMap) Get(name string) (EmotionDef, bool) {
	d, ok := m.defs[name]
	return d, ok
}

// Has reports whether name is part of the vocabulary.
func (m EmotionMap) Has(name string) bool {
	_, ok := m.defs[name]
	return ok
}

func (m EmotionMap) Len() int { return len(m.names) }

func (m EmotionMap) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, n := range m.names {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(n)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(m.defs[n])
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (m *EmotionMap) UnmarshalJSON(b []byte) error {
	*m = EmotionMap{}
	dec := json.NewDecoder(bytes.NewReader(b))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("emotion map: expected object, got %v", tok)
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		name, ok := tok.(string)
		if !ok {
			return fmt.Errorf("emotion map: unexpected key %v", tok)
		}
		var def EmotionDef
		if err := dec.Decode(&def); err != nil {
			return fmt.Errorf("emotion map %q: %w", name, err)
		}
		m.set(name, def)
	}
	_, err = dec.Token()
	return err
}

// EmotionDoc is the emotion document.
type EmotionDoc struct {
	Map      EmotionMap     `json:"emotion_map"`
	Defaults map[string]int `json:"default_emotions"`
	Current  map[string]int `json:"current_emotions"`
}

// normalize fills current values from defaults when absent and drops keys
// that are not in the vocabulary.
func (d *EmotionDoc) normalize() {
	if d.Defaults == nil {
		d.Defaults = map[string]int{}
	}
	if d.Current == nil {
		d.Current = make(map[string]int, len(d.Defaults))
		for k, v := range d.Defaults {
			d.Current[k] = v
		}
	}
	for k := range d.Current {
		if !d.Map.Has(k) {
			delete(d.Current, k)
		}
	}
}

// ChannelSetting holds per-channel toggles.
type ChannelSetting struct {
	ChatMode  bool `json:"chat_mode"`
	VoiceMode bool `json:"voice_mode"`
}

// CharacterConfig is the "config" block of the setting document.
type CharacterConfig struct {
	CharacterName  string    `json:"character_name"`
	DefaultChannel Snowflake `json:"default_channel,omitempty"`
}

// SettingDoc is the setting document.
type SettingDoc struct {
	Config          CharacterConfig           `json:"config"`
	ChannelSettings map[string]ChannelSetting `json:"channel_settings"`
}

// Slot is one schedule row.
type Slot struct {
	Level  string `json:"level"`
	Action string `json:"action"`
}

// LevelParams are the normal distribution parameters for a level, in seconds.
type LevelParams struct {
	Seconds float64 `json:"seconds"`
	Sigma   float64 `json:"sigma"`
}

// Schedule is the read-only activity schedule. Tables are keyed by the hour
// of day as a decimal string ("0".."23").
type Schedule struct {
	Weekday map[string]Slot        `json:"weekday"`
	Weekend map[string]Slot        `json:"weekend"`
	Params  map[string]LevelParams `json:"activity_params"`
}
