// Package state holds the in-memory mirror of the persisted documents.
//
// The Store owns every mutable document. Callers get copies and change state
// only through Store methods, so a change is visible to every component as
// soon as the method returns.
package state

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"

	"github.com/keshon/east/internal/persist"
	"github.com/rs/zerolog"
)

var (
	ErrUnknownEmotion = errors.New("unknown emotion")
	ErrEmotionRange   = fmt.Errorf("emotion value must be between %d and %d", EmotionMin, EmotionMax)
	ErrNotReloadable  = errors.New("document cannot be reloaded")
)

// Store is the shared state of one character.
type Store struct {
	mu    sync.RWMutex
	files *persist.Files
	log   zerolog.Logger

	emotion  EmotionDoc
	setting  SettingDoc
	memory   []string
	schedule Schedule
	history  map[string][]Turn
	unread   map[string][]UnreadEntry
}

// Open loads every document through files. Missing or broken documents are
// replaced by empty defaults.
func Open(files *persist.Files, log zerolog.Logger) *Store {
	s := &Store{
		files: files,
		log:   log.With().Str("component", "state").Logger(),
	}
	s.emotion = loadEmotion(files)
	s.setting = loadSetting(files)
	s.memory = persist.Load(files, persist.KeyMemory, []string{})
	s.schedule = loadSchedule(files)
	s.history = loadHistory(files)
	s.unread = loadUnread(files)
	s.log.Info().
		Int("emotions", s.emotion.Map.Len()).
		Int("memories", len(s.memory)).
		Int("history_channels", len(s.history)).
		Int("unread_channels", len(s.unread)).
		Msg("state loaded")
	return s
}

func loadEmotion(files *persist.Files) EmotionDoc {
	doc := persist.Load(files, persist.KeyEmotion, EmotionDoc{
		Defaults: map[string]int{},
		Current:  map[string]int{},
	})
	doc.normalize()
	return doc
}

func loadSetting(files *persist.Files) SettingDoc {
	doc := persist.Load(files, persist.KeySetting, SettingDoc{ChannelSettings: map[string]ChannelSetting{}})
	if doc.ChannelSettings == nil {
		doc.ChannelSettings = map[string]ChannelSetting{}
	}
	return doc
}

func loadSchedule(files *persist.Files) Schedule {
	return persist.Load(files, persist.KeySchedule, Schedule{
		Weekday: map[string]Slot{},
		Weekend: map[string]Slot{},
		Params:  map[string]LevelParams{},
	})
}

func loadHistory(files *persist.Files) map[string][]Turn {
	h := persist.Load(files, persist.KeyHistory, map[string][]Turn{})
	if h == nil {
		h = map[string][]Turn{}
	}
	return h
}

func loadUnread(files *persist.Files) map[string][]UnreadEntry {
	u := persist.Load(files, persist.KeyUnread, map[string][]UnreadEntry{})
	if u == nil {
		u = map[string][]UnreadEntry{}
	}
	return u
}

// Flush writes every mutable document. The schedule is read-only and is
// never written back.
func (s *Store) Flush() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var errs []error
	save := func(key string, v any) {
		if err := s.files.Save(key, v); err != nil {
			errs = append(errs, fmt.Errorf("save %s: %w", key, err))
		}
	}
	save(persist.KeyEmotion, s.emotion)
	save(persist.KeySetting, s.setting)
	save(persist.KeyHistory, s.history)
	save(persist.KeyUnread, s.unread)
	save(persist.KeyMemory, s.memory)

	if err := errors.Join(errs...); err != nil {
		return err
	}
	s.log.Debug().Msg("state flushed")
	return nil
}

// Reload re-reads one document from disk, discarding in-memory changes.
func (s *Store) Reload(key string) error {
	switch key {
	case persist.KeyHistory:
		h := loadHistory(s.files)
		s.mu.Lock()
		s.history = h
		s.mu.Unlock()
	case persist.KeyEmotion:
		e := loadEmotion(s.files)
		s.mu.Lock()
		s.emotion = e
		s.mu.Unlock()
	case persist.KeyUnread:
		u := loadUnread(s.files)
		s.mu.Lock()
		s.unread = u
		s.mu.Unlock()
	case persist.KeyMemory:
		m := persist.Load(s.files, persist.KeyMemory, []string{})
		s.mu.Lock()
		s.memory = m
		s.mu.Unlock()
	case persist.KeySetting:
		st := loadSetting(s.files)
		s.mu.Lock()
		s.setting = st
		s.mu.Unlock()
	default:
		return fmt.Errorf("%w: %s", ErrNotReloadable, key)
	}
	s.log.Info().Str("key", key).Msg("document reloaded")
	return nil
}

// --- unread ---

// AppendUnread adds e to the end of the channel's queue.
func (s *Store) AppendUnread(channelID string, e UnreadEntry) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unread[channelID] = append(s.unread[channelID], e)
	return len(s.unread[channelID])
}

// UnreadSnapshot returns a copy of the channel's queue.
func (s *Store) UnreadSnapshot(channelID string) []UnreadEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q := s.unread[channelID]
	if len(q) == 0 {
		return nil
	}
	return append([]UnreadEntry(nil), q...)
}

// DropUnread removes the n oldest entries of the channel's queue, leaving
// anything appended after a snapshot of length n in place.
func (s *Store) DropUnread(channelID string, n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.unread[channelID]
	if n > len(q) {
		n = len(q)
	}
	if n <= 0 {
		return 0
	}
	s.unread[channelID] = append([]UnreadEntry{}, q[n:]...)
	return n
}

// PopUnread removes and returns the oldest entry of the channel's queue.
func (s *Store) PopUnread(channelID string) (UnreadEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.unread[channelID]
	if len(q) == 0 {
		return UnreadEntry{}, false
	}
	e := q[0]
	s.unread[channelID] = append([]UnreadEntry{}, q[1:]...)
	return e, true
}

// ResetUnread clears every channel's queue.
func (s *Store) ResetUnread() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unread = map[string][]UnreadEntry{}
}

// ChannelsWithUnread lists channels that have at least one entry, sorted.
func (s *Store) ChannelsWithUnread() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for ch, q := range s.unread {
		if len(q) > 0 {
			out = append(out, ch)
		}
	}
	sort.Strings(out)
	return out
}

// UnreadCounts returns queue lengths of non-empty channels.
func (s *Store) UnreadCounts() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int)
	for ch, q := range s.unread {
		if len(q) > 0 {
			out[ch] = len(q)
		}
	}
	return out
}

// --- history ---

// History returns a copy of the channel's history and whether it exists.
func (s *Store) History(channelID string) ([]Turn, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.history[channelID]
	return append([]Turn(nil), h...), ok
}

// UpdateHistory replaces the channel's history with fn(current) while
// holding the store lock, so the read-modify-write is not interleaved with
// other history writers.
func (s *Store) UpdateHistory(channelID string, fn func([]Turn) []Turn) []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := append([]Turn(nil), s.history[channelID]...)
	next := fn(cur)
	s.history[channelID] = next
	return append([]Turn(nil), next...)
}

// ResetHistories drops every channel's history.
func (s *Store) ResetHistories() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = map[string][]Turn{}
}

// HistoryChannels returns the number of channels with a history.
func (s *Store) HistoryChannels() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.history)
}

// --- emotions ---

// EmotionMap returns the emotion vocabulary.
func (s *Store) EmotionMap() EmotionMap {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return NewEmotionMap(s.emotion.Map.names, s.emotion.Map.defs)
}

// Emotions returns a copy of the current emotion values.
func (s *Store) Emotions() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int, len(s.emotion.Current))
	for k, v := range s.emotion.Current {
		out[k] = v
	}
	return out
}

// AdjustEmotions adds each delta to the matching current value and clamps
// the result to [EmotionMin, EmotionMax]. Names without a current value are
// skipped. The changed values are returned.
func (s *Store) AdjustEmotions(deltas map[string]int) map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := make(map[string]int)
	for name, d := range deltas {
		cur, ok := s.emotion.Current[name]
		if !ok {
			continue
		}
		d = max(EmotionMin-EmotionMax, min(EmotionMax-EmotionMin, d))
		v := Clamp(cur + d)
		s.emotion.Current[name] = v
		changed[name] = v
	}
	return changed
}

// SetEmotion sets a single emotion value.
func (s *Store) SetEmotion(name string, value int) error {
	if value < EmotionMin || value > EmotionMax {
		return ErrEmotionRange
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.emotion.Map.Has(name) {
		return fmt.Errorf("%w: %s", ErrUnknownEmotion, name)
	}
	s.emotion.Current[name] = value
	return nil
}

// ResetEmotions restores the default snapshot.
func (s *Store) ResetEmotions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emotion.Current = nil
	s.emotion.normalize()
}

// RandomizeEmotions assigns a uniform random value to every current emotion.
// intn defaults to math/rand/v2 IntN.
func (s *Store) RandomizeEmotions(intn func(int) int) {
	if intn == nil {
		intn = rand.IntN
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for name := range s.emotion.Current {
		s.emotion.Current[name] = intn(EmotionMax + 1)
	}
}

// Clamp limits v to the emotion range.
func Clamp(v int) int {
	return max(EmotionMin, min(EmotionMax, v))
}

// --- memories ---

// Memories returns a copy of the memory list.
func (s *Store) Memories() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.memory...)
}

// AddMemory appends text to the memory list.
func (s *Store) AddMemory(text string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memory = append(s.memory, text)
	return len(s.memory)
}

// DeleteMemory removes the memory at the zero-based index.
func (s *Store) DeleteMemory(index int) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.memory) {
		return "", false
	}
	removed := s.memory[index]
	s.memory = append(s.memory[:index:index], s.memory[index+1:]...)
	return removed, true
}

// ResetMemories empties the memory list.
func (s *Store) ResetMemories() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memory = []string{}
}

// --- settings ---

// ChannelSetting returns the toggles for a channel. Unknown channels have
// everything off.
func (s *Store) ChannelSetting(channelID string) ChannelSetting {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.setting.ChannelSettings[channelID]
}

// SetChatMode toggles buffering of inbound messages for a channel.
func (s *Store) SetChatMode(channelID string, on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs := s.setting.ChannelSettings[channelID]
	cs.ChatMode = on
	s.setting.ChannelSettings[channelID] = cs
}

// SetVoiceMode toggles speech synthesis for a channel.
func (s *Store) SetVoiceMode(channelID string, on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs := s.setting.ChannelSettings[channelID]
	cs.VoiceMode = on
	s.setting.ChannelSettings[channelID] = cs
}

// DefaultChannel returns the configured fallback channel, or "".
func (s *Store) DefaultChannel() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return string(s.setting.Config.DefaultChannel)
}

// CharacterName returns the configured character name, or "".
func (s *Store) CharacterName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.setting.Config.CharacterName
}

// --- schedule ---

// Schedule returns the activity schedule. It must be treated as read-only.
func (s *Store) Schedule() Schedule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.schedule
}
