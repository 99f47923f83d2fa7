package mind

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/keshon/east/internal/ai"
	"github.com/keshon/east/internal/persist"
	"github.com/keshon/east/internal/state"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

const testPersona = "You are Mio, a cheerful girl who lives on Discord."

const emotionDoc = `{
  "emotion_map": {
    "joy": ["😊", "Joy"],
    "anger": ["😠", "Anger"],
    "calm": ["😌", "Calm"]
  },
  "default_emotions": {"joy": 250, "anger": 0, "calm": 300},
  "current_emotions": {"joy": 100, "anger": 20, "calm": 300}
}`

const settingDoc = `{
  "config": {"character_name": "Mio", "default_channel": 77},
  "channel_settings": {"42": {"chat_mode": true, "voice_mode": false}}
}`

func writeTestFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func newTestStore(t *testing.T) *state.Store {
	t.Helper()
	dir := t.TempDir()
	writeTestFile(t, filepath.Join(dir, "emotion.json"), emotionDoc)
	writeTestFile(t, filepath.Join(dir, "setting.json"), settingDoc)
	files := persist.New(persist.Config{
		Paths: map[string]string{
			persist.KeyEmotion:  filepath.Join(dir, "emotion.json"),
			persist.KeySetting:  filepath.Join(dir, "setting.json"),
			persist.KeyMemory:   filepath.Join(dir, "memory.json"),
			persist.KeySchedule: filepath.Join(dir, "schedule.json"),
			persist.KeyHistory:  filepath.Join(dir, "history.json"),
			persist.KeyUnread:   filepath.Join(dir, "unread_messages.json"),
		},
		Logger: zerolog.Nop(),
	})
	return state.Open(files, zerolog.Nop())
}

func personaFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "persona.txt")
	writeTestFile(t, path, testPersona+"\n")
	return path
}

type call struct {
	Model   string
	Key     string
	History int
	Prompt  string
}

// fakeBackend answers with fn and records every attempt.
type fakeBackend struct {
	mu    sync.Mutex
	calls []call
	fn    func(req ai.Request) (ai.Response, error)
}

func (b *fakeBackend) Generate(ctx context.Context, req ai.Request) (ai.Response, error) {
	b.mu.Lock()
	b.calls = append(b.calls, call{Model: req.Model, Key: req.APIKey, History: len(req.History), Prompt: req.Prompt})
	b.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return ai.Response{}, err
	}
	return b.fn(req)
}

func (b *fakeBackend) Calls() []call {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]call(nil), b.calls...)
}

func reply(text string) func(ai.Request) (ai.Response, error) {
	return func(ai.Request) (ai.Response, error) {
		return ai.Response{Text: text, FinishReason: "STOP"}, nil
	}
}

type sent struct {
	Channel string
	Text    string
	File    *Attachment
}

// fakeTransport records sends. Channels not in known are missing.
type fakeTransport struct {
	mu      sync.Mutex
	known   map[string]string
	sent    []sent
	sendErr error
}

func newFakeTransport(channels ...string) *fakeTransport {
	known := make(map[string]string)
	for _, ch := range channels {
		known[ch] = "general-" + ch
	}
	return &fakeTransport{known: known}
}

func (f *fakeTransport) ChannelName(_ context.Context, channelID string) (string, error) {
	name, ok := f.known[channelID]
	if !ok {
		return "", errors.New("unknown channel")
	}
	return name, nil
}

func (f *fakeTransport) Send(_ context.Context, channelID, text string, file *Attachment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, sent{Channel: channelID, Text: text, File: file})
	return nil
}

func (f *fakeTransport) Sent() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sent(nil), f.sent...)
}

var testKeys = []string{"key-1", "key-2", "key-3"}

var testModels = []string{"gemini-2.5-pro", "gemini-2.5-flash", "gemini-2.5-flash-lite"}

func newTestGateway(t *testing.T, b ai.Backend, store HistoryStore, maxHistory int) *Gateway {
	t.Helper()
	return NewGateway(b, store, GatewayConfig{
		Keys:          testKeys,
		PrimaryModels: testModels,
		MaxHistory:    maxHistory,
		PersonaPath:   personaFile(t),
	}, zerolog.Nop())
}

func testLogger() zerolog.Logger { return zerolog.Nop() }
