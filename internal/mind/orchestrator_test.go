package mind

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/keshon/east/internal/ai"
	"github.com/keshon/east/internal/state"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Friday morning.
var testNow = time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)

type fakeEmotions struct {
	mu    sync.Mutex
	calls [][2]string
	err   error
}

func (f *fakeEmotions) Update(_ context.Context, response, userInput string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, [2]string{response, userInput})
	return f.err
}

func (f *fakeEmotions) Calls() [][2]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][2]string(nil), f.calls...)
}

type fakeSynth struct {
	clean string
	wav   []byte
	err   error
}

func (f fakeSynth) Synthesize(context.Context, string) (string, []byte, error) {
	return f.clean, f.wav, f.err
}

type orchestratorFixture struct {
	store     *state.Store
	backend   *fakeBackend
	transport *fakeTransport
	emotions  *fakeEmotions
	o         *Orchestrator
}

func newOrchestratorFixture(t *testing.T, fn func(ai.Request) (ai.Response, error), voice Synthesizer, opts Options) *orchestratorFixture {
	t.Helper()
	f := &orchestratorFixture{
		store:     newTestStore(t),
		backend:   &fakeBackend{fn: fn},
		transport: newFakeTransport("42", "77"),
		emotions:  &fakeEmotions{},
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return testNow }
	}
	gw := newTestGateway(t, f.backend, f.store, 0)
	f.o = NewOrchestrator(f.store, gw, f.emotions, f.transport, voice, opts, zerolog.Nop())
	return f
}

func (f *orchestratorFixture) addUnread(ch string, entries ...state.UnreadEntry) {
	for _, e := range entries {
		f.store.AppendUnread(ch, e)
	}
}

var (
	aliceHi = state.UnreadEntry{Author: "alice", Content: "hi", Timestamp: "2026-10-16 (Fri) 08:58"}
	bobYo   = state.UnreadEntry{Author: "bob", Content: "yo", Timestamp: "2026-10-16 (Fri) 08:59", Activity: "playing Tetris"}
)

func TestProcessChannelDeliversAndConsumesUnread(t *testing.T) {
	f := newOrchestratorFixture(t, reply("hello"), nil, Options{})
	f.addUnread("42", aliceHi, bobYo)

	out := f.o.ProcessChannel(context.Background(), "42")
	require.Equal(t, OutcomeDelivered, out)

	assert.Equal(t, []sent{{Channel: "42", Text: "hello"}}, f.transport.Sent())
	assert.Empty(t, f.store.UnreadSnapshot("42"))
	assert.False(t, f.o.InFlight("42"))

	h, _ := f.store.History("42")
	require.Len(t, h, 3)
	assert.Equal(t, state.Turn{Role: state.RoleUser, Content: "[alice @ 2026-10-16 (Fri) 08:58]: hi\n[bob @ 2026-10-16 (Fri) 08:59]: yo"}, h[1])
	assert.Equal(t, state.Turn{Role: state.RoleModel, Content: "hello"}, h[2])

	prompt := f.backend.Calls()[0].Prompt
	assert.Contains(t, prompt, "[bob @ 2026-10-16 (Fri) 08:59] (activity: playing Tetris): yo")
	assert.Contains(t, prompt, "2026-10-16 (Fri) 09:00")

	assert.Equal(t, [][2]string{{"hello", "[alice]: hi\n[bob]: yo"}}, f.emotions.Calls())
}

func TestProcessChannelFailureKeepsUnread(t *testing.T) {
	f := newOrchestratorFixture(t, func(ai.Request) (ai.Response, error) {
		return ai.Response{}, ai.ErrRateLimited
	}, nil, Options{})
	f.addUnread("42", aliceHi, bobYo)

	out := f.o.ProcessChannel(context.Background(), "42")
	assert.Equal(t, OutcomeFailed, out)

	assert.Empty(t, f.transport.Sent())
	assert.Equal(t, []state.UnreadEntry{aliceHi, bobYo}, f.store.UnreadSnapshot("42"))
	assert.False(t, f.o.InFlight("42"))
	assert.Empty(t, f.o.Status().InFlight)
	assert.Empty(t, f.emotions.Calls())
}

func TestProcessChannelKeepsLateArrivals(t *testing.T) {
	var f *orchestratorFixture
	late := state.UnreadEntry{Author: "carol", Content: "wait for me", Timestamp: "2026-10-16 (Fri) 09:00"}
	f = newOrchestratorFixture(t, func(ai.Request) (ai.Response, error) {
		f.store.AppendUnread("42", late)
		return ai.Response{Text: "hello"}, nil
	}, nil, Options{})
	f.addUnread("42", aliceHi)

	require.Equal(t, OutcomeDelivered, f.o.ProcessChannel(context.Background(), "42"))
	assert.Equal(t, []state.UnreadEntry{late}, f.store.UnreadSnapshot("42"))
}

func TestProcessChannelDeliveryFailureKeepsUnread(t *testing.T) {
	f := newOrchestratorFixture(t, reply("hello"), nil, Options{})
	f.transport.sendErr = errors.New("missing permissions")
	f.addUnread("42", aliceHi)

	assert.Equal(t, OutcomeFailed, f.o.ProcessChannel(context.Background(), "42"))
	assert.Equal(t, []state.UnreadEntry{aliceHi}, f.store.UnreadSnapshot("42"))
	assert.Empty(t, f.emotions.Calls())
}

func TestProcessChannelEmptyReplyKeepsUnread(t *testing.T) {
	f := newOrchestratorFixture(t, reply("<think>pondering</think>"), nil, Options{})
	f.addUnread("42", aliceHi)

	assert.Equal(t, OutcomeFailed, f.o.ProcessChannel(context.Background(), "42"))
	assert.Empty(t, f.transport.Sent())
	assert.Equal(t, []state.UnreadEntry{aliceHi}, f.store.UnreadSnapshot("42"))
	assert.Empty(t, f.emotions.Calls())

	f = newOrchestratorFixture(t, reply("（笑）"), fakeSynth{}, Options{})
	f.store.SetVoiceMode("42", true)
	f.addUnread("42", aliceHi)

	assert.Equal(t, OutcomeFailed, f.o.ProcessChannel(context.Background(), "42"))
	assert.Equal(t, []state.UnreadEntry{aliceHi}, f.store.UnreadSnapshot("42"))
}

func TestProcessChannelMissingChannel(t *testing.T) {
	f := newOrchestratorFixture(t, reply("hello"), nil, Options{})

	assert.Equal(t, OutcomeMissingChannel, f.o.ProcessChannel(context.Background(), "999"))
	assert.Empty(t, f.backend.Calls())
	assert.False(t, f.o.InFlight("999"))
}

func TestProcessChannelSplitsLongReply(t *testing.T) {
	f := newOrchestratorFixture(t, reply(strings.Repeat("a", 4500)), nil, Options{})

	require.Equal(t, OutcomeDelivered, f.o.ProcessChannel(context.Background(), "42"))

	got := f.transport.Sent()
	require.Len(t, got, 3)
	assert.Len(t, got[0].Text, 2000)
	assert.Len(t, got[1].Text, 2000)
	assert.Len(t, got[2].Text, 500)
}

func TestProcessChannelSpontaneous(t *testing.T) {
	f := newOrchestratorFixture(t, reply("anyone around?"), nil, Options{})

	require.Equal(t, OutcomeDelivered, f.o.ProcessChannel(context.Background(), "42"))

	h, _ := f.store.History("42")
	require.Len(t, h, 3)
	assert.Equal(t, SpontaneousTurn, h[1].Content)
	assert.True(t, strings.HasPrefix(f.backend.Calls()[0].Prompt, spontaneousInstruction))
	assert.Equal(t, [][2]string{{"anyone around?", ""}}, f.emotions.Calls())
}

func TestProcessChannelVoiceMode(t *testing.T) {
	wav := []byte("RIFF....WAVE")
	f := newOrchestratorFixture(t, reply("hi code:fun there"), fakeSynth{clean: "hi there", wav: wav}, Options{})
	f.store.SetVoiceMode("42", true)

	require.Equal(t, OutcomeDelivered, f.o.ProcessChannel(context.Background(), "42"))

	got := f.transport.Sent()
	require.Len(t, got, 1)
	assert.Equal(t, "hi there", got[0].Text)
	require.NotNil(t, got[0].File)
	assert.Equal(t, "voice.wav", got[0].File.Name)
	assert.Equal(t, wav, got[0].File.Data)
	assert.Equal(t, "hi there", f.emotions.Calls()[0][0])
}

func TestProcessChannelVoiceFailureFallsBackToText(t *testing.T) {
	f := newOrchestratorFixture(t, reply("hi code:fun there"), fakeSynth{err: errors.New("engine down")}, Options{})
	f.store.SetVoiceMode("42", true)

	require.Equal(t, OutcomeDelivered, f.o.ProcessChannel(context.Background(), "42"))
	assert.Equal(t, []sent{{Channel: "42", Text: "hi code:fun there"}}, f.transport.Sent())
}

func TestProcessChannelVoiceOffSkipsSynthesis(t *testing.T) {
	f := newOrchestratorFixture(t, reply("plain"), fakeSynth{clean: "nope", wav: []byte{1}}, Options{})

	require.Equal(t, OutcomeDelivered, f.o.ProcessChannel(context.Background(), "42"))
	assert.Equal(t, []sent{{Channel: "42", Text: "plain"}}, f.transport.Sent())
}

func TestProcessChannelDropsReentrantCall(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f := newOrchestratorFixture(t, func(ai.Request) (ai.Response, error) {
		once.Do(func() { close(started) })
		<-release
		return ai.Response{Text: "done"}, nil
	}, nil, Options{})

	first := make(chan Outcome, 1)
	go func() { first <- f.o.ProcessChannel(context.Background(), "42") }()

	<-started
	assert.True(t, f.o.InFlight("42"))
	assert.Equal(t, []string{"42"}, f.o.Status().InFlight)
	assert.Equal(t, OutcomeBusy, f.o.ProcessChannel(context.Background(), "42"))
	assert.Equal(t, OutcomeBusy, f.o.ForceCheck(context.Background(), "42"))

	close(release)
	assert.Equal(t, OutcomeDelivered, <-first)
	assert.False(t, f.o.InFlight("42"))
	assert.Len(t, f.transport.Sent(), 1)
}

func TestProcessChannelAtMostOneConcurrent(t *testing.T) {
	var active, peak atomic.Int32
	f := newOrchestratorFixture(t, func(ai.Request) (ai.Response, error) {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		active.Add(-1)
		return ai.Response{Text: "ok"}, nil
	}, nil, Options{})

	var wg sync.WaitGroup
	var delivered atomic.Int32
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if f.o.ProcessChannel(context.Background(), "42") == OutcomeDelivered {
				delivered.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), peak.Load())
	assert.Equal(t, int(delivered.Load()), len(f.transport.Sent()))
	assert.GreaterOrEqual(t, delivered.Load(), int32(1))
}

func TestRunAnswersDefaultChannelWhenIdle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var sleeps atomic.Int32
	f := newOrchestratorFixture(t, reply("spontaneous"), nil, Options{
		Sleep: func(ctx context.Context, d time.Duration) error {
			if d < MinWait {
				t.Errorf("wait %s below minimum", d)
			}
			if sleeps.Add(1) > 2 {
				cancel()
				return ctx.Err()
			}
			return nil
		},
	})

	ready := make(chan struct{})
	close(ready)
	require.NoError(t, f.o.Run(ctx, ready))

	got := f.transport.Sent()
	require.Len(t, got, 2)
	assert.Equal(t, "77", got[0].Channel)

	st := f.o.Status()
	assert.Equal(t, "normal", st.Level)
	assert.Equal(t, "unknown", st.Action)
	assert.True(t, st.NextCheck.After(testNow))
}

func TestRunPrefersChannelsWithUnread(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var picked []int
	f := newOrchestratorFixture(t, reply("hi all"), nil, Options{
		Intn: func(n int) int {
			picked = append(picked, n)
			return 0
		},
		Sleep: func(ctx context.Context, d time.Duration) error {
			if len(picked) > 0 {
				cancel()
				return ctx.Err()
			}
			return nil
		},
	})
	f.addUnread("42", aliceHi)

	require.NoError(t, f.o.Run(ctx, nil))
	assert.Equal(t, []int{1}, picked)
	assert.Equal(t, []sent{{Channel: "42", Text: "hi all"}}, f.transport.Sent())
	assert.Empty(t, f.store.ChannelsWithUnread())
}

type panickyTransport struct{ *fakeTransport }

func (panickyTransport) ChannelName(context.Context, string) (string, error) {
	panic("gateway exploded")
}

func TestRunSurvivesPanickingCycle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var sleeps atomic.Int32
	store := newTestStore(t)
	gw := newTestGateway(t, &fakeBackend{fn: reply("x")}, store, 0)
	o := NewOrchestrator(store, gw, nil, panickyTransport{newFakeTransport()}, nil, Options{
		Location: time.UTC,
		Sleep: func(ctx context.Context, d time.Duration) error {
			if sleeps.Add(1) > 3 {
				cancel()
				return ctx.Err()
			}
			return nil
		},
	}, zerolog.Nop())

	require.NoError(t, o.Run(ctx, nil))
	assert.Equal(t, int32(4), sleeps.Load())
	assert.False(t, o.InFlight("77"))
	assert.Equal(t, OutcomeFailed, o.ForceCheck(context.Background(), "77"))
}

func TestRunWaitsForReady(t *testing.T) {
	f := newOrchestratorFixture(t, reply("x"), nil, Options{
		Sleep: func(context.Context, time.Duration) error {
			t.Error("cycle started before ready")
			return nil
		},
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, f.o.Run(ctx, make(chan struct{})))
}

type typingTransport struct {
	*fakeTransport
	typed atomic.Int32
}

func (t *typingTransport) Typing(context.Context, string) error {
	t.typed.Add(1)
	return nil
}

func TestProcessChannelShowsTyping(t *testing.T) {
	store := newTestStore(t)
	tr := &typingTransport{fakeTransport: newFakeTransport("42")}
	gw := newTestGateway(t, &fakeBackend{fn: reply("typed")}, store, 0)
	o := NewOrchestrator(store, gw, nil, tr, nil, Options{Location: time.UTC}, zerolog.Nop())

	require.Equal(t, OutcomeDelivered, o.ProcessChannel(context.Background(), "42"))
	assert.GreaterOrEqual(t, tr.typed.Load(), int32(1))
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "delivered", OutcomeDelivered.String())
	assert.Equal(t, "busy", OutcomeBusy.String())
	assert.Equal(t, "outcome(9)", Outcome(9).String())
}
