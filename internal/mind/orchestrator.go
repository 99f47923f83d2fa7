package mind

import (
	"context"
	"fmt"
	"math/rand/v2"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/keshon/east/internal/ai"
	"github.com/keshon/east/internal/state"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const typingInterval = 8 * time.Second

// Store is the state the orchestrator reads and consumes.
type Store interface {
	Schedule() state.Schedule
	ChannelsWithUnread() []string
	DefaultChannel() string
	UnreadSnapshot(channelID string) []state.UnreadEntry
	DropUnread(channelID string, n int) int
	EmotionMap() state.EmotionMap
	Emotions() map[string]int
	Memories() []string
	ChannelSetting(channelID string) state.ChannelSetting
	Flush() error
}

// EmotionUpdater applies the emotional effect of a delivered reply.
type EmotionUpdater interface {
	Update(ctx context.Context, response, userInput string) error
}

// Synthesizer turns a reply into speech. clean is the reply with speech
// directives removed.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (clean string, wav []byte, err error)
}

// Outcome is the result of one channel activity run.
type Outcome int

const (
	OutcomeDelivered Outcome = iota
	OutcomeBusy
	OutcomeMissingChannel
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDelivered:
		return "delivered"
	case OutcomeBusy:
		return "busy"
	case OutcomeMissingChannel:
		return "missing_channel"
	case OutcomeFailed:
		return "failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Status is a snapshot of the scheduler for display.
type Status struct {
	Level     string    `json:"level"`
	Action    string    `json:"action"`
	NextCheck time.Time `json:"next_check"`
	InFlight  []string  `json:"in_flight"`
}

// Options carries the orchestrator's tunables and test seams. Zero values
// fall back to the real clock and math/rand/v2.
type Options struct {
	Location   *time.Location
	ChunkPause time.Duration
	Now        func() time.Time
	Norm       func() float64
	Intn       func(int) int
	Sleep      func(ctx context.Context, d time.Duration) error
}

// Orchestrator runs the activity loop: it waits a schedule-dependent time,
// picks a channel and lets the bot answer its unread backlog or speak on its
// own.
type Orchestrator struct {
	store     Store
	gw        Requester
	emotions  EmotionUpdater
	transport Transport
	voice     Synthesizer
	limiter   *rate.Limiter
	opts      Options
	log       zerolog.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
	status   Status
}

// NewOrchestrator wires the loop. emotions and voice may be nil.
func NewOrchestrator(store Store, gw Requester, emotions EmotionUpdater, transport Transport, voice Synthesizer, opts Options, log zerolog.Logger) *Orchestrator {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Norm == nil {
		opts.Norm = rand.NormFloat64
	}
	if opts.Intn == nil {
		opts.Intn = rand.IntN
	}
	if opts.Sleep == nil {
		opts.Sleep = sleep
	}
	return &Orchestrator{
		store:     store,
		gw:        gw,
		emotions:  emotions,
		transport: transport,
		voice:     voice,
		limiter:   NewChunkLimiter(opts.ChunkPause),
		opts:      opts,
		log:       log.With().Str("component", "orchestrator").Logger(),
		inflight:  make(map[string]struct{}),
		status:    Status{Level: defaultLevel, Action: unknownAction},
	}
}

// Run loops until ctx is done. The first cycle starts once ready is closed.
func (o *Orchestrator) Run(ctx context.Context, ready <-chan struct{}) error {
	if ready != nil {
		select {
		case <-ready:
		case <-ctx.Done():
			return nil
		}
	}
	o.log.Info().Msg("activity loop started")
	for ctx.Err() == nil {
		o.safeCycle(ctx)
	}
	o.log.Info().Msg("activity loop stopped")
	return nil
}

func (o *Orchestrator) safeCycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			o.log.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("activity cycle panicked")
		}
	}()
	o.cycle(ctx)
}

func (o *Orchestrator) cycle(ctx context.Context) {
	sched := o.store.Schedule()
	now := o.now()
	slot := CurrentSlot(sched, now)
	wait := SampleWait(LevelParamsFor(sched, slot.Level), o.opts.Norm)

	o.mu.Lock()
	o.status.Level = slot.Level
	o.status.Action = slot.Action
	o.status.NextCheck = now.Add(wait)
	o.mu.Unlock()

	o.log.Info().
		Str("level", slot.Level).
		Str("action", slot.Action).
		Dur("wait", wait).
		Time("next_check", now.Add(wait)).
		Msg("waiting for next check")

	if err := o.opts.Sleep(ctx, wait); err != nil {
		return
	}

	candidates := o.store.ChannelsWithUnread()
	if len(candidates) == 0 {
		if def := o.store.DefaultChannel(); def != "" {
			candidates = []string{def}
		}
	}
	if len(candidates) == 0 {
		o.log.Info().Msg("no channel to check")
	} else {
		ch := candidates[o.opts.Intn(len(candidates))]
		out := o.ProcessChannel(ctx, ch)
		o.log.Debug().Str("channel", ch).Stringer("outcome", out).Msg("cycle finished")
	}

	if err := o.store.Flush(); err != nil {
		o.log.Error().Err(err).Msg("flush after cycle failed")
	}
}

// ForceCheck runs the channel activity immediately, outside the schedule.
func (o *Orchestrator) ForceCheck(ctx context.Context, channelID string) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			o.log.Error().Interface("panic", r).Str("channel", channelID).Msg("forced check panicked")
			out = OutcomeFailed
		}
	}()
	o.log.Info().Str("channel", channelID).Msg("forced check")
	return o.ProcessChannel(ctx, channelID)
}

// ProcessChannel answers the unread backlog of channelID, or speaks
// spontaneously when it is empty. Unread entries are consumed only after the
// reply was delivered. Concurrent calls for the same channel are dropped.
func (o *Orchestrator) ProcessChannel(ctx context.Context, channelID string) Outcome {
	if !o.acquire(channelID) {
		o.log.Warn().Str("channel", channelID).Msg("channel already being processed, skipping")
		return OutcomeBusy
	}
	defer o.release(channelID)

	l := o.log.With().Str("cycle", uuid.NewString()).Str("channel", channelID).Logger()

	name, err := o.transport.ChannelName(ctx, channelID)
	if err != nil {
		l.Error().Err(err).Msg("channel not found")
		return OutcomeMissingChannel
	}
	l = l.With().Str("channel_name", name).Logger()

	snapshot := o.store.UnreadSnapshot(channelID)
	l.Info().Int("unread", len(snapshot)).Msg("processing channel")

	prompt := BuildResponsePrompt(PromptInput{
		Unread:     snapshot,
		EmotionMap: o.store.EmotionMap(),
		Emotions:   o.store.Emotions(),
		Memories:   o.store.Memories(),
		Now:        o.now(),
	})

	stopTyping := o.startTyping(ctx, channelID, l)
	reply, err := o.gw.Send(ctx, GatewayRequest{
		Model:     ModelPrimary,
		Prompt:    prompt,
		ChannelID: channelID,
		UserTurn:  RenderUserTurn(snapshot),
	})
	stopTyping()
	if err != nil {
		l.Error().Err(err).Msg("no reply, unread kept")
		return OutcomeFailed
	}

	text := ai.CleanReply(reply)
	var file *Attachment
	if o.voice != nil && o.store.ChannelSetting(channelID).VoiceMode {
		clean, wav, err := o.voice.Synthesize(ctx, text)
		if err != nil {
			l.Warn().Err(err).Msg("speech synthesis failed, sending text only")
		} else {
			text = clean
			if len(wav) > 0 {
				file = &Attachment{Name: "voice.wav", Data: wav}
			}
		}
	}

	if text == "" && file == nil {
		l.Error().Str("raw", ai.Truncate(reply, 200)).Msg("reply empty after cleanup, unread kept")
		return OutcomeFailed
	}

	if err := Deliver(ctx, o.transport, o.limiter, channelID, text, file); err != nil {
		l.Error().Err(err).Msg("delivery failed, unread kept")
		return OutcomeFailed
	}
	l.Info().Int("len", len([]rune(text))).Bool("voice", file != nil).Msg("reply delivered")

	if o.emotions != nil {
		if err := o.emotions.Update(ctx, text, RenderUserInput(snapshot)); err != nil {
			l.Warn().Err(err).Msg("emotion update failed")
		}
	}

	if n := len(snapshot); n > 0 {
		dropped := o.store.DropUnread(channelID, n)
		l.Info().Int("cleared", dropped).Msg("unread cleared")
	}
	return OutcomeDelivered
}

// Status returns the current schedule slot and the channels being processed.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := o.status
	s.InFlight = make([]string, 0, len(o.inflight))
	for ch := range o.inflight {
		s.InFlight = append(s.InFlight, ch)
	}
	sort.Strings(s.InFlight)
	return s
}

// InFlight reports whether channelID is being processed.
func (o *Orchestrator) InFlight(channelID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.inflight[channelID]
	return ok
}

func (o *Orchestrator) acquire(channelID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.inflight[channelID]; busy {
		return false
	}
	o.inflight[channelID] = struct{}{}
	return true
}

func (o *Orchestrator) release(channelID string) {
	o.mu.Lock()
	delete(o.inflight, channelID)
	o.mu.Unlock()
}

func (o *Orchestrator) now() time.Time {
	return o.opts.Now().In(o.opts.Location)
}

// startTyping keeps the typing indicator alive until the returned func is
// called. Transports without the capability get a no-op.
func (o *Orchestrator) startTyping(ctx context.Context, channelID string, l zerolog.Logger) func() {
	t, ok := o.transport.(Typist)
	if !ok {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(typingInterval)
		defer ticker.Stop()
		for {
			if err := t.Typing(ctx, channelID); err != nil && ctx.Err() == nil {
				l.Debug().Err(err).Msg("typing indicator failed")
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
