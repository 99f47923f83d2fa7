package mind

import (
	"math"
	"strconv"
	"time"

	"github.com/keshon/east/internal/state"
)

// MinWait is the shortest pause between two activity cycles.
const MinWait = 60 * time.Second

const (
	defaultLevel  = "normal"
	unknownAction = "unknown"
)

// DefaultLevelParams apply to levels missing from the schedule.
var DefaultLevelParams = state.LevelParams{Seconds: 3600, Sigma: 900}

// CurrentSlot returns the schedule row for the hour of now, using the weekend
// table on Saturday and Sunday. Missing rows map to the normal level.
func CurrentSlot(s state.Schedule, now time.Time) state.Slot {
	table := s.Weekday
	if wd := now.Weekday(); wd == time.Saturday || wd == time.Sunday {
		table = s.Weekend
	}
	slot, ok := table[strconv.Itoa(now.Hour())]
	if !ok {
		return state.Slot{Level: defaultLevel, Action: unknownAction}
	}
	if slot.Level == "" {
		slot.Level = defaultLevel
	}
	if slot.Action == "" {
		slot.Action = unknownAction
	}
	return slot
}

// LevelParamsFor returns the distribution parameters of level.
func LevelParamsFor(s state.Schedule, level string) state.LevelParams {
	if p, ok := s.Params[level]; ok {
		return p
	}
	return DefaultLevelParams
}

// SampleWait draws a wait from Normal(Seconds, Sigma) and floors it at
// MinWait. norm must return standard normal samples.
func SampleWait(p state.LevelParams, norm func() float64) time.Duration {
	secs := p.Seconds + p.Sigma*norm()
	if math.IsNaN(secs) || secs*float64(time.Second) < float64(MinWait) {
		return MinWait
	}
	if secs > float64(math.MaxInt64/int64(time.Second)) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(secs * float64(time.Second))
}
