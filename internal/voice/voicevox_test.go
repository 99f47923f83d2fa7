package voice

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testWAV(dataSize int, fill byte) []byte {
	const rate, channels, bits = 24000, 1, 16
	h := make([]byte, wavHeaderSize)
	copy(h[0:4], "RIFF")
	binary.LittleEndian.PutUint32(h[4:8], uint32(dataSize+36))
	copy(h[8:12], "WAVE")
	copy(h[12:16], "fmt ")
	binary.LittleEndian.PutUint32(h[16:20], 16)
	binary.LittleEndian.PutUint16(h[20:22], 1)
	binary.LittleEndian.PutUint16(h[22:24], channels)
	binary.LittleEndian.PutUint32(h[24:28], rate)
	binary.LittleEndian.PutUint32(h[28:32], rate*channels*bits/8)
	binary.LittleEndian.PutUint16(h[32:34], channels*bits/8)
	binary.LittleEndian.PutUint16(h[34:36], bits)
	copy(h[36:40], "data")
	binary.LittleEndian.PutUint32(h[40:44], uint32(dataSize))
	data := make([]byte, dataSize)
	for i := range data {
		data[i] = fill
	}
	return append(h, data...)
}

type engineCall struct {
	Path    string
	Text    string
	Speaker int
	Speed   float64
	Volume  float64
}

// fakeEngine mimics the two VOICEVOX endpoints used by the client.
type fakeEngine struct {
	mu        sync.Mutex
	calls     []engineCall
	synthFail []int // status codes returned by successive /synthesis calls
}

func (e *fakeEngine) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/audio_query", func(w http.ResponseWriter, r *http.Request) {
		speaker, _ := strconv.Atoi(r.URL.Query().Get("speaker"))
		e.record(engineCall{Path: "/audio_query", Text: r.URL.Query().Get("text"), Speaker: speaker})
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"accent_phrases": [], "speedScale": 1.0, "volumeScale": 1.0}`))
	})
	mux.HandleFunc("/synthesis", func(w http.ResponseWriter, r *http.Request) {
		var q map[string]any
		_ = json.NewDecoder(r.Body).Decode(&q)
		speaker, _ := strconv.Atoi(r.URL.Query().Get("speaker"))
		speed, _ := q["speedScale"].(float64)
		volume, _ := q["volumeScale"].(float64)
		n := e.record(engineCall{Path: "/synthesis", Speaker: speaker, Speed: speed, Volume: volume})

		e.mu.Lock()
		var code int
		if len(e.synthFail) > 0 {
			code, e.synthFail = e.synthFail[0], e.synthFail[1:]
		}
		e.mu.Unlock()
		if code != 0 {
			http.Error(w, "engine busy", code)
			return
		}
		_, _ = w.Write(testWAV(100, byte(n)))
	})
	return mux
}

func (e *fakeEngine) record(c engineCall) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, c)
	return len(e.calls)
}

func (e *fakeEngine) Calls(path string) []engineCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []engineCall
	for _, c := range e.calls {
		if c.Path == path {
			out = append(out, c)
		}
	}
	return out
}

func newTestClient(t *testing.T, e *fakeEngine) *Client {
	t.Helper()
	srv := httptest.NewServer(e.handler())
	t.Cleanup(srv.Close)
	return New(Config{
		BaseURL:      srv.URL + "/",
		Styles:       map[string]int{"normal": 47, "fun": 48, "fear": 49},
		DefaultStyle: 50,
		Speed:        1.0,
		HTTPClient:   srv.Client(),
		Logger:       zerolog.Nop(),
	})
}

func TestSynthesizeJoinsSegments(t *testing.T) {
	e := &fakeEngine{}
	c := newTestClient(t, e)

	clean, wav, err := c.Synthesize(context.Background(), "hello code:fun world\n> SYSTEM: saved")
	require.NoError(t, err)
	assert.Equal(t, "hello world\n> SYSTEM: saved", clean)

	queries := e.Calls("/audio_query")
	require.Len(t, queries, 3)
	assert.Equal(t, engineCall{Path: "/audio_query", Text: "hello", Speaker: 50}, queries[0])
	assert.Equal(t, engineCall{Path: "/audio_query", Text: "world", Speaker: 48}, queries[1])
	assert.Equal(t, " ", queries[2].Text, "memory release query")

	for _, s := range e.Calls("/synthesis") {
		assert.Equal(t, 3.0, s.Volume)
		assert.Equal(t, 1.0, s.Speed)
	}

	silence := 12000 * 2 // 500ms of 16-bit mono at 24kHz
	require.Len(t, wav, wavHeaderSize+100+silence+100)
	assert.Equal(t, uint32(len(wav)-8), binary.LittleEndian.Uint32(wav[4:8]))
	assert.Equal(t, uint32(len(wav)-wavHeaderSize), binary.LittleEndian.Uint32(wav[40:44]))
	assert.Equal(t, byte(0), wav[wavHeaderSize+100])
	assert.NotEqual(t, byte(0), wav[len(wav)-1])
}

func TestSynthesizeNothingToSay(t *testing.T) {
	e := &fakeEngine{}
	c := newTestClient(t, e)

	clean, wav, err := c.Synthesize(context.Background(), "> SYSTEM: history reset")
	require.NoError(t, err)
	assert.Equal(t, "> SYSTEM: history reset", clean)
	assert.Nil(t, wav)
	assert.Empty(t, e.Calls("/audio_query"))
}

func TestSynthesizeRetriesServerErrors(t *testing.T) {
	e := &fakeEngine{synthFail: []int{http.StatusServiceUnavailable}}
	c := newTestClient(t, e)

	_, wav, err := c.Synthesize(context.Background(), "hi")
	require.NoError(t, err)
	assert.Len(t, wav, wavHeaderSize+100)
	assert.Len(t, e.Calls("/synthesis"), 2)
}

func TestSynthesizeClientErrorGivesUp(t *testing.T) {
	e := &fakeEngine{synthFail: []int{http.StatusUnprocessableEntity}}
	c := newTestClient(t, e)

	clean, wav, err := c.Synthesize(context.Background(), "speed:1.2 hi")
	assert.ErrorIs(t, err, ErrNoAudio)
	assert.Equal(t, "hi", clean)
	assert.Nil(t, wav)
	assert.Len(t, e.Calls("/synthesis"), 1)
}

func TestSynthesizeCancelled(t *testing.T) {
	c := newTestClient(t, &fakeEngine{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := c.Synthesize(ctx, "hi")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSegments(t *testing.T) {
	c := New(Config{Styles: map[string]int{"fun": 48}, DefaultStyle: 50, Speed: 1.0})

	got := c.Segments("hello code:FUN world speed:1.5 bye code:nope speed:x. end")
	assert.Equal(t, []Segment{
		{Text: "hello", Style: 50, Speed: 1.0},
		{Text: "world", Style: 48, Speed: 1.0},
		{Text: "bye", Style: 48, Speed: 1.5},
		{Text: "speed:x. end", Style: 50, Speed: 1.5},
	}, got)
}

func TestClean(t *testing.T) {
	assert.Equal(t, "hi there", Clean("hi code:fun there"))
	assert.Equal(t, "fast\nslow", Clean("speed:2.0 fast\nslow speed:0.8"))
	assert.Equal(t, "plain text", Clean("plain text"))
}

func TestJoinWAV(t *testing.T) {
	one := testWAV(10, 1)
	got, err := JoinWAV([][]byte{one}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, one, got)

	_, err = JoinWAV([][]byte{one, []byte("garbage")}, time.Second)
	assert.ErrorIs(t, err, ErrBadWAV)

	_, err = JoinWAV(nil, time.Second)
	assert.Error(t, err)

	got, err = JoinWAV([][]byte{testWAV(4, 1), testWAV(6, 2)}, 10*time.Millisecond)
	require.NoError(t, err)
	// 10ms at 24kHz is 240 samples of 2 bytes
	assert.Len(t, got, wavHeaderSize+4+480+6)
}
