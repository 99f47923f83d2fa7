// Package voice synthesizes replies with a local VOICEVOX engine.
//
// A reply may switch the speaking style or speed mid-text with the inline
// directives "code:<style>" and "speed:<float>". Each run of text between
// directives becomes one synthesized segment; the segments are joined into a
// single WAV file with a short pause between them.
package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/keshon/east/pkg/retrylimit"
	"github.com/rs/zerolog"
)

const (
	systemLinePrefix = "> SYSTEM:"
	segmentGap       = 500 * time.Millisecond
	defaultVolume    = 3.0
	maxAttempts      = 3
)

// ErrNoAudio is returned when every segment failed to synthesize.
var ErrNoAudio = errors.New("no audio segment could be synthesized")

var directiveRe = regexp.MustCompile(`(code:\w+|speed:[\d.]+)`)

// Config configures a Client.
type Config struct {
	BaseURL      string
	Styles       map[string]int // directive name -> VOICEVOX style id
	DefaultStyle int
	Speed        float64
	Volume       float64 // 0 means 3.0
	HTTPClient   *http.Client
	Logger       zerolog.Logger
}

// Segment is a run of text spoken with one style and speed.
type Segment struct {
	Text  string
	Style int
	Speed float64
}

// Client talks to the VOICEVOX HTTP API.
type Client struct {
	cfg  Config
	base string
	http *http.Client
	lim  *retrylimit.AdaptiveLimiter
	log  zerolog.Logger
}

func New(cfg Config) *Client {
	if cfg.Volume == 0 {
		cfg.Volume = defaultVolume
	}
	if cfg.Speed == 0 {
		cfg.Speed = 1
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 60 * time.Second}
	}
	return &Client{
		cfg:  cfg,
		base: strings.TrimRight(cfg.BaseURL, "/"),
		http: hc,
		lim:  retrylimit.NewAdaptiveLimiter(5, 1, 20, 1, 0.5),
		log:  cfg.Logger.With().Str("component", "voice").Logger(),
	}
}

// Synthesize speaks text and returns the text with directives removed plus
// the joined WAV. Lines starting with "> SYSTEM:" are shown but not spoken.
// Text without anything to speak yields no audio and no error.
func (c *Client) Synthesize(ctx context.Context, text string) (string, []byte, error) {
	clean := Clean(text)
	segments := c.Segments(text)
	if len(segments) == 0 {
		return clean, nil, nil
	}

	var audio [][]byte
	for i, seg := range segments {
		wav, err := c.synthesizeSegment(ctx, seg)
		if err != nil {
			if ctx.Err() != nil {
				return clean, nil, ctx.Err()
			}
			c.log.Warn().Err(err).Int("segment", i).Int("style", seg.Style).Msg("segment synthesis failed")
			continue
		}
		audio = append(audio, wav)
	}
	c.releaseMemory(ctx)

	if len(audio) == 0 {
		return clean, nil, ErrNoAudio
	}
	joined, err := JoinWAV(audio, segmentGap)
	if err != nil {
		return clean, nil, err
	}
	c.log.Info().Int("segments", len(audio)).Int("bytes", len(joined)).Msg("speech synthesized")
	return clean, joined, nil
}

// Segments splits text into spoken runs, applying directives in order.
// Unknown styles fall back to the default style.
func (c *Client) Segments(text string) []Segment {
	var spoken []string
	for _, line := range strings.Split(text, "\n") {
		if !strings.HasPrefix(strings.TrimSpace(line), systemLinePrefix) {
			spoken = append(spoken, line)
		}
	}
	body := strings.Join(spoken, "\n")

	style, speed := c.cfg.DefaultStyle, c.cfg.Speed
	var out []Segment
	emit := func(s string) {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, Segment{Text: s, Style: style, Speed: speed})
		}
	}

	last := 0
	for _, loc := range directiveRe.FindAllStringIndex(body, -1) {
		emit(body[last:loc[0]])
		last = loc[1]

		directive := body[loc[0]:loc[1]]
		switch {
		case strings.HasPrefix(directive, "code:"):
			name := strings.ToLower(strings.TrimPrefix(directive, "code:"))
			if id, ok := c.cfg.Styles[name]; ok {
				style = id
			} else {
				style = c.cfg.DefaultStyle
			}
		case strings.HasPrefix(directive, "speed:"):
			v, err := strconv.ParseFloat(strings.TrimPrefix(directive, "speed:"), 64)
			if err != nil || v <= 0 {
				v = c.cfg.Speed
			}
			speed = v
		}
	}
	emit(body[last:])
	return out
}

var directiveSpanRe = regexp.MustCompile(`[ \t]*(code:\w+|speed:[\d.]+)[ \t]*`)

// Clean removes speech directives from text.
func Clean(text string) string {
	lines := strings.Split(directiveSpanRe.ReplaceAllString(text, " "), "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(l)
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func (c *Client) synthesizeSegment(ctx context.Context, seg Segment) ([]byte, error) {
	var query map[string]any
	err := retrylimit.WithRetryMax(ctx, func() error {
		q, err := c.audioQuery(ctx, seg.Text, seg.Style)
		query = q
		return err
	}, c.lim, maxAttempts, c.log)
	if err != nil {
		return nil, fmt.Errorf("audio query: %w", err)
	}
	query["speedScale"] = seg.Speed
	query["volumeScale"] = c.cfg.Volume

	var wav []byte
	err = retrylimit.WithRetryMax(ctx, func() error {
		w, err := c.synthesis(ctx, query, seg.Style)
		wav = w
		return err
	}, c.lim, maxAttempts, c.log)
	if err != nil {
		return nil, fmt.Errorf("synthesis: %w", err)
	}
	return wav, nil
}

func (c *Client) audioQuery(ctx context.Context, text string, style int) (map[string]any, error) {
	v := url.Values{}
	v.Set("text", text)
	v.Set("speaker", strconv.Itoa(style))

	body, err := c.post(ctx, "/audio_query?"+v.Encode(), nil)
	if err != nil {
		return nil, err
	}
	var query map[string]any
	if err := json.Unmarshal(body, &query); err != nil {
		return nil, retrylimit.Fatal(fmt.Errorf("decode audio query: %w", err))
	}
	if query == nil {
		return nil, retrylimit.Fatal(errors.New("empty audio query"))
	}
	return query, nil
}

func (c *Client) synthesis(ctx context.Context, query map[string]any, style int) ([]byte, error) {
	payload, err := json.Marshal(query)
	if err != nil {
		return nil, retrylimit.Fatal(err)
	}
	v := url.Values{}
	v.Set("speaker", strconv.Itoa(style))
	return c.post(ctx, "/synthesis?"+v.Encode(), payload)
}

// post sends a POST and returns the body of a 200 response. Client errors
// are not retried.
func (c *Client) post(ctx context.Context, path string, payload []byte) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, body)
	if err != nil {
		return nil, retrylimit.Fatal(err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		serr := &retrylimit.StatusError{Code: resp.StatusCode, Body: string(data)}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, retrylimit.Fatal(serr)
		}
		return nil, serr
	}
	return data, nil
}

// releaseMemory sends a tiny query that makes the engine drop cached models.
func (c *Client) releaseMemory(ctx context.Context) {
	v := url.Values{}
	v.Set("text", " ")
	v.Set("speaker", strconv.Itoa(c.cfg.DefaultStyle))
	if _, err := c.post(ctx, "/audio_query?"+v.Encode(), nil); err != nil {
		c.log.Debug().Err(err).Msg("memory release query failed")
	}
}
