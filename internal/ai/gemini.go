package ai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"google.golang.org/genai"
)

// GeminiConfig configures the Gemini backend.
type GeminiConfig struct {
	BaseURL    string       // override for tests or proxies
	HTTPClient *http.Client // optional
}

// Gemini is a Backend over the Gemini API. A client is created lazily per
// API key and reused.
type Gemini struct {
	cfg     GeminiConfig
	mu      sync.Mutex
	clients map[string]*genai.Client
}

func NewGemini(cfg GeminiConfig) *Gemini {
	return &Gemini{
		cfg:     cfg,
		clients: make(map[string]*genai.Client),
	}
}

func (g *Gemini) client(ctx context.Context, apiKey string) (*genai.Client, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if c, ok := g.clients[apiKey]; ok {
		return c, nil
	}
	cc := &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: g.cfg.HTTPClient,
	}
	if g.cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: g.cfg.BaseURL}
	}
	c, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	g.clients[apiKey] = c
	return c, nil
}

// Generate sends the history followed by the prompt as a user turn.
func (g *Gemini) Generate(ctx context.Context, req Request) (Response, error) {
	if req.APIKey == "" {
		return Response{}, errors.New("GenAI API key is required")
	}
	client, err := g.client(ctx, req.APIKey)
	if err != nil {
		return Response{}, err
	}

	contents := make([]*genai.Content, 0, len(req.History)+1)
	for _, m := range req.History {
		contents = append(contents, genai.NewContentFromText(m.Content, genai.Role(m.Role)))
	}
	contents = append(contents, genai.NewContentFromText(req.Prompt, genai.RoleUser))

	resp, err := client.Models.GenerateContent(ctx, req.Model, contents, nil)
	if err != nil {
		return Response{}, classifyError(err)
	}
	return toResponse(resp)
}

func toResponse(resp *genai.GenerateContentResponse) (Response, error) {
	if resp == nil {
		return Response{}, &BlockedError{FinishReason: "NO_RESPONSE"}
	}

	var out Response
	if u := resp.UsageMetadata; u != nil {
		out.Usage = Usage{
			PromptTokens: int(u.PromptTokenCount),
			OutputTokens: int(u.CandidatesTokenCount),
			TotalTokens:  int(u.TotalTokenCount),
		}
	}
	if len(resp.Candidates) > 0 && resp.Candidates[0] != nil {
		out.FinishReason = string(resp.Candidates[0].FinishReason)
	}

	out.Text = resp.Text()
	if strings.TrimSpace(out.Text) != "" {
		return out, nil
	}

	blocked := &BlockedError{FinishReason: out.FinishReason}
	if pf := resp.PromptFeedback; pf != nil {
		blocked.BlockReason = string(pf.BlockReason)
	}
	if len(resp.Candidates) > 0 && resp.Candidates[0] != nil {
		for _, r := range resp.Candidates[0].SafetyRatings {
			if r == nil {
				continue
			}
			blocked.Safety = append(blocked.Safety, fmt.Sprintf("%s=%s", r.Category, r.Probability))
		}
	}
	return out, blocked
}

// classifyError maps SDK errors onto the package sentinels.
func classifyError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}

	code, status := 0, ""
	var apiErr genai.APIError
	var apiErrPtr *genai.APIError
	switch {
	case errors.As(err, &apiErr):
		code, status = apiErr.Code, apiErr.Status
	case errors.As(err, &apiErrPtr) && apiErrPtr != nil:
		code, status = apiErrPtr.Code, apiErrPtr.Status
	}

	msg := err.Error()
	switch {
	case code == http.StatusTooManyRequests,
		status == "RESOURCE_EXHAUSTED",
		strings.Contains(msg, "RESOURCE_EXHAUSTED"):
		return fmt.Errorf("%w: %v", ErrRateLimited, err)
	case isHistoryError(msg):
		return fmt.Errorf("%w: %v", ErrInvalidHistory, err)
	}
	return err
}

func isHistoryError(msg string) bool {
	msg = strings.ToLower(msg)
	for _, s := range []string{
		"must alternate",
		"begin with a user",
		"first content should be with role 'user'",
		"please ensure that multiturn requests alternate",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
