package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Message roles.
const (
	RoleUser  = "user"
	RoleModel = "model"
)

var (
	// ErrRateLimited means the key is out of quota or throttled.
	ErrRateLimited = errors.New("rate limited")
	// ErrBlocked means the backend returned no usable text.
	ErrBlocked = errors.New("response blocked or empty")
	// ErrInvalidHistory means the backend rejected the conversation shape.
	ErrInvalidHistory = errors.New("invalid conversation history")
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is one generation attempt with a single key and model.
type Request struct {
	Model   string
	APIKey  string
	History []Message
	Prompt  string
}

// Usage is the token accounting of a response.
type Usage struct {
	PromptTokens int
	OutputTokens int
	TotalTokens  int
}

type Response struct {
	Text         string
	FinishReason string
	Usage        Usage
}

// Backend generates text. Implementations classify failures with the
// sentinel errors of this package.
type Backend interface {
	Generate(ctx context.Context, req Request) (Response, error)
}

// BlockedError describes a response without text.
type BlockedError struct {
	FinishReason string
	BlockReason  string
	Safety       []string
}

func (e *BlockedError) Error() string {
	var b strings.Builder
	b.WriteString(ErrBlocked.Error())
	if e.FinishReason != "" {
		fmt.Fprintf(&b, " (finish=%s)", e.FinishReason)
	}
	if e.BlockReason != "" {
		fmt.Fprintf(&b, " (block=%s)", e.BlockReason)
	}
	if len(e.Safety) > 0 {
		fmt.Fprintf(&b, " safety=[%s]", strings.Join(e.Safety, ", "))
	}
	return b.String()
}

func (e *BlockedError) Is(target error) bool { return target == ErrBlocked }
