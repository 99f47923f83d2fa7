package mind

import (
	"fmt"
	"strings"
	"time"

	"github.com/keshon/east/internal/state"
)

// TimestampLayout is used for unread entries and the status block.
const TimestampLayout = "2006-01-02 (Mon) 15:04"

// SpontaneousTurn is recorded in history as the user side of an exchange
// that was not triggered by unread messages.
const SpontaneousTurn = "(no unread messages)"

const (
	backlogInstruction = "You checked Discord and found the following unread messages.\n" +
		"Take the current activity of each person into account, follow the whole flow of the conversation and write your next message."
	spontaneousInstruction = "You checked Discord and there were no unread messages.\n" +
		"Considering the conversation so far and your current state, write the next message you would like to send on your own."
	defaultAnalyzerPersona = "You are a psychologist who analyses conversations between a user and an AI."
	analyzerOutputRule     = "Answer only with a JSON object that maps emotion names from the list to signed numeric changes, for example {\"joy\": 10, \"anger\": -5}."
)

// PromptInput is everything the response prompt is rendered from.
type PromptInput struct {
	Unread     []state.UnreadEntry
	EmotionMap state.EmotionMap
	Emotions   map[string]int
	Memories   []string
	Now        time.Time
}

// FormatTimestamp renders t for prompts and unread entries.
func FormatTimestamp(t time.Time) string {
	return t.Format(TimestampLayout)
}

// BuildResponsePrompt renders the prompt for a channel activity cycle. The
// result depends only on in.
func BuildResponsePrompt(in PromptInput) string {
	status := StatusBlock(in.EmotionMap, in.Emotions, in.Memories, in.Now)
	if len(in.Unread) == 0 {
		return spontaneousInstruction + "\n\n" + status
	}
	return backlogInstruction + "\n\n" + RenderTranscript(in.Unread) + "\n\n" + status
}

// RenderTranscript renders entries as "[author @ timestamp]: content" lines,
// adding " (activity: X)" before the colon when the entry has an activity.
func RenderTranscript(entries []state.UnreadEntry) string {
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		head := fmt.Sprintf("[%s @ %s]", e.Author, e.Timestamp)
		if e.Activity != "" {
			head += " (activity: " + e.Activity + ")"
		}
		lines = append(lines, head+": "+e.Content)
	}
	return strings.Join(lines, "\n")
}

// RenderUserTurn renders a backlog in the form stored in history. An empty
// backlog yields SpontaneousTurn.
func RenderUserTurn(entries []state.UnreadEntry) string {
	if len(entries) == 0 {
		return SpontaneousTurn
	}
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		lines = append(lines, fmt.Sprintf("[%s @ %s]: %s", e.Author, e.Timestamp, e.Content))
	}
	return strings.Join(lines, "\n")
}

// RenderUserInput renders a backlog as "[author]: content" lines for the
// emotion analysis.
func RenderUserInput(entries []state.UnreadEntry) string {
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		lines = append(lines, fmt.Sprintf("[%s]: %s", e.Author, e.Content))
	}
	return strings.Join(lines, "\n")
}

// StatusBlock describes the current emotions, memories and time.
func StatusBlock(emap state.EmotionMap, emotions map[string]int, memories []string, now time.Time) string {
	var b strings.Builder
	b.WriteString("# Your current emotions\n")
	fmt.Fprintf(&b, "# Values range from %d to %d\n", state.EmotionMin, state.EmotionMax)
	for _, name := range emap.Names() {
		def, _ := emap.Get(name)
		label := def.Label
		if label == "" {
			label = name
		}
		fmt.Fprintf(&b, "* %s: %d\n", label, emotions[name])
	}
	if len(memories) > 0 {
		b.WriteString("\n# Important memories\n")
		for _, m := range memories {
			fmt.Fprintf(&b, "* %s\n", m)
		}
	}
	b.WriteString("\n* Current time:\n")
	b.WriteString(FormatTimestamp(now))
	return b.String()
}

// BuildEmotionPrompt renders the analysis request for one exchange. An empty
// persona falls back to a generic analyzer description.
func BuildEmotionPrompt(emap state.EmotionMap, persona, userInput, botResponse string) string {
	if strings.TrimSpace(persona) == "" {
		persona = defaultAnalyzerPersona
	}
	names := emap.Names()
	vocab := make([]string, 0, len(names))
	for _, name := range names {
		def, _ := emap.Get(name)
		vocab = append(vocab, fmt.Sprintf("'%s(%s)'", name, def.Label))
	}

	var b strings.Builder
	b.WriteString(persona)
	b.WriteString("\n\nEmotions you can analyse:\n")
	b.WriteString(strings.Join(vocab, ", "))
	b.WriteString("\n\n")
	b.WriteString(analyzerOutputRule)
	b.WriteString("\n\nConversation to analyse:\n")
	fmt.Fprintf(&b, "[User]: \"%s\"\n", userInput)
	fmt.Fprintf(&b, "[AI response]: \"%s\"", botResponse)
	return b.String()
}
