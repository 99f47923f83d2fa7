package mind

import (
	"fmt"
	"strings"
)

// ActivityKind tags the presence variants Discord reports.
type ActivityKind int

const (
	ActivityOther ActivityKind = iota
	ActivityGame
	ActivityMusic
	ActivityStreaming
	ActivityCustom
)

// Activity is one presence entry of a message author.
type Activity struct {
	Kind   ActivityKind
	Name   string
	Title  string // music
	Artist string // music
	Game   string // streaming
	State  string // custom status text
}

// Render describes the activity in one short phrase. It returns "" when the
// activity carries nothing worth showing.
func (a Activity) Render() string {
	switch a.Kind {
	case ActivityMusic:
		if a.Title == "" {
			return "listening to music"
		}
		if a.Artist == "" {
			return "listening to " + a.Title
		}
		return fmt.Sprintf("listening to %s by %s", a.Title, a.Artist)
	case ActivityGame:
		return "playing " + a.Name
	case ActivityStreaming:
		if a.Game == "" {
			return "streaming " + a.Name
		}
		return fmt.Sprintf("streaming %s (game %s)", a.Name, a.Game)
	case ActivityCustom:
		text := a.State
		if text == "" {
			text = a.Name
		}
		if text == "" {
			return ""
		}
		return "custom status: " + text
	default:
		if a.Name == "" {
			return ""
		}
		return "doing " + a.Name
	}
}

// RenderActivities joins the rendered activities with ", ". No activities
// render as "".
func RenderActivities(acts []Activity) string {
	parts := make([]string, 0, len(acts))
	for _, a := range acts {
		if s := a.Render(); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, ", ")
}
