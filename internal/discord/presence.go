package discord

import (
	"github.com/bwmarrin/discordgo"
	"github.com/keshon/east/internal/mind"
)

// activitiesFromPresence converts a cached presence. Spotify reports the
// track in Details and the artist in State; a stream reports its game in
// State.
func activitiesFromPresence(p *discordgo.Presence) []mind.Activity {
	if p == nil {
		return nil
	}
	out := make([]mind.Activity, 0, len(p.Activities))
	for _, a := range p.Activities {
		if a == nil {
			continue
		}
		act := mind.Activity{Name: a.Name}
		switch a.Type {
		case discordgo.ActivityTypeGame:
			act.Kind = mind.ActivityGame
		case discordgo.ActivityTypeListening:
			act.Kind = mind.ActivityMusic
			act.Title = a.Details
			act.Artist = a.State
		case discordgo.ActivityTypeStreaming:
			act.Kind = mind.ActivityStreaming
			act.Game = a.State
		case discordgo.ActivityTypeCustom:
			// Name is always "Custom Status"
			act.Kind = mind.ActivityCustom
			act.Name = ""
			act.State = a.State
		default:
			act.Kind = mind.ActivityOther
		}
		out = append(out, act)
	}
	return out
}
