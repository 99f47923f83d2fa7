package discord

import (
	"fmt"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"
)

var routeOnce sync.Once

// routeLogs sends discordgo's internal log lines through log. The discordgo
// logger is a package variable, so only the first session installs it.
func routeLogs(log zerolog.Logger, s *discordgo.Session) {
	l := log.With().Str("source", "discordgo").Logger()
	routeOnce.Do(func() {
		discordgo.Logger = func(msgL, _ int, format string, a ...interface{}) {
			l.WithLevel(discordLevel(msgL)).Msg(fmt.Sprintf(format, a...))
		}
	})
	s.LogLevel = sessionLevel(log.GetLevel())
}

func discordLevel(msgL int) zerolog.Level {
	switch msgL {
	case discordgo.LogError:
		return zerolog.ErrorLevel
	case discordgo.LogWarning:
		return zerolog.WarnLevel
	case discordgo.LogInformational:
		return zerolog.InfoLevel
	default:
		return zerolog.DebugLevel
	}
}

// sessionLevel maps the logger level to the discordgo verbosity so
// filtered lines are not formatted at all.
func sessionLevel(lvl zerolog.Level) int {
	switch {
	case lvl <= zerolog.DebugLevel:
		return discordgo.LogDebug
	case lvl == zerolog.InfoLevel:
		return discordgo.LogInformational
	case lvl == zerolog.WarnLevel:
		return discordgo.LogWarning
	default:
		return discordgo.LogError
	}
}
