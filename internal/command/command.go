// Package command recognizes spoken voice commands in transcripts.
package command

import (
	"fmt"
	"strings"
)

// Command is a voice command the assistant understands.
type Command int

const (
	Pause Command = iota
	Resume
	Stop
	Repeat
	VolumeUp
	VolumeDown
	SpeakFaster
	SpeakSlower
	ChangeLanguage
	Help
)

// Commands lists every command in declaration order.
var Commands = []Command{
	Pause, Resume, Stop, Repeat,
	VolumeUp, VolumeDown, SpeakFaster, SpeakSlower,
	ChangeLanguage, Help,
}

// String returns the wire name of the command.
func (c Command) String() string {
	switch c {
	case Pause:
		return "pause"
	case Resume:
		return "resume"
	case Stop:
		return "stop"
	case Repeat:
		return "repeat"
	case VolumeUp:
		return "volume_up"
	case VolumeDown:
		return "volume_down"
	case SpeakFaster:
		return "speak_faster"
	case SpeakSlower:
		return "speak_slower"
	case ChangeLanguage:
		return "change_language"
	case Help:
		return "help"
	default:
		return fmt.Sprintf("command(%d)", int(c))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (c Command) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// ParseCommand parses a wire name back into a Command.
func ParseCommand(s string) (Command, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for _, c := range Commands {
		if c.String() == name {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown command %q", s)
}

// IsControl reports whether the command changes playback flow rather than
// only adjusting voice settings.
func (c Command) IsControl() bool {
	switch c {
	case Pause, Resume, Stop, Repeat:
		return true
	case VolumeUp, VolumeDown, SpeakFaster, SpeakSlower, ChangeLanguage, Help:
		return false
	default:
		return false
	}
}
