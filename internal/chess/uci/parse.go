package uci

import (
	"strconv"
	"strings"
)

const Protocol = "uci"

// MateScore is the centipawn value reported for a forced mate.
const MateScore = 30000

type EventKind int

const (
	EventUnknown EventKind = iota
	EventUCIOK
	EventReadyOK
	EventInfo
	EventBestMove
)

func (k EventKind) String() string {
	switch k {
	case EventUCIOK:
		return "uciok"
	case EventReadyOK:
		return "readyok"
	case EventInfo:
		return "info"
	case EventBestMove:
		return "bestmove"
	default:
		return "unknown"
	}
}

// Score is a raw engine score, relative to the side to move.
type Score struct {
	CP   int
	Mate int
	// IsMate reports a "score mate N" line; CP is then unused.
	IsMate bool
}

// Centipawns folds mate scores into ±MateScore.
func (s Score) Centipawns() int {
	if !s.IsMate {
		return s.CP
	}
	if s.Mate >= 0 {
		return MateScore
	}
	return -MateScore
}

type Event struct {
	Kind     EventKind
	Score    Score
	HasScore bool
	Depth    int
	BestMove string
	Raw      string
}

// ParseLine classifies one line of engine output. Unrecognised input is
// EventUnknown, never an error.
func ParseLine(line string) Event {
	raw := strings.TrimSpace(line)
	ev := Event{Kind: EventUnknown, Raw: raw}
	parts := strings.Fields(raw)
	if len(parts) == 0 {
		return ev
	}

	switch parts[0] {
	case "uciok":
		ev.Kind = EventUCIOK
		return ev
	case "readyok":
		ev.Kind = EventReadyOK
		return ev
	case "bestmove":
		ev.Kind = EventBestMove
		if len(parts) >= 2 {
			ev.BestMove = parts[1]
		}
		return ev
	}

	for i := 0; i < len(parts); i++ {
		switch parts[i] {
		case "depth":
			if i+1 < len(parts) {
				if v, err := strconv.Atoi(parts[i+1]); err == nil {
					ev.Depth = v
				}
				i++
			}
		case "score":
			if i+2 >= len(parts) {
				continue
			}
			v, err := strconv.Atoi(parts[i+2])
			if err != nil {
				continue
			}
			switch parts[i+1] {
			case "cp":
				ev.Score = Score{CP: v}
				ev.HasScore = true
			case "mate":
				ev.Score = Score{Mate: v, IsMate: true}
				ev.HasScore = true
			}
			i += 2
		case "pv":
			i = len(parts)
		}
	}

	if parts[0] == "info" || ev.HasScore {
		ev.Kind = EventInfo
	}
	return ev
}
