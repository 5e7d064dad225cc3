package trainer

import (
	"fmt"

	"github.com/park285/cheese-puzzle-trainer/internal/chess/uci"
)

const (
	BarMinPercent = 5.0
	BarMaxPercent = 95.0
	barCenter     = 50.0
	// centipawns per bar percent
	barScale = 20.0
)

func Normalize(raw int, whiteToMove bool) int { return uci.Normalize(raw, whiteToMove) }

// BarPercent maps a White-positive score onto the fill of the evaluation bar.
func BarPercent(score int) float64 {
	pct := barCenter + float64(score)/barScale
	if pct < BarMinPercent {
		return BarMinPercent
	}
	if pct > BarMaxPercent {
		return BarMaxPercent
	}
	return pct
}

// EvalText renders a score in pawns with one decimal, e.g. "-1.3".
func EvalText(score int) string {
	return fmt.Sprintf("%.1f", float64(score)/100)
}
