// Package tui is the terminal host for a puzzle session.
package tui

import (
	nchess "github.com/corentings/chess/v2"
	"github.com/gdamore/tcell/v2"
	"github.com/park285/cheese-puzzle-trainer/internal/puzzle"
	"github.com/park285/cheese-puzzle-trainer/internal/trainer"
	"github.com/rivo/tview"
)

const (
	cellWidth = 3
	barCols   = 2
	barGap    = 2
	labelCols = 2
)

var (
	lightStyle    = tcell.StyleDefault.Background(tcell.NewRGBColor(233, 207, 163))
	darkStyle     = tcell.StyleDefault.Background(tcell.NewRGBColor(187, 136, 96))
	cursorBg      = tcell.NewRGBColor(120, 170, 230)
	selectedBg    = tcell.NewRGBColor(110, 200, 120)
	lastMoveBg    = tcell.NewRGBColor(240, 215, 110)
	whitePieceFg  = tcell.ColorWhite
	blackPieceFg  = tcell.ColorBlack
	barWhiteStyle = tcell.StyleDefault.Background(tcell.ColorWhite)
	barBlackStyle = tcell.StyleDefault.Background(tcell.NewRGBColor(45, 45, 45))
	labelStyle    = tcell.StyleDefault.Foreground(tcell.ColorGreen)
)

var pieceRunes = map[nchess.PieceType]rune{
	nchess.King:   '♚',
	nchess.Queen:  '♛',
	nchess.Rook:   '♜',
	nchess.Bishop: '♝',
	nchess.Knight: '♞',
	nchess.Pawn:   '♟',
}

// BoardView draws the position with an evaluation bar and lets the user pick
// a from and a to square with the cursor.
type BoardView struct {
	*tview.Box

	board    *nchess.Board
	flipped  bool
	lastMove string
	bar      float64

	// cursor in screen cells, 0..7 from the top-left
	curCol, curRow int
	selected       *nchess.Square

	onMove func(trainer.Candidate)
}

func NewBoardView(onMove func(trainer.Candidate)) *BoardView {
	b := &BoardView{Box: tview.NewBox(), curCol: 4, curRow: 6, bar: 50, onMove: onMove}
	b.SetBorder(true).SetTitle(" Board ")
	return b
}

func (b *BoardView) SetSnapshot(s trainer.Snapshot) {
	b.flipped = s.Orientation == "black"
	b.lastMove = s.LastMove
	b.bar = s.BarPercent
	b.board = nil
	if s.FEN != "" {
		if g, err := puzzle.NewGame(s.FEN); err == nil {
			b.board = g.Position().Board()
		}
	}
}

// ClearSelection drops a half-entered move, e.g. after a rejection.
func (b *BoardView) ClearSelection() { b.selected = nil }

// MoveCursor shifts the cursor in screen directions, clamped to the board.
func (b *BoardView) MoveCursor(dc, dr int) {
	b.curCol = clamp(b.curCol+dc, 0, 7)
	b.curRow = clamp(b.curRow+dr, 0, 7)
}

// Activate selects the square under the cursor, or submits the move when a
// from square is already selected.
func (b *BoardView) Activate() {
	sq := squareAt(b.curCol, b.curRow, b.flipped)
	if b.selected == nil {
		if b.board != nil && b.board.Piece(sq) != nchess.NoPiece {
			b.selected = &sq
		}
		return
	}
	from := *b.selected
	b.selected = nil
	if from == sq {
		return
	}
	if b.onMove != nil {
		b.onMove(trainer.Candidate{From: from.String(), To: sq.String()})
	}
}

func squareAt(col, row int, flipped bool) nchess.Square {
	file, rank := col, 7-row
	if flipped {
		file, rank = 7-col, row
	}
	return nchess.NewSquare(nchess.File(file), nchess.Rank(rank))
}

// barRows is how many of rows are filled for White.
func barRows(pct float64, rows int) int {
	n := int(pct/100*float64(rows) + 0.5)
	return clamp(n, 0, rows)
}

func (b *BoardView) Draw(screen tcell.Screen) {
	b.Box.DrawForSubclass(screen, b)
	x, y, _, _ := b.GetInnerRect()

	rows := 8
	filled := barRows(b.bar, rows)
	for r := 0; r < rows; r++ {
		style := barBlackStyle
		white := r >= rows-filled
		if b.flipped {
			white = r < filled
		}
		if white {
			style = barWhiteStyle
		}
		for c := 0; c < barCols; c++ {
			screen.SetContent(x+c, y+r, ' ', nil, style)
		}
	}

	ox := x + barCols + barGap + labelCols
	for row := 0; row < 8; row++ {
		sq := squareAt(0, row, b.flipped)
		tview.Print(screen, sq.Rank().String(), x+barCols+barGap, y+row, labelCols, tview.AlignLeft, tcell.ColorGreen)
		for col := 0; col < 8; col++ {
			sq := squareAt(col, row, b.flipped)
			style := b.squareStyle(sq, col, row)
			ch := ' '
			if b.board != nil {
				if p := b.board.Piece(sq); p != nchess.NoPiece {
					ch = pieceRunes[p.Type()]
					if p.Color() == nchess.White {
						style = style.Foreground(whitePieceFg)
					} else {
						style = style.Foreground(blackPieceFg)
					}
				}
			}
			cx := ox + col*cellWidth
			screen.SetContent(cx, y+row, ' ', nil, style)
			screen.SetContent(cx+1, y+row, ch, nil, style)
			screen.SetContent(cx+2, y+row, ' ', nil, style)
		}
	}
	for col := 0; col < 8; col++ {
		sq := squareAt(col, 7, b.flipped)
		for i, r := range sq.File().String() {
			screen.SetContent(ox+col*cellWidth+1+i, y+8, r, nil, labelStyle)
		}
	}
}

func (b *BoardView) squareStyle(sq nchess.Square, col, row int) tcell.Style {
	style := lightStyle
	if (int(sq.File())+int(sq.Rank()))%2 == 0 {
		style = darkStyle
	}
	if len(b.lastMove) >= 4 && (sq.String() == b.lastMove[0:2] || sq.String() == b.lastMove[2:4]) {
		style = style.Background(lastMoveBg)
	}
	if b.selected != nil && *b.selected == sq {
		style = style.Background(selectedBg)
	}
	if col == b.curCol && row == b.curRow {
		style = style.Background(cursorBg)
	}
	return style
}

func (b *BoardView) InputHandler() func(event *tcell.EventKey, setFocus func(p tview.Primitive)) {
	return b.WrapInputHandler(func(event *tcell.EventKey, setFocus func(p tview.Primitive)) {
		switch event.Key() {
		case tcell.KeyUp:
			b.MoveCursor(0, -1)
		case tcell.KeyDown:
			b.MoveCursor(0, 1)
		case tcell.KeyLeft:
			b.MoveCursor(-1, 0)
		case tcell.KeyRight:
			b.MoveCursor(1, 0)
		case tcell.KeyEnter:
			b.Activate()
		case tcell.KeyEscape:
			b.ClearSelection()
		case tcell.KeyRune:
			if event.Rune() == ' ' {
				b.Activate()
			}
		}
	})
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
