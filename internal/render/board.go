package render

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"

	nchess "github.com/corentings/chess/v2"
	"github.com/park285/cheese-puzzle-trainer/internal/puzzle"
	"github.com/park285/cheese-puzzle-trainer/internal/trainer"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

type Frame struct {
	FEN      string
	Flipped  bool
	LastMove string
	// BarPercent is the share of the bar filled for White.
	BarPercent float64
	EvalText   string
	Header     string
}

// FrameFromSnapshot orients the board towards the solver.
func FrameFromSnapshot(s trainer.Snapshot, header string) Frame {
	return Frame{
		FEN:        s.FEN,
		Flipped:    s.Orientation == "black",
		LastMove:   s.LastMove,
		BarPercent: s.BarPercent,
		EvalText:   trainer.EvalText(s.Score),
		Header:     header,
	}
}

const (
	squareSize  = 56
	boardSize   = squareSize * 8
	barWidth    = 18
	barGap      = 10
	sideMargin  = 22
	topMargin   = 34
	bottomLabel = 22
)

var (
	lightSquare    = color.RGBA{233, 207, 163, 255}
	darkSquare     = color.RGBA{187, 136, 96, 255}
	lastMoveFill   = color.NRGBA{R: 255, G: 228, B: 120, A: 140}
	backgroundFill = color.RGBA{28, 31, 46, 255}
	barWhite       = color.RGBA{240, 240, 240, 255}
	barBlack       = color.RGBA{45, 45, 45, 255}
	textPrimary    = color.RGBA{236, 239, 255, 255}
	coordinateText = color.RGBA{8, 214, 120, 255}
)

func Size() image.Point {
	return image.Pt(sideMargin+barWidth+barGap+boardSize+sideMargin, topMargin+boardSize+bottomLabel)
}

func PNG(ctx context.Context, f Frame) ([]byte, error) {
	game, err := puzzle.NewGame(f.FEN)
	if err != nil {
		return nil, err
	}
	board := game.Position().Board()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	size := Size()
	img := image.NewRGBA(image.Rect(0, 0, size.X, size.Y))
	draw.Draw(img, img.Bounds(), image.NewUniform(backgroundFill), image.Point{}, draw.Src)

	barRect := image.Rect(sideMargin, topMargin, sideMargin+barWidth, topMargin+boardSize)
	origin := image.Pt(barRect.Max.X+barGap, topMargin)

	drawHeader(img, f.Header, f.EvalText)
	drawBar(img, barRect, f.BarPercent, f.Flipped)
	drawSquares(img, origin, f.Flipped)
	drawLastMove(img, origin, f.LastMove, f.Flipped)
	if err := drawPieces(img, board, origin, f.Flipped); err != nil {
		return nil, err
	}
	drawCoordinates(img, origin, f.Flipped)

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// squareRect places sq on the image; flipped boards put rank 1 on top.
func squareRect(sq nchess.Square, origin image.Point, flipped bool) image.Rectangle {
	col := int(sq.File())
	row := 7 - int(sq.Rank())
	if flipped {
		col = 7 - col
		row = 7 - row
	}
	x := origin.X + col*squareSize
	y := origin.Y + row*squareSize
	return image.Rect(x, y, x+squareSize, y+squareSize)
}

func squareColor(sq nchess.Square) color.Color {
	if (int(sq.File())+int(sq.Rank()))%2 == 0 {
		return darkSquare
	}
	return lightSquare
}

func allSquares() []nchess.Square {
	out := make([]nchess.Square, 0, 64)
	for r := nchess.Rank1; r <= nchess.Rank8; r++ {
		for f := nchess.FileA; f <= nchess.FileH; f++ {
			out = append(out, nchess.NewSquare(f, r))
		}
	}
	return out
}

func drawSquares(dst draw.Image, origin image.Point, flipped bool) {
	for _, sq := range allSquares() {
		draw.Draw(dst, squareRect(sq, origin, flipped), image.NewUniform(squareColor(sq)), image.Point{}, draw.Src)
	}
}

func drawLastMove(dst draw.Image, origin image.Point, move string, flipped bool) {
	if len(move) < 4 {
		return
	}
	for _, s := range []string{move[0:2], move[2:4]} {
		sq, ok := parseSquare(s)
		if !ok {
			continue
		}
		draw.Draw(dst, squareRect(sq, origin, flipped), image.NewUniform(lastMoveFill), image.Point{}, draw.Over)
	}
}

func drawPieces(dst draw.Image, board *nchess.Board, origin image.Point, flipped bool) error {
	for sq, piece := range board.SquareMap() {
		if piece == nchess.NoPiece {
			continue
		}
		img, err := pieceImage(piece, squareSize)
		if err != nil {
			return err
		}
		r := squareRect(sq, origin, flipped)
		draw.Draw(dst, r, img, image.Point{}, draw.Over)
	}
	return nil
}

// drawBar fills White's share from White's side of the board.
func drawBar(dst draw.Image, r image.Rectangle, pct float64, flipped bool) {
	draw.Draw(dst, r, image.NewUniform(barBlack), image.Point{}, draw.Src)
	white := int(float64(r.Dy())*pct/100 + 0.5)
	fill := image.Rect(r.Min.X, r.Max.Y-white, r.Max.X, r.Max.Y)
	if flipped {
		fill = image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+white)
	}
	draw.Draw(dst, fill, image.NewUniform(barWhite), image.Point{}, draw.Src)
}

func drawHeader(dst draw.Image, header, eval string) {
	d := &font.Drawer{Dst: dst, Src: image.NewUniform(textPrimary), Face: basicfont.Face7x13}
	baseline := topMargin/2 + 5
	d.Dot = fixed.P(sideMargin, baseline)
	d.DrawString(header)
	if eval != "" {
		w := d.MeasureString(eval).Ceil()
		d.Dot = fixed.P(Size().X-sideMargin-w, baseline)
		d.DrawString(eval)
	}
}

func drawCoordinates(dst draw.Image, origin image.Point, flipped bool) {
	d := &font.Drawer{Dst: dst, Src: image.NewUniform(coordinateText), Face: basicfont.Face7x13}
	for f := nchess.FileA; f <= nchess.FileH; f++ {
		r := squareRect(nchess.NewSquare(f, nchess.Rank1), origin, flipped)
		label := f.String()
		w := d.MeasureString(label).Ceil()
		d.Dot = fixed.P(r.Min.X+(squareSize-w)/2, origin.Y+boardSize+16)
		d.DrawString(label)
	}
	for rk := nchess.Rank1; rk <= nchess.Rank8; rk++ {
		r := squareRect(nchess.NewSquare(nchess.FileA, rk), origin, flipped)
		d.Dot = fixed.P(r.Min.X+3, r.Min.Y+13)
		d.DrawString(rk.String())
	}
}

func parseSquare(s string) (nchess.Square, bool) {
	if len(s) != 2 || s[0] < 'a' || s[0] > 'h' || s[1] < '1' || s[1] > '8' {
		return nchess.NoSquare, false
	}
	return nchess.NewSquare(nchess.File(s[0]-'a'), nchess.Rank(s[1]-'1')), true
}
