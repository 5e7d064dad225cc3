package render

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"strings"
	"sync"

	nchess "github.com/corentings/chess/v2"
	"github.com/srwiley/oksvg"
	"github.com/srwiley/rasterx"
)

// Glyph outlines on a 45x45 canvas, filled per side.
var pieceShapes = map[nchess.PieceType]string{
	nchess.Pawn: `<circle cx="22.5" cy="14" r="5.5"/>` +
		`<path d="M17 22 L28 22 L31 34 L14 34 Z"/>` +
		`<rect x="11" y="34" width="23" height="5" rx="1.5"/>`,
	nchess.Rook: `<path d="M11 9 L15 9 L15 12 L20 12 L20 9 L25 9 L25 12 L30 12 L30 9 L34 9 L34 16 L11 16 Z"/>` +
		`<path d="M14 16 L31 16 L31 32 L14 32 Z"/>` +
		`<rect x="9" y="32" width="27" height="6" rx="1.5"/>`,
	nchess.Knight: `<path d="M14 38 L14 31 C14 25 21 22 21 17 L15 21 L11 18 L19 8 L24 7 C33 9 35 20 33 31 L33 38 Z"/>` +
		`<circle cx="21" cy="12.5" r="1.3"/>`,
	nchess.Bishop: `<circle cx="22.5" cy="7.5" r="2.5"/>` +
		`<path d="M22.5 10 C16 15 15 21 17 26 L28 26 C30 21 29 15 22.5 10 Z"/>` +
		`<path d="M16 26 L29 26 L31 33 L14 33 Z"/>` +
		`<rect x="10" y="33" width="25" height="5" rx="1.5"/>`,
	nchess.Queen: `<circle cx="8" cy="11" r="2.5"/><circle cx="15.5" cy="8" r="2.5"/><circle cx="22.5" cy="7" r="2.5"/>` +
		`<circle cx="29.5" cy="8" r="2.5"/><circle cx="37" cy="11" r="2.5"/>` +
		`<path d="M9 13 L13 29 L32 29 L36 13 L29.5 24 L22.5 10 L15.5 24 Z"/>` +
		`<rect x="11" y="29" width="23" height="4"/>` +
		`<rect x="9" y="33" width="27" height="5" rx="1.5"/>`,
	nchess.King: `<path d="M21 4 L24 4 L24 7 L27 7 L27 10 L24 10 L24 14 L21 14 L21 10 L18 10 L18 7 L21 7 Z"/>` +
		`<path d="M22.5 14 C13 14 8 19 11 26 L13 30 L32 30 L34 26 C37 19 32 14 22.5 14 Z"/>` +
		`<rect x="10" y="30" width="25" height="8" rx="1.5"/>`,
}

func pieceSVG(piece nchess.Piece) (string, error) {
	shape, ok := pieceShapes[piece.Type()]
	if !ok {
		return "", fmt.Errorf("no glyph for piece %v", piece)
	}
	fill, stroke := "#ffffff", "#1b1b1b"
	if piece.Color() == nchess.Black {
		fill, stroke = "#1b1b1b", "#e6e6e6"
	}
	var sb strings.Builder
	sb.WriteString(`<svg xmlns="http://www.w3.org/2000/svg" viewBox="0 0 45 45" width="45" height="45">`)
	fmt.Fprintf(&sb, `<g fill="%s" stroke="%s" stroke-width="1.5" stroke-linejoin="round">`, fill, stroke)
	sb.WriteString(shape)
	sb.WriteString(`</g></svg>`)
	return sb.String(), nil
}

type pieceCacheKey struct {
	piece nchess.Piece
	size  int
}

var (
	pieceCache   = map[pieceCacheKey]image.Image{}
	pieceCacheMu sync.RWMutex
)

func pieceImage(piece nchess.Piece, size int) (image.Image, error) {
	key := pieceCacheKey{piece: piece, size: size}

	pieceCacheMu.RLock()
	if img, ok := pieceCache[key]; ok {
		pieceCacheMu.RUnlock()
		return img, nil
	}
	pieceCacheMu.RUnlock()

	src, err := pieceSVG(piece)
	if err != nil {
		return nil, err
	}
	icon, err := oksvg.ReadIconStream(strings.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("parse piece svg: %w", err)
	}
	icon.SetTarget(0, 0, float64(size), float64(size))

	img := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.Transparent), image.Point{}, draw.Src)
	scanner := rasterx.NewScannerGV(size, size, img, img.Bounds())
	raster := rasterx.NewDasher(size, size, scanner)
	icon.Draw(raster, 1.0)

	pieceCacheMu.Lock()
	pieceCache[key] = img
	pieceCacheMu.Unlock()
	return img, nil
}
