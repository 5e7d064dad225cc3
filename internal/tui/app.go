package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/park285/cheese-puzzle-trainer/internal/msgcat"
	"github.com/park285/cheese-puzzle-trainer/internal/puzzle"
	"github.com/park285/cheese-puzzle-trainer/internal/trainer"
	"github.com/rivo/tview"
	"go.uber.org/zap"
)

const (
	ratingStep   = 100
	minRating    = 400
	maxRating    = 3200
	fetchTimeout = 15 * time.Second
)

type Options struct {
	Source      puzzle.Source
	Evaluators  trainer.EvaluatorFactory
	Catalog     *msgcat.Catalog
	Logger      *zap.Logger
	Rating      int
	ReplyDelay  time.Duration
	SolvedDelay time.Duration
}

type App struct {
	opt     Options
	logger  *zap.Logger
	catalog *msgcat.Catalog

	app     *tview.Application
	pages   *tview.Pages
	board   *BoardView
	header  *tview.TextView
	status  *tview.TextView
	help    *tview.TextView
	session *trainer.Session

	ctx    context.Context
	rating int
}

func New(opt Options) *App {
	if opt.Logger == nil {
		opt.Logger = zap.NewNop()
	}
	if opt.Catalog == nil {
		opt.Catalog = msgcat.MustDefault()
	}
	if opt.Rating <= 0 {
		opt.Rating = 1500
	}
	a := &App{
		opt:     opt,
		logger:  opt.Logger,
		catalog: opt.Catalog,
		app:     tview.NewApplication(),
		pages:   tview.NewPages(),
		rating:  opt.Rating,
		ctx:     context.Background(),
	}
	a.session = trainer.New(trainer.Options{
		Evaluators:  opt.Evaluators,
		Catalog:     opt.Catalog,
		Logger:      opt.Logger,
		ReplyDelay:  opt.ReplyDelay,
		SolvedDelay: opt.SolvedDelay,
		OnChange: func(s trainer.Snapshot) {
			a.app.QueueUpdateDraw(func() { a.apply(s) })
		},
		OnSolved: func(s trainer.Snapshot) {
			a.app.QueueUpdateDraw(func() { a.showSolved() })
		},
	})
	a.layout()
	return a
}

func (a *App) layout() {
	a.board = NewBoardView(a.submit)

	a.header = tview.NewTextView().SetDynamicColors(true)
	a.header.SetBorder(true).SetTitle(" Puzzle ").SetTitleAlign(tview.AlignLeft)

	a.status = tview.NewTextView().SetDynamicColors(true).SetWordWrap(true)
	a.status.SetBorder(true).SetBorderPadding(0, 0, 1, 1).SetTitle(" Status ").SetTitleAlign(tview.AlignLeft)

	a.help = tview.NewTextView().SetDynamicColors(true)
	a.refreshHelp()

	side := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(a.header, 3, 0, false).
		AddItem(a.status, 0, 1, false).
		AddItem(a.help, 4, 0, false)

	main := tview.NewFlex().
		AddItem(a.board, barCols+barGap+labelCols+8*cellWidth+2, 0, true).
		AddItem(side, 0, 1, false)

	a.pages.AddPage("main", main, true, true)
	a.pages.SetBorder(true).SetTitle(" ♞ cheese puzzle trainer ")

	a.board.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if event.Key() != tcell.KeyRune {
			return event
		}
		switch event.Rune() {
		case 'q':
			a.app.Stop()
			return nil
		case 'n':
			go a.load(a.rating)
			return nil
		case '+', '=':
			a.adjustRating(ratingStep)
			return nil
		case '-':
			a.adjustRating(-ratingStep)
			return nil
		}
		return event
	})
	a.apply(a.session.Snapshot())
}

// Run blocks until the user quits or ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	a.ctx = ctx
	defer func() {
		if err := a.session.Close(); err != nil {
			a.logger.Warn("session_close_failed", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		a.app.Stop()
	}()
	go a.load(a.rating)
	return a.app.SetRoot(a.pages, true).SetFocus(a.board).Run()
}

func (a *App) load(rating int) {
	ctx, cancel := context.WithTimeout(a.ctx, fetchTimeout)
	defer cancel()
	if err := a.session.Next(ctx, a.opt.Source, rating); err != nil {
		if errors.Is(err, trainer.ErrClosed) {
			return
		}
		msg := noticeFor(a.catalog, err, rating)
		a.app.QueueUpdateDraw(func() { a.showNotice(msg) })
	}
}

func noticeFor(cat *msgcat.Catalog, err error, rating int) string {
	switch {
	case errors.Is(err, puzzle.ErrNoPuzzle):
		return cat.Text("notice.no_puzzle", map[string]any{"Rating": rating}, "No puzzle found for this rating.")
	case errors.Is(err, puzzle.ErrMalformedPuzzle):
		return cat.Text("notice.malformed", map[string]any{"Reason": err.Error()}, "The puzzle cannot be played.")
	default:
		return cat.Text("notice.fetch_failed", nil, "Could not reach backend.")
	}
}

func (a *App) submit(c trainer.Candidate) {
	out, err := a.session.AttemptMove(c)
	if err != nil {
		a.logger.Debug("attempt_ignored", zap.Error(err))
	}
	if out.Rejected() {
		a.board.ClearSelection()
	}
}

func (a *App) apply(s trainer.Snapshot) {
	a.board.SetSnapshot(s)
	if s.PuzzleID != "" {
		a.header.SetText(a.catalog.Text("header.puzzle",
			map[string]any{"Rating": s.Rating, "Themes": strings.Join(s.Themes, ", ")}, ""))
	}
	var sb strings.Builder
	sb.WriteString(s.Feedback.Message)
	sb.WriteString("\n\n")
	if s.ScoreKnown {
		fmt.Fprintf(&sb, "Eval: %s\n", trainer.EvalText(s.Score))
	} else {
		sb.WriteString("Eval: …\n")
	}
	if s.SolutionLength > 0 {
		fmt.Fprintf(&sb, "Move %d of %d, %s to play\n", s.SolutionIndex, s.SolutionLength, s.Turn)
	}
	a.status.SetText(sb.String())
}

func (a *App) adjustRating(delta int) {
	a.rating = clamp(a.rating+delta, minRating, maxRating)
	a.refreshHelp()
}

func (a *App) refreshHelp() {
	a.help.SetText(fmt.Sprintf(
		"[yellow]arrows[-] move  [yellow]enter[-] pick/drop  [yellow]esc[-] cancel\n"+
			"[yellow]n[-] new puzzle  [yellow]+/-[-] rating (%d)  [yellow]q[-] quit", a.rating))
}

func (a *App) showNotice(msg string) {
	modal := tview.NewModal().
		SetText(msg).
		AddButtons([]string{"OK"}).
		SetDoneFunc(func(int, string) {
			a.pages.RemovePage("notice")
			a.app.SetFocus(a.board)
		})
	a.pages.AddPage("notice", modal, false, true)
	a.app.SetFocus(modal)
}

func (a *App) showSolved() {
	msg := a.catalog.Text("notice.solved", nil, "Excellent! Puzzle Solved.")
	modal := tview.NewModal().
		SetText(msg).
		AddButtons([]string{"Next puzzle", "Stay"}).
		SetDoneFunc(func(idx int, _ string) {
			a.pages.RemovePage("solved")
			a.app.SetFocus(a.board)
			if idx == 0 {
				go a.load(a.rating)
			}
		})
	a.pages.AddPage("solved", modal, false, true)
	a.app.SetFocus(modal)
}
