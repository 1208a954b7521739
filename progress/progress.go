// Package progress renders live status lines for long running commands.
package progress

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"golang.org/x/term"
)

const (
	defaultTermWidth  = 80
	defaultTermHeight = 24

	refresh = 100 * time.Millisecond
)

const (
	hideCursor = "\033[?25l"
	showCursor = "\033[?25h"
	cursorUp   = "\033[A"
	clearLine  = "\033[2K"
	lineStart  = "\033[1G"
	clearToEOL = "\033[K"
	syncBegin  = "\033[?2026h"
	syncEnd    = "\033[?2026l"
)

type State interface {
	String() string
}

// Progress redraws its states in place on a terminal. On any other writer it
// prints each state once when stopped.
type Progress struct {
	mu  sync.Mutex
	w   *bufio.Writer
	tty bool

	keys   []string
	states map[string]State
	lines  int

	ticker *time.Ticker
	done   chan struct{}
	once   sync.Once
}

func NewProgress(w io.Writer) *Progress {
	f, ok := w.(*os.File)
	return newProgress(w, ok && term.IsTerminal(int(f.Fd())))
}

func newProgress(w io.Writer, tty bool) *Progress {
	p := &Progress{
		w:      bufio.NewWriter(w),
		tty:    tty,
		states: make(map[string]State),
		ticker: time.NewTicker(refresh),
		done:   make(chan struct{}),
	}

	if tty {
		fmt.Fprint(p.w, hideCursor)
	}

	go p.run()
	return p
}

// Add shows state under key, replacing any state already shown there.
func (p *Progress) Add(key string, state State) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.states[key]; !ok {
		p.keys = append(p.keys, key)
	}
	p.states[key] = state
}

// Stop draws the final states and restores the cursor. It reports false when
// already stopped.
func (p *Progress) Stop() bool {
	stopped := p.stop()

	p.mu.Lock()
	defer p.mu.Unlock()

	if stopped {
		if p.tty {
			p.draw()
			fmt.Fprintln(p.w)
		} else {
			for _, key := range p.keys {
				fmt.Fprintln(p.w, p.states[key].String())
			}
		}
	}

	p.restore()
	return stopped
}

// StopAndClear erases every drawn line instead of leaving the final states.
func (p *Progress) StopAndClear() bool {
	stopped := p.stop()

	p.mu.Lock()
	defer p.mu.Unlock()

	if stopped && p.tty {
		for i := range p.lines {
			if i > 0 {
				fmt.Fprint(p.w, cursorUp)
			}
			fmt.Fprint(p.w, clearLine)
		}
		fmt.Fprint(p.w, lineStart)
		p.lines = 0
	}

	p.restore()
	return stopped
}

func (p *Progress) stop() bool {
	var stopped bool
	p.once.Do(func() {
		p.ticker.Stop()
		close(p.done)
		stopped = true
	})

	if stopped {
		p.mu.Lock()
		for _, state := range p.states {
			if spinner, ok := state.(*Spinner); ok {
				spinner.Stop()
			}
		}
		p.mu.Unlock()
	}

	return stopped
}

func (p *Progress) restore() {
	if p.tty {
		fmt.Fprint(p.w, showCursor)
	}
	p.w.Flush()
}

func (p *Progress) run() {
	for {
		select {
		case <-p.done:
			return
		case <-p.ticker.C:
			if p.tty {
				p.mu.Lock()
				p.draw()
				p.mu.Unlock()
			}
		}
	}
}

// draw rewrites the lines from the previous draw. Only the newest states that
// fit on the terminal are shown. Callers hold mu.
func (p *Progress) draw() {
	_, height, err := term.GetSize(int(os.Stderr.Fd()))
	if err != nil {
		height = defaultTermHeight
	}

	fmt.Fprint(p.w, syncBegin)
	for range p.lines - 1 {
		fmt.Fprint(p.w, cursorUp)
	}
	fmt.Fprint(p.w, lineStart)

	keys := p.keys[max(0, len(p.keys)-height):]
	for i, key := range keys {
		if i > 0 {
			fmt.Fprint(p.w, "\n")
		}
		fmt.Fprint(p.w, p.states[key].String(), clearToEOL)
	}

	p.lines = len(keys)
	fmt.Fprint(p.w, syncEnd)
	p.w.Flush()
}
