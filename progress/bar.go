package progress

import (
	"fmt"
	"math"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/term"

	"github.com/ollama/finetune/format"
)

// Bar renders the completion of a fixed number of items.
type Bar struct {
	message      string
	messageWidth int
	unit         string

	maxValue     int64
	initialValue int64
	currentValue atomic.Int64

	started time.Time
	done    atomic.Bool
}

func NewBar(message, unit string, maxValue, initialValue int64) *Bar {
	b := &Bar{
		message:      message,
		messageWidth: -1,
		unit:         unit,
		maxValue:     maxValue,
		initialValue: initialValue,
		started:      time.Now(),
	}
	b.Set(initialValue)
	return b
}

// formatDuration limits the rendering of a time.Duration to 2 units
func formatDuration(d time.Duration) string {
	if d >= 100*time.Hour {
		return "99h+"
	}

	if d >= time.Hour {
		return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
	}

	return d.Round(time.Second).String()
}

func (b *Bar) String() string {
	termWidth, _, err := term.GetSize(int(os.Stderr.Fd()))
	if err != nil {
		termWidth = defaultTermWidth
	}

	var pre, mid, suf strings.Builder

	if b.message != "" {
		message := strings.TrimSpace(b.message)
		if b.messageWidth > 0 && len(message) > b.messageWidth {
			message = message[:b.messageWidth]
		}

		fmt.Fprintf(&pre, "%s", message)
		if b.messageWidth-pre.Len() >= 0 {
			pre.WriteString(strings.Repeat(" ", b.messageWidth-pre.Len()))
		}

		pre.WriteString(" ")
	}

	current := b.currentValue.Load()
	fmt.Fprintf(&pre, "%3.0f%% ", math.Floor(b.percent()))

	fmt.Fprintf(&suf, "(%s/%s %s", format.HumanNumber(uint64(current)), format.HumanNumber(uint64(b.maxValue)), b.unit)

	elapsed := time.Since(b.started)
	if !b.done.Load() && current > b.initialValue && elapsed > 0 {
		rate := float64(current-b.initialValue) / elapsed.Seconds()
		fmt.Fprintf(&suf, ", %.0f/s", rate)
		if rate > 0 {
			remaining := time.Duration(float64(b.maxValue-current) / rate * float64(time.Second))
			fmt.Fprintf(&suf, ") [%s:%s]", formatDuration(elapsed), formatDuration(remaining))
		} else {
			suf.WriteString(")")
		}
	} else {
		suf.WriteString(")")
	}

	// add 3 extra spaces: 2 boundary characters and 1 space at the end
	f := termWidth - pre.Len() - suf.Len() - 3
	n := int(float64(f) * b.percent() / 100)

	if f > 0 {
		mid.WriteString("▕")
		mid.WriteString(strings.Repeat("█", n))
		if f-n > 0 {
			mid.WriteString(strings.Repeat(" ", f-n))
		}
		mid.WriteString("▏")
	}

	return pre.String() + mid.String() + suf.String()
}

// Set records the number of completed items. It is safe to call from any
// goroutine.
func (b *Bar) Set(value int64) {
	if value >= b.maxValue {
		value = b.maxValue
		b.done.Store(true)
	}

	b.currentValue.Store(value)
}

func (b *Bar) percent() float64 {
	if b.maxValue > 0 {
		return float64(b.currentValue.Load()) / float64(b.maxValue) * 100
	}

	return 0
}
