package console

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/loqalabs/loqa-listen/internal/events"
)

// Printer renders transcripts for a terminal. Partials rewrite the current line, finals are
// printed on their own line with confidence.
type Printer struct {
	w        io.Writer
	partials bool
	width    int
}

func NewPrinter(w io.Writer, partials bool) *Printer {
	return &Printer{w: w, partials: partials}
}

// Consume prints events until the channel closes or ctx is done.
func (p *Printer) Consume(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			p.clear()
			return
		case e, ok := <-ch:
			if !ok {
				p.clear()
				return
			}
			p.Print(e)
		}
	}
}

func (p *Printer) Print(e events.Event) {
	switch e.Kind {
	case events.KindPartial:
		if !p.partials {
			return
		}
		line := "… " + e.Text
		pad := ""
		if n := len(line); n < p.width {
			pad = strings.Repeat(" ", p.width-n)
		}
		fmt.Fprintf(p.w, "\r%s%s", line, pad)
		p.width = len(line)
	case events.KindFinal:
		p.clear()
		fmt.Fprintf(p.w, "%s (confidence %.2f)\n", e.Text, e.Confidence)
	case events.KindState:
		if e.State == "failed" {
			p.clear()
			fmt.Fprintf(p.w, "session failed: %s\n", e.Reason)
		}
	}
}

func (p *Printer) clear() {
	if p.width == 0 {
		return
	}
	fmt.Fprintf(p.w, "\r%s\r", strings.Repeat(" ", p.width))
	p.width = 0
}
