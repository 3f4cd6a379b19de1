package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

const defaultBarWidth = 40

// progress draws a bar on a terminal and stays silent otherwise.
type progress struct {
	w     io.Writer
	width int
	last  int
}

// newProgress returns nil unless f is a terminal.
func newProgress(f *os.File) *progress {
	fd := int(f.Fd())
	if !term.IsTerminal(fd) {
		return nil
	}
	width := defaultBarWidth
	if cols, _, err := term.GetSize(fd); err == nil && cols > 30 {
		width = min(cols-20, 60)
	}
	return &progress{w: f, width: width, last: -1}
}

func (p *progress) update(done, total int) {
	if p == nil || total <= 0 {
		return
	}
	pct := done * 100 / total
	if pct == p.last {
		return
	}
	p.last = pct
	fill := done * p.width / total
	fmt.Fprintf(p.w, "\r[%s%s] %3d%%", strings.Repeat("#", fill), strings.Repeat(".", p.width-fill), pct)
}

func (p *progress) finish() {
	if p == nil {
		return
	}
	fmt.Fprintln(p.w)
}
