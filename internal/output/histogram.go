// Package output renders run-queue latency histograms as text.
package output

import (
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	"golang.org/x/term"

	"runqlat_exporter/internal/histogram"
)

const starsMax = 40

// lastSlot returns the highest non-empty slot, or -1 when h is empty.
func lastSlot(h *histogram.Histogram) int {
	for i := len(h) - 1; i >= 0; i-- {
		if h[i] != 0 {
			return i
		}
	}
	return -1
}

func stars(val, peak uint32, width int) string {
	if peak == 0 {
		return strings.Repeat(" ", width)
	}
	n := int(uint64(min(val, peak)) * uint64(width) / uint64(peak))
	s := strings.Repeat("*", n) + strings.Repeat(" ", width-n)
	if val > peak {
		s = s[:width-1] + "+"
	}
	return s
}

// WriteLog2 writes h in the classic log2 layout:
//
//	     usecs               : count    distribution
//	         0 -> 1          : 233      |***********                             |
//
// Slots above the highest non-empty one are omitted.
func WriteLog2(w io.Writer, unit string, h *histogram.Histogram) error {
	last := lastSlot(h)
	if last < 0 {
		return nil
	}
	var peak uint32
	for i := 0; i <= last; i++ {
		if h[i] > peak {
			peak = h[i]
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%5s%-19s : count    distribution\n", "", unit)
	for i := 0; i <= last; i++ {
		low, high := histogram.Bounds(i)
		hi := fmt.Sprintf("%d", high)
		if i == histogram.Slots-1 {
			hi = "inf"
		}
		fmt.Fprintf(&b, "%10d -> %-10s : %-8d |%s|\n", low, hi, h[i], stars(h[i], peak, starsMax))
	}
	_, err := io.WriteString(w, b.String())
	return err
}

// Namer resolves a tgid to a process name.
type Namer interface {
	Name(tgid uint32) string
}

// Printer writes every drained snapshot to a stream, one histogram per process.
type Printer struct {
	w     io.Writer
	names Namer
	reset bool
	now   func() time.Time
}

// NewPrinter prints to w. The screen is cleared before each snapshot only when
// w is a terminal.
func NewPrinter(w io.Writer, names Namer) *Printer {
	tty := false
	if f, ok := w.(*os.File); ok {
		tty = term.IsTerminal(int(f.Fd()))
	}
	return &Printer{w: w, names: names, reset: tty, now: time.Now}
}

// Print renders a snapshot, processes in ascending tgid order.
func (p *Printer) Print(snap map[uint32]histogram.Histogram) {
	tgids := make([]uint32, 0, len(snap))
	for tgid, h := range snap {
		if !h.IsZero() {
			tgids = append(tgids, tgid)
		}
	}
	slices.Sort(tgids)

	var b strings.Builder
	if p.reset {
		b.WriteString("\033[H\033[J")
	}
	fmt.Fprintf(&b, "%s\n", p.now().Format("15:04:05"))
	if len(tgids) == 0 {
		b.WriteString("no samples\n")
	}
	for _, tgid := range tgids {
		h := snap[tgid]
		fmt.Fprintf(&b, "\ntgid = %d %s\n", tgid, p.names.Name(tgid))
		_ = WriteLog2(&b, "usecs", &h)
	}
	_, _ = io.WriteString(p.w, b.String())
}
