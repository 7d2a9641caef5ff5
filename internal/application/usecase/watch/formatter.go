package watch

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"coinfeed/internal/domain"
)

const (
	ansiReset    = "\033[0m"
	ansiRed      = "\033[31m"
	ansiGreen    = "\033[32m"
	ansiYellow   = "\033[33m"
	ansiDim      = "\033[2m"
	ansiClearEOL = "\033[K"
)

func colorize(s, c string) string { return c + s + ansiReset }

type Formatter struct {
	Color bool
}

func NewFormatter(color bool) *Formatter {
	return &Formatter{Color: color}
}

type RenderMode int

const (
	RenderLive RenderMode = iota
	RenderSnapshot
)

func (f *Formatter) paint(s, c string) string {
	if !f.Color {
		return s
	}
	return colorize(s, c)
}

func (f *Formatter) Render(b *domain.Board, mode RenderMode) string {
	snap := b.Snapshot()
	coins := b.Coins()

	var sb strings.Builder
	if mode == RenderLive {
		sb.WriteString("\r")
	}

	sb.WriteString(f.paint("[COINFEED] ", ansiDim))

	for i, c := range coins {
		if i > 0 {
			sb.WriteString(f.paint("  ||  ", ansiDim))
		}
		st := snap[c]

		px := "--"
		pxCol := ansiYellow
		if st.Price.HasValue {
			px = FormatPrice(st.Price.Number)
			switch st.Price.Direction {
			case domain.DirectionUp:
				pxCol = ansiGreen
			case domain.DirectionDown:
				pxCol = ansiRed
			}
		}

		pct := "--%"
		pctCol := ansiYellow
		if st.HasPercent {
			pct = fmt.Sprintf("%+.2f%%", st.PercentChange)
			switch {
			case st.PercentChange > 0:
				pctCol = ansiGreen
			case st.PercentChange < 0:
				pctCol = ansiRed
			}
		}

		sb.WriteString(c.Symbol)
		sb.WriteString(" ")
		sb.WriteString(f.paint(px, pxCol))
		sb.WriteString(" ")
		sb.WriteString(f.paint(pct, pctCol))
	}

	if mode == RenderLive {
		sb.WriteString(ansiClearEOL)
	}
	return sb.String()
}

// FormatPrice 价格越小保留的小数位越多
func FormatPrice(px float64) string {
	prec := 2
	if abs := math.Abs(px); abs > 0 && abs < 1 {
		// keep four significant digits
		prec = int(math.Ceil(-math.Log10(abs))) + 3
	}
	return strconv.FormatFloat(px, 'f', prec, 64)
}
