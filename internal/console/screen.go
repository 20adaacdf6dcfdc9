package console

import (
	"bytes"
	"strconv"
	"strings"
	"sync"

	"github.com/hinshun/vt10x"
)

const (
	// Mirrors vt10x internal glyph mode bits.
	attrReverse   int16 = 1 << 0
	attrUnderline int16 = 1 << 1
	attrBold      int16 = 1 << 2
	attrItalic    int16 = 1 << 4
	attrBlink     int16 = 1 << 5
)

// Screen is a virtual terminal fed with a task's pty output.
type Screen struct {
	mu    sync.Mutex
	term  vt10x.Terminal
	wrote bool
}

type glyphStyle struct {
	bold      bool
	underline bool
	italic    bool
	blink     bool
	reverse   bool
	fg        vt10x.Color
	bg        vt10x.Color
}

// NewScreen returns an 80x24 screen when cols or rows is zero.
func NewScreen(cols, rows uint16) *Screen {
	if cols == 0 {
		cols = 80
	}
	if rows == 0 {
		rows = 24
	}
	return &Screen{term: vt10x.New(vt10x.WithSize(int(cols), int(rows)))}
}

// Write feeds terminal output. It never fails so it can sit in an io.MultiWriter.
func (s *Screen) Write(data []byte) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.term.Write(data); err == nil {
		s.wrote = true
	}
	return len(data), nil
}

// Text returns the visible screen as plain text: trailing blanks trimmed on
// every line, trailing empty lines dropped.
func (s *Screen) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.wrote {
		return ""
	}

	view := s.term
	view.Lock()
	defer view.Unlock()

	cols, rows := view.Size()
	lines := make([]string, 0, rows)
	for y := 0; y < rows; y++ {
		var line strings.Builder
		for x := 0; x < cols; x++ {
			ch := view.Cell(x, y).Char
			if ch == 0 {
				ch = ' '
			}
			line.WriteRune(ch)
		}
		lines = append(lines, strings.TrimRight(line.String(), " "))
	}
	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return strings.Join(lines, "\n")
}

// Frame renders the visible screen with colors and attributes as an ANSI
// byte stream that repaints a terminal of the same size.
func (s *Screen) Frame() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.wrote {
		return nil
	}

	view := s.term
	view.Lock()
	defer view.Unlock()

	cols, rows := view.Size()
	if cols <= 0 || rows <= 0 {
		return nil
	}
	cursor := view.Cursor()
	return renderFrame(view, cols, rows, clamp(cursor.X, cols-1), clamp(cursor.Y, rows-1), view.CursorVisible())
}

func renderFrame(view vt10x.View, cols, rows, cursorX, cursorY int, cursorVisible bool) []byte {
	var out bytes.Buffer
	mode := view.Mode()

	if mode&vt10x.ModeAltScreen != 0 {
		out.WriteString("\x1b[?1049h")
	}
	out.WriteString("\x1b[?25l\x1b[?7l\x1b[0m\x1b[H\x1b[2J")

	for y := 0; y < rows; y++ {
		writeCursorMove(&out, y+1, 1)
		current := glyphStyle{fg: vt10x.DefaultFG, bg: vt10x.DefaultBG}
		styleSet := false
		last := lastPaintedCol(view, y, cols)

		for x := 0; x <= last; x++ {
			cell := view.Cell(x, y)
			next := styleOf(cell)
			if !styleSet || next != current {
				writeStyle(&out, next)
				current = next
				styleSet = true
			}
			ch := cell.Char
			if ch == 0 {
				ch = ' '
			}
			out.WriteRune(ch)
		}
		if last < cols-1 {
			out.WriteString("\x1b[0m\x1b[K")
		} else {
			out.WriteString("\x1b[0m")
		}
	}

	if mode&vt10x.ModeWrap != 0 {
		out.WriteString("\x1b[?7h")
	}
	writeCursorMove(&out, cursorY+1, cursorX+1)
	if cursorVisible {
		out.WriteString("\x1b[?25h")
	}
	return out.Bytes()
}

func lastPaintedCol(view vt10x.View, row, cols int) int {
	last := -1
	for x := 0; x < cols; x++ {
		cell := view.Cell(x, row)
		if (cell.Char != 0 && cell.Char != ' ') || !styleOf(cell).isDefault() {
			last = x
		}
	}
	return last
}

func writeCursorMove(out *bytes.Buffer, row, col int) {
	out.WriteString("\x1b[")
	out.WriteString(strconv.Itoa(row))
	out.WriteByte(';')
	out.WriteString(strconv.Itoa(col))
	out.WriteByte('H')
}

func styleOf(cell vt10x.Glyph) glyphStyle {
	return glyphStyle{
		bold:      cell.Mode&attrBold != 0,
		underline: cell.Mode&attrUnderline != 0,
		italic:    cell.Mode&attrItalic != 0,
		blink:     cell.Mode&attrBlink != 0,
		reverse:   cell.Mode&attrReverse != 0,
		fg:        cell.FG,
		bg:        cell.BG,
	}
}

func (g glyphStyle) isDefault() bool {
	return !g.bold && !g.underline && !g.italic && !g.blink && !g.reverse &&
		g.fg == vt10x.DefaultFG && g.bg == vt10x.DefaultBG
}

func writeStyle(out *bytes.Buffer, g glyphStyle) {
	out.WriteString("\x1b[0")
	if g.bold {
		out.WriteString(";1")
	}
	if g.italic {
		out.WriteString(";3")
	}
	if g.underline {
		out.WriteString(";4")
	}
	if g.blink {
		out.WriteString(";5")
	}
	if g.reverse {
		out.WriteString(";7")
	}
	writeColor(out, g.fg, true)
	writeColor(out, g.bg, false)
	out.WriteByte('m')
}

func writeColor(out *bytes.Buffer, c vt10x.Color, fg bool) {
	switch {
	case fg && c == vt10x.DefaultFG, !fg && c == vt10x.DefaultBG:
		return
	case c < 8:
		base := 40
		if fg {
			base = 30
		}
		out.WriteString(";" + strconv.Itoa(base+int(c)))
	case c < 16:
		base := 100
		if fg {
			base = 90
		}
		out.WriteString(";" + strconv.Itoa(base+int(c)-8))
	case c < 256:
		if fg {
			out.WriteString(";38;5;" + strconv.Itoa(int(c)))
		} else {
			out.WriteString(";48;5;" + strconv.Itoa(int(c)))
		}
	default:
		rgb := uint32(c)
		r, g, b := (rgb>>16)&0xff, (rgb>>8)&0xff, rgb&0xff
		sel := ";48;2;"
		if fg {
			sel = ";38;2;"
		}
		out.WriteString(sel + strconv.Itoa(int(r)) + ";" + strconv.Itoa(int(g)) + ";" + strconv.Itoa(int(b)))
	}
}

func clamp(v, max int) int {
	if v < 0 {
		return 0
	}
	if v > max {
		return max
	}
	return v
}
