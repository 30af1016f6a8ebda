package terminal

import (
	"bytes"
	"fmt"

	"github.com/hinshun/vt10x"
)

// renderScreen paints vt's cells with SGR colour codes and finishes with
// the cursor in place. Trailing blank cells of each row are skipped.
func renderScreen(vt vt10x.Terminal) []byte {
	var buf bytes.Buffer
	cols, rows := vt.Size()

	buf.WriteString("\x1b[2J\x1b[H")

	fg, bg := vt10x.DefaultFG, vt10x.DefaultBG
	for y := 0; y < rows; y++ {
		end := cols
		for end > 0 && blank(vt.Cell(end-1, y)) {
			end--
		}
		for x := 0; x < end; x++ {
			cell := vt.Cell(x, y)
			if cell.FG != fg || cell.BG != bg {
				buf.WriteString("\x1b[0m")
				if cell.FG != vt10x.DefaultFG && cell.FG < 256 {
					fmt.Fprintf(&buf, "\x1b[38;5;%dm", cell.FG)
				}
				if cell.BG != vt10x.DefaultBG && cell.BG < 256 {
					fmt.Fprintf(&buf, "\x1b[48;5;%dm", cell.BG)
				}
				fg, bg = cell.FG, cell.BG
			}
			if cell.Char == 0 {
				buf.WriteByte(' ')
			} else {
				buf.WriteRune(cell.Char)
			}
		}
		if y < rows-1 {
			buf.WriteString("\r\n")
		}
	}

	buf.WriteString("\x1b[0m")
	cur := vt.Cursor()
	fmt.Fprintf(&buf, "\x1b[%d;%dH", cur.Y+1, cur.X+1)
	return buf.Bytes()
}

func blank(g vt10x.Glyph) bool {
	return (g.Char == 0 || g.Char == ' ') && g.BG == vt10x.DefaultBG
}
