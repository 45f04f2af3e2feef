package terminal

import (
	"strings"

	"blackmoon-term/internal/protocol"
)

// Control characters handled by the discipline.
const (
	keyInterrupt = 0x03 // Ctrl-C
	keyBackspace = 0x08
	keyLF        = '\n'
	keyCR        = '\r'
	keyEscape    = 0x1b
	keyDelete    = 0x7f
)

// Local echo sequences.
const (
	EchoNewline   = "\r\n"
	EchoInterrupt = "^C\r\n"
	EchoErase     = "\b \b"
)

type escState int

const (
	escNone  escState = iota
	escStart          // saw ESC
	escCSI            // ESC [ ... until a final byte
	escSS3            // ESC O <one byte>
)

// Discipline turns raw keystrokes into local echo and protocol commands.
// It performs no I/O. It is not safe for concurrent use; the session
// controller serializes calls.
type Discipline struct {
	buf    []rune
	esc    escState
	lastCR bool
}

// NewDiscipline returns an empty line discipline.
func NewDiscipline() *Discipline {
	return &Discipline{}
}

// Feed consumes keystroke text. It returns the bytes to echo locally and
// the commands to send, in order.
func (d *Discipline) Feed(keys string) (string, []protocol.Command) {
	var (
		echo strings.Builder
		cmds []protocol.Command
	)

	for _, r := range keys {
		if d.esc != escNone {
			d.skipEscape(r)
			continue
		}

		wasCR := d.lastCR
		d.lastCR = false

		switch {
		case r == keyEscape:
			d.esc = escStart

		case r == keyCR:
			d.lastCR = true
			cmds = append(cmds, d.flush())
			echo.WriteString(EchoNewline)

		case r == keyLF:
			if wasCR {
				// Second half of a CRLF pair.
				continue
			}
			cmds = append(cmds, d.flush())
			echo.WriteString(EchoNewline)

		case r == keyInterrupt:
			d.buf = d.buf[:0]
			cmds = append(cmds, protocol.Stop())
			echo.WriteString(EchoInterrupt)

		case r == keyBackspace || r == keyDelete:
			if len(d.buf) > 0 {
				d.buf = d.buf[:len(d.buf)-1]
				echo.WriteString(EchoErase)
			}

		case isPrintable(r):
			d.buf = append(d.buf, r)
			echo.WriteRune(r)

		default:
			// Other control characters are dropped.
		}
	}

	return echo.String(), cmds
}

// skipEscape advances the escape-sequence recognizer by one rune.
// Every rune of a sequence is dropped.
func (d *Discipline) skipEscape(r rune) {
	switch d.esc {
	case escStart:
		switch r {
		case '[':
			d.esc = escCSI
		case 'O':
			d.esc = escSS3
		case keyEscape:
			// ESC ESC: stay in escape.
		default:
			d.esc = escNone
		}
	case escCSI:
		// Parameter and intermediate bytes are 0x20-0x3F; a final byte
		// 0x40-0x7E or any stray control ends the sequence.
		if r < 0x20 || r > 0x3f {
			d.esc = escNone
		}
	case escSS3:
		d.esc = escNone
	}
}

func (d *Discipline) flush() protocol.Command {
	line := string(d.buf)
	d.buf = d.buf[:0]
	return protocol.Input(line)
}

// Buffer returns the pending, unsent line.
func (d *Discipline) Buffer() string {
	return string(d.buf)
}

// Reset clears the pending line and any partial escape sequence.
func (d *Discipline) Reset() {
	d.buf = d.buf[:0]
	d.esc = escNone
	d.lastCR = false
}

func isPrintable(r rune) bool {
	return r >= ' ' && r != keyDelete && !(r >= 0x80 && r <= 0x9f)
}
