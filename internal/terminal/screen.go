package terminal

import (
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
)

// NoticeLevel is the severity of a local notice.
type NoticeLevel int

const (
	NoticeInfo NoticeLevel = iota
	NoticeWarning
	NoticeError
)

// String returns the string representation of the level.
func (l NoticeLevel) String() string {
	switch l {
	case NoticeInfo:
		return "info"
	case NoticeWarning:
		return "warning"
	case NoticeError:
		return "error"
	default:
		return "unknown"
	}
}

const clearScreen = "\x1b[2J\x1b[H"

// Screen renders session output onto a raw-mode terminal writer.
// Line feeds are expanded to CRLF because raw mode disables output
// post-processing.
type Screen struct {
	mu sync.Mutex
	w  io.Writer

	errStyle  lipgloss.Style
	infoStyle lipgloss.Style
	warnStyle lipgloss.Style
}

// NewScreen creates a Screen writing to w. Colors are chosen for w's
// capabilities, so non-terminal writers get plain text.
func NewScreen(w io.Writer) *Screen {
	r := lipgloss.NewRenderer(w)
	return &Screen{
		w:         w,
		errStyle:  r.NewStyle().Foreground(lipgloss.Color("9")),
		infoStyle: r.NewStyle().Faint(true),
		warnStyle: r.NewStyle().Foreground(lipgloss.Color("11")).Bold(true),
	}
}

// Clear wipes prior output.
func (s *Screen) Clear() {
	s.write(clearScreen)
}

// Output renders one line of normal output.
func (s *Screen) Output(text string) {
	s.write(crlf(text) + EchoNewline)
}

// Text renders backend text verbatim.
func (s *Screen) Text(text string) {
	s.write(crlf(text))
}

// ErrorOutput renders one line of error output.
func (s *Screen) ErrorOutput(text string) {
	s.write(styleLines(s.errStyle, text) + EchoNewline)
}

// Echo writes line discipline echo unchanged.
func (s *Screen) Echo(text string) {
	s.write(text)
}

// Notice renders a local status message on its own line.
func (s *Screen) Notice(level NoticeLevel, msg string) {
	var style lipgloss.Style
	prefix := "[*] "
	switch level {
	case NoticeWarning:
		style, prefix = s.warnStyle, "[!] "
	case NoticeError:
		style, prefix = s.errStyle, "[x] "
	default:
		style = s.infoStyle
	}
	s.write(styleLines(style, prefix+msg) + EchoNewline)
}

func (s *Screen) write(text string) {
	if text == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	io.WriteString(s.w, text)
}

// crlf normalizes every line ending to CRLF.
func crlf(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	return strings.ReplaceAll(text, "\n", "\r\n")
}

// styleLines styles each line on its own so lipgloss does not pad lines
// to a common width.
func styleLines(style lipgloss.Style, text string) string {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	for i, l := range lines {
		if l != "" {
			lines[i] = style.Render(l)
		}
	}
	return strings.Join(lines, "\r\n")
}
