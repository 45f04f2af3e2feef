package terminal

import (
	"strings"
	"testing"

	"blackmoon-term/internal/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscipline_LineFlush(t *testing.T) {
	d := NewDiscipline()

	echo, cmds := d.Feed("ls -l\r")

	assert.Equal(t, "ls -l\r\n", echo)
	require.Len(t, cmds, 1)
	assert.Equal(t, protocol.Input("ls -l"), cmds[0])
	assert.Equal(t, "INPUT ls -l", cmds[0].String())
	assert.Empty(t, d.Buffer())
}

func TestDiscipline_LineFeedAlsoFlushes(t *testing.T) {
	d := NewDiscipline()

	echo, cmds := d.Feed("42\n")

	assert.Equal(t, "42\r\n", echo)
	assert.Equal(t, []protocol.Command{protocol.Input("42")}, cmds)
}

func TestDiscipline_CRLFFlushesOnce(t *testing.T) {
	d := NewDiscipline()

	echo, cmds := d.Feed("a\r\nb\r\n")

	assert.Equal(t, "a\r\nb\r\n", echo)
	assert.Equal(t, []protocol.Command{protocol.Input("a"), protocol.Input("b")}, cmds)
}

func TestDiscipline_EmptyLine(t *testing.T) {
	d := NewDiscipline()

	_, cmds := d.Feed("\r")

	assert.Equal(t, []protocol.Command{protocol.Input("")}, cmds)
}

func TestDiscipline_Backspace(t *testing.T) {
	d := NewDiscipline()

	d.Feed("abc")
	echo, cmds := d.Feed("\x7f\b")

	assert.Equal(t, "a", d.Buffer())
	assert.Empty(t, cmds)
	assert.Equal(t, 2, strings.Count(echo, EchoErase))
	assert.Equal(t, EchoErase+EchoErase, echo)
}

func TestDiscipline_BackspaceOnEmptyBuffer(t *testing.T) {
	d := NewDiscipline()

	echo, cmds := d.Feed("\x7f\x7f")

	assert.Empty(t, echo)
	assert.Empty(t, cmds)
	assert.Empty(t, d.Buffer())
}

func TestDiscipline_BackspaceRemovesWholeRune(t *testing.T) {
	d := NewDiscipline()

	d.Feed("héé")
	d.Feed("\x7f")

	assert.Equal(t, "hé", d.Buffer())
}

func TestDiscipline_Interrupt(t *testing.T) {
	d := NewDiscipline()

	echo, cmds := d.Feed("sleep\x03")

	assert.Equal(t, "sleep"+EchoInterrupt, echo)
	assert.Equal(t, []protocol.Command{protocol.Stop()}, cmds)
	assert.Empty(t, d.Buffer())
}

func TestDiscipline_EscapeSequencesDropped(t *testing.T) {
	tests := []struct {
		name string
		keys string
	}{
		{"arrow up", "\x1b[A"},
		{"arrow with modifiers", "\x1b[1;5C"},
		{"delete key", "\x1b[3~"},
		{"ss3 f1", "\x1bOP"},
		{"alt-x", "\x1bx"},
		{"double escape", "\x1b\x1b[B"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDiscipline()

			echo, cmds := d.Feed("ab" + tt.keys + "c")

			assert.Equal(t, "abc", echo)
			assert.Empty(t, cmds)
			assert.Equal(t, "abc", d.Buffer())
		})
	}
}

func TestDiscipline_EscapeSplitAcrossFeeds(t *testing.T) {
	d := NewDiscipline()

	e1, _ := d.Feed("x\x1b")
	e2, _ := d.Feed("[D")
	e3, _ := d.Feed("y")

	assert.Equal(t, "x", e1)
	assert.Empty(t, e2)
	assert.Equal(t, "y", e3)
	assert.Equal(t, "xy", d.Buffer())
}

func TestDiscipline_OtherControlsDropped(t *testing.T) {
	d := NewDiscipline()

	echo, cmds := d.Feed("a\x01\x02\t\x04b")

	assert.Equal(t, "ab", echo)
	assert.Empty(t, cmds)
	assert.Equal(t, "ab", d.Buffer())
}

func TestDiscipline_Reset(t *testing.T) {
	d := NewDiscipline()

	d.Feed("partial\x1b[")
	d.Reset()
	echo, _ := d.Feed("A")

	assert.Equal(t, "A", echo, "a reset must also abandon a partial escape")
	assert.Equal(t, "A", d.Buffer())
}
