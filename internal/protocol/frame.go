package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Literal frames.
const (
	DefaultBanner      = "READY"
	CompletionSentinel = "__EXECUTION_COMPLETE__"

	prefixOutput = "OUTPUT"
	prefixError  = "ERROR"
)

// CompletionPhrases are human-readable markers some backends emit instead
// of the sentinel. Matching is case-insensitive.
var CompletionPhrases = []string{
	"Process exited with code",
	"Execution completed",
	"Execution stopped",
	"Execution timed out",
	"timed out after",
}

// FrameKind classifies an inbound backend frame.
type FrameKind int

const (
	FrameHandshake FrameKind = iota
	FrameComplete
	FrameError
	FrameOutput
	FrameText
	// FrameStderr is error-styled output that does not end the run. Only
	// the JSON encoding can carry it; the plain wire sends it as OUTPUT.
	FrameStderr
)

// String returns the string representation of the kind.
func (k FrameKind) String() string {
	switch k {
	case FrameHandshake:
		return "handshake"
	case FrameComplete:
		return "complete"
	case FrameError:
		return "error"
	case FrameOutput:
		return "output"
	case FrameText:
		return "text"
	case FrameStderr:
		return "stderr"
	default:
		return "unknown"
	}
}

// Frame is an immutable classified backend message.
type Frame struct {
	Kind FrameKind
	// Text to render. Empty for handshake and complete frames. Output and
	// error text uses "\n" line separators with one trailing newline removed.
	// Fallback text is the raw frame.
	Text string
	// Completes reports whether the frame ends the run.
	Completes bool
	// Phrase is the completion phrase matched by the fallback path.
	Phrase string
}

// Classifier turns raw frames into Frames.
type Classifier struct {
	// Banner is the literal handshake frame. Defaults to DefaultBanner.
	Banner string
	// JSON enables classification of JSON envelope frames.
	JSON bool
}

// Classify applies the rules in priority order: banner, sentinel,
// ERROR prefix, OUTPUT prefix, then the verbatim fallback with a
// completion-phrase scan.
func (c Classifier) Classify(raw string) Frame {
	banner := c.Banner
	if banner == "" {
		banner = DefaultBanner
	}

	trimmed := strings.TrimSpace(raw)
	if trimmed == banner {
		return Frame{Kind: FrameHandshake}
	}
	if trimmed == CompletionSentinel {
		return Frame{Kind: FrameComplete, Completes: true}
	}
	if payload, ok := cutWord(raw, prefixError); ok {
		return Frame{Kind: FrameError, Text: normalizeLine(payload), Completes: true}
	}
	if payload, ok := cutWord(raw, prefixOutput); ok {
		return Frame{Kind: FrameOutput, Text: normalizeLine(payload)}
	}

	if c.JSON && strings.HasPrefix(trimmed, "{") {
		if f, ok := classifyEnvelope(trimmed); ok {
			return f
		}
	}

	f := Frame{Kind: FrameText, Text: raw}
	if phrase := matchPhrase(raw); phrase != "" {
		f.Completes = true
		f.Phrase = phrase
	}
	return f
}

// cutWord strips a leading command word followed by a space, a newline,
// or nothing.
func cutWord(raw, word string) (string, bool) {
	if !strings.HasPrefix(raw, word) {
		return "", false
	}
	rest := raw[len(word):]
	switch {
	case rest == "":
		return "", true
	case rest[0] == ' ':
		return rest[1:], true
	case rest[0] == '\n' || rest[0] == '\r':
		return rest, true
	}
	return "", false
}

// normalizeLine converts CRLF and lone CR to LF and drops one trailing
// newline so the display can render the payload as a line.
func normalizeLine(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	return strings.TrimSuffix(s, "\n")
}

func matchPhrase(raw string) string {
	lower := strings.ToLower(raw)
	for _, p := range CompletionPhrases {
		if strings.Contains(lower, strings.ToLower(p)) {
			return p
		}
	}
	return ""
}

func classifyEnvelope(raw string) (Frame, bool) {
	var msg Message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return Frame{}, false
	}

	switch msg.Type {
	case TypeReady:
		return Frame{Kind: FrameHandshake}, true
	case TypeComplete:
		return Frame{Kind: FrameComplete, Completes: true}, true
	case TypeOutput, TypeError:
		var p OutputPayload
		if len(msg.Payload) > 0 {
			if err := json.Unmarshal(msg.Payload, &p); err != nil {
				return Frame{}, false
			}
		}
		switch {
		case msg.Type == TypeError:
			return Frame{Kind: FrameError, Text: normalizeLine(p.Data), Completes: true}, true
		case p.Stream == StreamStderr:
			return Frame{Kind: FrameStderr, Text: normalizeLine(p.Data)}, true
		}
		return Frame{Kind: FrameOutput, Text: normalizeLine(p.Data)}, true
	}
	return Frame{}, false
}

// FormatFrame renders a backend → client frame in the given wire encoding.
// Text frames are always sent verbatim.
func FormatFrame(kind FrameKind, text, encoding string) ([]byte, error) {
	if encoding == EncodingJSON {
		var (
			msg *Message
			err error
		)
		switch kind {
		case FrameHandshake:
			msg, err = NewMessage(TypeReady, struct{}{})
		case FrameComplete:
			msg, err = NewMessage(TypeComplete, CompletePayload{})
		case FrameOutput:
			msg, err = NewMessage(TypeOutput, OutputPayload{Data: text})
		case FrameError:
			msg, err = NewMessage(TypeError, OutputPayload{Data: text})
		case FrameStderr:
			msg, err = NewMessage(TypeOutput, OutputPayload{Data: text, Stream: StreamStderr})
		case FrameText:
			return []byte(text), nil
		default:
			return nil, fmt.Errorf("unknown frame kind: %d", kind)
		}
		if err != nil {
			return nil, err
		}
		return json.Marshal(msg)
	}

	switch kind {
	case FrameHandshake:
		if text == "" {
			text = DefaultBanner
		}
		return []byte(text), nil
	case FrameComplete:
		return []byte(CompletionSentinel), nil
	case FrameOutput, FrameStderr:
		return []byte(prefixOutput + " " + text), nil
	case FrameError:
		return []byte(prefixError + " " + text), nil
	case FrameText:
		return []byte(text), nil
	}
	return nil, fmt.Errorf("unknown frame kind: %d", kind)
}
