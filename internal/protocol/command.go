package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// CommandKind identifies a client → backend command.
type CommandKind string

const (
	CommandRun   CommandKind = "RUN"
	CommandStop  CommandKind = "STOP"
	CommandInput CommandKind = "INPUT"
)

// Command is one discrete client → backend instruction.
type Command struct {
	Kind     CommandKind
	Language string // RUN only
	Code     string // RUN only
	Text     string // INPUT only
}

// Run builds a RUN command.
func Run(language, code string) Command {
	return Command{Kind: CommandRun, Language: language, Code: code}
}

// Stop builds a STOP command.
func Stop() Command {
	return Command{Kind: CommandStop}
}

// Input builds an INPUT command carrying one line of stdin.
func Input(text string) Command {
	return Command{Kind: CommandInput, Text: text}
}

// String renders the command in the plain wire encoding.
//
// The plain RUN form embeds the code verbatim with no escaping or length
// prefix, so the backend must treat everything after the second space as
// code. Use the JSON encoding when that is not acceptable.
func (c Command) String() string {
	switch c.Kind {
	case CommandRun:
		return string(CommandRun) + " " + c.Language + " " + c.Code
	case CommandInput:
		return string(CommandInput) + " " + c.Text
	default:
		return string(c.Kind)
	}
}

// Encode serializes the command for the given wire encoding ("plain" or "json").
func (c Command) Encode(encoding string) ([]byte, error) {
	switch encoding {
	case "", EncodingPlain:
		return []byte(c.String()), nil
	case EncodingJSON:
		var (
			msg *Message
			err error
		)
		switch c.Kind {
		case CommandRun:
			msg, err = NewMessage(TypeRun, RunPayload{Language: c.Language, Code: c.Code})
		case CommandStop:
			msg, err = NewMessage(TypeStop, StopPayload{})
		case CommandInput:
			msg, err = NewMessage(TypeInput, InputPayload{Text: c.Text})
		default:
			return nil, fmt.Errorf("unknown command kind: %s", c.Kind)
		}
		if err != nil {
			return nil, err
		}
		return json.Marshal(msg)
	default:
		return nil, fmt.Errorf("unknown wire encoding: %s", encoding)
	}
}

// ParseCommand decodes a raw client command in either wire encoding.
// It is the backend-side counterpart of Encode.
func ParseCommand(raw []byte) (Command, error) {
	text := string(raw)
	if strings.HasPrefix(strings.TrimSpace(text), "{") {
		return parseJSONCommand(raw)
	}
	return parsePlainCommand(text)
}

func parsePlainCommand(text string) (Command, error) {
	switch {
	case strings.TrimRight(text, "\r\n") == string(CommandStop):
		return Stop(), nil

	case strings.HasPrefix(text, string(CommandRun)+" "):
		parts := strings.SplitN(text, " ", 3)
		if len(parts) < 3 || parts[1] == "" {
			return Command{}, fmt.Errorf("malformed %s command: missing language or code", CommandRun)
		}
		return Run(strings.ToLower(parts[1]), parts[2]), nil

	case text == string(CommandInput):
		return Input(""), nil

	case strings.HasPrefix(text, string(CommandInput)+" "):
		return Input(strings.TrimPrefix(text, string(CommandInput)+" ")), nil
	}

	return Command{}, fmt.Errorf("unknown command: %q", truncate(text, 32))
}

func parseJSONCommand(raw []byte) (Command, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Command{}, fmt.Errorf("invalid JSON: %w", err)
	}

	if msg.Type == "" {
		return Command{}, fmt.Errorf("missing 'type' field")
	}

	switch msg.Type {
	case TypeRun:
		if msg.Payload == nil {
			return Command{}, fmt.Errorf("missing 'payload' field")
		}
		var p RunPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return Command{}, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}
		if p.Language == "" {
			return Command{}, fmt.Errorf("missing required field 'language' in %s payload", msg.Type)
		}
		return Run(strings.ToLower(p.Language), p.Code), nil

	case TypeInput:
		if msg.Payload == nil {
			return Command{}, fmt.Errorf("missing 'payload' field")
		}
		var p InputPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return Command{}, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}
		return Input(p.Text), nil

	case TypeStop:
		return Stop(), nil
	}

	return Command{}, fmt.Errorf("unknown message type: %s", msg.Type)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
