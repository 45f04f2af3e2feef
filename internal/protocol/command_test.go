package protocol

import (
	"encoding/json"
	"testing"
	"time"
)

func TestNewMessage(t *testing.T) {
	msg, err := NewMessage(TypeRun, RunPayload{Language: "python", Code: "print(1)"})
	if err != nil {
		t.Fatalf("NewMessage failed: %v", err)
	}

	if msg.Type != TypeRun {
		t.Errorf("expected type %s, got %s", TypeRun, msg.Type)
	}

	if msg.Timestamp.IsZero() {
		t.Error("expected non-zero timestamp")
	}

	var p RunPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if p.Code != "print(1)" {
		t.Errorf("expected code 'print(1)', got %s", p.Code)
	}
}

func TestCommand_PlainEncoding(t *testing.T) {
	tests := []struct {
		cmd  Command
		want string
	}{
		{Run("python", "print('a b')\nprint(2)"), "RUN python print('a b')\nprint(2)"},
		{Stop(), "STOP"},
		{Input("ls -l"), "INPUT ls -l"},
		{Input(""), "INPUT "},
	}

	for _, tt := range tests {
		got, err := tt.cmd.Encode(EncodingPlain)
		if err != nil {
			t.Fatalf("Encode(%v) failed: %v", tt.cmd.Kind, err)
		}
		if string(got) != tt.want {
			t.Errorf("Encode(%v) = %q, want %q", tt.cmd.Kind, got, tt.want)
		}
	}
}

func TestCommand_JSONEncoding(t *testing.T) {
	data, err := Run("c", "int main(){}").Encode(EncodingJSON)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Type != TypeRun {
		t.Errorf("expected type %s, got %s", TypeRun, msg.Type)
	}

	var p RunPayload
	json.Unmarshal(msg.Payload, &p)
	if p.Language != "c" || p.Code != "int main(){}" {
		t.Errorf("unexpected payload: %+v", p)
	}
}

func TestCommand_UnknownEncoding(t *testing.T) {
	if _, err := Stop().Encode("xml"); err == nil {
		t.Fatal("expected error for unknown encoding")
	}
}

func TestParseCommand_Plain(t *testing.T) {
	tests := []struct {
		raw  string
		want Command
	}{
		{"RUN python print(1)", Run("python", "print(1)")},
		{"RUN Python x = 1\ny = 2", Run("python", "x = 1\ny = 2")},
		{"STOP", Stop()},
		{"STOP\n", Stop()},
		{"INPUT hello world", Input("hello world")},
		{"INPUT", Input("")},
	}

	for _, tt := range tests {
		got, err := ParseCommand([]byte(tt.raw))
		if err != nil {
			t.Fatalf("ParseCommand(%q) failed: %v", tt.raw, err)
		}
		if got != tt.want {
			t.Errorf("ParseCommand(%q) = %+v, want %+v", tt.raw, got, tt.want)
		}
	}
}

func TestParseCommand_PlainInvalid(t *testing.T) {
	for _, raw := range []string{"RUN python", "RUN  code", "HELLO", "", "STOPPING"} {
		if _, err := ParseCommand([]byte(raw)); err == nil {
			t.Errorf("ParseCommand(%q): expected error", raw)
		}
	}
}

func TestParseCommand_RoundTripJSON(t *testing.T) {
	for _, cmd := range []Command{Run("java", "class A {}"), Stop(), Input("42")} {
		data, err := cmd.Encode(EncodingJSON)
		if err != nil {
			t.Fatalf("Encode failed: %v", err)
		}
		got, err := ParseCommand(data)
		if err != nil {
			t.Fatalf("ParseCommand failed: %v", err)
		}
		if got != cmd {
			t.Errorf("round trip = %+v, want %+v", got, cmd)
		}
	}
}

func TestParseCommand_InvalidJSON(t *testing.T) {
	if _, err := ParseCommand([]byte("{not json")); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestParseCommand_MissingType(t *testing.T) {
	msg := map[string]interface{}{
		"payload":   map[string]interface{}{},
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	}
	data, _ := json.Marshal(msg)

	if _, err := ParseCommand(data); err == nil {
		t.Fatal("expected error for missing type")
	}
}

func TestParseCommand_UnknownType(t *testing.T) {
	msg := map[string]interface{}{
		"type":      "compile",
		"payload":   map[string]interface{}{},
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	}
	data, _ := json.Marshal(msg)

	if _, err := ParseCommand(data); err == nil {
		t.Fatal("expected error for unknown type")
	}
}

func TestParseCommand_MissingLanguage(t *testing.T) {
	msg := map[string]interface{}{
		"type":      TypeRun,
		"payload":   map[string]interface{}{"code": "print(1)"},
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	}
	data, _ := json.Marshal(msg)

	if _, err := ParseCommand(data); err == nil {
		t.Fatal("expected error for missing language")
	}
}

func TestParseCommand_MissingPayload(t *testing.T) {
	data := []byte(`{"type":"run","timestamp":"2024-01-01T00:00:00.000Z"}`)

	if _, err := ParseCommand(data); err == nil {
		t.Fatal("expected error for missing payload")
	}
}
