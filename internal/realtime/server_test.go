package realtime

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"blackmoon-term/internal/protocol"

	"github.com/gorilla/websocket"
)

func newTestServer(t *testing.T, opts Options) *httptest.Server {
	t.Helper()
	srv := New(opts)
	httpSrv := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Shutdown()
		httpSrv.Close()
	})
	return httpSrv
}

func dial(t *testing.T, httpSrv *httptest.Server, header http.Header) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) string {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read message failed: %v", err)
	}
	return string(data)
}

func expectFrames(t *testing.T, ws *websocket.Conn, want ...string) {
	t.Helper()
	for _, w := range want {
		if got := readFrame(t, ws); got != w {
			t.Fatalf("expected frame %q, got %q", w, got)
		}
	}
}

func send(t *testing.T, ws *websocket.Conn, text string) {
	t.Helper()
	if err := ws.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
		t.Fatalf("write message failed: %v", err)
	}
}

func TestServer_Handler(t *testing.T) {
	srv := New(Options{})
	if srv.Handler() == nil {
		t.Fatal("expected non-nil handler")
	}
}

func TestServer_Health(t *testing.T) {
	srv := New(Options{Variant: VariantProse})
	handler := srv.Handler()

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	var resp healthResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if resp.Status != "ok" || resp.Clients != 0 || resp.Variant != VariantProse || resp.Banner != protocol.DefaultBanner {
		t.Errorf("unexpected health response: %+v", resp)
	}
}

func TestServer_CORSHeaders(t *testing.T) {
	srv := New(Options{})
	handler := srv.Handler()

	req := httptest.NewRequest("OPTIONS", "/health", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("expected CORS Allow-Origin header")
	}
}

func TestServer_BannerOnConnect(t *testing.T) {
	httpSrv := newTestServer(t, Options{Banner: "HELLO"})
	ws := dial(t, httpSrv, nil)

	expectFrames(t, ws, "HELLO")
}

func TestServer_RunStructured(t *testing.T) {
	httpSrv := newTestServer(t, Options{})
	ws := dial(t, httpSrv, nil)
	expectFrames(t, ws, protocol.DefaultBanner)

	send(t, ws, "RUN python print(1)\nprint(2)")

	expectFrames(t, ws,
		"OUTPUT print(1)",
		"OUTPUT print(2)",
		protocol.CompletionSentinel,
	)
}

func TestServer_RunProse(t *testing.T) {
	httpSrv := newTestServer(t, Options{Variant: VariantProse})
	ws := dial(t, httpSrv, nil)
	expectFrames(t, ws, protocol.DefaultBanner)

	send(t, ws, "RUN Python print('hi')")

	expectFrames(t, ws,
		"🚀 Running python code...\n",
		"OUTPUT print('hi')",
		"✅ Execution completed\n",
	)
}

func TestServer_Input(t *testing.T) {
	httpSrv := newTestServer(t, Options{})
	ws := dial(t, httpSrv, nil)
	expectFrames(t, ws, protocol.DefaultBanner)

	send(t, ws, "RUN python name = input()\nprint(name)")
	send(t, ws, "INPUT Ada")

	expectFrames(t, ws,
		"OUTPUT Ada",
		"OUTPUT print(name)",
		protocol.CompletionSentinel,
	)
}

func TestServer_StopProse(t *testing.T) {
	httpSrv := newTestServer(t, Options{Variant: VariantProse})
	ws := dial(t, httpSrv, nil)
	expectFrames(t, ws, protocol.DefaultBanner)

	send(t, ws, "RUN python input()")
	expectFrames(t, ws, "🚀 Running python code...\n")

	send(t, ws, "STOP")
	expectFrames(t, ws, "🛑 Execution stopped\n")

	send(t, ws, "STOP")
	expectFrames(t, ws, "No running process to stop\n")
}

func TestServer_StopStructuredIsSilent(t *testing.T) {
	httpSrv := newTestServer(t, Options{})
	ws := dial(t, httpSrv, nil)
	expectFrames(t, ws, protocol.DefaultBanner)

	send(t, ws, "RUN python input()")
	send(t, ws, "STOP")

	// The next run's frames follow directly, with no completion in between.
	send(t, ws, "RUN python print(3)")
	expectFrames(t, ws, "OUTPUT print(3)", protocol.CompletionSentinel)
}

func TestServer_UnknownCommand(t *testing.T) {
	httpSrv := newTestServer(t, Options{})
	ws := dial(t, httpSrv, nil)
	expectFrames(t, ws, protocol.DefaultBanner)

	send(t, ws, "HELLO")

	expectFrames(t, ws, "Unknown command: HELLO\n")
}

func TestServer_JSONEncoding(t *testing.T) {
	httpSrv := newTestServer(t, Options{Encoding: protocol.EncodingJSON})
	ws := dial(t, httpSrv, nil)

	var msg protocol.Message
	if err := json.Unmarshal([]byte(readFrame(t, ws)), &msg); err != nil {
		t.Fatalf("banner is not JSON: %v", err)
	}
	if msg.Type != protocol.TypeReady {
		t.Errorf("expected %s, got %s", protocol.TypeReady, msg.Type)
	}

	data, err := protocol.Run("python", "x").Encode(protocol.EncodingJSON)
	if err != nil {
		t.Fatalf("encode run: %v", err)
	}
	send(t, ws, string(data))

	classifier := protocol.Classifier{JSON: true}
	if f := classifier.Classify(readFrame(t, ws)); f.Kind != protocol.FrameOutput || f.Text != "x" {
		t.Errorf("expected output frame with text x, got %+v", f)
	}
	if f := classifier.Classify(readFrame(t, ws)); f.Kind != protocol.FrameComplete {
		t.Errorf("expected completion frame, got %+v", f)
	}
}

func TestServer_Token(t *testing.T) {
	httpSrv := newTestServer(t, Options{Token: "s3cret"})
	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/ws"

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("expected dial without token to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", resp)
	}

	ws := dial(t, httpSrv, http.Header{"Authorization": {"Bearer s3cret"}})
	expectFrames(t, ws, protocol.DefaultBanner)
}

func TestServer_StartFailureIsError(t *testing.T) {
	httpSrv := newTestServer(t, Options{Runtime: &ExecRuntime{Interpreters: map[string]Interpreter{}}})
	ws := dial(t, httpSrv, nil)
	expectFrames(t, ws, protocol.DefaultBanner)

	send(t, ws, "RUN cobol DISPLAY 'HI'.")

	got := readFrame(t, ws)
	if !strings.HasPrefix(got, "ERROR ") {
		t.Errorf("expected ERROR frame, got %q", got)
	}
}

func TestServer_CommandRateLimit(t *testing.T) {
	httpSrv := newTestServer(t, Options{CommandRate: 0.001, CommandBurst: 1})
	ws := dial(t, httpSrv, nil)
	expectFrames(t, ws, protocol.DefaultBanner)

	send(t, ws, "RUN python input()")
	send(t, ws, "INPUT x")
	expectFrames(t, ws, "Too many commands; INPUT ignored\n")

	// STOP is never throttled, so the structured stop stays silent.
	send(t, ws, "STOP")
	send(t, ws, "RUN python print(1)")
	expectFrames(t, ws, "Too many commands; RUN ignored\n")
}
