package sockjs

import (
	"bufio"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

func newTestServer(t *testing.T, apps ...*App) *httptest.Server {
	t.Helper()
	r := NewRegistry()
	if err := r.InstallAll(apps); err != nil {
		t.Fatalf("install: %v", err)
	}
	e := echo.New()
	e.Any("/*", r.Serve)
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readText(t *testing.T, ws *websocket.Conn) string {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return string(msg)
}

func testApps(t *testing.T) []*App {
	t.Helper()
	apps, err := ConformanceApplications()
	if err != nil {
		t.Fatalf("ConformanceApplications: %v", err)
	}
	return apps
}

func TestWebsocketEcho(t *testing.T) {
	srv := newTestServer(t, testApps(t)...)
	for _, path := range []string{"/echo/websocket", "/echo/000/abc/websocket"} {
		t.Run(path, func(t *testing.T) {
			ws := dial(t, srv, path)
			if err := ws.WriteMessage(websocket.TextMessage, []byte("ping")); err != nil {
				t.Fatal(err)
			}
			if got := readText(t, ws); got != "ping" {
				t.Fatalf("got %q, want ping", got)
			}
			// nothing else arrives
			_ = ws.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
			if _, msg, err := ws.ReadMessage(); err == nil {
				t.Fatalf("unexpected extra message %q", msg)
			}
		})
	}
}

func TestWebsocketCloseApp(t *testing.T) {
	srv := newTestServer(t, testApps(t)...)
	ws := dial(t, srv, "/close/websocket")
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := ws.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("expected normal close, got %v", err)
	}
}

func TestWebsocketAmplify(t *testing.T) {
	srv := newTestServer(t, testApps(t)...)
	ws := dial(t, srv, "/amplify/websocket")
	tests := []struct {
		in   string
		want int
	}{
		{"3", 8},
		{"0", 2},
		{"nope", 2},
		{"10", 1024},
	}
	for _, tt := range tests {
		if err := ws.WriteMessage(websocket.TextMessage, []byte(tt.in)); err != nil {
			t.Fatal(err)
		}
		if got := readText(t, ws); len(got) != tt.want || strings.Trim(got, "x") != "" {
			t.Fatalf("amplify %q: got %d bytes", tt.in, len(got))
		}
	}
}

func TestWebsocketBroadcast(t *testing.T) {
	srv := newTestServer(t, testApps(t)...)
	a := dial(t, srv, "/broadcast/websocket")
	b := dial(t, srv, "/broadcast/websocket")
	// make sure both sockets are registered before broadcasting
	time.Sleep(50 * time.Millisecond)
	if err := a.WriteMessage(websocket.TextMessage, []byte("hello")); err != nil {
		t.Fatal(err)
	}
	if got := readText(t, a); got != "hello" {
		t.Fatalf("a got %q", got)
	}
	if got := readText(t, b); got != "hello" {
		t.Fatalf("b got %q", got)
	}
}

func TestWebsocketHandshakeErrors(t *testing.T) {
	srv := newTestServer(t, testApps(t)...)
	tests := []struct {
		name       string
		method     string
		path       string
		wantStatus int
		wantBody   string
		wantAllow  string
	}{
		{name: "plain GET", method: http.MethodGet, path: "/echo/websocket", wantStatus: http.StatusBadRequest, wantBody: `Can "Upgrade" only to "WebSocket".`},
		{name: "POST", method: http.MethodPost, path: "/echo/websocket", wantStatus: http.StatusMethodNotAllowed, wantAllow: "GET"},
		{name: "disabled transport", method: http.MethodGet, path: "/disabled_websocket_echo/websocket", wantStatus: http.StatusNotFound},
		{name: "unknown prefix", method: http.MethodGet, path: "/nowhere/websocket", wantStatus: http.StatusNotFound},
		{name: "bad session path", method: http.MethodGet, path: "/echo/a.b/c/websocket", wantStatus: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(tt.method, srv.URL+tt.path, nil)
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			body, _ := io.ReadAll(resp.Body)
			if tt.wantBody != "" && string(body) != tt.wantBody {
				t.Fatalf("body = %q, want %q", body, tt.wantBody)
			}
			if tt.wantAllow != "" && resp.Header.Get("Allow") != tt.wantAllow {
				t.Fatalf("Allow = %q", resp.Header.Get("Allow"))
			}
		})
	}
}

func TestGreetingAndInfo(t *testing.T) {
	srv := newTestServer(t, testApps(t)...)

	resp, err := http.Get(srv.URL + "/echo")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != greeting {
		t.Fatalf("greeting = %q", body)
	}

	tests := []struct {
		path       string
		websocket  bool
		cookie     bool
		wantCookie bool
	}{
		{path: "/echo/info", websocket: true},
		{path: "/disabled_websocket_echo/info"},
		{path: "/cookie_needed_echo/info", websocket: true, cookie: true, wantCookie: true},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp, err := http.Get(srv.URL + tt.path)
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("status = %d", resp.StatusCode)
			}
			raw, _ := io.ReadAll(resp.Body)
			var info infoResponse
			if err := sonic.Unmarshal(raw, &info); err != nil {
				t.Fatalf("decode %s: %v", raw, err)
			}
			if info.Websocket != tt.websocket || info.CookieNeeded != tt.cookie {
				t.Fatalf("info = %+v", info)
			}
			hasCookie := false
			for _, c := range resp.Cookies() {
				if c.Name == "JSESSIONID" {
					hasCookie = true
				}
			}
			if hasCookie != tt.wantCookie {
				t.Fatalf("JSESSIONID cookie present = %v", hasCookie)
			}
		})
	}
}

func TestOriginRejected(t *testing.T) {
	opts := DefaultAppOptions("/private")
	opts.AllowedOrigins = []string{"https://good.example"}
	app, err := NewApp(opts, EchoHandler)
	if err != nil {
		t.Fatal(err)
	}
	srv := newTestServer(t, app)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/private/info", nil)
	req.Header.Set("Origin", "https://evil.example")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}

	header := http.Header{}
	header.Set("Origin", "https://good.example")
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/private/websocket"
	ws, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("allowed origin rejected: %v", err)
	}
	ws.Close()
}

func TestEventSourceAndXhrSend(t *testing.T) {
	srv := newTestServer(t, testApps(t)...)

	resp, err := http.Get(srv.URL + "/echo/000/sess1/eventsource")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content type = %q", ct)
	}
	reader := bufio.NewReader(resp.Body)

	post := func(session, body string) (int, string) {
		r, err := http.Post(srv.URL+"/echo/000/"+session+"/xhr_send", "text/plain", strings.NewReader(body))
		if err != nil {
			t.Fatal(err)
		}
		defer r.Body.Close()
		b, _ := io.ReadAll(r.Body)
		return r.StatusCode, string(b)
	}

	if code, _ := post("sess1", `["hello","world"]`); code != http.StatusNoContent {
		t.Fatalf("xhr_send status = %d", code)
	}
	var got []string
	for len(got) < 2 {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		if strings.HasPrefix(line, "data: ") {
			got = append(got, strings.TrimSpace(strings.TrimPrefix(line, "data: ")))
		}
	}
	if got[0] != "hello" || got[1] != "world" {
		t.Fatalf("stream = %v", got)
	}

	tests := []struct {
		session  string
		body     string
		wantCode int
		wantBody string
	}{
		{session: "missing", body: `["x"]`, wantCode: http.StatusNotFound},
		{session: "sess1", body: ``, wantCode: http.StatusInternalServerError, wantBody: "Payload expected."},
		{session: "sess1", body: `[broken`, wantCode: http.StatusInternalServerError, wantBody: "Broken JSON encoding."},
	}
	for _, tt := range tests {
		code, body := post(tt.session, tt.body)
		if code != tt.wantCode {
			t.Fatalf("xhr_send %q to %s: status = %d, want %d", tt.body, tt.session, code, tt.wantCode)
		}
		if tt.wantBody != "" && body != tt.wantBody {
			t.Fatalf("xhr_send %q: body = %q", tt.body, body)
		}
	}

	dup, err := http.Get(srv.URL + "/echo/000/sess1/eventsource")
	if err != nil {
		t.Fatal(err)
	}
	dup.Body.Close()
	if dup.StatusCode != http.StatusConflict {
		t.Fatalf("second stream status = %d, want 409", dup.StatusCode)
	}
}

func TestEventSourceDisconnectClosesPausedSocket(t *testing.T) {
	socks := make(chan *Socket, 1)
	app, err := NewApp(DefaultAppOptions("/held"), func(s *Socket) {
		s.Pause()
		socks <- s
	})
	if err != nil {
		t.Fatal(err)
	}
	srv := newTestServer(t, app)

	resp, err := http.Get(srv.URL + "/held/000/sess1/eventsource")
	if err != nil {
		t.Fatal(err)
	}
	var sock *Socket
	select {
	case sock = <-socks:
	case <-time.After(2 * time.Second):
		t.Fatal("socket not opened")
	}
	resp.Body.Close()

	waitFor(t, "close after disconnect", func() bool {
		_ = sock.WriteString("x")
		return sock.IsClosed()
	})
}
