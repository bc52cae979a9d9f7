package push

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rupak1811/permiso/internal/logging"
)

// testServer accepts websocket connections and hands each one to the test.
type testServer struct {
	srv    *httptest.Server
	conns  chan *websocket.Conn
	tokens chan string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{
		conns:  make(chan *websocket.Conn, 4),
		tokens: make(chan string, 4),
	}
	upgrader := websocket.Upgrader{}
	ts.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ts.tokens <- r.URL.Query().Get("token")
		ts.conns <- conn
	}))
	t.Cleanup(ts.srv.Close)
	return ts
}

func (ts *testServer) wsURL() string {
	return "ws" + strings.TrimPrefix(ts.srv.URL, "http")
}

func (ts *testServer) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-ts.conns:
		return conn
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for client connection")
		return nil
	}
}

func startClient(t *testing.T, c *Client) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestClientDispatchesNamedEvents(t *testing.T) {
	ts := newTestServer(t)
	c := New(Config{
		URL:    ts.wsURL(),
		Token:  func() string { return "tok-1" },
		Logger: logging.Discard(),
	})

	got := make(chan Event, 4)
	c.On("permit_changed", func(ev Event) { got <- ev })
	c.On("other", func(Event) { t.Error("unexpected handler call") })

	startClient(t, c)
	conn := ts.accept(t)
	defer conn.Close()

	if tok := <-ts.tokens; tok != "tok-1" {
		t.Errorf("token = %q, want tok-1", tok)
	}
	waitFor(t, "connected", c.Connected)

	conn.WriteMessage(websocket.TextMessage, []byte(`not json`))
	conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"permit_changed","payload":{"id":"p-1"}}`))

	select {
	case ev := <-got:
		if ev.Name != "permit_changed" {
			t.Errorf("event name = %q", ev.Name)
		}
		if string(ev.Payload) != `{"id":"p-1"}` {
			t.Errorf("payload = %s", ev.Payload)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestClientOffRemovesHandler(t *testing.T) {
	ts := newTestServer(t)
	c := New(Config{URL: ts.wsURL(), Logger: logging.Discard()})

	var mu sync.Mutex
	var kept, removed int
	off := c.On("project_changed", func(Event) {
		mu.Lock()
		removed++
		mu.Unlock()
	})
	c.On("project_changed", func(Event) {
		mu.Lock()
		kept++
		mu.Unlock()
	})
	off()

	startClient(t, c)
	conn := ts.accept(t)
	defer conn.Close()

	conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"project_changed"}`))

	waitFor(t, "remaining handler", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return kept == 1
	})
	mu.Lock()
	defer mu.Unlock()
	if removed != 0 {
		t.Errorf("removed handler called %d times", removed)
	}
}

func TestClientReconnectFiresHandlers(t *testing.T) {
	ts := newTestServer(t)
	c := New(Config{
		URL:            ts.wsURL(),
		InitialBackoff: 10 * time.Millisecond,
		Logger:         logging.Discard(),
	})

	var mu sync.Mutex
	reconnects := 0
	c.OnReconnect(func() {
		mu.Lock()
		reconnects++
		mu.Unlock()
	})

	startClient(t, c)
	first := ts.accept(t)
	waitFor(t, "connected", c.Connected)

	mu.Lock()
	if reconnects != 0 {
		t.Errorf("reconnect handlers fired on first connect: %d", reconnects)
	}
	mu.Unlock()

	first.Close()
	second := ts.accept(t)
	defer second.Close()

	waitFor(t, "reconnect handler", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return reconnects == 1
	})
}

// credentialBox plays the session's credential getter.
type credentialBox struct {
	mu    sync.Mutex
	value string
}

func (b *credentialBox) get() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.value
}

func (b *credentialBox) set(v string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.value = v
}

func (ts *testServer) noConnection(t *testing.T) {
	t.Helper()
	select {
	case <-ts.conns:
		t.Fatal("unexpected connection")
	case <-time.After(100 * time.Millisecond):
	}
}

func (ts *testServer) nextToken(t *testing.T) string {
	t.Helper()
	select {
	case tok := <-ts.tokens:
		return tok
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a dial")
		return ""
	}
}

// expectClosedByClient reads from the server side of conn until the
// client's normal close arrives.
func expectClosedByClient(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("read err = %v, want normal close from client", err)
	}
}

func TestCredentialChangeRedialsWithNewCredential(t *testing.T) {
	ts := newTestServer(t)
	cred := &credentialBox{value: "alice-token"}
	c := New(Config{URL: ts.wsURL(), Token: cred.get, InitialBackoff: time.Hour, Logger: logging.Discard()})

	var mu sync.Mutex
	reconnects := 0
	c.OnReconnect(func() {
		mu.Lock()
		reconnects++
		mu.Unlock()
	})

	startClient(t, c)
	alice := ts.accept(t)
	defer alice.Close()
	if tok := ts.nextToken(t); tok != "alice-token" {
		t.Fatalf("first dial token = %q", tok)
	}
	waitFor(t, "connected", c.Connected)

	cred.set("bob-token")
	c.CredentialChanged()

	expectClosedByClient(t, alice)
	if tok := ts.nextToken(t); tok != "bob-token" {
		t.Errorf("redial token = %q, want bob-token", tok)
	}
	bob := ts.accept(t)
	defer bob.Close()
	waitFor(t, "connected", c.Connected)

	mu.Lock()
	defer mu.Unlock()
	if reconnects != 0 {
		t.Errorf("credential change fired %d reconnect handlers", reconnects)
	}
}

func TestNoDialWithoutCredential(t *testing.T) {
	ts := newTestServer(t)
	cred := &credentialBox{}
	c := New(Config{URL: ts.wsURL(), Token: cred.get, InitialBackoff: time.Hour, Logger: logging.Discard()})

	startClient(t, c)
	ts.noConnection(t)
	if c.Connected() {
		t.Fatal("connected without a credential")
	}

	// Login: dials at once, not after a backoff.
	cred.set("tok-1")
	c.CredentialChanged()
	if tok := ts.nextToken(t); tok != "tok-1" {
		t.Errorf("token = %q, want tok-1", tok)
	}
	conn := ts.accept(t)
	defer conn.Close()
	waitFor(t, "connected", c.Connected)
}

func TestLogoutDropsConnection(t *testing.T) {
	ts := newTestServer(t)
	cred := &credentialBox{value: "alice-token"}
	c := New(Config{URL: ts.wsURL(), Token: cred.get, InitialBackoff: time.Hour, Logger: logging.Discard()})

	startClient(t, c)
	conn := ts.accept(t)
	defer conn.Close()
	ts.nextToken(t)
	waitFor(t, "connected", c.Connected)

	cred.set("")
	c.CredentialChanged()

	expectClosedByClient(t, conn)
	waitFor(t, "disconnected", func() bool { return !c.Connected() })
	ts.noConnection(t)
}

func TestUnchangedCredentialKeepsConnection(t *testing.T) {
	ts := newTestServer(t)
	cred := &credentialBox{value: "alice-token"}
	c := New(Config{URL: ts.wsURL(), Token: cred.get, Logger: logging.Discard()})

	got := make(chan Event, 1)
	c.On("permit_changed", func(ev Event) { got <- ev })

	startClient(t, c)
	conn := ts.accept(t)
	defer conn.Close()
	ts.nextToken(t)
	waitFor(t, "connected", c.Connected)

	c.CredentialChanged()
	ts.noConnection(t)

	conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"permit_changed"}`))
	select {
	case <-got:
	case <-time.After(5 * time.Second):
		t.Fatal("original connection stopped delivering")
	}
}

func TestBuildURLMapsSchemeAndToken(t *testing.T) {
	c := New(Config{URL: "https://permits.example.com/ws", Logger: logging.Discard()})
	got, err := c.buildURL("abc")
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}
	if got != "wss://permits.example.com/ws?token=abc" {
		t.Errorf("url = %q", got)
	}

	c = New(Config{URL: "http://localhost:8080/ws", Logger: logging.Discard()})
	if got, _ := c.buildURL(""); got != "ws://localhost:8080/ws" {
		t.Errorf("url without token = %q", got)
	}
}

func TestJitteredStaysInBounds(t *testing.T) {
	for i := 0; i < 100; i++ {
		d := jittered(time.Second)
		if d < 700*time.Millisecond || d > 1300*time.Millisecond {
			t.Fatalf("jittered(1s) = %v", d)
		}
	}
}
