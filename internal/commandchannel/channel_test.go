package commandchannel

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relaykit/revchannel/internal/configstore"
)

func newTestServer(t *testing.T) (wsURL string, accept <-chan *websocket.Conn) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	accepted := make(chan *websocket.Conn, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		accepted <- c
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), accepted
}

func shutdownAndWait(t *testing.T, ch *Channel) {
	t.Helper()
	done := make(chan struct{})
	ch.Shutdown(func() { close(done) })
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown callback never fired")
	}
}

func TestRequestReplyRoundTrip(t *testing.T) {
	wsURL, accept := newTestServer(t)

	received := make(chan string, 1)
	handler := func(ch *Channel, conn *Conn, msg []byte) bool {
		received <- string(msg)
		if err := conn.Send([]byte("reply:" + string(msg))); err != nil {
			t.Errorf("conn.Send: %v", err)
		}
		return true
	}

	ch, err := New(handler, map[string]any{"url": wsURL})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ch.Initialize()
	go ch.Run()

	serverConn := <-accept
	if err := serverConn.WriteMessage(websocket.TextMessage, []byte("hello")); err != nil {
		t.Fatalf("server write: %v", err)
	}

	select {
	case got := <-received:
		if got != "hello" {
			t.Fatalf("handler got %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler was never invoked")
	}

	_, reply, err := serverConn.ReadMessage()
	if err != nil {
		t.Fatalf("reading reply: %v", err)
	}
	if string(reply) != "reply:hello" {
		t.Fatalf("got reply %q", reply)
	}

	shutdownAndWait(t, ch)
	if !ch.IsShutDown() {
		t.Fatal("expected channel to report shut down")
	}
}

func TestAsyncReply(t *testing.T) {
	wsURL, accept := newTestServer(t)

	handlerDone := make(chan struct{})
	handler := func(ch *Channel, conn *Conn, msg []byte) bool {
		go func() {
			time.Sleep(10 * time.Millisecond)
			if err := conn.Send([]byte("async-reply")); err != nil {
				t.Errorf("conn.Send: %v", err)
			}
			ch.DoneReplying(conn)
			close(handlerDone)
		}()
		return false
	}

	ch, err := New(handler, map[string]any{"url": wsURL})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ch.Initialize()
	go ch.Run()

	serverConn := <-accept
	if err := serverConn.WriteMessage(websocket.TextMessage, []byte("cmd")); err != nil {
		t.Fatalf("server write: %v", err)
	}

	_, reply, err := serverConn.ReadMessage()
	if err != nil {
		t.Fatalf("reading reply: %v", err)
	}
	if string(reply) != "async-reply" {
		t.Fatalf("got reply %q", reply)
	}

	select {
	case <-handlerDone:
	case <-time.After(2 * time.Second):
		t.Fatal("async handler goroutine never finished")
	}

	stateCh := make(chan StateSnapshot, 1)
	ch.InspectState(func(s StateSnapshot) { stateCh <- s })
	select {
	case s := <-stateCh:
		if s.State != string(StateWaitingForRequest) {
			t.Fatalf("expected WAITING_FOR_REQUEST after DoneReplying, got %q", s.State)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("InspectState timed out")
	}

	shutdownAndWait(t, ch)
}

func TestPongTimeoutTriggersReconnect(t *testing.T) {
	wsURL, accept := newTestServer(t)

	handler := func(ch *Channel, conn *Conn, msg []byte) bool { return true }
	ch, err := New(handler, map[string]any{
		"url":               wsURL,
		"ping_interval":     0.02,
		"ping_timeout":      0.02,
		"reconnect_timeout": 0.02,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ch.Initialize()
	go ch.Run()

	// Accept the first dial but never read from it, so no ping this
	// connection receives is ever answered with a pong.
	<-accept

	select {
	case <-accept:
	case <-time.After(2 * time.Second):
		t.Fatal("expected a reconnect once the pong timeout elapsed")
	}

	shutdownAndWait(t, ch)
}

func TestReplyOutlastingPingCycleDoesNotDisconnect(t *testing.T) {
	wsURL, accept := newTestServer(t)

	handlerDone := make(chan struct{})
	handler := func(ch *Channel, conn *Conn, msg []byte) bool {
		go func() {
			// Several ping/pong-timeout cycles' worth of sleep, so a ping
			// sent while REPLYING has long since "expired" by the time the
			// reply finishes and readPump resumes reading.
			time.Sleep(150 * time.Millisecond)
			if err := conn.Send([]byte("slow-reply")); err != nil {
				t.Errorf("conn.Send: %v", err)
			}
			ch.DoneReplying(conn)
			close(handlerDone)
		}()
		return false
	}

	ch, err := New(handler, map[string]any{
		"url":           wsURL,
		"ping_interval": 0.02,
		"ping_timeout":  0.02,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ch.Initialize()
	go ch.Run()

	serverConn := <-accept
	replies := make(chan string, 1)
	go func() {
		for {
			_, data, err := serverConn.ReadMessage()
			if err != nil {
				return
			}
			replies <- string(data)
		}
	}()

	if err := serverConn.WriteMessage(websocket.TextMessage, []byte("slow-cmd")); err != nil {
		t.Fatalf("server write: %v", err)
	}

	select {
	case <-handlerDone:
	case <-time.After(2 * time.Second):
		t.Fatal("async handler goroutine never finished")
	}

	select {
	case got := <-replies:
		if got != "slow-reply" {
			t.Fatalf("got reply %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reply never arrived -- connection was likely torn down mid-reply")
	}

	select {
	case <-accept:
		t.Fatal("connection was closed and redialed during a slow reply, should have stayed open")
	case <-time.After(100 * time.Millisecond):
	}

	shutdownAndWait(t, ch)
}

func TestConfigureDuringReplyingDefersReconnect(t *testing.T) {
	wsURL1, accept1 := newTestServer(t)
	wsURL2, accept2 := newTestServer(t)

	handlerDone := make(chan struct{})
	replyNow := make(chan struct{})
	handler := func(ch *Channel, conn *Conn, msg []byte) bool {
		go func() {
			<-replyNow
			if err := conn.Send([]byte("reply")); err != nil {
				t.Errorf("conn.Send: %v", err)
			}
			ch.DoneReplying(conn)
			close(handlerDone)
		}()
		return false
	}

	ch, err := New(handler, map[string]any{"url": wsURL1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ch.Initialize()
	go ch.Run()

	conn1 := <-accept1
	if err := conn1.WriteMessage(websocket.TextMessage, []byte("cmd")); err != nil {
		t.Fatalf("server write: %v", err)
	}

	// Give handleMessage a moment to land on the event loop so Configure
	// below genuinely arrives while REPLYING, not WAITING_FOR_REQUEST.
	time.Sleep(20 * time.Millisecond)

	raw, _ := json.Marshal(map[string]any{"url": wsURL2})
	cbCh := make(chan configstore.Errors, 1)
	ch.Configure(raw, func(preview map[string]any, errs configstore.Errors) { cbCh <- errs })

	select {
	case errs := <-cbCh:
		if len(errs) != 0 {
			t.Fatalf("unexpected config errors: %v", errs)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Configure callback timed out")
	}

	select {
	case <-accept2:
		t.Fatal("reconnect happened before the deferred reply finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(replyNow)

	select {
	case <-handlerDone:
	case <-time.After(2 * time.Second):
		t.Fatal("async handler goroutine never finished")
	}

	select {
	case <-accept2:
	case <-time.After(2 * time.Second):
		t.Fatal("expected a reconnect against the new url once the reply finished")
	}

	shutdownAndWait(t, ch)
}

func TestReconnectOnURLChange(t *testing.T) {
	wsURL1, accept1 := newTestServer(t)
	wsURL2, accept2 := newTestServer(t)

	handler := func(ch *Channel, conn *Conn, msg []byte) bool { return true }
	ch, err := New(handler, map[string]any{"url": wsURL1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ch.Initialize()
	go ch.Run()

	conn1 := <-accept1

	raw, _ := json.Marshal(map[string]any{"url": wsURL2})
	cbCh := make(chan configstore.Errors, 1)
	ch.Configure(raw, func(preview map[string]any, errs configstore.Errors) { cbCh <- errs })

	select {
	case errs := <-cbCh:
		if len(errs) != 0 {
			t.Fatalf("unexpected config errors: %v", errs)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Configure callback timed out")
	}

	conn1.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn1.ReadMessage(); err == nil {
		t.Fatal("expected the old connection to be closed after the url changed")
	}

	select {
	case <-accept2:
	case <-time.After(2 * time.Second):
		t.Fatal("expected a reconnect attempt against the new url")
	}

	shutdownAndWait(t, ch)
}

func TestInspectConfigReflectsInitialValue(t *testing.T) {
	wsURL, _ := newTestServer(t)
	handler := func(ch *Channel, conn *Conn, msg []byte) bool { return true }
	ch, err := New(handler, map[string]any{"url": wsURL})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ch.Initialize()
	go ch.Run()

	dumpCh := make(chan map[string]any, 1)
	ch.InspectConfig(func(d map[string]any) { dumpCh <- d })

	select {
	case dump := <-dumpCh:
		urlSub, ok := dump["url"].(map[string]any)
		if !ok || urlSub["effective_value"] != wsURL {
			t.Fatalf("unexpected url subdoc: %v", dump["url"])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("InspectConfig timed out")
	}

	shutdownAndWait(t, ch)
}

func TestNewRejectsMissingRequiredURL(t *testing.T) {
	handler := func(ch *Channel, conn *Conn, msg []byte) bool { return true }
	if _, err := New(handler, nil); err == nil {
		t.Fatal("expected New to reject a missing required url")
	}
}
