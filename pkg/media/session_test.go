package media

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voicebridge-ai/voicebridge/pkg/call"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// newTestPair spins up an httptest server that upgrades to a media.Session
// and returns that session alongside a raw client-side websocket connection
// standing in for the carrier.
func newTestPair(t *testing.T) (*Session, *websocket.Conn) {
	t.Helper()

	var sess *Session
	ready := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		sess = NewSession(conn, call.NoOpLogger{})
		close(ready)
		sess.Run(context.Background())
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	<-ready
	return sess, client
}

func sendStart(t *testing.T, client *websocket.Conn, streamSID string) {
	t.Helper()
	f := frame{Event: "start", StreamSID: streamSID, Start: &startPayload{StreamSID: streamSID}}
	data, _ := json.Marshal(f)
	if err := client.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write start: %v", err)
	}
	time.Sleep(20 * time.Millisecond) // let the server goroutine process it
}

func TestInboundMediaDroppedBeforeStart(t *testing.T) {
	sess, client := newTestPair(t)

	var mu sync.Mutex
	var got [][]byte
	sess.OnInboundAudio = func(b []byte) {
		mu.Lock()
		got = append(got, b)
		mu.Unlock()
	}

	f := frame{Event: "media", StreamSID: "S1", Media: &mediaPayload{Payload: base64.StdEncoding.EncodeToString([]byte{1, 2, 3})}}
	data, _ := json.Marshal(f)
	client.WriteMessage(websocket.TextMessage, data)
	time.Sleep(30 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 0 {
		t.Errorf("expected media before start to be dropped, got %d frames", len(got))
	}
}

func TestInboundMediaForwardedAfterStart(t *testing.T) {
	sess, client := newTestPair(t)
	sendStart(t, client, "S1")

	received := make(chan []byte, 1)
	sess.OnInboundAudio = func(b []byte) { received <- b }

	payload := []byte{0xAA, 0xBB, 0xCC}
	f := frame{Event: "media", StreamSID: "S1", Media: &mediaPayload{Payload: base64.StdEncoding.EncodeToString(payload)}}
	data, _ := json.Marshal(f)
	client.WriteMessage(websocket.TextMessage, data)

	select {
	case got := <-received:
		if string(got) != string(payload) {
			t.Errorf("expected %v, got %v", payload, got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for forwarded audio")
	}
}

func TestSendAudioChunksAndEmitsMark(t *testing.T) {
	sess, client := newTestPair(t)
	sendStart(t, client, "S1")

	// Drain frames from the client side, auto-echoing any mark frame back
	// (simulating a carrier that supports mark confirmation).
	var mu sync.Mutex
	var mediaFrames int
	markSeen := make(chan string, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, data, err := client.ReadMessage()
			if err != nil {
				return
			}
			var f frame
			if err := json.Unmarshal(data, &f); err != nil {
				continue
			}
			switch f.Event {
			case "media":
				mu.Lock()
				mediaFrames++
				mu.Unlock()
			case "mark":
				markSeen <- f.Mark.Name
				echo, _ := json.Marshal(frame{Event: "mark", StreamSID: "S1", Mark: f.Mark})
				client.WriteMessage(websocket.TextMessage, echo)
				return
			}
		}
	}()

	// 1.5s of 8kHz mu-law worth of PCM16 samples at 8kHz: 12000 int16 samples.
	pcm := make([]byte, 12000*2)
	err := sess.SendAudio(context.Background(), pcm, 8000)
	if err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	select {
	case <-markSeen:
	case <-time.After(time.Second):
		t.Fatal("expected a mark frame to be emitted")
	}
	<-done

	mu.Lock()
	defer mu.Unlock()
	if mediaFrames != 3 {
		t.Errorf("expected 3 media chunks (1.5s / 500ms), got %d", mediaFrames)
	}
}

func TestSendAudioEmptyBufferStillMarksTurnComplete(t *testing.T) {
	sess, client := newTestPair(t)
	sendStart(t, client, "S1")

	markSeen := make(chan struct{})
	go func() {
		for {
			_, data, err := client.ReadMessage()
			if err != nil {
				return
			}
			var f frame
			if json.Unmarshal(data, &f) == nil && f.Event == "mark" {
				close(markSeen)
				return
			}
		}
	}()

	if err := sess.SendAudio(context.Background(), nil, 8000); err != nil {
		t.Fatalf("SendAudio with empty buffer: %v", err)
	}
	select {
	case <-markSeen:
	case <-time.After(3 * time.Second):
		t.Fatal("expected mark frame even for empty synthesis")
	}
}
