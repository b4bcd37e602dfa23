package server

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/janelia-flyem/lvv/lvv"
)

func TestViewerEvents(t *testing.T) {
	s := openTestVolume(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + WebAPIPath + "viewers/" + DefaultViewer + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Unable to dial viewer events: %v\n", err)
	}
	defer conn.Close()

	events := make(chan FrameEvent, 64)
	go func() {
		defer close(events)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var ev FrameEvent
			if err := json.Unmarshal(data, &ev); err != nil {
				t.Errorf("Bad frame event %s: %v\n", data, err)
				return
			}
			select {
			case events <- ev:
			default:
			}
		}
	}()

	// The subscription starts after the upgrade, so keep moving the camera until
	// a frame is reported.
	body := `{"focus": [4, 3, 1.5], "pixels_per_um": 1, "width": 64, "height": 64}`
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatalf("Event stream closed before any frame\n")
			}
			if ev.Frame == 0 || ev.Status == "" || ev.Tiles == nil {
				t.Errorf("Unexpected frame event %+v\n", ev)
			}
			return
		case <-tick.C:
			TestHTTP(t, s.Handler(), "POST", WebAPIPath+"viewers/"+DefaultViewer+"/view", strings.NewReader(body))
		case <-deadline:
			t.Fatalf("No frame event received\n")
		}
	}
}

func TestViewerEventsUnknownViewer(t *testing.T) {
	s := OpenTestService(t, "")
	resp := TestHTTPResponse(t, s.Handler(), "GET", WebAPIPath+"viewers/nobody/events", nil)
	if resp.Code != 404 {
		t.Errorf("Expected 404 for unknown viewer events, got %d\n", resp.Code)
	}
}

func TestSubscribe(t *testing.T) {
	s := openTestVolume(t)
	v, _ := s.Viewer(DefaultViewer)
	events, unsubscribe := v.Subscribe()
	v.SetView(lvv.Camera{Focus: lvv.Vec3{4, 3, 1.5}, PixelsPerSceneUnit: 1}, lvv.Viewport{Width: 64, Height: 64}, lvv.ZAxis)
	select {
	case ev := <-events:
		if ev.Frame == 0 {
			t.Errorf("Expected a rendered frame number, got %+v\n", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("No frame published to subscriber\n")
	}
	unsubscribe()
	v.subMu.Lock()
	n := len(v.subscribers)
	v.subMu.Unlock()
	if n != 0 {
		t.Errorf("Expected no subscribers after unsubscribe, got %d\n", n)
	}
}
