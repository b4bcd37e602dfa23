package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/zenazn/goji/web"

	"github.com/janelia-flyem/lvv/lvv"
)

const (
	eventWriteTimeout = 5 * time.Second
	eventPingPeriod   = 30 * time.Second
	eventReadTimeout  = 2 * eventPingPeriod

	// frames are dropped for a subscriber that falls this far behind.
	eventBuffer = 16
)

// FrameEvent is pushed to a viewer's event subscribers after every rendered frame.
type FrameEvent struct {
	Frame  uint64      `json:"frame"`
	Status string      `json:"status"`
	Needed int         `json:"needed"`
	Tiles  []ShownTile `json:"tiles"`
}

// Subscribe returns a channel receiving an event for every frame rendered by v and a
// function that ends the subscription.
func (v *Viewer) Subscribe() (<-chan FrameEvent, func()) {
	ch := make(chan FrameEvent, eventBuffer)
	v.subMu.Lock()
	if v.subscribers == nil {
		v.subscribers = make(map[chan FrameEvent]struct{})
	}
	v.subscribers[ch] = struct{}{}
	v.subMu.Unlock()
	return ch, func() {
		v.subMu.Lock()
		delete(v.subscribers, ch)
		v.subMu.Unlock()
	}
}

func (v *Viewer) publish(frame uint64) {
	v.subMu.Lock()
	defer v.subMu.Unlock()
	if len(v.subscribers) == 0 {
		return
	}
	ev := FrameEvent{
		Frame:  frame,
		Status: v.manager.LoadStatus().String(),
		Needed: v.manager.NeededTextures().Len(),
		Tiles:  v.ShownTiles(),
	}
	for ch := range v.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}

// eventsHandler streams FrameEvent JSON messages over a websocket until the client
// goes away.  Clients never need to send anything; their messages are discarded.
func (s *Service) eventsHandler(c web.C, w http.ResponseWriter, r *http.Request) {
	v, found := s.viewer(c, w, r)
	if !found {
		return
	}
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 16 * 1024,
	}
	if len(s.config.Server.CorsDomains) != 0 {
		upgrader.CheckOrigin = s.checkOrigin
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		lvv.Debugf("Websocket upgrade for viewer %s failed: %v\n", v.ID(), err)
		return
	}
	defer conn.Close()

	events, unsubscribe := v.Subscribe()
	defer unsubscribe()

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		conn.SetReadDeadline(time.Now().Add(eventReadTimeout))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(eventReadTimeout))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(eventPingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-gone:
			return
		case <-s.done:
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
				time.Now().Add(time.Second))
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(eventWriteTimeout)); err != nil {
				return
			}
		case ev := <-events:
			data, err := json.Marshal(ev)
			if err != nil {
				lvv.Errorf("Unable to encode frame event: %v\n", err)
				return
			}
			conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}

// checkOrigin accepts websocket origins from the configured CORS domains.
func (s *Service) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, domain := range s.config.Server.CorsDomains {
		if domain == "*" || domain == origin {
			return true
		}
	}
	return false
}
