package api

import (
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"perpdesk/internal/events"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamTopics are pushed to websocket clients unless ?topics narrows them.
var streamTopics = []events.Event{
	events.EventTradeRecord,
	events.EventTPSLTriggered,
	events.EventReconciliation,
	events.EventCommandResult,
	events.EventPriceTick,
}

type wsMessage struct {
	Event events.Event `json:"event"`
	Data  any          `json:"data"`
}

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
)

func selectTopics(raw string) []events.Event {
	if strings.TrimSpace(raw) == "" {
		return streamTopics
	}
	want := make(map[string]bool)
	for _, t := range strings.Split(raw, ",") {
		want[strings.TrimSpace(t)] = true
	}
	var out []events.Event
	for _, t := range streamTopics {
		if want[string(t)] {
			out = append(out, t)
		}
	}
	return out
}

func (s *Server) websocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("ws upgrade error: %v", err)
		return
	}
	defer conn.Close()

	if s.Bus == nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"bus not ready"}`))
		return
	}

	stream, unsub := s.Bus.Subscribe(256, selectTopics(c.Query("topics"))...)
	defer unsub()

	// Reads only to notice the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-gone:
			return
		case msg, ok := <-stream:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(wsMessage{Event: msg.Event, Data: msg.Payload}); err != nil {
				log.Printf("ws write error: %v", err)
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
