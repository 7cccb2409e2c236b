package api

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"perpdesk/internal/events"
)

func waitSubscribers(t *testing.T, bus *events.Bus, e events.Event, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for bus.Stats().Subscribers[e] != n {
		if time.Now().After(deadline) {
			t.Fatalf("subscribers on %s = %d, want %d", e, bus.Stats().Subscribers[e], n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWebsocketStreamsSelectedTopics(t *testing.T) {
	env := newTestAPIServer(t, defaultAuth())
	url := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/ws?topics=price_tick,tpsl.triggered"

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	waitSubscribers(t, env.bus, events.EventPriceTick, 1)
	waitSubscribers(t, env.bus, events.EventTPSLTriggered, 1)

	env.bus.Publish(events.EventTradeRecord, "not selected")
	env.bus.Publish(events.EventPriceTick, events.PriceTick{Symbol: "BTCUSDT", Price: 51000})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg struct {
		Event string           `json:"event"`
		Data  events.PriceTick `json:"data"`
	}
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Event != string(events.EventPriceTick) || msg.Data.Symbol != "BTCUSDT" || msg.Data.Price != 51000 {
		t.Fatalf("msg=%+v", msg)
	}

	conn.Close()
	waitSubscribers(t, env.bus, events.EventPriceTick, 0)
}

func TestMetricsReportBusDrops(t *testing.T) {
	env := newTestAPIServer(t, defaultAuth())
	_, unsub := env.bus.Subscribe(0, events.EventCommandResult)
	defer unsub()
	env.bus.Publish(events.EventCommandResult, "missed")

	var resp struct {
		Bus events.BusStats `json:"bus"`
	}
	status := doJSONRequest(t, env.ts.Client(), http.MethodGet, env.ts.URL+"/api/metrics", "", nil, &resp)
	if status != http.StatusOK || resp.Bus.DroppedAll != 1 || resp.Bus.Dropped[events.EventCommandResult] != 1 {
		t.Fatalf("status=%d bus=%+v", status, resp.Bus)
	}
}
