package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/procurehub/auction-engine/internal/broadcast"
)

func newStreamFixture(t *testing.T) (*Hub, *broadcast.Broadcaster, *httptest.Server) {
	t.Helper()
	b := broadcast.New(nil)
	sub := b.Subscribe("stream", 64)
	hub := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx, sub)
	srv := httptest.NewServer(hub.Handler())
	t.Cleanup(func() {
		srv.Close()
		cancel()
		b.Close()
	})
	return hub, b, srv
}

func dialStream(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
	conn, resp, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func waitClients(t *testing.T, h *Hub, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return h.ClientCount() == n },
		2*time.Second, 5*time.Millisecond)
}

func readEvent(t *testing.T, conn *websocket.Conn) broadcast.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var ev broadcast.Event
	require.NoError(t, json.Unmarshal(raw, &ev))
	return ev
}

func TestClientReceivesOnlySubscribedRFQ(t *testing.T) {
	hub, b, srv := newStreamFixture(t)
	mine, other := uuid.New(), uuid.New()

	conn := dialStream(t, srv, "?rfq_id="+mine.String())
	waitClients(t, hub, 1)

	b.Publish(broadcast.Event{RFQID: other, Type: "rfq.bid_accepted", At: time.Now().UTC()})
	b.Publish(broadcast.Event{RFQID: mine, Type: "rfq.deadline_extended", At: time.Now().UTC()})

	ev := readEvent(t, conn)
	assert.Equal(t, mine, ev.RFQID, "the foreign RFQ's event must not reach this client")
	assert.Equal(t, "rfq.deadline_extended", ev.Type)
	assert.Equal(t, uint64(1), ev.Seq)
}

func TestWildcardFollowsEveryRFQ(t *testing.T) {
	hub, b, srv := newStreamFixture(t)
	conn := dialStream(t, srv, "?rfq_id="+topicAll)
	waitClients(t, hub, 1)

	first, second := uuid.New(), uuid.New()
	b.Publish(broadcast.Event{RFQID: first, Type: "rfq.created", At: time.Now().UTC()})
	b.Publish(broadcast.Event{RFQID: second, Type: "rfq.created", At: time.Now().UTC()})

	got := map[uuid.UUID]bool{}
	got[readEvent(t, conn).RFQID] = true
	got[readEvent(t, conn).RFQID] = true
	assert.True(t, got[first])
	assert.True(t, got[second])
}

func TestSubscribeControlMessage(t *testing.T) {
	hub, b, srv := newStreamFixture(t)
	id := uuid.New()

	conn := dialStream(t, srv, "")
	waitClients(t, hub, 1)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(fmt.Sprintf(`{"action":"subscribe","rfq_id":%q}`, id))))

	// The control frame is applied by the read pump; wait for it to land
	// before publishing.
	var client *Client
	require.Eventually(t, func() bool {
		hub.mu.Lock()
		defer hub.mu.Unlock()
		for c := range hub.clients {
			client = c
		}
		return client != nil && client.wants(id)
	}, 2*time.Second, 5*time.Millisecond)

	b.Publish(broadcast.Event{RFQID: id, Type: "rfq.bid_accepted", At: time.Now().UTC()})
	assert.Equal(t, id, readEvent(t, conn).RFQID)
}

func TestControlMessageHandling(t *testing.T) {
	id := uuid.New()
	c := &Client{rfqs: make(map[uuid.UUID]struct{})}

	require.NoError(t, c.handleControl([]byte(fmt.Sprintf(`{"action":"subscribe","rfq_id":%q}`, id))))
	assert.True(t, c.wants(id))
	assert.False(t, c.wants(uuid.New()))

	require.NoError(t, c.handleControl([]byte(fmt.Sprintf(`{"action":"unsubscribe","rfq_id":%q}`, id))))
	assert.False(t, c.wants(id))

	require.NoError(t, c.handleControl([]byte(`{"action":"subscribe","rfq_id":"*"}`)))
	assert.True(t, c.wants(uuid.New()))
	require.NoError(t, c.handleControl([]byte(`{"action":"unsubscribe","rfq_id":"*"}`)))
	assert.False(t, c.wants(uuid.New()))

	assert.Error(t, c.handleControl([]byte(`{"action":"subscribe","rfq_id":"nope"}`)))
	assert.Error(t, c.handleControl([]byte(`{"action":"shout"}`)))
	assert.Error(t, c.handleControl([]byte(`garbage`)))
}

func TestDispatchDropsSlowClient(t *testing.T) {
	hub := NewHub(nil)
	stuck := &Client{send: make(chan []byte), all: true, rfqs: make(map[uuid.UUID]struct{})}
	hub.clients[stuck] = struct{}{}

	hub.dispatch(broadcast.Event{RFQID: uuid.New(), Type: "rfq.bid_accepted", Seq: 1})

	assert.Equal(t, 0, hub.ClientCount())
	_, open := <-stuck.send
	assert.False(t, open, "a dropped client's queue is closed so its write pump exits")
}

func TestRunClosesClientsOnCancel(t *testing.T) {
	b := broadcast.New(nil)
	defer b.Close()
	sub := b.Subscribe("stream", 64)
	hub := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx, sub)
	srv := httptest.NewServer(hub.Handler())
	defer srv.Close()

	conn := dialStream(t, srv, "?rfq_id="+topicAll)
	waitClients(t, hub, 1)

	cancel()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err, "the server side closes the connection on shutdown")
}
