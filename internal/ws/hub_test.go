package ws

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cantonex/engine/internal/trading/model"
)

func TestRingBuffer(t *testing.T) {
	rb := newRingBuffer(3)
	for seq := uint64(1); seq <= 5; seq++ {
		rb.add(Message{Topic: "t", Seq: seq})
	}

	// Capacity 3 keeps only the newest three.
	msgs := rb.getSince(0)
	require.Len(t, msgs, 3)
	assert.Equal(t, uint64(3), msgs[0].Seq)
	assert.Equal(t, uint64(5), msgs[2].Seq)

	msgs = rb.getSince(4)
	require.Len(t, msgs, 1)
	assert.Equal(t, uint64(5), msgs[0].Seq)

	assert.Empty(t, rb.getSince(5))
}

func TestTradeTopic(t *testing.T) {
	assert.Equal(t, "trades:BTC/USDT", TradeTopic("BTC/USDT"))
}

func TestPublishTradeReplayToSubscriber(t *testing.T) {
	hub := NewHub(zap.NewNop())
	defer hub.Close()

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer srv.Close()

	trade := &model.Trade{
		ID:       uuid.New(),
		Pair:     "BTC/USDT",
		Buyer:    "bob",
		Seller:   "alice",
		Price:    decimal.RequireFromString("50000"),
		Quantity: decimal.RequireFromString("1"),
	}
	// Published before the client connects; the replay buffer bridges
	// the gap.
	hub.PublishTrade(trade)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(subscribeRequest{
		Op:    "subscribe",
		Topic: TradeTopic("BTC/USDT"),
		Since: 0,
	}))

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, TradeTopic("BTC/USDT"), msg.Topic)
	assert.Equal(t, uint64(1), msg.Seq)

	var got model.Trade
	require.NoError(t, json.Unmarshal(msg.Data, &got))
	assert.Equal(t, trade.ID, got.ID)
	assert.True(t, got.Price.Equal(trade.Price))
}

func TestUnsubscribedClientGetsNothing(t *testing.T) {
	hub := NewHub(zap.NewNop())
	defer hub.Close()

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(subscribeRequest{
		Op:    "subscribe",
		Topic: TradeTopic("ETH/USDT"),
	}))

	hub.PublishTrade(&model.Trade{
		ID:   uuid.New(),
		Pair: "BTC/USDT",
	})

	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	var msg Message
	err = conn.ReadJSON(&msg)
	assert.Error(t, err, "nothing arrives on an unrelated topic")
}

func TestReplaySkipsAcknowledgedMessages(t *testing.T) {
	hub := NewHub(zap.NewNop())
	defer hub.Close()

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer srv.Close()

	for i := 0; i < 3; i++ {
		hub.PublishTrade(&model.Trade{ID: uuid.New(), Pair: "BTC/USDT"})
	}

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(subscribeRequest{
		Op:    "subscribe",
		Topic: TradeTopic("BTC/USDT"),
		Since: 2,
	}))

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, uint64(3), msg.Seq, "only messages after the acknowledged seq replay")
}
