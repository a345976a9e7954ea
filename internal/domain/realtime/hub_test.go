package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mwork/credit-ledger/internal/domain/credit"
	"github.com/mwork/credit-ledger/internal/middleware"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestHubDeliversOnlyToOwner(t *testing.T) {
	hub := NewHub(nil)
	go hub.Run()
	defer hub.Shutdown()

	owner := &Connection{UserID: uuid.New(), Send: make(chan []byte, 4)}
	other := &Connection{UserID: uuid.New(), Send: make(chan []byte, 4)}
	hub.Register(owner)
	hub.Register(other)
	waitFor(t, func() bool { return hub.ConnectionCount() == 2 })

	err := hub.Notify(context.Background(), credit.Event{
		Type:    credit.EventBalanceChanged,
		UserID:  owner.UserID,
		Balance: 40,
		Amount:  -60,
	})
	require.NoError(t, err)

	select {
	case msg := <-owner.Send:
		var e credit.Event
		require.NoError(t, json.Unmarshal(msg, &e))
		assert.Equal(t, credit.EventBalanceChanged, e.Type)
		assert.Equal(t, int64(40), e.Balance)
	case <-time.After(time.Second):
		t.Fatal("owner did not receive event")
	}

	select {
	case <-other.Send:
		t.Fatal("event leaked to another user")
	default:
	}

	hub.Unregister(owner)
	waitFor(t, func() bool { return hub.ConnectionCount() == 1 })
	_, open := <-owner.Send
	assert.False(t, open)
}

func TestHubDropsMalformedPayload(t *testing.T) {
	hub := NewHub(nil)
	go hub.Run()
	defer hub.Shutdown()

	conn := &Connection{UserID: uuid.New(), Send: make(chan []byte, 1)}
	hub.Register(conn)
	waitFor(t, func() bool { return hub.ConnectionCount() == 1 })

	hub.deliver([]byte(`{"user_id":"not-a-uuid"}`))
	hub.deliver([]byte(`garbage`))

	select {
	case <-conn.Send:
		t.Fatal("malformed payload delivered")
	default:
	}
}

func TestWebsocketStreamsEvents(t *testing.T) {
	hub := NewHub(nil)
	go hub.Run()
	defer hub.Shutdown()

	userID := uuid.New()
	withUser := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := context.WithValue(r.Context(), middleware.UserIDKey, userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}

	srv := httptest.NewServer(withUser(NewHandler(hub, nil)))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	waitFor(t, func() bool { return hub.ConnectionCount() == 1 })

	require.NoError(t, hub.Notify(context.Background(), credit.Event{
		Type:        credit.EventDebtCreated,
		UserID:      userID,
		Amount:      10,
		ReferenceID: uuid.NewString(),
	}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var e credit.Event
	require.NoError(t, json.Unmarshal(msg, &e))
	assert.Equal(t, credit.EventDebtCreated, e.Type)
	assert.Equal(t, int64(10), e.Amount)
}

func TestWebsocketRequiresUser(t *testing.T) {
	hub := NewHub(nil)
	srv := httptest.NewServer(NewHandler(hub, nil))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
