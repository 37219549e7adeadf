package hub_test

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casa-home/casahub-go/internal/hub"
	"github.com/casa-home/casahub-go/internal/hub/hubtest"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func testOptions() hub.Options {
	return hub.Options{
		HandshakeTimeout: 2 * time.Second,
		PingInterval:     50 * time.Millisecond,
		ReconnectDelay:   50 * time.Millisecond,
	}
}

func newTestClient() (*hub.Client, *hub.Dispatcher) {
	log := testLogger()
	d := hub.NewDispatcher(log)
	return hub.NewClient(testOptions(), d, nil, log), d
}

func connect(t *testing.T, c *hub.Client, url, token string) bool {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ok, err := c.Connect(ctx, hub.Credentials{URL: url, Token: token})
	require.NoError(t, err)
	return ok
}

func TestHandshakeOrdering(t *testing.T) {
	srv := hubtest.NewServer()
	defer srv.Close()

	client, _ := newTestClient()
	defer client.Disconnect()

	require.True(t, connect(t, client, srv.URL(), hubtest.DefaultToken))

	frames := srv.Received()
	require.NotEmpty(t, frames)

	// Nothing goes out before the server announces auth_required, and the
	// first frame is the auth reply.
	first := frames[0]
	assert.Equal(t, "auth", first["type"])

	// The auth frame never carries a correlation id.
	_, hasID := first["id"]
	assert.False(t, hasID, "auth frame must not carry an id")

	// Everything after auth carries monotonically increasing ids.
	var last int64
	for _, f := range frames[1:] {
		id := hubtest.FrameID(f)
		assert.Greater(t, id, last, "ids must increase in send order")
		last = id
	}
}

func TestCorrelationRoutingOutOfOrder(t *testing.T) {
	srv := hubtest.NewServer()
	defer srv.Close()

	type held struct {
		conn   *hubtest.Conn
		id     int64
		marker string
	}
	heldCh := make(chan held, 3)

	srv.OnFrame = func(c *hubtest.Conn, f hubtest.Frame) bool {
		if f["type"] != "call_service" {
			return false
		}
		data, _ := f["service_data"].(map[string]any)
		marker, _ := data["marker"].(string)
		heldCh <- held{conn: c, id: hubtest.FrameID(f), marker: marker}
		return true
	}

	client, _ := newTestClient()
	defer client.Disconnect()
	require.True(t, connect(t, client, srv.URL(), hubtest.DefaultToken))

	request := func(marker string) <-chan string {
		out := make(chan string, 1)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			res, err := client.Request(ctx, map[string]any{
				"type":         "call_service",
				"domain":       "light",
				"service":      "toggle",
				"service_data": map[string]any{"marker": marker},
			})
			if err != nil {
				out <- "error: " + err.Error()
				return
			}
			var body struct {
				Echo string `json:"echo"`
			}
			_ = json.Unmarshal(res.Result, &body)
			out <- body.Echo
		}()
		return out
	}

	resA := request("A")
	resB := request("B")
	resC := request("C")

	var pending []held
	for i := 0; i < 3; i++ {
		select {
		case h := <-heldCh:
			pending = append(pending, h)
		case <-time.After(2 * time.Second):
			t.Fatal("server did not receive all requests")
		}
	}

	byMarker := map[string]held{}
	for _, h := range pending {
		byMarker[h.marker] = h
	}

	// Reply C, then A, then B: arrival order must not matter.
	for _, marker := range []string{"C", "A", "B"} {
		h := byMarker[marker]
		require.NoError(t, h.conn.Send(hubtest.Frame{
			"id": h.id, "type": "result", "success": true,
			"result": hubtest.Frame{"echo": h.marker},
		}))
	}

	assert.Equal(t, "A", <-resA)
	assert.Equal(t, "B", <-resB)
	assert.Equal(t, "C", <-resC)
}

func TestAuthInvalidSuppressesReconnect(t *testing.T) {
	srv := hubtest.NewServer()
	defer srv.Close()

	client, _ := newTestClient()
	defer client.Disconnect()

	ok := connect(t, client, srv.URL(), "wrong-token")
	assert.False(t, ok)
	require.Equal(t, 1, srv.Dials())

	// Even further socket closures must not wake the reconnect machinery.
	srv.CloseConnections()
	time.Sleep(5 * testOptions().ReconnectDelay)
	assert.Equal(t, 1, srv.Dials(), "no reconnect may follow auth_invalid")
}

func TestAuthInvalidNotifiesExactlyOneDisconnect(t *testing.T) {
	srv := hubtest.NewServer()
	defer srv.Close()

	client, dispatcher := newTestClient()
	defer client.Disconnect()

	var mu sync.Mutex
	var transitions []bool
	dispatcher.OnConnectionState(func(connected bool) {
		mu.Lock()
		transitions = append(transitions, connected)
		mu.Unlock()
	})

	ok := connect(t, client, srv.URL(), "wrong-token")
	assert.False(t, ok)

	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{false}, transitions, "exactly one false, no stray true")
}

func TestReconnectAfterUnexpectedClose(t *testing.T) {
	srv := hubtest.NewServer()
	defer srv.Close()

	client, dispatcher := newTestClient()
	defer client.Disconnect()

	var mu sync.Mutex
	var transitions []bool
	dispatcher.OnConnectionState(func(connected bool) {
		mu.Lock()
		transitions = append(transitions, connected)
		mu.Unlock()
	})

	require.True(t, connect(t, client, srv.URL(), hubtest.DefaultToken))
	require.Equal(t, 1, srv.Dials())

	srv.CloseConnections()

	require.Eventually(t, func() bool {
		return srv.Dials() >= 2 && client.IsConnected()
	}, 3*time.Second, 10*time.Millisecond, "client should reconnect on its own")

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(transitions), 3)
	assert.Equal(t, []bool{true, false, true}, transitions[:3])
}

func TestDisconnectCancelsPendingReconnect(t *testing.T) {
	srv := hubtest.NewServer()
	defer srv.Close()

	client, _ := newTestClient()
	require.True(t, connect(t, client, srv.URL(), hubtest.DefaultToken))

	srv.CloseConnections()
	// Let the close be observed and the reconnect timer armed, then cancel
	// it before the delay elapses.
	time.Sleep(10 * time.Millisecond)
	client.Disconnect()

	time.Sleep(5 * testOptions().ReconnectDelay)
	assert.Equal(t, 1, srv.Dials(), "disconnect must cancel the reconnect timer")
}

func TestDisconnectDuringReconnectDialStaysDown(t *testing.T) {
	srv := hubtest.NewServer()
	defer srv.Close()

	// The first upgrade passes; every later one blocks on the gate so the
	// reconnect dial can be held in flight.
	gate := make(chan struct{})
	var upgrades atomic.Int32
	srv.OnUpgrade = func() {
		if upgrades.Add(1) > 1 {
			<-gate
		}
	}

	client, _ := newTestClient()
	require.True(t, connect(t, client, srv.URL(), hubtest.DefaultToken))

	srv.CloseConnections()
	require.Eventually(t, func() bool {
		return upgrades.Load() >= 2
	}, 2*time.Second, 5*time.Millisecond, "automatic reconnect should start dialing")

	// Terminal disconnect while that dial is in flight, then let it finish.
	client.Disconnect()
	close(gate)

	time.Sleep(200 * time.Millisecond)
	assert.False(t, client.IsConnected(), "a dial finishing after disconnect must not resurrect the session")
	assert.Equal(t, int32(2), upgrades.Load(), "and no further attempts may follow")
}

func TestConnectOverLiveSessionReportsTransition(t *testing.T) {
	srv := hubtest.NewServer()
	defer srv.Close()

	client, dispatcher := newTestClient()
	defer client.Disconnect()

	var mu sync.Mutex
	var transitions []bool
	dispatcher.OnConnectionState(func(connected bool) {
		mu.Lock()
		transitions = append(transitions, connected)
		mu.Unlock()
	})

	require.True(t, connect(t, client, srv.URL(), hubtest.DefaultToken))
	require.True(t, connect(t, client, srv.URL(), hubtest.DefaultToken))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{true, false, true}, transitions,
		"replacing a live session is a disconnect followed by a connect")
}

func TestHandshakeDeadlineCoversDialAndAuth(t *testing.T) {
	srv := hubtest.NewServer()
	defer srv.Close()

	// Never complete the upgrade: the attempt can make no progress at all.
	gate := make(chan struct{})
	srv.OnUpgrade = func() { <-gate }

	opts := testOptions()
	opts.HandshakeTimeout = 300 * time.Millisecond
	log := testLogger()
	client := hub.NewClient(opts, hub.NewDispatcher(log), nil, log)
	defer func() {
		client.Disconnect()
		close(gate)
	}()

	start := time.Now()
	ok, err := client.Connect(context.Background(), hub.Credentials{URL: srv.URL(), Token: hubtest.DefaultToken})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Less(t, time.Since(start), 550*time.Millisecond,
		"dial and auth wait share one deadline, they must not stack")
}

func TestDisconnectIsIdempotent(t *testing.T) {
	srv := hubtest.NewServer()
	defer srv.Close()

	client, _ := newTestClient()
	require.True(t, connect(t, client, srv.URL(), hubtest.DefaultToken))

	client.Disconnect()
	client.Disconnect()
	client.Disconnect()
	assert.False(t, client.IsConnected())
}

func TestRequestWhileDisconnectedFailsFast(t *testing.T) {
	client, _ := newTestClient()

	start := time.Now()
	_, err := client.Request(context.Background(), map[string]any{"type": "get_states"})
	assert.ErrorIs(t, err, hub.ErrNotConnected)
	assert.Less(t, time.Since(start), 100*time.Millisecond, "must fail before any network wait")
}

func TestCommandRejectionCarriesServerError(t *testing.T) {
	srv := hubtest.NewServer()
	defer srv.Close()

	srv.OnFrame = func(c *hubtest.Conn, f hubtest.Frame) bool {
		if f["type"] != "call_service" {
			return false
		}
		c.Send(hubtest.Frame{
			"id": hubtest.FrameID(f), "type": "result", "success": false,
			"error": hubtest.Frame{"code": "not_found", "message": "entity does not exist"},
		})
		return true
	}

	client, _ := newTestClient()
	defer client.Disconnect()
	require.True(t, connect(t, client, srv.URL(), hubtest.DefaultToken))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := client.Request(ctx, map[string]any{
		"type": "call_service", "domain": "light", "service": "toggle",
		"service_data": map[string]any{"entity_id": "light.gone"},
	})

	var cmdErr *hub.CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, "not_found", cmdErr.Code)
	assert.Equal(t, "entity does not exist", cmdErr.Message)
}

func TestExplicitConnectReplacesLiveSocket(t *testing.T) {
	srv := hubtest.NewServer()
	defer srv.Close()

	client, _ := newTestClient()
	defer client.Disconnect()

	require.True(t, connect(t, client, srv.URL(), hubtest.DefaultToken))
	require.True(t, connect(t, client, srv.URL(), hubtest.DefaultToken))

	assert.Equal(t, 2, srv.Dials())
	assert.True(t, client.IsConnected())
}

func TestPingLoopSendsKeepAlives(t *testing.T) {
	srv := hubtest.NewServer()
	defer srv.Close()

	client, _ := newTestClient()
	defer client.Disconnect()
	require.True(t, connect(t, client, srv.URL(), hubtest.DefaultToken))

	require.Eventually(t, func() bool {
		return len(srv.FramesOfType("ping")) >= 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEventsReachAllObservers(t *testing.T) {
	srv := hubtest.NewServer()
	defer srv.Close()

	client, dispatcher := newTestClient()
	defer client.Disconnect()

	got1 := make(chan string, 1)
	got2 := make(chan string, 1)
	dispatcher.OnEvent(func(ev *hub.Event) { got1 <- ev.EventType })
	dispatcher.OnEvent(func(ev *hub.Event) { got2 <- ev.EventType })

	require.True(t, connect(t, client, srv.URL(), hubtest.DefaultToken))
	require.NoError(t, srv.PushEvent("doorbell_pressed", hubtest.Frame{"entity_id": "binary_sensor.front_door"}))

	for _, ch := range []chan string{got1, got2} {
		select {
		case eventType := <-ch:
			assert.Equal(t, "doorbell_pressed", eventType)
		case <-time.After(2 * time.Second):
			t.Fatal("observer did not receive the event")
		}
	}
}
