package commands_test

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casa-home/casahub-go/internal/commands"
	"github.com/casa-home/casahub-go/internal/hub"
	"github.com/casa-home/casahub-go/internal/hub/hubtest"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func setup(t *testing.T, srv *hubtest.Server, dataTimeout time.Duration) *commands.Facade {
	t.Helper()
	log := testLogger()
	client := hub.NewClient(hub.Options{
		HandshakeTimeout: 2 * time.Second,
		PingInterval:     time.Second,
		ReconnectDelay:   50 * time.Millisecond,
	}, hub.NewDispatcher(log), nil, log)
	t.Cleanup(client.Disconnect)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ok, err := client.Connect(ctx, hub.Credentials{URL: srv.URL(), Token: hubtest.DefaultToken})
	require.NoError(t, err)
	require.True(t, ok)

	return commands.New(client, nil, log, dataTimeout)
}

func TestCallServiceSendsExpectedFrame(t *testing.T) {
	srv := hubtest.NewServer()
	defer srv.Close()
	facade := setup(t, srv, 0)

	ctx := context.Background()
	require.NoError(t, facade.SetCoverPosition(ctx, "cover.bedroom_blind", 40))

	frame, ok := srv.WaitForFrame("call_service", time.Second)
	require.True(t, ok)
	assert.Equal(t, "cover", frame["domain"])
	assert.Equal(t, "set_cover_position", frame["service"])
	data, _ := frame["service_data"].(map[string]any)
	assert.Equal(t, "cover.bedroom_blind", data["entity_id"])
	assert.Equal(t, float64(40), data["position"])
}

func TestCallServiceWhileDisconnected(t *testing.T) {
	log := testLogger()
	client := hub.NewClient(hub.Options{}, hub.NewDispatcher(log), nil, log)
	facade := commands.New(client, nil, log, 0)

	err := facade.ToggleLight(context.Background(), "light.kitchen")
	assert.ErrorIs(t, err, hub.ErrNotConnected)
}

func TestDataCallTimeoutResolvesEmpty(t *testing.T) {
	srv := hubtest.NewServer()
	defer srv.Close()

	// Swallow the first data call entirely: the server-side service "hangs".
	// Later calls fall through to the default success responses.
	idCh := make(chan int64, 1)
	swallowed := false
	srv.OnFrame = func(c *hubtest.Conn, f hubtest.Frame) bool {
		if f["type"] == "call_service" && !swallowed {
			swallowed = true
			idCh <- hubtest.FrameID(f)
			return true
		}
		return false
	}

	facade := setup(t, srv, 150*time.Millisecond)

	start := time.Now()
	events, err := facade.CalendarEvents(context.Background(), "calendar.family",
		time.Now(), time.Now().Add(24*time.Hour))
	elapsed := time.Since(start)

	require.NoError(t, err, "a data-fetch timeout is not an error")
	assert.Empty(t, events)
	assert.Less(t, elapsed, time.Second)
	assert.GreaterOrEqual(t, elapsed, 150*time.Millisecond)

	// A late response for the timed-out id must be dropped, not delivered
	// to some later caller: the handler was removed with the timeout.
	swallowedID := <-idCh
	conn := srv.ActiveConn()
	require.NotNil(t, conn)
	require.NoError(t, conn.Send(hubtest.Frame{
		"id": swallowedID, "type": "result", "success": true,
		"result": hubtest.Frame{"response": hubtest.Frame{"calendar.family": hubtest.Frame{"events": []hubtest.Frame{{"summary": "ghost"}}}}},
	}))

	// The channel stays healthy for unrelated traffic afterward.
	require.NoError(t, facade.ToggleLight(context.Background(), "light.kitchen"))
}

func TestWeatherForecastRoundTrip(t *testing.T) {
	srv := hubtest.NewServer()
	defer srv.Close()

	srv.OnFrame = func(c *hubtest.Conn, f hubtest.Frame) bool {
		if f["type"] != "call_service" {
			return false
		}
		c.Send(hubtest.Frame{
			"id": hubtest.FrameID(f), "type": "result", "success": true,
			"result": hubtest.Frame{
				"response": hubtest.Frame{
					"weather.home": hubtest.Frame{
						"forecast": []hubtest.Frame{
							{"datetime": "2026-08-29T12:00:00Z", "condition": "rainy", "temperature": 17.2},
						},
					},
				},
			},
		})
		return true
	}

	facade := setup(t, srv, 0)
	forecast, err := facade.WeatherForecast(context.Background(), "weather.home", "")
	require.NoError(t, err)
	require.Len(t, forecast, 1)
	assert.Equal(t, "rainy", forecast[0].Condition)
	assert.InDelta(t, 17.2, forecast[0].Temperature, 0.001)
}

func TestTodoItemsUnevenEnvelope(t *testing.T) {
	srv := hubtest.NewServer()
	defer srv.Close()

	// No response wrapper, no entity key: only the recursive probe finds
	// this one.
	srv.OnFrame = func(c *hubtest.Conn, f hubtest.Frame) bool {
		if f["type"] != "call_service" {
			return false
		}
		c.Send(hubtest.Frame{
			"id": hubtest.FrameID(f), "type": "result", "success": true,
			"result": hubtest.Frame{
				"payload": hubtest.Frame{
					"items": []hubtest.Frame{{"uid": "1", "summary": "milk", "status": "needs_action"}},
				},
			},
		})
		return true
	}

	facade := setup(t, srv, 0)
	items, err := facade.TodoItems(context.Background(), "todo.shopping")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "milk", items[0].Summary)
}

func TestServerRejectionPropagatesVerbatim(t *testing.T) {
	srv := hubtest.NewServer()
	defer srv.Close()

	srv.OnFrame = func(c *hubtest.Conn, f hubtest.Frame) bool {
		if f["type"] != "call_service" {
			return false
		}
		c.Send(hubtest.Frame{
			"id": hubtest.FrameID(f), "type": "result", "success": false,
			"error": hubtest.Frame{"code": "service_not_found", "message": "no such service"},
		})
		return true
	}

	facade := setup(t, srv, 0)
	err := facade.VacuumStart(context.Background(), "vacuum.roomba")

	var cmdErr *hub.CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, "service_not_found", cmdErr.Code)
}
