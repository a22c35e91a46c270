package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mailbridge/pkg/bus"
	"mailbridge/pkg/channel/viber"
	"mailbridge/pkg/config"
)

// startService runs a service on a loopback port and returns its base URL
// and a func that stops it and returns the Run error.
func startService(t *testing.T, bridge Bridge, events *bus.EventBus) (string, func() error) {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	address := listener.Addr().String()
	require.NoError(t, listener.Close())

	settings := &config.Settings{
		Serve: config.ServeConfig{Listen: address, Schedule: "@every 1h"},
	}
	svc, err := NewService(settings, bridge, events, nil, slog.Default())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	stop := func() error {
		cancel()
		select {
		case err := <-done:
			return err
		case <-time.After(3 * time.Second):
			t.Fatal("service did not stop")
			return nil
		}
	}
	t.Cleanup(func() { cancel() })

	return "http://" + address, stop
}

func fetchStatus(url string) (int, statusResponse, error) {
	response, err := http.Get(url)
	if err != nil {
		return 0, statusResponse{}, err
	}
	defer response.Body.Close()

	var payload statusResponse
	err = json.NewDecoder(response.Body).Decode(&payload)
	return response.StatusCode, payload, err
}

func TestServiceServesCyclesAndWebhooks(t *testing.T) {
	events := bus.New()
	defer events.Close()

	bridge := &fakeBridge{events: events}
	baseURL, stop := startService(t, bridge, events)

	// the startup cycle makes the service ready without waiting for a tick
	var ready statusResponse
	require.Eventually(t, func() bool {
		code, payload, err := fetchStatus(baseURL + "/readyz")
		ready = payload
		return err == nil && code == http.StatusOK
	}, 3*time.Second, 25*time.Millisecond)
	require.Equal(t, "ready", ready.Status)
	require.Equal(t, 1, ready.Cycles)
	require.True(t, ready.Scheduling)

	response, err := http.Post(baseURL+viber.WebhookPath, "application/json",
		strings.NewReader(`{"event":"message","sender":{"id":"u1"}}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, response.StatusCode)
	require.NoError(t, response.Body.Close())

	signatures, bodies := bridge.webhookCalls()
	require.Len(t, signatures, 1)
	require.Contains(t, bodies[0], `"sender"`)

	response, err = http.Get(baseURL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(response.Body)
	require.NoError(t, err)
	require.NoError(t, response.Body.Close())
	require.Contains(t, string(body), "go_goroutines")

	require.NoError(t, stop())

	cycles, _, _ := bridge.snapshot()
	require.Equal(t, 1, cycles)
}

func TestServiceRunFailsWhenListenFails(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	settings := &config.Settings{
		Serve: config.ServeConfig{Listen: listener.Addr().String(), Schedule: "@every 1h"},
	}
	svc, err := NewService(settings, &fakeBridge{}, nil, nil, slog.Default())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	err = svc.Run(ctx)
	require.ErrorContains(t, err, "start http server")
}
