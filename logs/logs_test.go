package logs

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/plgd-dev/go-coap/v2/message/codes"
	"github.com/stretchr/testify/require"

	"github.com/golioth-contrib/coap-device-client/coapclient"
	"github.com/golioth-contrib/coap-device-client/internal/codectest"
)

func newTestClient(t *testing.T, dialer *codectest.Dialer) *coapclient.Client {
	t.Helper()
	c, err := coapclient.New(coapclient.Config{
		Host:              "test.example.invalid",
		Credentials:       coapclient.PSKCredentials{Identity: "id", Key: []byte("key")},
		ResponseTimeout:   200 * time.Millisecond,
		QueuePollInterval: 10 * time.Millisecond,
		Transport:         dialer,
	})
	require.NoError(t, err)
	t.Cleanup(c.Destroy)
	require.Equal(t, coapclient.StatusOk, c.Start())
	return c
}

func TestLevelString(t *testing.T) {
	require.Equal(t, "error", LevelError.String())
	require.Equal(t, "warn", LevelWarn.String())
	require.Equal(t, "info", LevelInfo.String())
	require.Equal(t, "debug", LevelDebug.String())
	require.Equal(t, "unknown", Level(99).String())
}

func TestErrorShipsLevelModuleMessage(t *testing.T) {
	dialer := codectest.NewDialer(1)
	postedCh := make(chan []byte, 1)
	dialer.Handle = func(req coapclient.WireRequest) (coapclient.WireResponse, bool) {
		if req.Code() == codes.POST {
			postedCh <- req.Body()
		}
		return coapclient.NewWireResponse(codes.Changed, req.Token(), nil), true
	}

	c := newTestClient(t, dialer)
	shipper := New(c)

	status := shipper.Error(context.Background(), "wifi", "connection lost")
	require.Equal(t, coapclient.StatusOk, status)

	// Error only enqueues the Post; wait for the worker to send it.
	var posted []byte
	select {
	case posted = <-postedCh:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the log entry to be posted")
	}

	var e entry
	require.NoError(t, json.Unmarshal(posted, &e))
	require.Equal(t, "error", e.Level)
	require.Equal(t, "wifi", e.Module)
	require.Equal(t, "connection lost", e.Msg)
}
