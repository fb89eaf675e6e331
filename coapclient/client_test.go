package coapclient

import (
	"context"
	"testing"
	"time"

	"github.com/plgd-dev/go-coap/v2/message"
	"github.com/plgd-dev/go-coap/v2/message/codes"
	"github.com/stretchr/testify/require"

	"github.com/golioth-contrib/coap-device-client/internal/codectest"
)

func newTestClient(t *testing.T, dialer *codectest.Dialer) *Client {
	t.Helper()
	c, err := New(Config{
		Host:              "test.example.invalid",
		Credentials:       PSKCredentials{Identity: "id", Key: []byte("key")},
		ResponseTimeout:   200 * time.Millisecond,
		QueuePollInterval: 10 * time.Millisecond,
		Transport:         dialer,
	})
	require.NoError(t, err)
	t.Cleanup(c.Destroy)
	return c
}

func TestClientRejectsSubmissionsBeforeStart(t *testing.T) {
	dialer := codectest.NewDialer(1)
	c := newTestClient(t, dialer)

	resp := c.PostSync(context.Background(), "/.d/foo", ContentTypeJSON, []byte("{}"))
	require.Equal(t, StatusInvalidState, resp.Status)
}

func TestClientSyncGetRoundTrip(t *testing.T) {
	dialer := codectest.NewDialer(2)
	dialer.Handle = func(req WireRequest) (WireResponse, bool) {
		if req.code == codes.GET {
			return WireResponse{code: codes.Content, token: req.token, body: []byte(`{"ok":true}`)}, true
		}
		return WireResponse{code: codes.Deleted, token: req.token}, true
	}

	c := newTestClient(t, dialer)
	require.Equal(t, StatusOk, c.Start())

	body, resp := c.GetSync(context.Background(), "/.d/foo", ContentTypeJSON)
	require.True(t, resp.Ok())
	require.Equal(t, StatusOk, resp.Status)
	require.Equal(t, `{"ok":true}`, string(body))
}

func TestClientGetEmptyBodyIsNull(t *testing.T) {
	dialer := codectest.NewDialer(3)
	dialer.Handle = func(req WireRequest) (WireResponse, bool) {
		return WireResponse{code: codes.Content, token: req.token}, true
	}

	c := newTestClient(t, dialer)
	require.Equal(t, StatusOk, c.Start())

	_, resp := c.GetSync(context.Background(), "/.d/missing", ContentTypeJSON)
	require.Equal(t, StatusNull, resp.Status)
}

func TestClientResponseTimeoutEndsSessionAndReconnects(t *testing.T) {
	dialer := codectest.NewDialer(4)
	first := true
	dialer.Handle = func(req WireRequest) (WireResponse, bool) {
		if req.code == codes.DELETE {
			if first {
				first = false
				return WireResponse{code: codes.Deleted, token: req.token}, true
			}
		}
		// Drop everything else (in particular the Post below) so the
		// in-flight request times out.
		return WireResponse{}, false
	}

	c := newTestClient(t, dialer)
	require.Equal(t, StatusOk, c.Start())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	resp := c.PostSync(ctx, "/.d/foo", ContentTypeJSON, []byte("{}"))
	require.Equal(t, StatusTimeout, resp.Status)

	require.Eventually(t, func() bool {
		return dialer.DialCount() >= 2
	}, sessionCooldown+time.Second, 5*time.Millisecond, "expected the session to reconnect after a response timeout")
}

func TestClientStopRejectsFurtherSubmissions(t *testing.T) {
	dialer := codectest.NewDialer(5)
	dialer.Handle = func(req WireRequest) (WireResponse, bool) {
		return WireResponse{code: codes.Deleted, token: req.token}, true
	}

	c := newTestClient(t, dialer)
	require.Equal(t, StatusOk, c.Start())
	require.Eventually(t, func() bool { return c.IsConnected() }, time.Second, 5*time.Millisecond)

	require.Equal(t, StatusOk, c.Stop())
	resp := c.EmptySync(context.Background())
	require.Equal(t, StatusInvalidState, resp.Status)
}

func TestClientQueueFullReturnsQueueFullStatus(t *testing.T) {
	dialer := codectest.NewDialer(6)
	block := make(chan struct{})
	dialer.Handle = func(req WireRequest) (WireResponse, bool) {
		if req.code == codes.DELETE {
			return WireResponse{code: codes.Deleted, token: req.token}, true
		}
		<-block
		return WireResponse{code: codes.Changed, token: req.token}, true
	}

	c, err := New(Config{
		Host:                 "test.example.invalid",
		Credentials:          PSKCredentials{Identity: "id", Key: []byte("key")},
		ResponseTimeout:      10 * time.Second,
		QueuePollInterval:    10 * time.Millisecond,
		RequestQueueMaxItems: 1,
		Transport:            dialer,
	})
	require.NoError(t, err)
	defer func() {
		close(block)
		c.Destroy()
	}()
	require.Equal(t, StatusOk, c.Start())
	require.Eventually(t, func() bool { return c.IsConnected() }, time.Second, 5*time.Millisecond)

	// This Post is picked up by the worker and blocks inside Handle, so the
	// queue drains back to empty even though the request is still in flight.
	require.Equal(t, StatusOk, c.Post(context.Background(), "/.d/a", ContentTypeJSON, nil, nil))
	require.Eventually(t, func() bool { return c.NumItemsInRequestQueue() == 0 }, time.Second, 5*time.Millisecond)

	require.Equal(t, StatusOk, c.Post(context.Background(), "/.d/b", ContentTypeJSON, nil, nil))
	require.Equal(t, StatusQueueFull, c.Post(context.Background(), "/.d/c", ContentTypeJSON, nil, nil))
}

func TestClientObserveDeliversNotifications(t *testing.T) {
	dialer := codectest.NewDialer(7)
	dialer.Handle = func(req WireRequest) (WireResponse, bool) {
		return WireResponse{code: codes.Deleted, token: req.token}, true
	}
	dialer.Observe = func(ctx context.Context, path string, notify func(WireResponse)) {
		notify(WireResponse{code: codes.Content, body: []byte(`{"n":1}`)})
		<-ctx.Done()
	}

	c := newTestClient(t, dialer)
	require.Equal(t, StatusOk, c.Start())

	notified := make(chan []byte, 1)
	require.Equal(t, StatusOk, c.Observe(context.Background(), "/.d/watched", ContentTypeJSON, func(resp ServerResponse, body []byte) {
		notified <- body
	}))

	select {
	case body := <-notified:
		require.Equal(t, `{"n":1}`, string(body))
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for observation notification")
	}
}

func TestClientObserveCapacityExhaustionFiresNoCallback(t *testing.T) {
	dialer := codectest.NewDialer(9)
	dialer.Handle = func(req WireRequest) (WireResponse, bool) {
		return WireResponse{code: codes.Deleted, token: req.token}, true
	}
	dialer.Observe = func(ctx context.Context, path string, notify func(WireResponse)) {
		<-ctx.Done()
	}

	c, err := New(Config{
		Host:                "test.example.invalid",
		Credentials:         PSKCredentials{Identity: "id", Key: []byte("key")},
		ResponseTimeout:     200 * time.Millisecond,
		QueuePollInterval:   10 * time.Millisecond,
		ObservationCapacity: 1,
		Transport:           dialer,
	})
	require.NoError(t, err)
	t.Cleanup(c.Destroy)
	require.Equal(t, StatusOk, c.Start())

	require.Equal(t, StatusOk, c.Observe(context.Background(), "/.d/first", ContentTypeJSON, func(resp ServerResponse, body []byte) {}))

	var secondCallbackFired bool
	require.Equal(t, StatusOk, c.Observe(context.Background(), "/.d/second", ContentTypeJSON, func(resp ServerResponse, body []byte) {
		secondCallbackFired = true
	}))

	// Give the worker a moment to process both submissions, then confirm
	// the second (dropped for lack of registry capacity) never invoked
	// its callback.
	time.Sleep(100 * time.Millisecond)
	require.False(t, secondCallbackFired)
}

func TestClientBlockTokenReusedAcrossBlockIndices(t *testing.T) {
	dialer := codectest.NewDialer(8)
	var tokensByBlock []message.Token
	dialer.Handle = func(req WireRequest) (WireResponse, bool) {
		if req.code == codes.GET {
			tokensByBlock = append(tokensByBlock, req.token)
			return WireResponse{code: codes.Content, token: req.token, body: []byte("x")}, true
		}
		return WireResponse{code: codes.Deleted, token: req.token}, true
	}

	c := newTestClient(t, dialer)
	require.Equal(t, StatusOk, c.Start())

	_, resp0 := c.GetBlockSync(context.Background(), "/.o/firmware", 0)
	require.True(t, resp0.Ok())
	_, resp1 := c.GetBlockSync(context.Background(), "/.o/firmware", 1)
	require.True(t, resp1.Ok())

	require.Len(t, tokensByBlock, 2)
	require.Equal(t, tokensByBlock[0], tokensByBlock[1])
}
