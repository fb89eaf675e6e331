package rpc

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

func TestRegisterDispatchesMatchingMethod(t *testing.T) {
	dialer := codectest.NewDialer(1)
	dialer.Handle = func(req coapclient.WireRequest) (coapclient.WireResponse, bool) {
		return coapclient.NewWireResponse(codes.Deleted, req.Token(), nil), true
	}

	dialer.Observe = func(ctx context.Context, path string, notify func(coapclient.WireResponse)) {
		notify(coapclient.NewWireResponse(codes.Content, nil, []byte(`{"id":"call-1","method":"reboot","params":{}}`)))
		<-ctx.Done()
	}

	c := newTestClient(t, dialer)
	disp := New(c)

	called := make(chan struct{}, 1)
	require.Equal(t, coapclient.StatusOk, disp.Register(context.Background(), "reboot", func(ctx context.Context, params json.RawMessage) (Status, json.RawMessage) {
		called <- struct{}{}
		return StatusOK, nil
	}))

	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("handler was not invoked")
	}
}

func TestUnregisteredMethodAcksUnavailable(t *testing.T) {
	dialer := codectest.NewDialer(2)
	acked := make(chan ack, 1)
	dialer.Handle = func(req coapclient.WireRequest) (coapclient.WireResponse, bool) {
		if req.Path() == statusPath {
			var a ack
			if err := json.Unmarshal(req.Body(), &a); err == nil {
				acked <- a
			}
		}
		return coapclient.NewWireResponse(codes.Deleted, req.Token(), nil), true
	}
	dialer.Observe = func(ctx context.Context, path string, notify func(coapclient.WireResponse)) {
		notify(coapclient.NewWireResponse(codes.Content, nil, []byte(`{"id":"call-2","method":"unknown","params":{}}`)))
		<-ctx.Done()
	}

	c := newTestClient(t, dialer)
	disp := New(c)
	require.Equal(t, coapclient.StatusOk, disp.Register(context.Background(), "reboot", func(ctx context.Context, params json.RawMessage) (Status, json.RawMessage) {
		return StatusOK, nil
	}))

	select {
	case a := <-acked:
		require.Equal(t, "call-2", a.ID)
		require.Equal(t, StatusUnavailable, a.StatusCode)
	case <-time.After(time.Second):
		t.Fatal("expected an acknowledgement for the unrecognized method")
	}
}
