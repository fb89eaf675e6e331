package settings

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

func TestOnNotifyReportsPerKeyResults(t *testing.T) {
	dialer := codectest.NewDialer(1)
	reported := make(chan report, 1)
	dialer.Handle = func(req coapclient.WireRequest) (coapclient.WireResponse, bool) {
		if req.Path() == statusPath {
			var r report
			if err := json.Unmarshal(req.Body(), &r); err == nil {
				reported <- r
			}
		}
		return coapclient.NewWireResponse(codes.Deleted, req.Token(), nil), true
	}
	dialer.Observe = func(ctx context.Context, path string, notify func(coapclient.WireResponse)) {
		notify(coapclient.NewWireResponse(codes.Content, nil, []byte(`{"LOOP_DELAY_S":5,"UNKNOWN_KEY":true}`)))
		<-ctx.Done()
	}

	c := newTestClient(t, dialer)
	disp := New(c)
	require.Equal(t, coapclient.StatusOk, disp.Register(context.Background(), "LOOP_DELAY_S", func(value json.RawMessage) Status {
		return StatusSuccess
	}))

	select {
	case r := <-reported:
		require.Len(t, r.Results, 2)
		byKey := map[string]Status{}
		for _, kr := range r.Results {
			byKey[kr.Key] = kr.Status
		}
		require.Equal(t, StatusSuccess, byKey["LOOP_DELAY_S"])
		require.Equal(t, StatusKeyNotRecognized, byKey["UNKNOWN_KEY"])
	case <-time.After(time.Second):
		t.Fatal("expected a status report")
	}
}

func TestSecondRegisterDoesNotReobserve(t *testing.T) {
	dialer := codectest.NewDialer(2)
	dialer.Handle = func(req coapclient.WireRequest) (coapclient.WireResponse, bool) {
		return coapclient.NewWireResponse(codes.Deleted, req.Token(), nil), true
	}
	observeCalls := 0
	dialer.Observe = func(ctx context.Context, path string, notify func(coapclient.WireResponse)) {
		observeCalls++
		<-ctx.Done()
	}

	c := newTestClient(t, dialer)
	disp := New(c)
	require.Equal(t, coapclient.StatusOk, disp.Register(context.Background(), "A", func(json.RawMessage) Status { return StatusSuccess }))
	require.Equal(t, coapclient.StatusOk, disp.Register(context.Background(), "B", func(json.RawMessage) Status { return StatusSuccess }))

	require.Eventually(t, func() bool { return observeCalls == 1 }, time.Second, 5*time.Millisecond)
}
