package lightdb

import (
	"context"
	"testing"
	"time"

	"github.com/plgd-dev/go-coap/v2/message/codes"
	"github.com/stretchr/testify/require"

	"github.com/golioth-contrib/coap-device-client/cborcodec"
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

func TestGetSyncEmptyBodyIsNull(t *testing.T) {
	dialer := codectest.NewDialer(1)
	dialer.Handle = func(req coapclient.WireRequest) (coapclient.WireResponse, bool) {
		return coapclient.NewWireResponse(codes.Content, req.Token(), nil), true
	}

	c := newTestClient(t, dialer)
	db := New(c)

	body, resp := db.GetSync(context.Background(), "greeting")
	require.Equal(t, coapclient.StatusNull, resp.Status)
	require.Empty(t, body)
}

func TestSetFieldPatchesExistingDocument(t *testing.T) {
	dialer := codectest.NewDialer(2)
	var lastPosted []byte
	dialer.Handle = func(req coapclient.WireRequest) (coapclient.WireResponse, bool) {
		switch req.Code() {
		case codes.GET:
			return coapclient.NewWireResponse(codes.Content, req.Token(), []byte(`{"interval":10,"label":"a"}`)), true
		case codes.POST:
			lastPosted = req.Body()
		}
		return coapclient.NewWireResponse(codes.Changed, req.Token(), nil), true
	}

	c := newTestClient(t, dialer)
	db := New(c)

	resp := db.SetField(context.Background(), "config", "interval", 30)
	require.True(t, resp.Ok())
	require.JSONEq(t, `{"interval":30,"label":"a"}`, string(lastPosted))
}

func TestSetIntEncodesBareNumber(t *testing.T) {
	dialer := codectest.NewDialer(3)
	var lastPosted []byte
	dialer.Handle = func(req coapclient.WireRequest) (coapclient.WireResponse, bool) {
		lastPosted = req.Body()
		return coapclient.NewWireResponse(codes.Changed, req.Token(), nil), true
	}

	c := newTestClient(t, dialer)
	db := New(c)

	resp := db.SetInt(context.Background(), "count", 42)
	require.True(t, resp.Ok())
	require.Equal(t, "42", string(lastPosted))
}

func TestGetCBORSyncDecodesToJSON(t *testing.T) {
	dialer := codectest.NewDialer(4)
	dialer.Handle = func(req coapclient.WireRequest) (coapclient.WireResponse, bool) {
		cborBody, err := cborcodec.JSONToCBOR([]byte(`{"on":true}`))
		require.NoError(t, err)
		return coapclient.NewWireResponse(codes.Content, req.Token(), cborBody), true
	}

	c := newTestClient(t, dialer)
	db := New(c)

	body, resp := db.GetCBORSync(context.Background(), "state")
	require.True(t, resp.Ok())
	require.JSONEq(t, `{"on":true}`, string(body))
}
