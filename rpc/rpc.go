// Package rpc implements Golioth's remote procedure call mechanism: the
// server posts {"id","method","params"} call documents to ".rpc", and the
// device acknowledges each one with {"id","statusCode","detail"} on
// ".rpc/status". Grounded on golioth_rpc.c/golioth_rpc.h.
package rpc

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/golioth-contrib/coap-device-client/coapclient"
)

const (
	callPath   = ".rpc"
	statusPath = ".rpc/status"
)

// Status mirrors golioth_rpc_status_t, the gRPC-flavored status codes a
// handler returns alongside its detail payload.
type Status int

const (
	StatusOK Status = iota
	StatusCanceled
	StatusUnknown
	StatusInvalidArgument
	StatusDeadlineExceeded
	StatusNotFound
	StatusAlreadyExists
	StatusPermissionDenied
	StatusResourceExhausted
	StatusFailedPrecondition
	StatusAborted
	StatusOutOfRange
	StatusUnimplemented
	StatusInternal
	StatusUnavailable
	StatusDataLoss
	StatusUnauthenticated
)

// Handler answers one RPC call. It returns a status code and an optional
// JSON detail document; a nil detail omits the "detail" field from the
// acknowledgement, matching golioth_rpc_ack_internal's detail_len==0 path.
type Handler func(ctx context.Context, params json.RawMessage) (Status, json.RawMessage)

// call is the wire shape of an inbound RPC request document.
type call struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// ack is the wire shape golioth_rpc_ack_internal serializes in reply.
type ack struct {
	ID         string          `json:"id"`
	StatusCode Status          `json:"statusCode"`
	Detail     json.RawMessage `json:"detail,omitempty"`
}

// Dispatcher routes inbound RPC calls to registered method handlers over
// one coapclient.Client. The server's observation is only installed once,
// on the first Register call, mirroring the original's
// _num_registered_rpc_callbacks == 0 gate.
type Dispatcher struct {
	client *coapclient.Client

	mu        sync.Mutex
	handlers  map[string]Handler
	observing bool
}

// New wraps client for RPC dispatch.
func New(client *coapclient.Client) *Dispatcher {
	return &Dispatcher{client: client, handlers: make(map[string]Handler)}
}

// Register binds method to handler. The first registration on a
// Dispatcher starts the standing observation on ".rpc"; later
// registrations just extend the routing table.
func (d *Dispatcher) Register(ctx context.Context, method string, handler Handler) coapclient.Status {
	d.mu.Lock()
	d.handlers[method] = handler
	first := !d.observing
	if first {
		d.observing = true
	}
	d.mu.Unlock()

	if !first {
		return coapclient.StatusOk
	}

	status := d.client.Observe(ctx, callPath, coapclient.ContentTypeJSON, d.onNotify)
	if status != coapclient.StatusOk {
		d.mu.Lock()
		d.observing = false
		d.mu.Unlock()
	}
	return status
}

// onNotify is the observation callback installed on the call path. It
// parses an inbound call document, dispatches to the registered handler
// for its method, and ships the acknowledgement, mirroring on_rpc.
func (d *Dispatcher) onNotify(resp coapclient.ServerResponse, body []byte) {
	if !resp.Ok() || len(body) == 0 || body[0] != '{' {
		return
	}

	var c call
	if err := json.Unmarshal(body, &c); err != nil || c.ID == "" || c.Method == "" {
		return
	}

	d.mu.Lock()
	handler, ok := d.handlers[c.Method]
	d.mu.Unlock()

	if !ok {
		d.acknowledge(c.ID, StatusUnavailable, nil)
		return
	}

	status, detail := handler(context.Background(), c.Params)
	d.acknowledge(c.ID, status, detail)
}

func (d *Dispatcher) acknowledge(callID string, status Status, detail json.RawMessage) {
	body, err := json.Marshal(ack{ID: callID, StatusCode: status, Detail: detail})
	if err != nil {
		return
	}
	d.client.Post(context.Background(), statusPath, coapclient.ContentTypeJSON, body, nil)
}
