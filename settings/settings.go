// Package settings implements Golioth's typed device-settings service: the
// server publishes a flat JSON document of key/value pairs to ".settings",
// and the device applies each key through a registered per-key handler and
// reports the outcome to ".settings/status". Grounded on the
// golioth_settings naming convention alongside golioth_rpc.c/golioth_ota.c
// in the original tree, shaped after rpc's method-table dispatch.
package settings

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/golioth-contrib/coap-device-client/coapclient"
)

const (
	settingsPath = ".settings"
	statusPath   = ".settings/status"
)

// Status mirrors the outcome codes the settings service reports per key.
type Status int

const (
	StatusSuccess Status = iota
	StatusKeyNotRecognized
	StatusValueFormatNotValid
	StatusValueOutsideRange
	StatusKeyNotValid
	StatusGeneralError
)

// Handler validates and applies one setting's raw JSON value, returning
// the status to report back to the server.
type Handler func(value json.RawMessage) Status

// keyResult is one entry in the status document POSTed back after
// applying a batch of settings.
type keyResult struct {
	Key    string `json:"key"`
	Status Status `json:"status"`
}

// report is the wire shape of the aggregate acknowledgement.
type report struct {
	Results []keyResult `json:"results"`
}

// Dispatcher routes inbound settings documents to registered per-key
// handlers over one coapclient.Client. The observation on ".settings" is
// installed once, on the first Register call.
type Dispatcher struct {
	client *coapclient.Client

	mu        sync.Mutex
	handlers  map[string]Handler
	observing bool
}

// New wraps client for settings dispatch.
func New(client *coapclient.Client) *Dispatcher {
	return &Dispatcher{client: client, handlers: make(map[string]Handler)}
}

// Register binds key to handler. The first registration on a Dispatcher
// starts the standing observation on ".settings"; later registrations
// just extend the routing table.
func (d *Dispatcher) Register(ctx context.Context, key string, handler Handler) coapclient.Status {
	d.mu.Lock()
	d.handlers[key] = handler
	first := !d.observing
	if first {
		d.observing = true
	}
	d.mu.Unlock()

	if !first {
		return coapclient.StatusOk
	}

	status := d.client.Observe(ctx, settingsPath, coapclient.ContentTypeJSON, d.onNotify)
	if status != coapclient.StatusOk {
		d.mu.Lock()
		d.observing = false
		d.mu.Unlock()
	}
	return status
}

// onNotify is the observation callback installed on the settings path. It
// applies every key with a registered handler and ignores keys it has no
// handler for, reporting StatusKeyNotRecognized for those it was asked
// to apply but does not own.
func (d *Dispatcher) onNotify(resp coapclient.ServerResponse, body []byte) {
	if !resp.Ok() || len(body) == 0 {
		return
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(body, &doc); err != nil {
		return
	}

	d.mu.Lock()
	handlers := make(map[string]Handler, len(d.handlers))
	for k, h := range d.handlers {
		handlers[k] = h
	}
	d.mu.Unlock()

	results := make([]keyResult, 0, len(doc))
	for key, value := range doc {
		handler, ok := handlers[key]
		if !ok {
			results = append(results, keyResult{Key: key, Status: StatusKeyNotRecognized})
			continue
		}
		results = append(results, keyResult{Key: key, Status: handler(value)})
	}

	d.report(results)
}

func (d *Dispatcher) report(results []keyResult) {
	body, err := json.Marshal(report{Results: results})
	if err != nil {
		return
	}
	d.client.Post(context.Background(), statusPath, coapclient.ContentTypeJSON, body, nil)
}
