// Package lightdb adapts coapclient to Golioth's LightDB State and
// Stream services: small JSON values addressed by a path under ".d/"
// (state, get/set/observe) or ".s/" (stream, write-only telemetry),
// grounded on golioth_lightdb.c's thin wrappers over
// golioth_coap_client_get/_set/_delete/_observe.
package lightdb

import (
	"context"
	"fmt"
	"strconv"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/golioth-contrib/coap-device-client/cborcodec"
	"github.com/golioth-contrib/coap-device-client/coapclient"
)

const (
	statePathPrefix  = ".d/"
	streamPathPrefix = ".s/"
)

// DB is a LightDB State/Stream accessor bound to one coapclient.Client.
type DB struct {
	client *coapclient.Client
}

// New wraps client for LightDB access.
func New(client *coapclient.Client) *DB {
	return &DB{client: client}
}

func fullPath(prefix, path string) string {
	return prefix + path
}

// GetSync fetches the raw JSON value stored at path, returning
// coapclient.StatusNull if nothing is stored there yet.
func (db *DB) GetSync(ctx context.Context, path string) ([]byte, coapclient.ServerResponse) {
	return db.client.GetSync(ctx, fullPath(statePathPrefix, path), coapclient.ContentTypeJSON)
}

// Get is the asynchronous counterpart to GetSync.
func (db *DB) Get(ctx context.Context, path string, cb coapclient.GetCallback) coapclient.Status {
	return db.client.Get(ctx, fullPath(statePathPrefix, path), coapclient.ContentTypeJSON, cb)
}

// SetJSON writes a pre-encoded JSON document to path.
func (db *DB) SetJSON(ctx context.Context, path string, value []byte) coapclient.ServerResponse {
	return db.client.PostSync(ctx, fullPath(statePathPrefix, path), coapclient.ContentTypeJSON, value)
}

// SetInt writes an integer value, grounded on golioth_lightdb_set_int_internal.
func (db *DB) SetInt(ctx context.Context, path string, value int32) coapclient.ServerResponse {
	return db.SetJSON(ctx, path, []byte(strconv.FormatInt(int64(value), 10)))
}

// SetBool writes a boolean value, grounded on golioth_lightdb_set_bool_internal.
func (db *DB) SetBool(ctx context.Context, path string, value bool) coapclient.ServerResponse {
	return db.SetJSON(ctx, path, []byte(strconv.FormatBool(value)))
}

// SetFloat writes a floating point value, grounded on
// golioth_lightdb_set_float_internal.
func (db *DB) SetFloat(ctx context.Context, path string, value float64) coapclient.ServerResponse {
	return db.SetJSON(ctx, path, []byte(strconv.FormatFloat(value, 'f', -1, 64)))
}

// SetString writes a string value, quoting it as a JSON string the same
// way golioth_lightdb_set_string_internal wraps its raw input in literal
// double quotes before sending (no escaping of embedded quotes, matching
// the original's behavior).
func (db *DB) SetString(ctx context.Context, path string, value string) coapclient.ServerResponse {
	return db.SetJSON(ctx, path, []byte(`"`+value+`"`))
}

// GetCBORSync fetches the value at path using the CBOR content type and
// returns it decoded to JSON, for constrained links where CBOR's more
// compact wire encoding matters more than JSON's readability.
func (db *DB) GetCBORSync(ctx context.Context, path string) ([]byte, coapclient.ServerResponse) {
	body, resp := db.client.GetSync(ctx, fullPath(statePathPrefix, path), coapclient.ContentTypeCBOR)
	if !resp.Ok() || len(body) == 0 {
		return body, resp
	}
	json, err := cborcodec.CBORToJSON(body)
	if err != nil {
		return nil, coapclient.ServerResponse{Status: coapclient.StatusSerialize}
	}
	return json, resp
}

// SetCBOR writes a pre-encoded JSON document to path using the CBOR
// content type, converting it on the way out.
func (db *DB) SetCBOR(ctx context.Context, path string, jsonValue []byte) coapclient.ServerResponse {
	body, err := cborcodec.JSONToCBOR(jsonValue)
	if err != nil {
		return coapclient.ServerResponse{Status: coapclient.StatusSerialize}
	}
	return db.client.PostSync(ctx, fullPath(statePathPrefix, path), coapclient.ContentTypeCBOR, body)
}

// GetField fetches the value at path and extracts gjsonPath from the
// returned JSON document, for callers that only need one field out of a
// larger LightDB object rather than the whole blob.
func (db *DB) GetField(ctx context.Context, path, gjsonPath string) (gjson.Result, coapclient.ServerResponse) {
	body, resp := db.GetSync(ctx, path)
	if !resp.Ok() {
		return gjson.Result{}, resp
	}
	return gjson.GetBytes(body, gjsonPath), resp
}

// SetField patches a single gjsonPath-addressed field into the document
// already stored at path and writes the result back, so a caller can
// update one field of a larger LightDB object without shipping the
// whole document round-trip through a decode/encode step.
func (db *DB) SetField(ctx context.Context, path, gjsonPath string, fieldValue interface{}) coapclient.ServerResponse {
	existing, resp := db.GetSync(ctx, path)
	if !resp.Ok() && resp.Status != coapclient.StatusNull {
		return resp
	}
	patched, err := sjson.SetBytes(existing, gjsonPath, fieldValue)
	if err != nil {
		return coapclient.ServerResponse{Status: coapclient.StatusSerialize}
	}
	return db.SetJSON(ctx, path, patched)
}

// Delete removes the value at path, grounded on golioth_lightdb_delete_internal.
func (db *DB) Delete(ctx context.Context, path string) coapclient.ServerResponse {
	return db.client.DeleteSync(ctx, fullPath(statePathPrefix, path))
}

// Observe registers a standing subscription on path, delivering the
// latest JSON value on every change. Grounded on golioth_lightdb_observe.
func (db *DB) Observe(ctx context.Context, path string, cb coapclient.GetCallback) coapclient.Status {
	return db.client.Observe(ctx, fullPath(statePathPrefix, path), coapclient.ContentTypeJSON, cb)
}

// StreamJSON appends a pre-encoded JSON document to the LightDB Stream at
// path (".s/"), Golioth's write-only time-series sibling of state.
func (db *DB) StreamJSON(ctx context.Context, path string, value []byte) coapclient.ServerResponse {
	return db.client.PostSync(ctx, fullPath(streamPathPrefix, path), coapclient.ContentTypeJSON, value)
}

// errInvalidPath is returned by helpers that validate a path shape before
// ever touching the wire.
var errInvalidPath = fmt.Errorf("lightdb: path must not be empty")

// ValidatePath rejects an empty path before it is handed to coapclient,
// which would otherwise submit a request for an empty LightDB key.
func ValidatePath(path string) error {
	if path == "" {
		return errInvalidPath
	}
	return nil
}
