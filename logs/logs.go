// Package logs ships structured application log messages to Golioth,
// grounded on golioth_log.c's golioth_log/_error/_warn/_info/_debug,
// which POST a small {level, module, msg} JSON document to "logs".
package logs

import (
	"context"
	"encoding/json"

	"github.com/golioth-contrib/coap-device-client/coapclient"
)

// Level mirrors golioth_log_level_t.
type Level int

const (
	LevelError Level = iota
	LevelWarn
	LevelInfo
	LevelDebug
)

func (l Level) String() string {
	switch l {
	case LevelError:
		return "error"
	case LevelWarn:
		return "warn"
	case LevelInfo:
		return "info"
	case LevelDebug:
		return "debug"
	default:
		return "unknown"
	}
}

// entry is the wire shape golioth_log serializes with cJSON.
type entry struct {
	Level  string `json:"level"`
	Module string `json:"module"`
	Msg    string `json:"msg"`
}

// Shipper sends log entries to Golioth.
type Shipper struct {
	client *coapclient.Client
}

// New wraps client for log shipping.
func New(client *coapclient.Client) *Shipper {
	return &Shipper{client: client}
}

// Log sends one structured log entry, asynchronously (fire-and-forget),
// matching golioth_coap_client_set_async's non-blocking posture.
func (s *Shipper) Log(ctx context.Context, level Level, module, message string) coapclient.Status {
	body, err := json.Marshal(entry{Level: level.String(), Module: module, Msg: message})
	if err != nil {
		return coapclient.StatusSerialize
	}
	return s.client.Post(ctx, "logs", coapclient.ContentTypeJSON, body, nil)
}

func (s *Shipper) Error(ctx context.Context, module, message string) coapclient.Status {
	return s.Log(ctx, LevelError, module, message)
}

func (s *Shipper) Warn(ctx context.Context, module, message string) coapclient.Status {
	return s.Log(ctx, LevelWarn, module, message)
}

func (s *Shipper) Info(ctx context.Context, module, message string) coapclient.Status {
	return s.Log(ctx, LevelInfo, module, message)
}

func (s *Shipper) Debug(ctx context.Context, module, message string) coapclient.Status {
	return s.Log(ctx, LevelDebug, module, message)
}
