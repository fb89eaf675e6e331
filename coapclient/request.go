package coapclient

import (
	"strings"
	"time"

	"github.com/plgd-dev/go-coap/v2/message"
)

// maxPathLen bounds the concatenated path_prefix+path, matching the
// original client's fixed 64-byte fullpath buffer (golioth_coap_add_path).
const maxPathLen = 64

// BlockSize is the fixed block-wise transfer unit used by GetBlock
// requests: szx=6, 1024 bytes.
const BlockSize = 1024

// RequestKind is the tagged variant of a pending operation.
type RequestKind int

const (
	KindEmpty RequestKind = iota
	KindGet
	KindGetBlock
	KindPost
	KindDelete
	KindObserve
)

func (k RequestKind) String() string {
	switch k {
	case KindEmpty:
		return "empty"
	case KindGet:
		return "get"
	case KindGetBlock:
		return "get_block"
	case KindPost:
		return "post"
	case KindDelete:
		return "delete"
	case KindObserve:
		return "observe"
	default:
		return "unknown"
	}
}

// GetCallback receives the payload of a successful Get/GetBlock/Observe
// response, or an empty payload alongside a non-Ok ServerResponse.
// For Get/GetBlock it runs on the session worker goroutine; for Observe
// notifications it runs on the transport's notification goroutine. In
// either case it must never block on the request queue: a self-send from inside a callback must use a
// non-blocking submit or risk deadlock if the queue is full.
type GetCallback func(resp ServerResponse, payload []byte)

// SetCallback receives the outcome of a Post/Delete/Empty request. It
// runs on the session worker goroutine for the same reason as GetCallback.
type SetCallback func(resp ServerResponse)

// Request is the immutable-after-enqueue description of one pending
// operation. A zero Deadline means WAIT_FOREVER (ageout disabled, the
// per-request response timeout still applies).
type Request struct {
	Kind        RequestKind
	PathPrefix  string
	Path        string
	ContentType message.MediaType

	// Payload is owned by the submitter until enqueue succeeds, after
	// which logical ownership passes to the worker for the duration of
	// the request (Post only).
	Payload []byte

	BlockIndex uint32
	BlockSize  uint32

	GetCb GetCallback
	SetCb SetCallback

	// Token is assigned by the worker at dispatch time, except for
	// GetBlock continuations (block_index > 0), which reuse the token
	// minted for block_index 0.
	Token message.Token

	// Deadline is the absolute ageout time. Zero means WAIT_FOREVER.
	Deadline time.Time

	// done is non-nil only for synchronous submissions; see completion.go.
	done *completionGate
}

// FullPath concatenates PathPrefix and Path into the string used to build
// the CoAP URI-Path option, mirroring golioth_coap_add_path's
// snprintf(fullpath, "%s%s", path_prefix, path).
func (r Request) FullPath() string {
	return r.PathPrefix + r.Path
}

// splitPath turns a concatenated path into CoAP URI-Path segments, the Go
// equivalent of coap_split_path as driven by golioth_coap_add_path.
func splitPath(full string) []string {
	trimmed := strings.Trim(full, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

// hasExpired reports whether the request's ageout deadline has already
// passed as of now. A zero Deadline (WAIT_FOREVER) never expires here.
func (r Request) hasExpired(now time.Time) bool {
	if r.Deadline.IsZero() {
		return false
	}
	return !now.Before(r.Deadline)
}
