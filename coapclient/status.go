package coapclient

// Status is the closed outcome enumeration returned by every public operation
// on a Client. Callers should switch on Status rather than inspect wrapped
// errors, which exist only to carry context for logging.
type Status int

const (
	StatusOk Status = iota
	StatusDNSLookup
	StatusNotImplemented
	StatusMemAlloc
	StatusNull
	StatusInvalidFormat
	StatusSerialize
	StatusIo
	StatusTimeout
	StatusQueueFull
	StatusInvalidState
	StatusNotAllowed
	StatusFail
)

var statusNames = map[Status]string{
	StatusOk:             "ok",
	StatusDNSLookup:      "dns_lookup",
	StatusNotImplemented: "not_implemented",
	StatusMemAlloc:       "mem_alloc",
	StatusNull:           "null",
	StatusInvalidFormat:  "invalid_format",
	StatusSerialize:      "serialize",
	StatusIo:             "io",
	StatusTimeout:        "timeout",
	StatusQueueFull:      "queue_full",
	StatusInvalidState:   "invalid_state",
	StatusNotAllowed:     "not_allowed",
	StatusFail:           "fail",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "unknown"
}

// ServerResponse carries the outcome of a single request/response exchange,
// preserving the original CoAP response class/code alongside the collapsed
// Status.
type ServerResponse struct {
	Status Status
	// Class is the CoAP response code class (e.g. 2 for a 2.xx success).
	Class int
	// Code is the CoAP response code detail (e.g. 05 in 2.05 Content).
	Code int
}

// Ok reports whether the response represents CoAP class 2.xx success.
func (r ServerResponse) Ok() bool {
	return r.Class == 2
}
