package coapclient

// completionGate implements a two-phase synchronous hand-off: the worker
// signals done exactly once, then blocks on ack until the caller has
// observed the result, so the worker never frees/reuses request-local
// state out from under a caller that is still reading it. Grounded on
// the paired binary semaphores (request_complete_sem plus implicit
// destroy-ordering) in golioth_coap_client_empty/_set/_delete/_get_internal.
type completionGate struct {
	done chan ServerResponse
	ack  chan struct{}
}

func newCompletionGate() *completionGate {
	return &completionGate{
		done: make(chan ServerResponse, 1),
		ack:  make(chan struct{}, 1),
	}
}

// signal is called exactly once by the worker when the request completes
// (response, timeout, or ageout), then waits for the caller's ack before
// returning, so cleanup on the worker side happens strictly after the
// caller has observed the result.
func (g *completionGate) signal(resp ServerResponse) {
	g.done <- resp
	<-g.ack
}
