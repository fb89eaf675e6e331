package coapclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/plgd-dev/go-coap/v2/message"
	"github.com/plgd-dev/go-coap/v2/message/codes"
)

// runLoop is the worker goroutine: it owns the wire connection for its
// entire lifetime and is the only goroutine that ever touches it, the
// observation registry, or block-continuation token cache, so none of
// those need locking. Grounded on golioth_coap_client_task.
func (c *Client) runLoop() {
	defer close(c.stoppedWorker)

	blockTokens := make(map[string]message.Token)

	for {
		if !c.waitForRunSignal() {
			return
		}

		conn, err := c.dialOnce()
		if err != nil {
			c.log("dial failed: %v", err)
			if !c.cooldown() {
				return
			}
			continue
		}

		c.runConnected(conn, blockTokens)

		if c.isDestroyed() {
			return
		}
		if !c.cooldown() {
			return
		}
	}
}

// waitForRunSignal blocks until Start has been called (or Destroy), the
// Go analogue of xSemaphoreTake(run_sem, portMAX_DELAY) followed
// immediately by xSemaphoreGive (a check, not a true acquire).
func (c *Client) waitForRunSignal() bool {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	for !c.running && !c.destroyed {
		c.runCond.Wait()
	}
	return !c.destroyed
}

// isRunning is the non-blocking per-iteration check inside a live
// session, grounded on xSemaphoreTake(client->run_sem, 0).
func (c *Client) isRunning() bool {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	return c.running
}

// cooldown pauses sessionCooldown between sessions, waking early (and
// reporting false) if Destroy is called during the pause.
func (c *Client) cooldown() bool {
	select {
	case <-time.After(sessionCooldown):
		return !c.isDestroyed()
	case <-c.destroyCh:
		return false
	}
}

func (c *Client) dialOnce() (WireConn, error) {
	return c.dialer.Dial(context.Background())
}

// runConnected drives one live session end to end: an initial
// connectivity probe, re-establishment of any carried-over observations,
// then the dequeue/dispatch loop, until a fatal I/O error, an explicit
// Stop, or Destroy ends it. Grounded on the body of
// golioth_coap_client_task from create_session through the cleanup label.
func (c *Client) runConnected(conn WireConn, blockTokens map[string]message.Token) {
	fatal := make(chan struct{}, 1)
	conn.OnClose(func() {
		select {
		case fatal <- struct{}{}:
		default:
		}
	})
	defer func() {
		_ = conn.Close()
		if c.IsConnected() {
			c.setConnected(false)
			c.fireEvent(EventDisconnected)
		}
		for k := range blockTokens {
			delete(blockTokens, k)
		}
	}()

	// Fire an Empty request immediately: the transport doesn't otherwise
	// signal session establishment, so this is how a fresh session learns
	// it is connected without waiting for an application request.
	c.dispatchAndAwait(conn, blockTokens, Request{Kind: KindEmpty})

	c.reestablishObservations(conn)

	for {
		if c.isDestroyed() {
			return
		}
		if !c.isRunning() {
			return
		}
		select {
		case <-fatal:
			return
		default:
		}

		req, ok := c.queue.dequeue(c.cfg.QueuePollInterval)
		if !ok {
			continue
		}

		if req.hasExpired(time.Now()) {
			c.completeRequest(req, ServerResponse{Status: StatusTimeout}, nil)
			continue
		}

		if c.dispatchAndAwait(conn, blockTokens, req) {
			return
		}
	}
}

// reestablishObservations re-subscribes every in-use observation slot
// against the new session with a fresh token, grounded on
// reestablish_observations.
func (c *Client) reestablishObservations(conn WireConn) {
	c.observations.forEachInUse(func(_ int, rec *observationRecord) {
		rec.cancel = c.startObservation(conn, rec.request)
	})
}

// startObservation issues the observe() call and wires its notifications
// back through the request's GetCallback. It never itself ends the
// session on failure; a failed (re-)subscription is logged and retried on
// the next reconnect, matching the append-only registry design
// (observation.go).
func (c *Client) startObservation(conn WireConn, req Request) func() {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ResponseTimeout)
	defer cancel()

	cancelObs, err := c.observeWithCallback(ctx, conn, req)
	if err != nil {
		c.log("observing %s: %v", req.FullPath(), err)
		return func() {}
	}
	return cancelObs
}

// observeWithCallback registers the subscription and wires its
// notifications back through req.GetCb, resetting the keepalive timer on
// every delivery the same way a ranged response does.
func (c *Client) observeWithCallback(ctx context.Context, conn WireConn, req Request) (func(), error) {
	return conn.Observe(ctx, req.FullPath(), req.ContentType, req.ContentType != 0, func(wr WireResponse) {
		resp := statusForResponse(req.Kind, wr)
		body := wr.body
		if resp.Status != StatusOk {
			body = nil
		}
		if req.GetCb != nil {
			req.GetCb(resp, body)
		}
		c.keepalive.reset()
	})
}

// dispatchAndAwait builds and sends one request, waits for its outcome
// within the tighter of ResponseTimeout and the request's own ageout
// deadline, and reports the outcome to the caller. It returns true when
// the session must end (fatal I/O error or response timeout), the
// Running -> EndingSession transition.
func (c *Client) dispatchAndAwait(conn WireConn, blockTokens map[string]message.Token, req Request) (endSession bool) {
	timeout := c.cfg.ResponseTimeout
	if !req.Deadline.IsZero() {
		if remaining := time.Until(req.Deadline); remaining < timeout {
			timeout = remaining
		}
	}
	if timeout < 0 {
		timeout = 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if req.Kind == KindObserve {
		return c.dispatchObserve(ctx, conn, req)
	}

	wireReq, err := c.buildWireRequest(conn, blockTokens, req)
	if err != nil {
		c.log("building request for %s: %v", req.FullPath(), err)
		c.completeRequest(req, ServerResponse{Status: StatusInvalidFormat}, nil)
		return false
	}

	resp, err := conn.Do(ctx, wireReq)
	return c.handleDispatchResult(req, resp, err)
}

func (c *Client) dispatchObserve(ctx context.Context, conn WireConn, req Request) (endSession bool) {
	idx, ok := c.observations.add(req)
	if !ok {
		c.log("observation registry full, dropping subscribe to %s", req.FullPath())
		return false
	}

	cancelObs, err := c.observeWithCallback(ctx, conn, req)
	if err != nil {
		return c.handleDispatchResult(req, WireResponse{}, err)
	}

	c.observations.forEachInUse(func(i int, rec *observationRecord) {
		if i == idx {
			rec.cancel = cancelObs
		}
	})

	if req.done != nil {
		req.done.signal(ServerResponse{Status: StatusOk, Class: 2})
	}
	c.markConnectedOnce()
	return false
}

// buildWireRequest translates a Request into the codec-agnostic
// WireRequest, minting or reusing a token as appropriate. GetBlock
// requests at block_index 0 mint a fresh token and cache it keyed by
// path; later indices reuse the cached token, grounded on the comment in
// golioth_coap_get_block about carrying the same token across a
// block-wise sequence.
func (c *Client) buildWireRequest(conn WireConn, blockTokens map[string]message.Token, req Request) (WireRequest, error) {
	var token message.Token
	var err error

	if req.Kind == KindGetBlock && req.BlockIndex != 0 {
		var ok bool
		token, ok = blockTokens[req.FullPath()]
		if !ok {
			token, err = conn.NewToken()
		}
	} else {
		token, err = conn.NewToken()
		if err == nil && req.Kind == KindGetBlock {
			blockTokens[req.FullPath()] = token
		}
	}
	if err != nil {
		return WireRequest{}, fmt.Errorf("minting token: %w", err)
	}

	wr := WireRequest{token: token, path: req.FullPath()}
	switch req.Kind {
	case KindEmpty:
		wr.code = codes.DELETE
	case KindGet:
		wr.code = codes.GET
		wr.hasContent = req.ContentType != 0
		wr.contentFormat = req.ContentType
	case KindGetBlock:
		wr.code = codes.GET
		wr.hasContent = req.ContentType != 0
		wr.contentFormat = req.ContentType
		block := encodeBlock2(req.BlockIndex)
		wr.block2 = &block
	case KindPost:
		wr.code = codes.POST
		wr.hasContent = true
		wr.contentFormat = req.ContentType
		wr.body = req.Payload
	case KindDelete:
		wr.code = codes.DELETE
	}
	return wr, nil
}

// handleDispatchResult interprets the outcome of conn.do/conn.observe,
// fires the callback and connection events, and reports whether the
// session must end. Grounded on the response-wait block in
// coap_io_process's caller (golioth_coap_client_task's inner loop) plus
// its surrounding event_callback/session_connected bookkeeping.
func (c *Client) handleDispatchResult(req Request, resp WireResponse, err error) (endSession bool) {
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			c.log("timeout waiting for response to %s", req.FullPath())
			c.completeRequest(req, ServerResponse{Status: StatusTimeout}, nil)
		} else {
			c.log("I/O error dispatching %s: %v", req.FullPath(), err)
			c.completeRequest(req, ServerResponse{Status: StatusIo}, nil)
		}
		if c.IsConnected() {
			c.setConnected(false)
			c.fireEvent(EventDisconnected)
		}
		return true
	}

	serverResp := statusForResponse(req.Kind, resp)
	body := resp.body
	if serverResp.Status != StatusOk {
		body = nil
	}
	c.completeRequest(req, serverResp, body)
	c.keepalive.reset()
	c.markConnectedOnce()
	return false
}

func (c *Client) markConnectedOnce() {
	if !c.IsConnected() {
		c.setConnected(true)
		c.fireEvent(EventConnected)
	}
}

// completeRequest invokes the request's callback (if any) and, for
// synchronous submissions, signals the completion gate. The callback
// always runs before the gate is signaled, so a synchronous GetSync-style
// caller observes a fully-populated payload variable the instant its
// wait returns.
func (c *Client) completeRequest(req Request, resp ServerResponse, payload []byte) {
	switch {
	case req.GetCb != nil:
		req.GetCb(resp, payload)
	case req.SetCb != nil:
		req.SetCb(resp)
	}
	if req.done != nil {
		req.done.signal(resp)
	}
}

// statusForResponse collapses a wire response's CoAP class/code into the
// closed Status enumeration: non-2.xx collapses to StatusFail, and a
// 2.xx response to a GET-shaped request with no body collapses to
// StatusNull rather than StatusOk.
func statusForResponse(kind RequestKind, resp WireResponse) ServerResponse {
	class, code := classifyCode(resp.code)
	sr := ServerResponse{Class: class, Code: code}
	switch {
	case class != 2:
		sr.Status = StatusFail
	case (kind == KindGet || kind == KindGetBlock || kind == KindObserve) && len(resp.body) == 0:
		sr.Status = StatusNull
	default:
		sr.Status = StatusOk
	}
	return sr
}

func classifyCode(c codes.Code) (class, detail int) {
	raw := int(c)
	return raw >> 5, raw & 0x1f
}
