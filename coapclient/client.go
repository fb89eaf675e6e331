package coapclient

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/plgd-dev/go-coap/v2/message"
)

// stopGateTimeout bounds how long Stop waits to acquire the run gate,
// grounded on xSemaphoreTake(client->run_sem, 100 / portTICK_PERIOD_MS)
// in golioth_client_stop.
const stopGateTimeout = 100 * time.Millisecond

// sessionCooldown is the fixed pause between a session ending and the
// next connection attempt, grounded on the unconditional short delay at
// the bottom of golioth_coap_client_task's outer loop.
const sessionCooldown = time.Second

// Config configures a Client. Fields left zero take the defaults
// setDefaults applies, mirroring the Kconfig defaults golioth_coap_client.c
// reads (CONFIG_GOLIOTH_COAP_* symbols).
type Config struct {
	Host        string
	Credentials Credentials

	// InsecureSkipVerify disables server certificate verification. Only
	// meaningful with CertCredentials; ignored for PSK.
	InsecureSkipVerify bool

	// ResponseTimeout bounds how long the worker waits for a response to
	// an in-flight request before declaring it timed out. Default 10s,
	// matching CONFIG_GOLIOTH_COAP_RESPONSE_TIMEOUT_S.
	ResponseTimeout time.Duration

	// RequestQueueMaxItems bounds the submit queue's capacity. Default
	// 10, matching CONFIG_GOLIOTH_COAP_REQUEST_QUEUE_MAX_ITEMS.
	RequestQueueMaxItems int

	// QueuePollInterval is how long the worker blocks on an empty queue
	// between idle-I/O services. Default 1s, matching the
	// CONFIG_GOLIOTH_COAP_REQUEST_QUEUE_TIMEOUT_MS wait in
	// golioth_coap_client_task's dequeue.
	QueuePollInterval time.Duration

	// KeepaliveInterval is the period of the automatic Empty keepalive.
	// Zero disables it, matching CONFIG_GOLIOTH_COAP_KEEPALIVE_INTERVAL_S == 0.
	KeepaliveInterval time.Duration

	// ObservationCapacity bounds the fixed observation registry. Default
	// 10, matching CONFIG_GOLIOTH_MAX_NUM_OBSERVATIONS.
	ObservationCapacity int

	// TaskStackBytes and TaskPriority are carried for parity with the
	// embedded configuration surface but have no effect on a goroutine;
	// the Go scheduler owns both concerns. Only validated (non-negative),
	// never consumed.
	TaskStackBytes int
	TaskPriority   int

	Logger Logger

	// FlightInterval, Heartbeat, KeepAliveMaxRetries, KeepAliveTimeout
	// tune the DTLS transport's own handshake/liveness behavior,
	// independent of the application-level keepalive above.
	FlightInterval      time.Duration
	Heartbeat           time.Duration
	KeepAliveMaxRetries uint32
	KeepAliveTimeout    time.Duration

	// TransmissionNStart, TransmissionACKTimeout, TransmissionMaxRetransmits
	// configure the CoAP confirmable-message retransmission strategy.
	TransmissionNStart         time.Duration
	TransmissionACKTimeout     time.Duration
	TransmissionMaxRetransmits int

	// BlockwiseTimeout bounds automatic (non-GetBlock) blockwise transfers.
	BlockwiseTimeout time.Duration

	// Transport overrides the production DTLS dialer. Production callers
	// leave it nil; internal/codectest sets it to a fake transport for
	// deterministic tests.
	Transport Dialer
}

func (cfg *Config) setDefaults() {
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = 10 * time.Second
	}
	if cfg.RequestQueueMaxItems <= 0 {
		cfg.RequestQueueMaxItems = 10
	}
	if cfg.QueuePollInterval <= 0 {
		cfg.QueuePollInterval = time.Second
	}
	if cfg.ObservationCapacity <= 0 {
		cfg.ObservationCapacity = 10
	}
	if cfg.FlightInterval <= 0 {
		cfg.FlightInterval = time.Second
	}
	if cfg.TransmissionACKTimeout <= 0 {
		cfg.TransmissionACKTimeout = 2 * time.Second
	}
	if cfg.TransmissionMaxRetransmits <= 0 {
		cfg.TransmissionMaxRetransmits = 4
	}
	if cfg.BlockwiseTimeout <= 0 {
		cfg.BlockwiseTimeout = time.Minute
	}
}

func (cfg Config) validate() error {
	if cfg.Host == "" {
		return fmt.Errorf("coapclient: Host is required")
	}
	if cfg.Transport == nil && cfg.Credentials == nil {
		return fmt.Errorf("coapclient: Credentials is required")
	}
	if cfg.TaskStackBytes < 0 || cfg.TaskPriority < 0 {
		return fmt.Errorf("coapclient: TaskStackBytes and TaskPriority must be non-negative")
	}
	return nil
}

// packetLossSetter is an optional capability a test dialer (see
// internal/codectest) implements so SetPacketLossPercent has something to
// drive; the production DTLS dialer does not implement it and the call
// becomes a no-op.
type packetLossSetter interface {
	SetPacketLossPercent(pct int)
}

// Client is a single managed CoAP-over-DTLS session to one host: a
// bounded submit queue, a fixed observation registry, and a worker
// goroutine that owns the wire connection for its entire lifetime,
// grounded on golioth_coap_client_t / golioth_coap_client_task.
type Client struct {
	cfg    Config
	dialer Dialer

	queue        *requestQueue
	observations *observationRegistry
	keepalive    *keepalive

	eventMu sync.Mutex
	eventCb EventCallback

	// runMu/runCond/running/destroyed gate both the worker's connect loop
	// and submission acceptance, the Go analogue of client->run_sem.
	runMu     sync.Mutex
	runCond   *sync.Cond
	running   bool
	destroyed bool
	destroyCh chan struct{}

	stoppedWorker chan struct{}

	connMu    sync.Mutex
	connected bool
}

// New constructs a Client and starts its worker goroutine. The worker
// waits for Start before attempting to connect; submissions are rejected
// with StatusInvalidState until Start has been called (and after Destroy).
func New(cfg Config) (*Client, error) {
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	d := cfg.Transport
	if d == nil {
		d = &dtlsDialer{
			host:                 cfg.Host,
			credentials:          cfg.Credentials,
			insecure:             cfg.InsecureSkipVerify,
			flightInterval:       cfg.FlightInterval,
			heartbeat:            cfg.Heartbeat,
			keepAliveMax:         cfg.KeepAliveMaxRetries,
			keepAliveTO:          cfg.KeepAliveTimeout,
			transmissionNStart:   cfg.TransmissionNStart,
			transmissionACKTO:    cfg.TransmissionACKTimeout,
			transmissionMaxRetry: cfg.TransmissionMaxRetransmits,
			blockwiseTimeout:     cfg.BlockwiseTimeout,
			logger:               cfg.Logger,
		}
	}

	c := &Client{
		cfg:           cfg,
		dialer:        d,
		queue:         newRequestQueue(cfg.RequestQueueMaxItems),
		observations:  newObservationRegistry(cfg.ObservationCapacity),
		destroyCh:     make(chan struct{}),
		stoppedWorker: make(chan struct{}),
	}
	c.runCond = sync.NewCond(&c.runMu)
	c.keepalive = newKeepalive(cfg.KeepaliveInterval, c.submitKeepalive)

	go c.keepalive.run()
	go c.runLoop()

	return c, nil
}

// Start is an idempotent toggle that lets the worker proceed to connect
// and accepts submissions. Calling Start on an already-running client is
// a no-op, matching golioth_client_start's xSemaphoreGive(run_sem).
func (c *Client) Start() Status {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.destroyed {
		return StatusInvalidState
	}
	c.running = true
	c.runCond.Broadcast()
	return StatusOk
}

// Stop is an idempotent toggle that ends the current session (if any)
// and rejects new submissions until Start is called again. It returns
// StatusTimeout if the run gate can't be acquired within stopGateTimeout,
// matching golioth_client_stop's bounded xSemaphoreTake.
func (c *Client) Stop() Status {
	deadline := time.Now().Add(stopGateTimeout)
	for {
		if c.runMu.TryLock() {
			c.running = false
			c.runCond.Broadcast()
			c.runMu.Unlock()
			return StatusOk
		}
		if time.Now().After(deadline) {
			return StatusTimeout
		}
		time.Sleep(time.Millisecond)
	}
}

// Destroy stops the worker permanently, drains the submit queue (failing
// any synchronous waiters with StatusInvalidState), and releases the
// keepalive timer. It is safe to call more than once.
func (c *Client) Destroy() {
	c.runMu.Lock()
	if c.destroyed {
		c.runMu.Unlock()
		return
	}
	c.destroyed = true
	c.running = false
	c.runCond.Broadcast()
	c.runMu.Unlock()

	close(c.destroyCh)
	c.keepalive.stop()

	<-c.stoppedWorker

	for _, req := range c.queue.drain() {
		if req.done != nil {
			req.done.signal(ServerResponse{Status: StatusInvalidState})
		}
	}
}

func (c *Client) isDestroyed() bool {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	return c.destroyed
}

// IsRunning reports whether Start has been called and Stop/Destroy have
// not since reversed it.
func (c *Client) IsRunning() bool {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	return c.running && !c.destroyed
}

// IsConnected reports whether the current session has completed at
// least one successful round trip since it was established.
func (c *Client) IsConnected() bool {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.connected
}

func (c *Client) setConnected(v bool) {
	c.connMu.Lock()
	c.connected = v
	c.connMu.Unlock()
}

// NumItemsInRequestQueue reports how many submissions are currently
// queued awaiting dispatch.
func (c *Client) NumItemsInRequestQueue() int {
	return c.queue.len()
}

// RegisterEventCallback installs the callback invoked on Connected and
// Disconnected transitions. Passing nil removes any existing callback.
func (c *Client) RegisterEventCallback(cb EventCallback) {
	c.eventMu.Lock()
	c.eventCb = cb
	c.eventMu.Unlock()
}

func (c *Client) fireEvent(e EventType) {
	c.eventMu.Lock()
	cb := c.eventCb
	c.eventMu.Unlock()
	if cb != nil {
		cb(e)
	}
}

// TaskStackMinRemaining has no analogue for a goroutine (the Go runtime
// grows stacks on demand rather than allocating a fixed arena); it
// always returns -1. Carried only so callers ported from the embedded
// API compile unchanged.
func (c *Client) TaskStackMinRemaining() int {
	return -1
}

// SetPacketLossPercent is a test hook: it has no effect on the production
// DTLS dialer and only does something when Config.Transport is a fake
// transport from internal/codectest.
func (c *Client) SetPacketLossPercent(pct int) {
	if setter, ok := c.dialer.(packetLossSetter); ok {
		setter.SetPacketLossPercent(pct)
	}
}

func deadlineFromContext(ctx context.Context) time.Time {
	if dl, ok := ctx.Deadline(); ok {
		return dl
	}
	return time.Time{}
}

// submitAsync enqueues req without blocking the caller past a full queue.
func (c *Client) submitAsync(req Request) Status {
	if !c.IsRunning() {
		return StatusInvalidState
	}
	return c.queue.tryEnqueue(req)
}

// submitSync enqueues req and blocks until the worker completes it or ctx
// is done. A caller-side timeout does not cancel the in-flight request;
// the handshake with the worker is finished asynchronously so the
// worker's own completionGate.signal never blocks on an abandoned caller
// (see completion.go).
func (c *Client) submitSync(ctx context.Context, req Request) ServerResponse {
	if !c.IsRunning() {
		return ServerResponse{Status: StatusInvalidState}
	}
	gate := newCompletionGate()
	req.done = gate
	if status := c.queue.tryEnqueue(req); status != StatusOk {
		return ServerResponse{Status: status}
	}
	select {
	case resp := <-gate.done:
		gate.ack <- struct{}{}
		return resp
	case <-ctx.Done():
		go func() {
			<-gate.done
			gate.ack <- struct{}{}
		}()
		return ServerResponse{Status: StatusTimeout}
	}
}

// submitKeepalive skips the ping while requests are already queued; it
// does not check whether a request is currently in flight.
func (c *Client) submitKeepalive() {
	if c.queue.len() > 0 {
		return
	}
	c.submitAsync(Request{Kind: KindEmpty})
}

// Get issues an asynchronous GET, invoking cb on the worker goroutine
// with the result. cb must not block on the request queue.
func (c *Client) Get(ctx context.Context, path string, contentType message.MediaType, cb GetCallback) Status {
	if len(path) > maxPathLen {
		return StatusInvalidFormat
	}
	return c.submitAsync(Request{
		Kind:        KindGet,
		Path:        path,
		ContentType: contentType,
		GetCb:       cb,
		Deadline:    deadlineFromContext(ctx),
	})
}

// GetSync issues a synchronous GET, blocking until the worker completes
// it or ctx is done.
func (c *Client) GetSync(ctx context.Context, path string, contentType message.MediaType) ([]byte, ServerResponse) {
	if len(path) > maxPathLen {
		return nil, ServerResponse{Status: StatusInvalidFormat}
	}
	var payload []byte
	resp := c.submitSync(ctx, Request{
		Kind:        KindGet,
		Path:        path,
		ContentType: contentType,
		GetCb:       func(_ ServerResponse, body []byte) { payload = body },
		Deadline:    deadlineFromContext(ctx),
	})
	return payload, resp
}

// GetBlock issues an asynchronous GET for a single BlockSize-sized block,
// for callers that drive block-wise transfer one index at a time rather
// than relying on the transport's automatic blockwise handling.
func (c *Client) GetBlock(ctx context.Context, path string, blockIndex uint32, cb GetCallback) Status {
	if len(path) > maxPathLen {
		return StatusInvalidFormat
	}
	return c.submitAsync(Request{
		Kind:       KindGetBlock,
		Path:       path,
		BlockIndex: blockIndex,
		BlockSize:  BlockSize,
		GetCb:      cb,
		Deadline:   deadlineFromContext(ctx),
	})
}

// GetBlockSync is the synchronous counterpart to GetBlock.
func (c *Client) GetBlockSync(ctx context.Context, path string, blockIndex uint32) ([]byte, ServerResponse) {
	if len(path) > maxPathLen {
		return nil, ServerResponse{Status: StatusInvalidFormat}
	}
	var payload []byte
	resp := c.submitSync(ctx, Request{
		Kind:       KindGetBlock,
		Path:       path,
		BlockIndex: blockIndex,
		BlockSize:  BlockSize,
		GetCb:      func(_ ServerResponse, body []byte) { payload = body },
		Deadline:   deadlineFromContext(ctx),
	})
	return payload, resp
}

// Post issues an asynchronous POST carrying payload.
func (c *Client) Post(ctx context.Context, path string, contentType message.MediaType, payload []byte, cb SetCallback) Status {
	if len(path) > maxPathLen {
		return StatusInvalidFormat
	}
	return c.submitAsync(Request{
		Kind:        KindPost,
		Path:        path,
		ContentType: contentType,
		Payload:     payload,
		SetCb:       cb,
		Deadline:    deadlineFromContext(ctx),
	})
}

// PostSync is the synchronous counterpart to Post.
func (c *Client) PostSync(ctx context.Context, path string, contentType message.MediaType, payload []byte) ServerResponse {
	if len(path) > maxPathLen {
		return ServerResponse{Status: StatusInvalidFormat}
	}
	return c.submitSync(ctx, Request{
		Kind:        KindPost,
		Path:        path,
		ContentType: contentType,
		Payload:     payload,
		Deadline:    deadlineFromContext(ctx),
	})
}

// Delete issues an asynchronous DELETE.
func (c *Client) Delete(ctx context.Context, path string, cb SetCallback) Status {
	if len(path) > maxPathLen {
		return StatusInvalidFormat
	}
	return c.submitAsync(Request{
		Kind:     KindDelete,
		Path:     path,
		SetCb:    cb,
		Deadline: deadlineFromContext(ctx),
	})
}

// DeleteSync is the synchronous counterpart to Delete.
func (c *Client) DeleteSync(ctx context.Context, path string) ServerResponse {
	if len(path) > maxPathLen {
		return ServerResponse{Status: StatusInvalidFormat}
	}
	return c.submitSync(ctx, Request{Kind: KindDelete, Path: path, Deadline: deadlineFromContext(ctx)})
}

// Empty issues an asynchronous content-less confirmable request, used
// internally for keepalive and also exposed directly since it is the
// cheapest way to probe liveness of the session.
func (c *Client) Empty(ctx context.Context, cb SetCallback) Status {
	return c.submitAsync(Request{Kind: KindEmpty, SetCb: cb, Deadline: deadlineFromContext(ctx)})
}

// EmptySync is the synchronous counterpart to Empty.
func (c *Client) EmptySync(ctx context.Context) ServerResponse {
	return c.submitSync(ctx, Request{Kind: KindEmpty, Deadline: deadlineFromContext(ctx)})
}

// Observe registers a standing subscription at path. cb is invoked for
// every notification delivered for the lifetime of the client, on the
// goroutine the transport delivers notifications on (not the session
// worker); the subscription is automatically re-established (with a
// fresh token) across reconnects and is never explicitly cancelable, per
// the fixed-capacity observation registry design (observation.go).
func (c *Client) Observe(ctx context.Context, path string, contentType message.MediaType, cb GetCallback) Status {
	if len(path) > maxPathLen {
		return StatusInvalidFormat
	}
	return c.submitAsync(Request{
		Kind:        KindObserve,
		Path:        path,
		ContentType: contentType,
		GetCb:       cb,
		Deadline:    deadlineFromContext(ctx),
	})
}
