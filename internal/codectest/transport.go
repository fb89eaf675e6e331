// Package codectest provides a fake transport implementing
// coapclient.Dialer/coapclient.WireConn, so the session state machine can
// be exercised deterministically (packet loss, mid-session resets,
// delayed responses) without a real DTLS socket. The session engine
// never constructs or parses CoAP bytes directly, so a fake that only
// deals in the same semantic request/response shape is a faithful
// substitute for tests.
package codectest

import (
	"context"
	"errors"
	"math/rand"
	"sync"

	"github.com/plgd-dev/go-coap/v2/message"

	"github.com/golioth-contrib/coap-device-client/coapclient"
)

// Handler computes the fake server's response to a request. A Handler
// that returns ok=false causes the fake to drop the request (no response
// ever arrives, exercising the response-timeout path).
type Handler func(req coapclient.WireRequest) (resp coapclient.WireResponse, ok bool)

// ObserveHandler produces the notification stream for a subscription. It
// runs on its own goroutine for the life of the subscription and must
// exit promptly when ctx is canceled.
type ObserveHandler func(ctx context.Context, path string, notify func(coapclient.WireResponse))

// Dialer is the fake coapclient.Dialer a test wires into
// coapclient.Config.Transport in place of the production DTLS dialer.
type Dialer struct {
	mu sync.Mutex

	Handle  Handler
	Observe ObserveHandler

	packetLossPercent int
	rng               *rand.Rand

	dialErr   error
	dialCount int

	conns []*Conn
}

// NewDialer builds a fake dialer. seed fixes the packet-loss RNG so
// tests are reproducible.
func NewDialer(seed int64) *Dialer {
	return &Dialer{rng: rand.New(rand.NewSource(seed))}
}

// SetDialError makes every subsequent Dial call fail with err, until
// cleared with SetDialError(nil), exercising the Connecting ->
// Reconnecting path.
func (d *Dialer) SetDialError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dialErr = err
}

// SetPacketLossPercent implements the optional capability
// coapclient.Client.SetPacketLossPercent looks for.
func (d *Dialer) SetPacketLossPercent(pct int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.packetLossPercent = pct
}

// DialCount reports how many times Dial has been called, so a test can
// assert a reconnect actually happened.
func (d *Dialer) DialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dialCount
}

// Conns returns every connection handed out so far, most recent last.
func (d *Dialer) Conns() []*Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Conn, len(d.conns))
	copy(out, d.conns)
	return out
}

// Dial implements coapclient.Dialer.
func (d *Dialer) Dial(ctx context.Context) (coapclient.WireConn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dialCount++
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	c := &Conn{dialer: d, tokens: 1}
	d.conns = append(d.conns, c)
	return c, nil
}

// Conn is a fake live session implementing coapclient.WireConn. It is
// never actually connected to anything; Do/Observe dispatch straight to
// the Dialer's Handle/Observe callbacks in-process.
type Conn struct {
	dialer *Dialer

	mu        sync.Mutex
	closed    bool
	tokens    uint64
	closeFns  []func()
	observing []context.CancelFunc
}

var errConnClosed = errors.New("codectest: connection closed")

// NewToken implements coapclient.WireConn.
func (c *Conn) NewToken() (message.Token, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.tokens
	c.tokens++
	buf := make([]byte, 8)
	for i := 0; i < 8; i++ {
		buf[i] = byte(t >> (8 * i))
	}
	return message.Token(buf), nil
}

// Do implements coapclient.WireConn.
func (c *Conn) Do(ctx context.Context, req coapclient.WireRequest) (coapclient.WireResponse, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return coapclient.WireResponse{}, errConnClosed
	}

	c.dialer.mu.Lock()
	pct := c.dialer.packetLossPercent
	handle := c.dialer.Handle
	var drop bool
	if pct > 0 {
		drop = c.dialer.rng.Intn(100) < pct
	}
	c.dialer.mu.Unlock()

	if drop || handle == nil {
		<-ctx.Done()
		return coapclient.WireResponse{}, ctx.Err()
	}

	resp, ok := handle(req)
	if !ok {
		<-ctx.Done()
		return coapclient.WireResponse{}, ctx.Err()
	}
	select {
	case <-ctx.Done():
		return coapclient.WireResponse{}, ctx.Err()
	default:
		return resp, nil
	}
}

// Observe implements coapclient.WireConn.
func (c *Conn) Observe(ctx context.Context, path string, contentFormat message.MediaType, hasContent bool, onNotify func(coapclient.WireResponse)) (func(), error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errConnClosed
	}
	obsCtx, cancel := context.WithCancel(context.Background())
	c.observing = append(c.observing, cancel)
	handler := c.dialer.Observe
	c.mu.Unlock()

	if handler == nil {
		cancel()
		return func() {}, nil
	}
	go handler(obsCtx, path, onNotify)
	return cancel, nil
}

// Close implements coapclient.WireConn.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	fns := c.closeFns
	obs := c.observing
	c.mu.Unlock()
	for _, cancel := range obs {
		cancel()
	}
	for _, fn := range fns {
		fn()
	}
	return nil
}

// OnClose implements coapclient.WireConn.
func (c *Conn) OnClose(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		go fn()
		return
	}
	c.closeFns = append(c.closeFns, fn)
}

// Break forces the connection closed from the outside and fires any
// OnClose callbacks, simulating a fatal transport error mid-session
// (e.g. a DTLS heartbeat failure or RST).
func (c *Conn) Break() {
	_ = c.Close()
}
