package coapclient

import (
	"context"
	"crypto/x509"
	"fmt"
	"io"
	"time"

	piondtls "github.com/pion/dtls/v2"
	"github.com/plgd-dev/go-coap/v2/dtls"
	"github.com/plgd-dev/go-coap/v2/message"
	"github.com/plgd-dev/go-coap/v2/message/codes"
	"github.com/plgd-dev/go-coap/v2/net/blockwise"
	"github.com/plgd-dev/go-coap/v2/udp/client"
	udpmessage "github.com/plgd-dev/go-coap/v2/udp/message"
	"github.com/plgd-dev/go-coap/v2/udp/message/pool"
)

// block2OptionID is the CoAP Block2 option, used for manual block-wise GET
// continuations. go-coap's own automatic
// blockwise transfer (configured below via dtls.WithBlockwise) handles
// oversized single responses transparently; this option is set
// explicitly only on GetBlock requests, which deliberately drive
// block-by-block access one index at a time.
const block2OptionID = message.OptionID(23)

// WireRequest is what the session engine asks the transport to send. It
// carries no CoAP wire bytes, only the semantic fields the codec needs -
// the core never constructs or parses CoAP PDUs directly.
type WireRequest struct {
	code          codes.Code
	token         message.Token
	path          string
	hasContent    bool
	contentFormat message.MediaType
	body          []byte
	block2        *uint32
}

// Code reports the request's CoAP method code.
func (r WireRequest) Code() codes.Code { return r.code }

// Path reports the request's CoAP URI-Path, as a single concatenated
// string rather than split into segments.
func (r WireRequest) Path() string { return r.path }

// Body reports the request payload, or nil for a request with no body.
func (r WireRequest) Body() []byte { return r.body }

// ContentFormat reports the request's content-format option; only
// meaningful when HasContent is true.
func (r WireRequest) ContentFormat() message.MediaType { return r.contentFormat }

// HasContent reports whether the request carries a content-format option.
func (r WireRequest) HasContent() bool { return r.hasContent }

// Token reports the request's CoAP token.
func (r WireRequest) Token() message.Token { return r.token }

// WireResponse is what the transport hands back to the session engine.
type WireResponse struct {
	code  codes.Code
	token message.Token
	body  []byte
}

// NewWireResponse builds a WireResponse, for transports and tests outside
// this package that need to construct one directly.
func NewWireResponse(code codes.Code, token message.Token, body []byte) WireResponse {
	return WireResponse{code: code, token: token, body: body}
}

// Code reports the response's CoAP response code.
func (r WireResponse) Code() codes.Code { return r.code }

// Token reports the response's CoAP token.
func (r WireResponse) Token() message.Token { return r.token }

// Body reports the response payload, or nil if it carried none.
func (r WireResponse) Body() []byte { return r.body }

// WireConn is the narrow interface the session engine drives; the
// production implementation wraps a *client.ClientConn from
// github.com/plgd-dev/go-coap/v2/dtls, and internal/codectest provides a
// fake for deterministic tests, keeping the wire codec an external
// collaborator. Every method is exported so a transport implementation can
// live outside this package.
type WireConn interface {
	Do(ctx context.Context, req WireRequest) (WireResponse, error)
	Observe(ctx context.Context, path string, contentFormat message.MediaType, hasContent bool, onNotify func(WireResponse)) (cancel func(), err error)
	NewToken() (message.Token, error)
	Close() error
	// OnClose registers a callback invoked once when the connection is
	// torn down, whether by a transport failure or by an explicit Close()
	// call, grounded on client.ClientConn.AddOnClose.
	OnClose(fn func())
}

// Dialer produces a WireConn for a fresh session. Config.Transport lets
// tests substitute internal/codectest's fake transport.
type Dialer interface {
	Dial(ctx context.Context) (WireConn, error)
}

// dtlsDialer is the production dialer, grounded on the dtlsClients
// host-keyed connection cache pattern, adapted to a single target host
// since this module serializes all traffic over one session.
type dtlsDialer struct {
	host        string
	credentials Credentials
	insecure    bool

	flightInterval time.Duration
	heartbeat      time.Duration
	keepAliveMax   uint32
	keepAliveTO    time.Duration

	transmissionNStart   time.Duration
	transmissionACKTO    time.Duration
	transmissionMaxRetry int

	blockwiseTimeout time.Duration

	logger Logger
}

func (d *dtlsDialer) buildDTLSConfig() (*piondtls.Config, error) {
	cfg := &piondtls.Config{
		InsecureSkipVerify: d.insecure,
		FlightInterval:     d.flightInterval,
	}
	switch creds := d.credentials.(type) {
	case PSKCredentials:
		identity := []byte(creds.Identity)
		cfg.PSK = func(hint []byte) ([]byte, error) {
			return creds.Key, nil
		}
		cfg.PSKIdentityHint = identity
	case CertCredentials:
		cert, err := piondtls.X509KeyPairFromPEM(creds.ClientCert, creds.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("parsing client certificate: %w", err)
		}
		cfg.Certificates = []piondtls.Certificate{cert}
		if len(creds.CACert) > 0 {
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(creds.CACert) {
				return nil, fmt.Errorf("parsing CA certificate")
			}
			cfg.RootCAs = pool
		}
	default:
		return nil, fmt.Errorf("unsupported credentials type %T", d.credentials)
	}
	return cfg, nil
}

func (d *dtlsDialer) Dial(ctx context.Context) (WireConn, error) {
	dtlsCfg, err := d.buildDTLSConfig()
	if err != nil {
		return nil, err
	}

	opts := []dtls.Option{
		dtls.WithHeartBeat(d.heartbeat),
		dtls.WithKeepAlive(d.keepAliveMax, d.keepAliveTO, func(cc interface {
			Close() error
			Context() context.Context
		}) {
		}),
		dtls.WithTransmission(d.transmissionNStart, d.transmissionACKTO, d.transmissionMaxRetry),
		dtls.WithBlockwise(true, blockwise.SZX1024, d.blockwiseTimeout),
	}
	if d.logger != nil {
		opts = append(opts, dtls.WithLogger(&libraryLogAdapter{l: d.logger}))
	}

	conn, err := dtls.Dial(d.host, dtlsCfg, opts...)
	if err != nil {
		return nil, fmt.Errorf("dialing DTLS session to %s: %w", d.host, err)
	}
	return &liveConn{conn: conn}, nil
}

// liveConn adapts *client.ClientConn to WireConn.
type liveConn struct {
	conn *client.ClientConn
}

func (c *liveConn) NewToken() (message.Token, error) {
	token, err := message.GetToken()
	if err != nil {
		return nil, fmt.Errorf("minting session token: %w", err)
	}
	return token, nil
}

func (c *liveConn) Do(ctx context.Context, req WireRequest) (WireResponse, error) {
	msg := pool.AcquireMessage(ctx)

	msg.SetType(udpmessage.Confirmable)
	msg.SetCode(req.code)
	msg.SetToken(req.token)
	if req.path != "" {
		msg.SetPath(req.path)
	}
	if req.hasContent {
		msg.SetContentFormat(req.contentFormat)
	}
	if req.body != nil {
		msg.SetBody(newByteReadSeeker(req.body))
	}
	if req.block2 != nil {
		msg.SetOptionUint32(block2OptionID, *req.block2)
	}

	type result struct {
		resp *pool.Message
		err  error
	}
	resultCh := make(chan result, 1)
	go func() {
		resp, err := c.conn.Do(msg)
		// msg is only released once c.conn.Do has returned, never on the
		// ctx.Done() branch below: the goroutine may still be reading it
		// to encode/send the request even after the caller has given up
		// waiting, and releasing it back to the pool early would let a
		// concurrent request reacquire and mutate it out from under
		// this send.
		pool.ReleaseMessage(msg)
		resultCh <- result{resp: resp, err: err}
	}()

	select {
	case res := <-resultCh:
		if res.err != nil {
			return WireResponse{}, res.err
		}
		body, err := readAllBody(res.resp)
		if err != nil {
			return WireResponse{}, fmt.Errorf("reading response body: %w", err)
		}
		return WireResponse{code: res.resp.Code(), token: res.resp.Token(), body: body}, nil
	case <-ctx.Done():
		return WireResponse{}, ctx.Err()
	}
}

// coapObservation is the subset of go-coap/v2's observation handle this
// module relies on: the ability to tear down the subscription later.
type coapObservation interface {
	Cancel(ctx context.Context) error
}

func (c *liveConn) Observe(ctx context.Context, path string, contentFormat message.MediaType, hasContent bool, onNotify func(WireResponse)) (func(), error) {
	var opts []message.Option
	if hasContent {
		opts = append(opts, message.Option{ID: message.ContentFormat, Value: encodeMediaType(contentFormat)})
	}

	type result struct {
		obs coapObservation
		err error
	}
	resultCh := make(chan result, 1)
	go func() {
		obs, err := c.conn.Observe(context.Background(), path, func(notif *pool.Message) {
			body, err := readAllBody(notif)
			if err != nil {
				return
			}
			onNotify(WireResponse{code: notif.Code(), token: notif.Token(), body: body})
		}, opts...)
		resultCh <- result{obs: obs, err: err}
	}()

	select {
	case res := <-resultCh:
		if res.err != nil {
			return nil, fmt.Errorf("establishing observation of %s: %w", path, res.err)
		}
		return func() {
			_ = res.obs.Cancel(context.Background())
		}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *liveConn) Close() error {
	return c.conn.Close()
}

func (c *liveConn) OnClose(fn func()) {
	c.conn.AddOnClose(fn)
}

func readAllBody(msg *pool.Message) ([]byte, error) {
	body := msg.Body()
	if body == nil {
		return nil, nil
	}
	return io.ReadAll(body)
}

func encodeMediaType(m message.MediaType) []byte {
	buf := make([]byte, 4)
	n := 0
	v := uint32(m)
	for v > 0 {
		buf[n] = byte(v)
		v >>= 8
		n++
	}
	if n == 0 {
		n = 1
	}
	return buf[:n]
}

// libraryLogAdapter bridges our Logger to the codec's own logger
// interface.
type libraryLogAdapter struct {
	l Logger
}

func (a *libraryLogAdapter) Printf(format string, v ...interface{}) {
	a.l.Printf(format, v...)
}

// byteReadSeeker adapts a []byte to io.ReadSeeker for pool.Message.SetBody,
// which expects a seekable body (go-coap may need to re-read it on
// retransmit).
type byteReadSeeker struct {
	data []byte
	pos  int64
}

func newByteReadSeeker(data []byte) *byteReadSeeker {
	return &byteReadSeeker{data: data}
}

func (b *byteReadSeeker) Read(p []byte) (int, error) {
	if b.pos >= int64(len(b.data)) {
		return 0, io.EOF
	}
	n := copy(p, b.data[b.pos:])
	b.pos += int64(n)
	return n, nil
}

func (b *byteReadSeeker) Seek(offset int64, whence int) (int64, error) {
	var newPos int64
	switch whence {
	case io.SeekStart:
		newPos = offset
	case io.SeekCurrent:
		newPos = b.pos + offset
	case io.SeekEnd:
		newPos = int64(len(b.data)) + offset
	default:
		return 0, fmt.Errorf("byteReadSeeker: invalid whence %d", whence)
	}
	if newPos < 0 {
		return 0, fmt.Errorf("byteReadSeeker: negative position")
	}
	b.pos = newPos
	return b.pos, nil
}
