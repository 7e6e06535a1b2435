// Package upstream implements the DoT upstream client of spec.md §4.5: a
// pool of long-lived, length-prefixed TLS connections to a single
// upstream resolver, with per-connection transaction-ID multiplexing and
// reconnect-with-backoff.
package upstream

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dnsscience/sinkproxy/internal/codec"
)

// ErrUpstreamUnavailable is returned once a query has exhausted its
// retry budget against a downed upstream (spec.md §7: UpstreamUnavailable).
var ErrUpstreamUnavailable = errors.New("upstream: unavailable after retry budget")

var errConnDown = errors.New("upstream: connection not currently usable")

const (
	retryBudget    = 3
	initialBackoff = 100 * time.Millisecond
	maxBackoff     = 10 * time.Second
)

// Config configures the upstream client.
type Config struct {
	Host         string
	Port         int
	PoolSize     int // default 1
	DialTimeout  time.Duration
	QueryTimeout time.Duration
	TLSConfig    *tls.Config // optional; InsecureSkipVerify etc. left to the caller
}

func (c Config) addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Client is a pool of upstream DoT connections.
type Client struct {
	cfg  Config
	tls  *tls.Config
	conns []*upstreamConn
	rr   atomic.Uint64
}

// New constructs a client and starts each pool connection's dial loop in
// the background; construction never blocks on upstream reachability.
func New(cfg Config) *Client {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 1
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 5 * time.Second
	}
	tlsCfg := cfg.TLSConfig
	if tlsCfg == nil {
		tlsCfg = &tls.Config{MinVersion: tls.VersionTLS12, ServerName: cfg.Host}
	}

	c := &Client{cfg: cfg, tls: tlsCfg}
	c.conns = make([]*upstreamConn, cfg.PoolSize)
	for i := range c.conns {
		uc := newUpstreamConn(cfg, tlsCfg)
		c.conns[i] = uc
		go uc.run()
	}
	return c
}

// Close tears down every pool connection.
func (c *Client) Close() {
	for _, uc := range c.conns {
		uc.close()
	}
}

func (c *Client) pickConn() *upstreamConn {
	n := uint64(len(c.conns))
	start := c.rr.Add(1) % n
	for i := uint64(0); i < n; i++ {
		uc := c.conns[(start+i)%n]
		if uc.isUp() {
			return uc
		}
	}
	return c.conns[start]
}

// Query sends q upstream and returns the matching response, per spec.md
// §4.5. A fresh transaction ID is assigned; the caller's q.Header is not
// mutated. Connection-level failures are retried up to the 3-attempt
// budget; once exhausted, ErrUpstreamUnavailable is returned.
func (c *Client) Query(ctx context.Context, q *codec.Message) (*codec.Message, error) {
	for attempt := 0; attempt < retryBudget; attempt++ {
		uc := c.pickConn()
		resp, err := uc.send(ctx, q, c.cfg.QueryTimeout)
		if err == nil {
			return resp, nil
		}
		if errors.Is(err, errConnDown) {
			continue
		}
		return nil, err
	}
	return nil, ErrUpstreamUnavailable
}

// pendingQuery is a slot awaiting a response for one outstanding
// transaction ID.
type pendingQuery struct {
	resultCh chan queryResult
}

type queryResult struct {
	msg *codec.Message
	err error
}

// upstreamConn is one pooled, long-lived DoT connection.
type upstreamConn struct {
	cfg Config
	tls *tls.Config

	dialMu sync.Mutex
	conn   net.Conn
	up     atomic.Bool

	writeMu sync.Mutex

	txids *txidAllocator

	pendingMu sync.Mutex
	pending   map[uint16]*pendingQuery

	closed atomic.Bool
	doneCh chan struct{}
}

func newUpstreamConn(cfg Config, tlsCfg *tls.Config) *upstreamConn {
	return &upstreamConn{
		cfg:     cfg,
		tls:     tlsCfg,
		txids:   newTxIDAllocator(),
		pending: make(map[uint16]*pendingQuery),
		doneCh:  make(chan struct{}),
	}
}

func (uc *upstreamConn) isUp() bool { return uc.up.Load() }

// run owns the dial-reconnect-read lifecycle for one pool slot.
func (uc *upstreamConn) run() {
	backoff := initialBackoff
	for {
		if uc.closed.Load() {
			return
		}
		dialCtx, cancel := context.WithTimeout(context.Background(), uc.cfg.DialTimeout)
		dialer := &tls.Dialer{Config: uc.tls}
		conn, err := dialer.DialContext(dialCtx, "tcp", uc.cfg.addr())
		cancel()
		if err != nil {
			uc.up.Store(false)
			if uc.sleepOrClosed(backoff) {
				return
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		backoff = initialBackoff
		uc.dialMu.Lock()
		uc.conn = conn
		uc.dialMu.Unlock()
		uc.up.Store(true)

		uc.readLoop(conn) // blocks until the connection breaks

		uc.up.Store(false)
		uc.failAllPending(errConnDown)
		if uc.closed.Load() {
			return
		}
	}
}

func (uc *upstreamConn) sleepOrClosed(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return false
	case <-uc.doneCh:
		return true
	}
}

func (uc *upstreamConn) readLoop(conn net.Conn) {
	var lenBuf [2]byte
	for {
		if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
			return
		}
		n := int(lenBuf[0])<<8 | int(lenBuf[1])
		body := make([]byte, n)
		if _, err := io.ReadFull(conn, body); err != nil {
			return
		}
		msg, err := codec.Decode(body)
		if err != nil {
			continue // malformed upstream frame: drop and keep reading
		}
		uc.deliver(msg.Header.TransactionID, msg, nil)
	}
}

func (uc *upstreamConn) deliver(id uint16, msg *codec.Message, err error) {
	uc.pendingMu.Lock()
	pq, ok := uc.pending[id]
	if ok {
		delete(uc.pending, id)
	}
	uc.pendingMu.Unlock()
	uc.txids.Release(id)
	if ok {
		pq.resultCh <- queryResult{msg: msg, err: err}
	}
}

func (uc *upstreamConn) failAllPending(err error) {
	uc.pendingMu.Lock()
	pending := uc.pending
	uc.pending = make(map[uint16]*pendingQuery)
	uc.pendingMu.Unlock()
	for id, pq := range pending {
		uc.txids.Release(id)
		pq.resultCh <- queryResult{err: err}
	}
}

// send transmits q on this connection and waits for its matching
// response, up to timeout or ctx cancellation, whichever comes first.
func (uc *upstreamConn) send(ctx context.Context, q *codec.Message, timeout time.Duration) (*codec.Message, error) {
	if !uc.isUp() {
		return nil, errConnDown
	}

	id, err := uc.txids.Allocate()
	if err != nil {
		return nil, err
	}

	outgoing := *q
	outgoing.Header.TransactionID = id
	framed, err := codec.EncodeStream(&outgoing)
	if err != nil {
		uc.txids.Release(id)
		return nil, err
	}

	pq := &pendingQuery{resultCh: make(chan queryResult, 1)}
	uc.pendingMu.Lock()
	uc.pending[id] = pq
	uc.pendingMu.Unlock()

	uc.dialMu.Lock()
	conn := uc.conn
	uc.dialMu.Unlock()

	uc.writeMu.Lock()
	_, werr := conn.Write(framed)
	uc.writeMu.Unlock()
	if werr != nil {
		uc.pendingMu.Lock()
		delete(uc.pending, id)
		uc.pendingMu.Unlock()
		uc.txids.Release(id)
		uc.up.Store(false)
		return nil, errConnDown
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-pq.resultCh:
		if res.err != nil {
			return nil, res.err
		}
		return res.msg, nil
	case <-ctx.Done():
		uc.forget(id)
		return nil, ctx.Err()
	case <-timer.C:
		uc.forget(id)
		return nil, errConnDown
	}
}

func (uc *upstreamConn) forget(id uint16) {
	uc.pendingMu.Lock()
	delete(uc.pending, id)
	uc.pendingMu.Unlock()
	uc.txids.Release(id)
}

func (uc *upstreamConn) close() {
	if uc.closed.Swap(true) {
		return
	}
	close(uc.doneCh)
	uc.dialMu.Lock()
	conn := uc.conn
	uc.dialMu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	uc.failAllPending(errConnDown)
}
