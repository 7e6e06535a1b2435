// Package listener implements the UDP, TCP, and DoT front doors of
// spec.md §4.6: independent sockets sharing one handler.Handler, each
// accepted datagram or connection dispatched onto a bounded worker pool
// so a traffic burst cannot spawn unbounded goroutines. The accept-loop
// and per-packet stats shape follows the teacher repository's
// internal/transport fast UDP server.
package listener

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dnsscience/sinkproxy/internal/bufpool"
	"github.com/dnsscience/sinkproxy/internal/codec"
	"github.com/dnsscience/sinkproxy/internal/dispatch"
	"github.com/dnsscience/sinkproxy/internal/handler"
	"github.com/dnsscience/sinkproxy/internal/ratelimit"
)

const (
	tcpConnDeadline = 10 * time.Second
	maxUDPPacket    = 65535
)

// Config configures a listener Set. TLSPort, CertFile, and KeyFile are
// all required to start the DoT listener; if any is empty, DoT is
// skipped.
type Config struct {
	BindAddress string
	DNSPort     int
	TLSPort     int
	CertFile    string
	KeyFile     string

	Workers   int
	QueueSize int
}

// Set owns every front-door socket and the worker pool they dispatch
// onto.
type Set struct {
	cfg     Config
	handler *handler.Handler
	limiter *ratelimit.Limiter
	pool    *dispatch.Pool

	udpConn *net.UDPConn
	tcpLn   net.Listener
	tlsLn   net.Listener

	wg     sync.WaitGroup
	closed atomic.Bool

	droppedMalformed atomic.Uint64
	rateLimited      atomic.Uint64
}

// New constructs a Set; call Start to bind sockets.
func New(cfg Config, h *handler.Handler, rl *ratelimit.Limiter) *Set {
	return &Set{
		cfg:     cfg,
		handler: h,
		limiter: rl,
		pool:    dispatch.New(dispatch.Config{Workers: cfg.Workers, QueueSize: cfg.QueueSize}),
	}
}

// Start binds and begins serving every configured listener. Failure to
// bind any socket is fatal: it returns an error and leaves nothing
// running.
func (s *Set) Start() error {
	udpAddr := &net.UDPAddr{IP: net.ParseIP(s.cfg.BindAddress), Port: s.cfg.DNSPort}
	udpConn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("listener: bind udp: %w", err)
	}
	s.udpConn = udpConn

	tcpLn, err := net.Listen("tcp", fmt.Sprintf("%s:%d", s.cfg.BindAddress, s.cfg.DNSPort))
	if err != nil {
		udpConn.Close()
		return fmt.Errorf("listener: bind tcp: %w", err)
	}
	s.tcpLn = tcpLn

	if s.cfg.TLSPort != 0 && s.cfg.CertFile != "" && s.cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(s.cfg.CertFile, s.cfg.KeyFile)
		if err != nil {
			udpConn.Close()
			tcpLn.Close()
			return fmt.Errorf("listener: load tls keypair: %w", err)
		}
		tlsLn, err := tls.Listen("tcp", fmt.Sprintf("%s:%d", s.cfg.BindAddress, s.cfg.TLSPort),
			&tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12})
		if err != nil {
			udpConn.Close()
			tcpLn.Close()
			return fmt.Errorf("listener: bind tls: %w", err)
		}
		s.tlsLn = tlsLn
	}

	s.wg.Add(2)
	go s.udpLoop()
	go s.acceptLoop(s.tcpLn, s.handleTCPConn)
	if s.tlsLn != nil {
		s.wg.Add(1)
		go s.acceptLoop(s.tlsLn, s.handleTCPConn)
	}

	return nil
}

// Stop closes every socket and waits up to grace for in-flight work to
// drain (spec.md §5: 1s grace period on shutdown).
func (s *Set) Stop(grace time.Duration) {
	if s.closed.Swap(true) {
		return
	}
	if s.udpConn != nil {
		s.udpConn.Close()
	}
	if s.tcpLn != nil {
		s.tcpLn.Close()
	}
	if s.tlsLn != nil {
		s.tlsLn.Close()
	}
	s.wg.Wait()
	s.pool.Close(grace)
}

func (s *Set) udpLoop() {
	defer s.wg.Done()
	buf := make([]byte, maxUDPPacket)
	for {
		n, addr, err := s.udpConn.ReadFromUDP(buf)
		if err != nil {
			if s.closed.Load() {
				return
			}
			continue
		}
		packet := bufpool.Get(n)
		copy(packet, buf[:n])

		if s.limiter != nil && !s.limiter.Allow(addr.IP) {
			s.rateLimited.Add(1)
			continue
		}

		err = s.pool.Submit(func(ctx context.Context) {
			s.handleUDPPacket(ctx, packet, addr)
		})
		if err != nil {
			bufpool.Put(packet)
		}
	}
}

// handleUDPPacket answers a decoded datagram. Per spec.md §7's
// MalformedPacket taxonomy, a packet that fails to decode is dropped
// silently — no response is sent back over UDP.
func (s *Set) handleUDPPacket(ctx context.Context, packet []byte, addr *net.UDPAddr) {
	defer bufpool.Put(packet)

	req, err := codec.Decode(packet)
	if err != nil {
		s.droppedMalformed.Add(1)
		return
	}

	resp := s.handler.Handle(ctx, "udp", req)
	out := codec.Encode(resp)
	_, _ = s.udpConn.WriteToUDP(out, addr)
}

func (s *Set) acceptLoop(ln net.Listener, handle func(net.Conn)) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.closed.Load() {
				return
			}
			continue
		}
		if tcp, ok := conn.RemoteAddr().(*net.TCPAddr); ok && s.limiter != nil && !s.limiter.Allow(tcp.IP) {
			s.rateLimited.Add(1)
			conn.Close()
			continue
		}
		err = s.pool.Submit(func(ctx context.Context) {
			handle(conn)
		})
		if err != nil {
			conn.Close()
		}
	}
}

// handleTCPConn serves exactly one request/response per connection, per
// spec.md §4.6, then closes — used for both the plain TCP and the DoT
// listener.
func (s *Set) handleTCPConn(conn net.Conn) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(tcpConnDeadline))

	var lenBuf [2]byte
	if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
		return
	}
	n := int(lenBuf[0])<<8 | int(lenBuf[1])
	if n == 0 || n > maxUDPPacket {
		return
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(conn, body); err != nil {
		return
	}

	req, err := codec.Decode(body)
	if err != nil {
		s.droppedMalformed.Add(1)
		return
	}

	transport := "tcp"
	if _, ok := conn.(*tls.Conn); ok {
		transport = "dot"
	}

	resp := s.handler.Handle(context.Background(), transport, req)
	out, err := codec.EncodeStream(resp)
	if err != nil {
		return
	}
	_, _ = conn.Write(out)
}

// Stats summarizes listener-set activity for the periodic stats printer.
type Stats struct {
	DroppedMalformed uint64
	RateLimited      uint64
	Dispatch         dispatch.Stats
}

func (s *Set) GetStats() Stats {
	return Stats{
		DroppedMalformed: s.droppedMalformed.Load(),
		RateLimited:      s.rateLimited.Load(),
		Dispatch:         s.pool.GetStats(),
	}
}
