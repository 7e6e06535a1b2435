package listener

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/dnsscience/sinkproxy/internal/blocklist"
	"github.com/dnsscience/sinkproxy/internal/cache"
	"github.com/dnsscience/sinkproxy/internal/codec"
	"github.com/dnsscience/sinkproxy/internal/handler"
	"github.com/dnsscience/sinkproxy/internal/upstream"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("freePort: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func testSet(t *testing.T) (*Set, int) {
	t.Helper()
	bl := blocklist.New()
	c := cache.NewRandomKey(4)
	// No real upstream reachable: queries that get past the (empty)
	// blocklist are answered with SERVFAIL, which still carries the
	// request's transaction ID and the response flag these tests check.
	up := upstream.New(upstream.Config{Host: "127.0.0.1", Port: freePort(t), PoolSize: 1})
	t.Cleanup(up.Close)

	h := handler.New(bl, c, up, 200*time.Millisecond)
	port := freePort(t)
	set := New(Config{BindAddress: "127.0.0.1", DNSPort: port, Workers: 2, QueueSize: 8}, h, nil)
	if err := set.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { set.Stop(time.Second) })
	return set, port
}

func TestUDPListenerAnswersWellFormedQuery(t *testing.T) {
	_, port := testSet(t)

	req := &codec.Message{
		Header:   codec.Header{TransactionID: 0xAB12, QDCount: 1, Flags: codec.HeaderFlags{RecursionDesired: true}},
		Question: []codec.Question{{Name: "example.com.", Type: codec.TypeA, Class: codec.ClassIN}},
	}
	out := codec.Encode(req)

	conn, err := net.Dial("udp", "127.0.0.1:"+strconv.Itoa(port))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(2 * time.Second))

	if _, err := conn.Write(out); err != nil {
		t.Fatalf("write: %v", err)
	}

	buf := make([]byte, 512)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	resp, err := codec.Decode(buf[:n])
	if err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Header.TransactionID != 0xAB12 {
		t.Errorf("transaction id = %x, want ab12", resp.Header.TransactionID)
	}
	if !resp.Header.Flags.Response {
		t.Error("response flag not set")
	}
}

func TestUDPListenerMalformedPacketIsDroppedSilently(t *testing.T) {
	set, port := testSet(t)

	garbage := []byte{0x00, 0x01} // too short to be a valid header
	conn, err := net.Dial("udp", "127.0.0.1:"+strconv.Itoa(port))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write(garbage); err != nil {
		t.Fatalf("write: %v", err)
	}

	// Per spec.md §7's MalformedPacket taxonomy, UDP drops the request
	// silently: no response should arrive before the deadline.
	conn.SetDeadline(time.Now().Add(200 * time.Millisecond))
	buf := make([]byte, 512)
	if _, err := conn.Read(buf); err == nil {
		t.Fatalf("expected no response to a malformed packet, got one")
	}

	waitForDroppedMalformed(t, set, 1)
}

func waitForDroppedMalformed(t *testing.T, set *Set, want uint64) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if set.GetStats().DroppedMalformed >= want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("DroppedMalformed never reached %d", want)
}

func TestTCPListenerOneRequestPerConnection(t *testing.T) {
	_, port := testSet(t)

	req := &codec.Message{
		Header:   codec.Header{TransactionID: 7, QDCount: 1, Flags: codec.HeaderFlags{RecursionDesired: true}},
		Question: []codec.Question{{Name: "example.com.", Type: codec.TypeA, Class: codec.ClassIN}},
	}
	framed, err := codec.EncodeStream(req)
	if err != nil {
		t.Fatalf("EncodeStream: %v", err)
	}

	conn, err := net.Dial("tcp", "127.0.0.1:"+strconv.Itoa(port))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(2 * time.Second))

	if _, err := conn.Write(framed); err != nil {
		t.Fatalf("write: %v", err)
	}

	resp, err := readStreamResponse(conn)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if resp.Header.TransactionID != 7 {
		t.Errorf("transaction id = %d, want 7", resp.Header.TransactionID)
	}
}

func readStreamResponse(conn net.Conn) (*codec.Message, error) {
	var lenBuf [2]byte
	if _, err := readFull(conn, lenBuf[:]); err != nil {
		return nil, err
	}
	n := int(lenBuf[0])<<8 | int(lenBuf[1])
	body := make([]byte, n)
	if _, err := readFull(conn, body); err != nil {
		return nil, err
	}
	return codec.Decode(body)
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
