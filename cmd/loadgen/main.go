// Command loadgen fires concurrent queries at a sinkproxyd instance and
// reports throughput, adapted from the teacher repository's
// tools/bench_throughput.go with github.com/miekg/dns swapped for this
// repository's own internal/codec.
package main

import (
	"flag"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dnsscience/sinkproxy/internal/codec"
)

var (
	target   = flag.String("target", "127.0.0.1:5300", "Proxy address (host:port)")
	workers  = flag.Int("workers", 10, "Number of concurrent workers")
	domain   = flag.String("domain", "example.com.", "Domain to query")
	duration = flag.Duration("duration", 10*time.Second, "Test duration")
)

func main() {
	flag.Parse()

	log.Printf("Starting loadgen against %s with %d workers for %v", *target, *workers, *duration)

	var count uint64
	var errors uint64
	start := time.Now()
	done := make(chan struct{})

	req := &codec.Message{
		Header:   codec.Header{TransactionID: 1, QDCount: 1, Flags: codec.HeaderFlags{RecursionDesired: true}},
		Question: []codec.Question{{Name: *domain, Type: codec.TypeA, Class: codec.ClassIN}},
	}
	reqBytes := codec.Encode(req)

	var wg sync.WaitGroup
	for i := 0; i < *workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			conn, err := net.Dial("udp", *target)
			if err != nil {
				log.Printf("Dial error: %v", err)
				return
			}
			defer conn.Close()

			buf := make([]byte, 65535)

			for {
				select {
				case <-done:
					return
				default:
					if _, err := conn.Write(reqBytes); err != nil {
						atomic.AddUint64(&errors, 1)
						continue
					}

					conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
					if _, err := conn.Read(buf); err != nil {
						atomic.AddUint64(&errors, 1)
						continue
					}

					atomic.AddUint64(&count, 1)
				}
			}
		}()
	}

	time.Sleep(*duration)
	close(done)
	wg.Wait()

	totalTime := time.Since(start)
	qps := float64(count) / totalTime.Seconds()

	fmt.Printf("\n--- Results ---\n")
	fmt.Printf("Total Requests: %d\n", count)
	fmt.Printf("Total Errors:   %d\n", errors)
	fmt.Printf("Duration:       %.2fs\n", totalTime.Seconds())
	fmt.Printf("QPS:            %.2f\n", qps)
}
