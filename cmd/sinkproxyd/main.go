package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dnsscience/sinkproxy/internal/blocklist"
	"github.com/dnsscience/sinkproxy/internal/cache"
	"github.com/dnsscience/sinkproxy/internal/config"
	"github.com/dnsscience/sinkproxy/internal/handler"
	"github.com/dnsscience/sinkproxy/internal/listener"
	"github.com/dnsscience/sinkproxy/internal/ratelimit"
	"github.com/dnsscience/sinkproxy/internal/upstream"
)

var (
	configPath = flag.String("config", "", "Path to YAML config file (optional; defaults apply otherwise)")
	statsEvery = flag.Duration("stats-interval", 10*time.Second, "Periodic stats print interval")
	noStats    = flag.Bool("no-stats", false, "Disable the periodic stats printer")
)

func main() {
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	fmt.Println("╔══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                 sinkproxyd - DNS sink proxy                   ║")
	fmt.Println("╚══════════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Configuration:\n")
	fmt.Printf("  Bind address:       %s\n", cfg.BindAddress)
	fmt.Printf("  DNS port (udp/tcp): %d\n", cfg.DNSPort)
	fmt.Printf("  TLS port (DoT):     %d\n", cfg.TLSPort)
	fmt.Printf("  Upstream:           %s:%d\n", cfg.UpstreamHost, cfg.UpstreamPort)
	fmt.Printf("  Blocklist:          %s\n", orNone(cfg.BlocklistPath))
	fmt.Printf("  Request deadline:   %s\n", cfg.RequestDeadline())
	fmt.Println()

	bl := blocklist.New()
	if cfg.BlocklistPath != "" {
		f, err := os.Open(cfg.BlocklistPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening blocklist: %v\n", err)
			os.Exit(1)
		}
		stats, err := bl.Reload(f)
		f.Close()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading blocklist: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Loaded blocklist: %d patterns\n\n", stats.Patterns)
	}

	respCache := cache.NewRandomKey(0)

	upClient := upstream.New(upstream.Config{
		Host:         cfg.UpstreamHost,
		Port:         cfg.UpstreamPort,
		QueryTimeout: cfg.RequestDeadline(),
	})
	defer upClient.Close()

	h := handler.New(bl, respCache, upClient, cfg.RequestDeadline())
	limiter := ratelimit.New(ratelimit.Config{})

	set := listener.New(listener.Config{
		BindAddress: cfg.BindAddress,
		DNSPort:     cfg.DNSPort,
		TLSPort:     cfg.TLSPort,
		CertFile:    cfg.CertPath,
		KeyFile:     cfg.KeyPath,
	}, h, limiter)

	if err := set.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Error starting listeners: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Listeners started successfully!")
	fmt.Println()

	if cfg.MetricsListen != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			_ = http.ListenAndServe(cfg.MetricsListen, mux)
		}()
		fmt.Printf("Metrics:            http://%s/metrics\n\n", cfg.MetricsListen)
	}

	if !*noStats {
		go printStats(set, respCache, limiter, *statsEvery)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	fmt.Println()

	set.Stop(time.Second)
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

func printStats(set *listener.Set, c *cache.Cache, rl *ratelimit.Limiter, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for range ticker.C {
		ls := set.GetStats()
		cs := c.GetStats()

		fmt.Printf("═══════════════════════════════════════════════════════════\n")
		fmt.Printf("Listeners:   submitted=%d completed=%d rejected=%d panics=%d\n",
			ls.Dispatch.Submitted, ls.Dispatch.Completed, ls.Dispatch.Rejected, ls.Dispatch.Panics)
		fmt.Printf("             dropped_malformed=%d rate_limited=%d\n", ls.DroppedMalformed, ls.RateLimited)
		fmt.Printf("Cache:       hits=%d misses=%d evictions=%d\n", cs.Hits, cs.Misses, cs.Evictions)
		fmt.Printf("Rate limit:  tracked_clients=%d\n", rl.TrackedClients())
		fmt.Printf("═══════════════════════════════════════════════════════════\n\n")
	}
}
