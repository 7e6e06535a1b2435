// Package handler implements the central request glue of spec.md §4.7:
// for each question, consult the blocklist, then the cache, then the
// upstream client, and shape a response with the right flags, rcode, and
// TTLs.
package handler

import (
	"context"
	"errors"
	"time"

	"github.com/dnsscience/sinkproxy/internal/blocklist"
	"github.com/dnsscience/sinkproxy/internal/cache"
	"github.com/dnsscience/sinkproxy/internal/codec"
	"github.com/dnsscience/sinkproxy/internal/metrics"
	"github.com/dnsscience/sinkproxy/internal/upstream"
)

// sinkTTL is the fixed TTL on a synthesized blocked-domain answer
// (spec.md §8: blocked-answer shape is 0.0.0.0 / TTL 60). It is not read
// from configuration: the default_ttl_seconds key does not change it.
const sinkTTL = 60

var errUpstreamRefused = errors.New("handler: upstream refused the query")

// Handler wires the blocklist, cache, and upstream client together.
type Handler struct {
	Blocklist       *blocklist.Tree
	Cache           *cache.Cache
	Upstream        *upstream.Client
	RequestDeadline time.Duration
}

// New constructs a Handler.
func New(bl *blocklist.Tree, c *cache.Cache, up *upstream.Client, requestDeadline time.Duration) *Handler {
	return &Handler{Blocklist: bl, Cache: c, Upstream: up, RequestDeadline: requestDeadline}
}

// Handle answers one request, per spec.md §4.7: every question is
// resolved in turn (step 2) and the answers concatenated into a single
// response (step 3). It never returns a nil response: any internal
// failure becomes a SERVFAIL reply so a listener always has something
// to write back.
func (h *Handler) Handle(ctx context.Context, transport string, req *codec.Message) *codec.Message {
	metrics.Queries.WithLabelValues(transport).Inc()

	ctx, cancel := context.WithTimeout(ctx, h.RequestDeadline)
	defer cancel()

	answers := make([]codec.Record, 0, len(req.Question))
	for _, q := range req.Question {
		recs, err := h.answerQuestion(ctx, transport, req, q)
		if err != nil {
			return h.errorResponse(req, codec.RcodeServFail)
		}
		answers = append(answers, recs...)
	}

	return h.finalResponse(req, codec.RcodeNoError, answers)
}

// answerQuestion implements step 2 of spec.md §4.7 for a single
// question: the blocklist sink applies only to A/AAAA lookups (step
// 2a); every other case, including a blocked name queried with any
// other rr_type, falls through to the cache and then upstream (2b/2c).
func (h *Handler) answerQuestion(ctx context.Context, transport string, req *codec.Message, q codec.Question) ([]codec.Record, error) {
	if h.blockedForSink(q) {
		metrics.BlocklistHits.WithLabelValues(transport).Inc()
		return h.sinkRecords(q), nil
	}

	if entries, ok := h.Cache.Get(q); ok {
		metrics.CacheHits.WithLabelValues(transport).Inc()
		return recordsFromEntries(q, entries, time.Now()), nil
	}
	metrics.CacheMisses.WithLabelValues(transport).Inc()

	start := time.Now()
	records, err := h.Cache.BeginResolve(ctx, q, func(ctx context.Context) ([]cache.RawRecord, error) {
		return h.resolveUpstream(ctx, req, q)
	})
	metrics.ObserveUpstream(transport, start)
	if err != nil {
		return nil, err
	}
	return recordsFromRaw(q, records), nil
}

// blockedForSink reports whether q matches spec.md §4.7 step 2a: a
// blocklist hit on a question whose rr_type is A or AAAA. Any other
// rr_type against a blocked name is not sunk here — it's resolved
// normally via cache/upstream.
func (h *Handler) blockedForSink(q codec.Question) bool {
	if h.Blocklist == nil {
		return false
	}
	if q.Type != codec.TypeA && q.Type != codec.TypeAAAA {
		return false
	}
	return h.Blocklist.IsBlocked(q.Name)
}

// resolveUpstream issues the question upstream, reusing the inbound
// request's opcode and RD flag (spec.md §4.7) but a freshly allocated
// transaction ID (assigned by the upstream client itself).
func (h *Handler) resolveUpstream(ctx context.Context, req *codec.Message, q codec.Question) ([]cache.RawRecord, error) {
	upQuery := &codec.Message{
		Header: codec.Header{
			QDCount: 1,
			Flags: codec.HeaderFlags{
				Opcode:           req.Header.Flags.Opcode,
				RecursionDesired: req.Header.Flags.RecursionDesired,
			},
		},
		Question: []codec.Question{q},
	}

	resp, err := h.Upstream.Query(ctx, upQuery)
	if err != nil {
		metrics.UpstreamErrors.WithLabelValues(classifyErr(err)).Inc()
		return nil, err
	}
	if resp.Header.Flags.Rcode == codec.RcodeRefused {
		metrics.UpstreamErrors.WithLabelValues("refused").Inc()
		return nil, errUpstreamRefused
	}

	records := make([]cache.RawRecord, len(resp.Answer))
	for i, a := range resp.Answer {
		records[i] = cache.RawRecord{Class: a.Class, TTL: a.TTL, Data: a.Data}
	}
	return records, nil
}

func classifyErr(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "deadline_exceeded"
	case errors.Is(err, upstream.ErrUpstreamUnavailable):
		return "unavailable"
	default:
		return "other"
	}
}

// sinkRecords builds the synthetic sink answer for a blocked A/AAAA
// question (spec.md §8: A -> 0.0.0.0, AAAA -> ::, TTL 60).
func (h *Handler) sinkRecords(q codec.Question) []codec.Record {
	var data codec.RecordData
	switch q.Type {
	case codec.TypeA:
		data = codec.ARecord{}
	case codec.TypeAAAA:
		data = codec.AAAARecord{}
	default:
		return nil // blockedForSink only returns true for A/AAAA
	}
	return []codec.Record{{Name: q.Name, Class: q.Class, TTL: sinkTTL, Data: data}}
}

func recordsFromEntries(q codec.Question, entries []cache.Entry, now time.Time) []codec.Record {
	recs := make([]codec.Record, len(entries))
	for i, e := range entries {
		recs[i] = codec.Record{Name: q.Name, Class: e.Class, TTL: remainingTTL(e.ExpiresAt, now), Data: e.Data}
	}
	return recs
}

func recordsFromRaw(q codec.Question, records []cache.RawRecord) []codec.Record {
	recs := make([]codec.Record, len(records))
	for i, r := range records {
		recs[i] = codec.Record{Name: q.Name, Class: r.Class, TTL: r.TTL, Data: r.Data}
	}
	return recs
}

func remainingTTL(expiresAt, now time.Time) uint32 {
	d := expiresAt.Sub(now)
	if d < 0 {
		return 0
	}
	return uint32(d / time.Second)
}

// finalResponse builds the response packet per spec.md §4.7 step 3:
// transaction_id copied, response/recursion_available set,
// recursion_desired preserved, qd_count tracking every question in the
// request and an_count tracking every accumulated answer.
func (h *Handler) finalResponse(req *codec.Message, rcode uint8, answers []codec.Record) *codec.Message {
	return &codec.Message{
		Header: codec.Header{
			TransactionID: req.Header.TransactionID,
			QDCount:       uint16(len(req.Question)),
			ANCount:       uint16(len(answers)),
			Flags: codec.HeaderFlags{
				Response:           true,
				Opcode:             req.Header.Flags.Opcode,
				RecursionDesired:   req.Header.Flags.RecursionDesired,
				RecursionAvailable: true,
				Rcode:              rcode,
			},
		},
		Question: req.Question,
		Answer:   answers,
	}
}

func (h *Handler) errorResponse(req *codec.Message, rcode uint8) *codec.Message {
	return &codec.Message{
		Header: codec.Header{
			TransactionID: req.Header.TransactionID,
			QDCount:       uint16(len(req.Question)),
			Flags: codec.HeaderFlags{
				Response:           true,
				Opcode:             req.Header.Flags.Opcode,
				RecursionDesired:   req.Header.Flags.RecursionDesired,
				RecursionAvailable: true,
				Rcode:              rcode,
			},
		},
		Question: req.Question,
	}
}
