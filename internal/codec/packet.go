// Package codec implements the RFC 1035 packet value model and its
// encode/decode operations on top of package wire.
package codec

import (
	"errors"
	"net"

	"github.com/dnsscience/sinkproxy/internal/wire"
)

// Record type codes served from cache and blocklist, per spec.md §6.
const (
	TypeA     uint16 = 1
	TypeCNAME uint16 = 5
	TypeAAAA  uint16 = 28
)

const (
	ClassIN uint16 = 1

	headerSize = 12

	// Rcode values named in spec.md §7/§8.
	RcodeNoError  = 0
	RcodeServFail = 2
	RcodeNXDomain = 3
	RcodeRefused  = 5
)

var (
	// ErrMalformedPacket is the taxonomy entry spec.md §7 names
	// "MalformedPacket": the codec could not decode the input.
	ErrMalformedPacket = errors.New("codec: malformed packet")
	ErrCountMismatch    = errors.New("codec: question/answer count does not match header")
	ErrStreamTooShort   = errors.New("codec: stream frame shorter than length prefix")
	ErrStreamTooLong    = errors.New("codec: stream frame exceeds 65535 bytes")
)

// HeaderFlags is the packed 16-bit flags word of a DNS header, per
// spec.md §3.
type HeaderFlags struct {
	Response           bool
	Opcode              uint8 // 4 bits
	Authoritative        bool
	Truncated           bool
	RecursionDesired     bool
	RecursionAvailable bool
	Z                   uint8 // 3 bits, must be zero on writes we originate
	Rcode               uint8 // 4 bits
}

// DecodeFlags unpacks a raw 16-bit flags word.
func DecodeFlags(v uint16) HeaderFlags {
	return HeaderFlags{
		Response:           v&0x8000 != 0,
		Opcode:              uint8((v >> 11) & 0x0F),
		Authoritative:        v&0x0400 != 0,
		Truncated:           v&0x0200 != 0,
		RecursionDesired:     v&0x0100 != 0,
		RecursionAvailable: v&0x0080 != 0,
		Z:                   uint8((v >> 4) & 0x07),
		Rcode:               uint8(v & 0x0F),
	}
}

// Encode packs flags back into a raw 16-bit word. Fidelity is kept across
// every field, including Opcode: the request handler (C7) relies on
// reusing a request's Opcode verbatim when constructing the upstream
// query (spec.md §4.7). Every one of the 16 bits, Z included, maps to a
// field, so Encode(DecodeFlags(v)) == v for any v.
func (f HeaderFlags) Encode() uint16 {
	var v uint16
	if f.Response {
		v |= 0x8000
	}
	v |= uint16(f.Opcode&0x0F) << 11
	if f.Authoritative {
		v |= 0x0400
	}
	if f.Truncated {
		v |= 0x0200
	}
	if f.RecursionDesired {
		v |= 0x0100
	}
	if f.RecursionAvailable {
		v |= 0x0080
	}
	v |= uint16(f.Z&0x07) << 4
	v |= uint16(f.Rcode & 0x0F)
	return v
}

// Header is the fixed 12-byte DNS message header.
type Header struct {
	TransactionID uint16
	Flags         HeaderFlags
	QDCount       uint16
	ANCount       uint16
	NSCount       uint16
	ARCount       uint16
}

// Question is a (name, type, class) triple. Name equality for Questions is
// case-insensitive; Name is stored already lowercased by the codec.
type Question struct {
	Name  string
	Type  uint16
	Class uint16
}

// RecordData is the tagged-union payload of a resource record. Concrete
// implementations are ARecord, AAAARecord, CNAMERecord, and UnknownRecord.
type RecordData interface {
	TypeCode() uint16
	encodeRData(w *wire.Writer)
}

// ARecord is an IPv4 address record (type 1).
type ARecord struct{ Addr [4]byte }

func (ARecord) TypeCode() uint16 { return TypeA }
func (r ARecord) encodeRData(w *wire.Writer) {
	w.WriteBytes(r.Addr[:])
}

// IP returns the record's address as a net.IP.
func (r ARecord) IP() net.IP { return net.IP(r.Addr[:]) }

// AAAARecord is an IPv6 address record (type 28).
type AAAARecord struct{ Addr [16]byte }

func (AAAARecord) TypeCode() uint16 { return TypeAAAA }
func (r AAAARecord) encodeRData(w *wire.Writer) {
	w.WriteBytes(r.Addr[:])
}

// IP returns the record's address as a net.IP.
func (r AAAARecord) IP() net.IP { return net.IP(r.Addr[:]) }

// CNAMERecord is a canonical-name alias record (type 5).
type CNAMERecord struct{ Name string }

func (CNAMERecord) TypeCode() uint16 { return TypeCNAME }
func (r CNAMERecord) encodeRData(w *wire.Writer) {
	_ = w.WriteName(r.Name)
}

// UnknownRecord preserves any other record type's RDATA bit-exactly for
// round-tripping, per spec.md §3.
type UnknownRecord struct {
	Type uint16
	Raw  []byte
}

func (u UnknownRecord) TypeCode() uint16 { return u.Type }
func (u UnknownRecord) encodeRData(w *wire.Writer) {
	w.WriteBytes(u.Raw)
}

// Record is one resource record: a name, class, TTL in seconds, and typed
// data.
type Record struct {
	Name  string
	Class uint16
	TTL   uint32
	Data  RecordData
}

// Message is a decoded DNS packet: header, questions, and answers. The
// authority and additional sections are not individually modeled (spec.md
// §3 permits passing them through as opaque remainder bytes); their raw
// wire bytes are preserved in AuthorityAdditional so that NSCount/ARCount
// stay byte-accurate on any packet this codec re-emits.
type Message struct {
	Header             Header
	Question           []Question
	Answer             []Record
	AuthorityAdditional []byte
}

// Decode parses a complete DNS message (the UDP wire form; for TCP/TLS,
// callers first strip the 2-byte length prefix via DecodeStream).
func Decode(buf []byte) (*Message, error) {
	if len(buf) < headerSize {
		return nil, ErrMalformedPacket
	}
	r := wire.NewReader(buf)

	id, err := r.ReadUint16()
	if err != nil {
		return nil, ErrMalformedPacket
	}
	flagsRaw, err := r.ReadUint16()
	if err != nil {
		return nil, ErrMalformedPacket
	}
	qd, err := r.ReadUint16()
	if err != nil {
		return nil, ErrMalformedPacket
	}
	an, err := r.ReadUint16()
	if err != nil {
		return nil, ErrMalformedPacket
	}
	ns, err := r.ReadUint16()
	if err != nil {
		return nil, ErrMalformedPacket
	}
	ar, err := r.ReadUint16()
	if err != nil {
		return nil, ErrMalformedPacket
	}

	m := &Message{
		Header: Header{
			TransactionID: id,
			Flags:         DecodeFlags(flagsRaw),
			QDCount:       qd,
			ANCount:       an,
			NSCount:       ns,
			ARCount:       ar,
		},
	}

	m.Question = make([]Question, 0, qd)
	for i := uint16(0); i < qd; i++ {
		name, err := r.ReadName()
		if err != nil {
			return nil, ErrMalformedPacket
		}
		qtype, err := r.ReadUint16()
		if err != nil {
			return nil, ErrMalformedPacket
		}
		qclass, err := r.ReadUint16()
		if err != nil {
			return nil, ErrMalformedPacket
		}
		m.Question = append(m.Question, Question{Name: name, Type: qtype, Class: qclass})
	}

	m.Answer = make([]Record, 0, an)
	for i := uint16(0); i < an; i++ {
		rec, err := decodeRecord(r)
		if err != nil {
			return nil, ErrMalformedPacket
		}
		m.Answer = append(m.Answer, rec)
	}

	remStart := r.Offset()
	if err := skipRecords(r, int(ns)+int(ar)); err != nil {
		return nil, ErrMalformedPacket
	}
	m.AuthorityAdditional = append([]byte(nil), buf[remStart:r.Offset()]...)

	if len(m.Question) != int(qd) || len(m.Answer) != int(an) {
		return nil, ErrCountMismatch
	}

	return m, nil
}

func decodeRecord(r *wire.Reader) (Record, error) {
	name, err := r.ReadName()
	if err != nil {
		return Record{}, err
	}
	typ, err := r.ReadUint16()
	if err != nil {
		return Record{}, err
	}
	class, err := r.ReadUint16()
	if err != nil {
		return Record{}, err
	}
	ttl, err := r.ReadUint32()
	if err != nil {
		return Record{}, err
	}
	rdlength, err := r.ReadUint16()
	if err != nil {
		return Record{}, err
	}

	rdataStart := r.Offset()
	data, err := decodeRData(r, typ, int(rdlength))
	if err != nil {
		return Record{}, err
	}
	// Resync to the length the record itself claims, so a CNAME's
	// compressed-name RDATA (whose own decode may stop short of
	// rdlength) never desynchronizes the cursor for subsequent records.
	r.Seek(rdataStart + int(rdlength))

	return Record{Name: name, Class: class, TTL: ttl, Data: data}, nil
}

func decodeRData(r *wire.Reader, typ uint16, rdlength int) (RecordData, error) {
	switch typ {
	case TypeA:
		if rdlength != 4 {
			break
		}
		raw, err := r.ReadBytes(4)
		if err != nil {
			return nil, err
		}
		var a ARecord
		copy(a.Addr[:], raw)
		return a, nil
	case TypeAAAA:
		if rdlength != 16 {
			break
		}
		raw, err := r.ReadBytes(16)
		if err != nil {
			return nil, err
		}
		var a AAAARecord
		copy(a.Addr[:], raw)
		return a, nil
	case TypeCNAME:
		name, err := r.ReadName()
		if err != nil {
			return nil, err
		}
		return CNAMERecord{Name: name}, nil
	}

	raw, err := r.ReadBytes(rdlength)
	if err != nil {
		return nil, err
	}
	return UnknownRecord{Type: typ, Raw: raw}, nil
}

// skipRecords advances r past count resource records without retaining
// their contents, used for the authority/additional sections.
func skipRecords(r *wire.Reader, count int) error {
	for i := 0; i < count; i++ {
		if _, err := r.ReadName(); err != nil {
			return err
		}
		if _, err := r.ReadUint16(); err != nil { // type
			return err
		}
		if _, err := r.ReadUint16(); err != nil { // class
			return err
		}
		if _, err := r.ReadUint32(); err != nil { // ttl
			return err
		}
		rdlength, err := r.ReadUint16()
		if err != nil {
			return err
		}
		if _, err := r.ReadBytes(int(rdlength)); err != nil {
			return err
		}
	}
	return nil
}

// Encode serializes a Message to its UDP wire form. Names are always
// written uncompressed (spec.md §4.2).
func Encode(m *Message) []byte {
	w := wire.NewWriter()

	w.WriteUint16(m.Header.TransactionID)
	w.WriteUint16(m.Header.Flags.Encode())
	w.WriteUint16(uint16(len(m.Question)))
	w.WriteUint16(uint16(len(m.Answer)))
	w.WriteUint16(m.Header.NSCount)
	w.WriteUint16(m.Header.ARCount)

	for _, q := range m.Question {
		_ = w.WriteName(q.Name)
		w.WriteUint16(q.Type)
		w.WriteUint16(q.Class)
	}

	for _, rec := range m.Answer {
		encodeRecord(w, rec)
	}

	w.WriteBytes(m.AuthorityAdditional)

	return w.Bytes()
}

func encodeRecord(w *wire.Writer, rec Record) {
	_ = w.WriteName(rec.Name)
	w.WriteUint16(rec.Data.TypeCode())
	w.WriteUint16(rec.Class)
	w.WriteUint32(rec.TTL)

	sub := wire.NewWriter()
	rec.Data.encodeRData(sub)
	rdata := sub.Bytes()

	w.WriteUint16(uint16(len(rdata)))
	w.WriteBytes(rdata)
}

// DecodeStream strips the 2-byte big-endian length prefix used to frame
// TCP and TLS messages and decodes the body. It reports ErrStreamTooShort
// if fewer bytes than the prefix declares are present.
func DecodeStream(buf []byte) (*Message, error) {
	if len(buf) < 2 {
		return nil, ErrStreamTooShort
	}
	n := int(buf[0])<<8 | int(buf[1])
	if len(buf) < 2+n {
		return nil, ErrStreamTooShort
	}
	return Decode(buf[2 : 2+n])
}

// EncodeStream prepends the 2-byte length prefix to the UDP wire form of
// m, for use on TCP/TLS transports.
func EncodeStream(m *Message) ([]byte, error) {
	body := Encode(m)
	if len(body) > 0xFFFF {
		return nil, ErrStreamTooLong
	}
	out := make([]byte, 2+len(body))
	out[0] = byte(len(body) >> 8)
	out[1] = byte(len(body))
	copy(out[2:], body)
	return out, nil
}
