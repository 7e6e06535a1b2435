package wire

import "testing"

func TestReaderReadName(t *testing.T) {
	msg := []byte{
		0x07, 'e', 'x', 'a', 'm', 'p', 'l', 'e',
		0x03, 'c', 'o', 'm',
		0x00,
	}
	r := NewReader(msg)
	name, err := r.ReadName()
	if err != nil {
		t.Fatalf("ReadName() error: %v", err)
	}
	if name != "example.com." {
		t.Errorf("name = %q, want %q", name, "example.com.")
	}
	if r.Offset() != len(msg) {
		t.Errorf("offset = %d, want %d", r.Offset(), len(msg))
	}
}

func TestReaderReadNameCaseInsensitive(t *testing.T) {
	msg := []byte{0x03, 'F', 'o', 'O', 0x00}
	r := NewReader(msg)
	name, err := r.ReadName()
	if err != nil {
		t.Fatalf("ReadName() error: %v", err)
	}
	if name != "foo." {
		t.Errorf("name = %q, want %q", name, "foo.")
	}
}

func TestReaderReadNameCompression(t *testing.T) {
	// "example.com" at offset 0, then a question at offset 13 pointing back to 0.
	msg := []byte{
		0x07, 'e', 'x', 'a', 'm', 'p', 'l', 'e',
		0x03, 'c', 'o', 'm',
		0x00,
		0xC0, 0x00, // pointer to offset 0
	}
	r := NewReader(msg)
	r.Seek(13)
	name, err := r.ReadName()
	if err != nil {
		t.Fatalf("ReadName() error: %v", err)
	}
	if name != "example.com." {
		t.Errorf("name = %q, want %q", name, "example.com.")
	}
	if r.Offset() != 15 {
		t.Errorf("offset after pointer = %d, want 15 (pointer itself is 2 bytes)", r.Offset())
	}
}

func TestReaderReadNamePartialThenPointer(t *testing.T) {
	// "com" at offset 0; "www" + pointer to "com" at offset 5.
	msg := []byte{
		0x03, 'c', 'o', 'm',
		0x00,
		0x03, 'w', 'w', 'w',
		0xC0, 0x00,
	}
	r := NewReader(msg)
	r.Seek(5)
	name, err := r.ReadName()
	if err != nil {
		t.Fatalf("ReadName() error: %v", err)
	}
	if name != "www.com." {
		t.Errorf("name = %q, want %q", name, "www.com.")
	}
}

func TestReaderReadNameLoopDetected(t *testing.T) {
	// Pointer at offset 0 pointing to itself.
	msg := []byte{0xC0, 0x00}
	r := NewReader(msg)
	_, err := r.ReadName()
	if err != ErrCompressionLoop {
		t.Fatalf("err = %v, want ErrCompressionLoop", err)
	}
}

func TestReaderReadNameInvalidOffset(t *testing.T) {
	msg := []byte{0xC0, 0xFF}
	r := NewReader(msg)
	_, err := r.ReadName()
	if err != ErrInvalidOffset {
		t.Fatalf("err = %v, want ErrInvalidOffset", err)
	}
}

func TestReaderReadUint16(t *testing.T) {
	r := NewReader([]byte{0x12, 0x34})
	v, err := r.ReadUint16()
	if err != nil {
		t.Fatalf("ReadUint16() error: %v", err)
	}
	if v != 0x1234 {
		t.Errorf("v = %#x, want 0x1234", v)
	}
}

func TestReaderBoundsChecked(t *testing.T) {
	r := NewReader([]byte{0x01})
	if _, err := r.ReadUint16(); err != ErrMessageTooShort {
		t.Fatalf("err = %v, want ErrMessageTooShort", err)
	}
}

func TestWriterRoundTripsName(t *testing.T) {
	w := NewWriter()
	if err := w.WriteName("Example.COM."); err != nil {
		t.Fatalf("WriteName() error: %v", err)
	}
	r := NewReader(w.Bytes())
	name, err := r.ReadName()
	if err != nil {
		t.Fatalf("ReadName() error: %v", err)
	}
	if name != "example.com." {
		t.Errorf("name = %q, want %q", name, "example.com.")
	}
}

func TestWriterWriteNameRoot(t *testing.T) {
	w := NewWriter()
	if err := w.WriteName("."); err != nil {
		t.Fatalf("WriteName() error: %v", err)
	}
	if len(w.Bytes()) != 1 || w.Bytes()[0] != 0 {
		t.Errorf("root name should encode as single zero byte, got %v", w.Bytes())
	}
}

func TestWriterPatchUint16(t *testing.T) {
	w := NewWriter()
	w.WriteUint16(0)
	w.PatchUint16(0, 7)
	r := NewReader(w.Bytes())
	v, _ := r.ReadUint16()
	if v != 7 {
		t.Errorf("patched value = %d, want 7", v)
	}
}
