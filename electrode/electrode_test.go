package electrode

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"
)

func TestElectrodeRoundTrip(t *testing.T) {
	el := Electrode{Index: 1234, Xpos: 175, X: 10, Ypos: 350, Y: 20, Label: 'A'}
	buf := make([]byte, EncodedSize)
	if err := el.Encode(buf); err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	var out Electrode
	if err := out.Decode(buf); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if out != el {
		t.Errorf("round trip mismatch, expected %+v got %+v", el, out)
	}
}

func TestElectrodeEncodingLayout(t *testing.T) {
	el := Electrode{Index: 1, Xpos: 2, X: 3, Ypos: 4, Y: 5, Label: 6}
	buf := make([]byte, EncodedSize)
	if err := el.Encode(buf); err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if got := binary.LittleEndian.Uint32(buf[0:4]); got != 1 {
		t.Errorf("index field: expected 1, got %d", got)
	}
	if got := binary.LittleEndian.Uint32(buf[4:8]); got != 2 {
		t.Errorf("xpos field: expected 2, got %d", got)
	}
	if got := binary.LittleEndian.Uint16(buf[8:10]); got != 3 {
		t.Errorf("x field: expected 3, got %d", got)
	}
	if got := binary.LittleEndian.Uint32(buf[10:14]); got != 4 {
		t.Errorf("ypos field: expected 4, got %d", got)
	}
	if got := binary.LittleEndian.Uint16(buf[14:16]); got != 5 {
		t.Errorf("y field: expected 5, got %d", got)
	}
	if buf[16] != 6 {
		t.Errorf("label field: expected 6, got %d", buf[16])
	}
}

func TestElectrodeShortBuffer(t *testing.T) {
	var el Electrode
	if err := el.Encode(make([]byte, EncodedSize-1)); err != ErrShortBuffer {
		t.Errorf("expected ErrShortBuffer on encode, got %v", err)
	}
	if err := el.Decode(make([]byte, EncodedSize-1)); err != ErrShortBuffer {
		t.Errorf("expected ErrShortBuffer on decode, got %v", err)
	}
}

func TestElectrodeEquality(t *testing.T) {
	a := Electrode{Index: 7, Xpos: 1, Ypos: 2}
	b := Electrode{Index: 7, Xpos: 99, Ypos: 99, Label: 'Z'}
	c := Electrode{Index: 8}
	if !a.Equal(b) {
		t.Error("electrodes with equal indices should compare equal")
	}
	if a.Equal(c) {
		t.Error("electrodes with different indices should not compare equal")
	}
}

func TestConfigurationRoundTrip(t *testing.T) {
	cfg := Configuration{
		{Index: 0, Xpos: 0, X: 0, Ypos: 0, Y: 0, Label: 'A'},
		{Index: 100, Xpos: 18, X: 1, Ypos: 36, Y: 2, Label: 'B'},
		{Index: 11010, Xpos: 5, X: 6, Ypos: 7, Y: 8, Label: 'D'},
	}
	buf := cfg.Encode()
	if want := 4 + EncodedSize*len(cfg); len(buf) != want {
		t.Fatalf("expected %d encoded bytes, got %d", want, len(buf))
	}
	if !bytes.Equal(buf[0:4], []byte{3, 0, 0, 0}) {
		t.Errorf("expected little-endian count prefix, got % x", buf[0:4])
	}
	out, err := DecodeConfiguration(buf)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if !cfg.Equal(out) {
		t.Errorf("round trip mismatch, expected %v got %v", cfg, out)
	}
}

func TestEmptyConfiguration(t *testing.T) {
	var cfg Configuration
	buf := cfg.Encode()
	if len(buf) != 4 {
		t.Fatalf("empty configuration should encode to 4 bytes, got %d", len(buf))
	}
	out, err := DecodeConfiguration(buf)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(out) != 0 {
		t.Errorf("expected empty configuration, got %d electrodes", len(out))
	}
}

func TestLookup(t *testing.T) {
	el, err := Lookup(221)
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if el.Index != 221 {
		t.Errorf("expected index 221, got %d", el.Index)
	}
	if el.X != 1 || el.Y != 1 {
		t.Errorf("expected grid position (1, 1), got (%d, %d)", el.X, el.Y)
	}
	if el.Label != 'B' {
		t.Errorf("expected label B, got %c", el.Label)
	}
}

func TestLookupOutOfRange(t *testing.T) {
	_, err := Lookup(uint32(TableSize()))
	if _, ok := err.(ErrUnknownElectrode); !ok {
		t.Errorf("expected ErrUnknownElectrode, got %v", err)
	}
}

func TestParseTableIndexMatchesPosition(t *testing.T) {
	tab, err := parseTable("0 0 0 0 0 A\n18 0 1 1 0 B\n36 0 2 2 0 C\n")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if len(tab) != 3 {
		t.Fatalf("expected 3 electrodes, got %d", len(tab))
	}
	for i, el := range tab {
		if el.Index != uint32(i) {
			t.Errorf("electrode at position %d has index %d", i, el.Index)
		}
	}
	if tab[1].X != 1 || tab[1].Label != 'B' {
		t.Errorf("electrode 1 = %+v", tab[1])
	}
}

func TestParseTableMalformedLine(t *testing.T) {
	// A record with too few fields must fail the whole parse.  Skipping
	// it would leave every later electrode at the wrong index.
	_, err := parseTable("0 0 0 0 0 A\ngarbage\n36 0 2 2 0 C\n")
	if err == nil {
		t.Fatal("parse accepted a malformed record")
	}
	if !strings.Contains(err.Error(), "line 2") {
		t.Errorf("error does not name the offending line: %v", err)
	}
}

func TestParseTableBadNumber(t *testing.T) {
	if _, err := parseTable("q 0 0 0 0 A\n"); err == nil {
		t.Fatal("parse accepted a non-numeric position")
	}
}
