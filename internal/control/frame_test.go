package control

import (
	"bytes"
	"testing"
)

// TestFrameRoundTrip verifies the length-prefix framing is reversible for
// representative body sizes, including the uint16 boundary.
func TestFrameRoundTrip(t *testing.T) {
	sizes := []int{0, 1, 100, MaxBodyLen}
	for _, size := range sizes {
		body := make([]byte, size)
		for i := range body {
			body[i] = byte(i)
		}
		frame, err := EncodeFrame(body)
		if err != nil {
			t.Fatalf("EncodeFrame(%d bytes): %v", size, err)
		}
		var got [][]byte
		if err := DecodeFrames(frame, func(b []byte) { got = append(got, b) }); err != nil {
			t.Fatalf("DecodeFrames(%d bytes): %v", size, err)
		}
		if len(got) != 1 || !bytes.Equal(got[0], body) {
			t.Fatalf("round trip failed for %d-byte body", size)
		}
	}
}

// TestEncodeFrameRejectsOversize verifies bodies beyond the 16-bit length
// limit are refused instead of truncated.
func TestEncodeFrameRejectsOversize(t *testing.T) {
	if _, err := EncodeFrame(make([]byte, MaxBodyLen+1)); err == nil {
		t.Fatal("expected error for oversized body")
	}
}

// TestDecodeFramesCoalesced verifies that two back-to-back messages in a
// single datagram are delivered separately and in order.
func TestDecodeFramesCoalesced(t *testing.T) {
	first, _ := EncodeFrame([]byte("first"))
	second, _ := EncodeFrame([]byte("second"))
	datagram := append(append([]byte{}, first...), second...)

	var got []string
	if err := DecodeFrames(datagram, func(b []byte) { got = append(got, string(b)) }); err != nil {
		t.Fatalf("DecodeFrames: %v", err)
	}
	if len(got) != 2 || got[0] != "first" || got[1] != "second" {
		t.Fatalf("coalesced decode = %v", got)
	}
}

// TestDecodeFramesTruncated verifies malformed input stops iteration with
// an error after delivering the complete prefix.
func TestDecodeFramesTruncated(t *testing.T) {
	testCases := []struct {
		name string
		data []byte
		want int // complete frames delivered before the error
	}{
		{"short header", []byte{0x05}, 0},
		{"body overrun", []byte{0x10, 0x00, 'a', 'b'}, 0},
		{"good then overrun", func() []byte {
			good, _ := EncodeFrame([]byte("ok"))
			return append(good, 0xFF, 0xFF, 'x')
		}(), 1},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var n int
			err := DecodeFrames(tc.data, func([]byte) { n++ })
			if err == nil {
				t.Fatal("expected error")
			}
			if n != tc.want {
				t.Fatalf("delivered %d frames before error, want %d", n, tc.want)
			}
		})
	}
}

// TestDecodeFramesCopies verifies delivered bodies do not alias the
// receive buffer.
func TestDecodeFramesCopies(t *testing.T) {
	frame, _ := EncodeFrame([]byte("abc"))
	var got []byte
	if err := DecodeFrames(frame, func(b []byte) { got = b }); err != nil {
		t.Fatalf("DecodeFrames: %v", err)
	}
	frame[2] = 'z'
	if string(got) != "abc" {
		t.Fatalf("delivered body aliased the datagram: %q", got)
	}
}
