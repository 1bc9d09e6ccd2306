package radio

import (
	"bytes"
	"testing"

	"github.com/uorocketry/phoenix/internal/canbus"
)

func TestFrameUnframe_RoundTrip(t *testing.T) {
	cases := [][]byte{
		{0x01},
		{0x00, 0x7E, 0x7D, 0xFF}, // flag and escape bytes in the payload
		bytes.Repeat([]byte{0x7E}, 32),
		{0x42, 0x00, 0x00, 0x00},
	}
	for _, msg := range cases {
		framed := Frame(msg)
		if framed[0] != flagByte || framed[len(framed)-1] != flagByte {
			t.Fatalf("frame not flag-delimited: % X", framed)
		}
		for _, b := range framed[1 : len(framed)-1] {
			if b == flagByte {
				t.Fatalf("unescaped flag byte inside frame: % X", framed)
			}
		}
		got, crcOK, err := Unframe(framed)
		if err != nil {
			t.Fatalf("unframe % X: %v", msg, err)
		}
		if !crcOK {
			t.Fatalf("crc failed on clean round trip of % X", msg)
		}
		if !bytes.Equal(got, msg) {
			t.Fatalf("round trip = % X, want % X", got, msg)
		}
	}
}

func TestUnframe_DetectsCorruption(t *testing.T) {
	framed := Frame([]byte{0x10, 0x20, 0x30})
	framed[2] ^= 0x04 // flip a payload bit
	_, crcOK, err := Unframe(framed)
	if err != nil {
		t.Fatalf("unframe: %v", err)
	}
	if crcOK {
		t.Fatalf("corrupted frame passed CRC")
	}
}

func TestUnframe_RejectsMalformed(t *testing.T) {
	cases := []struct {
		name  string
		frame []byte
	}{
		{"too short", []byte{flagByte, flagByte}},
		{"no flags", []byte{1, 2, 3, 4, 5}},
		{"truncated escape", []byte{flagByte, 0x01, 0x02, 0x03, escapeByte, flagByte}},
	}
	for _, tc := range cases {
		if _, _, err := Unframe(tc.frame); err == nil {
			t.Errorf("%s: no error", tc.name)
		}
	}
}

func TestLink_SendCarriesSequenceAndFrame(t *testing.T) {
	var buf bytes.Buffer
	l := NewLink(&buf)

	in, err := canbus.Encode(canbus.SensorData{TemperatureCentiC: 2007, PressureCentiMbar: 100009}, canbus.PriorityNormal, 3)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := l.Send(in); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := l.Send(in); err != nil {
		t.Fatalf("send: %v", err)
	}

	// Split the stream back into frames on the closing flags.
	raw := buf.Bytes()
	var frames [][]byte
	start := 0
	for i := 1; i < len(raw); i++ {
		if raw[i] == flagByte {
			frames = append(frames, raw[start:i+1])
			start = i + 1
			i++ // skip the next frame's opening flag
		}
	}
	if len(frames) != 2 {
		t.Fatalf("stream split into %d frames, want 2", len(frames))
	}

	for want, f := range frames {
		msg, crcOK, err := Unframe(f)
		if err != nil || !crcOK {
			t.Fatalf("frame %d: err=%v crcOK=%v", want, err, crcOK)
		}
		seq, got, err := DecodeAir(msg)
		if err != nil {
			t.Fatalf("decode air: %v", err)
		}
		if int(seq) != want {
			t.Fatalf("seq = %d, want %d", seq, want)
		}
		if got.ID != in.ID || !bytes.Equal(got.Data, in.Data) {
			t.Fatalf("frame %d: got %+v, want %+v", want, got, in)
		}
	}

	if sent, failed := l.Counts(); sent != 2 || failed != 0 {
		t.Fatalf("counts = %d/%d, want 2/0", sent, failed)
	}
}
