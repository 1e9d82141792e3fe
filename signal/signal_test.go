package signal

import (
	"bytes"
	"errors"
	"testing"
)

func squareWave(n int, width uint32, first Level) []Pulse {
	pulses := make([]Pulse, n)
	level := first
	for i := range pulses {
		pulses[i] = Pulse{Level: level, Duration: width}
		level = level.Invert()
	}
	return pulses
}

func TestEncodeSampleLayout(t *testing.T) {
	s, err := EncodeSample(Pulse{Level: High, Duration: 500})
	if err != nil {
		t.Fatalf("EncodeSample: %v", err)
	}
	if uint32(s) != 0x010001F4 {
		t.Errorf("Expected word 0x010001F4, got %#08x", uint32(s))
	}
	if p := s.Pulse(); p.Level != High || p.Duration != 500 {
		t.Errorf("Expected high/500 after decode, got %v/%d", p.Level, p.Duration)
	}
}

func TestEncodeSampleRange(t *testing.T) {
	if _, err := EncodeSample(Pulse{Level: Low, Duration: MaxDuration}); err != nil {
		t.Errorf("MaxDuration should encode, got %v", err)
	}
	_, err := EncodeSample(Pulse{Level: Low, Duration: MaxDuration + 1})
	if !errors.Is(err, ErrDurationRange) {
		t.Errorf("Expected ErrDurationRange, got %v", err)
	}
	_, err = EncodeSample(Pulse{Level: 2, Duration: 1})
	if !errors.Is(err, ErrBadLevel) {
		t.Errorf("Expected ErrBadLevel, got %v", err)
	}
}

func TestDecodeSamplesRejectsLevelByte(t *testing.T) {
	_, err := DecodeSamples([]Sample{0x02000010})
	if !errors.Is(err, ErrBadLevel) {
		t.Errorf("Expected ErrBadLevel, got %v", err)
	}
}

func TestValidatePulses(t *testing.T) {
	tests := []struct {
		name   string
		pulses []Pulse
		want   error
	}{
		{"empty", nil, nil},
		{"square", squareWave(6, 500, High), nil},
		{"zero", []Pulse{{High, 10}, {Low, 0}}, ErrZeroDuration},
		{"repeat", []Pulse{{High, 10}, {High, 10}}, ErrNotAlternate},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidatePulses(tc.pulses)
			if tc.want == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tc.want != nil && !errors.Is(err, tc.want) {
				t.Fatalf("Expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{"IR": ModeIR, "rf": ModeRF, " ir ": ModeIR} {
		got, err := ParseMode(in)
		if err != nil || got != want {
			t.Errorf("ParseMode(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseMode("uv"); !errors.Is(err, ErrUnknownMode) {
		t.Errorf("Expected ErrUnknownMode, got %v", err)
	}
}

func TestPacketWriteRead(t *testing.T) {
	frame := &Frame{Mode: ModeRF, Pulses: squareWave(7, 500, High), Truncated: true}
	p, err := NewPacket(frame, 1700000000123)
	if err != nil {
		t.Fatalf("NewPacket: %v", err)
	}
	defer p.Release()

	var buf bytes.Buffer
	n, err := p.WriteTo(&buf)
	if err != nil {
		t.Fatalf("WriteTo: %v", err)
	}
	if int(n) != p.Size() {
		t.Errorf("Expected %d bytes written, got %d", p.Size(), n)
	}
	if !bytes.HasPrefix(buf.Bytes(), []byte("RF;1700000000123;7;truncated\n")) {
		t.Errorf("unexpected header: %q", buf.Bytes()[:32])
	}

	got, err := ReadPacket(&buf)
	if err != nil {
		t.Fatalf("ReadPacket: %v", err)
	}
	if got.Mode != ModeRF || got.Timestamp != 1700000000123 || !got.Truncated {
		t.Errorf("header mismatch: %+v", got)
	}
	pulses, err := got.Pulses()
	if err != nil {
		t.Fatalf("Pulses: %v", err)
	}
	if len(pulses) != 7 {
		t.Fatalf("Expected 7 pulses, got %d", len(pulses))
	}
	for i, pl := range pulses {
		if pl != frame.Pulses[i] {
			t.Errorf("pulse %d: expected %+v, got %+v", i, frame.Pulses[i], pl)
		}
	}
}

func TestReadPacketMalformed(t *testing.T) {
	word := []byte{0xF4, 0x01, 0x00, 0x01}
	tests := map[string][]byte{
		"empty":        nil,
		"no newline":   []byte("IR;1;1"),
		"bad mode":     append([]byte("UV;1;1\n"), word...),
		"bad count":    append([]byte("IR;1;x\n"), word...),
		"short":        []byte("IR;1;2\n\xF4\x01\x00\x01"),
		"long":         append(append([]byte("IR;1;1\n"), word...), 0),
		"unknown flag": append([]byte("IR;1;1;odd\n"), word...),
		"huge count":   []byte("IR;1;99999999\n"),
	}
	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := ReadPacket(bytes.NewReader(raw)); !errors.Is(err, ErrMalformed) {
				t.Errorf("Expected ErrMalformed, got %v", err)
			}
		})
	}
}

func TestPacketReleaseOnce(t *testing.T) {
	p, err := NewPacket(&Frame{Mode: ModeIR, Pulses: squareWave(3, 10, High)}, 0)
	if err != nil {
		t.Fatalf("NewPacket: %v", err)
	}
	if !p.Release() {
		t.Fatal("first Release should succeed")
	}
	if p.Release() {
		t.Error("second Release should report false")
	}
	if _, err := p.WriteTo(&bytes.Buffer{}); !errors.Is(err, ErrReleased) {
		t.Errorf("Expected ErrReleased, got %v", err)
	}
}

func TestNewPacketRejectsLongPulse(t *testing.T) {
	frame := &Frame{Pulses: []Pulse{{High, MaxDuration + 1}}}
	if _, err := NewPacket(frame, 0); !errors.Is(err, ErrDurationRange) {
		t.Errorf("Expected ErrDurationRange, got %v", err)
	}
}
