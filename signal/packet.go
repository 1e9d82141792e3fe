package signal

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

// MaxSamples bounds the sample count accepted from a stored header.
const MaxSamples = 1 << 20

const truncatedTag = "truncated"

var (
	ErrMalformed = errors.New("malformed signal packet")
	ErrReleased  = errors.New("packet already released")
)

var samplePool = sync.Pool{
	New: func() any {
		s := make([]Sample, 0, 256)
		return &s
	},
}

// Packet is the transport and storage form of a sealed frame. A packet has
// exactly one owner at a time and exactly one terminal action: Release.
type Packet struct {
	Mode Mode
	// Timestamp is the capture start in unix milliseconds.
	Timestamp uint64
	Samples   []Sample
	Truncated bool

	pooled   *[]Sample
	released atomic.Bool
}

// NewPacket encodes f into a packet whose sample buffer comes from a pool.
func NewPacket(f *Frame, timestamp uint64) (*Packet, error) {
	buf := samplePool.Get().(*[]Sample)
	samples, err := EncodePulses(*buf, f.Pulses)
	if err != nil {
		*buf = samples[:0]
		samplePool.Put(buf)
		return nil, err
	}
	return &Packet{
		Mode:      f.Mode,
		Timestamp: timestamp,
		Samples:   samples,
		Truncated: f.Truncated,
		pooled:    buf,
	}, nil
}

// Release ends the packet's life and returns its buffer to the pool. It
// reports false when the packet had already been released.
func (p *Packet) Release() bool {
	if !p.released.CompareAndSwap(false, true) {
		return false
	}
	if p.pooled != nil {
		*p.pooled = p.Samples[:0]
		samplePool.Put(p.pooled)
		p.pooled = nil
	}
	p.Samples = nil
	return true
}

// Released reports whether Release has been called.
func (p *Packet) Released() bool {
	return p.released.Load()
}

// Pulses decodes the packet payload.
func (p *Packet) Pulses() ([]Pulse, error) {
	if p.Released() {
		return nil, ErrReleased
	}
	return DecodeSamples(p.Samples)
}

// Header renders the text header line without its newline.
func (p *Packet) Header() string {
	h := fmt.Sprintf("%s;%d;%d", p.Mode, p.Timestamp, len(p.Samples))
	if p.Truncated {
		h += ";" + truncatedTag
	}
	return h
}

// Size is the number of bytes WriteTo produces.
func (p *Packet) Size() int {
	return len(p.Header()) + 1 + 4*len(p.Samples)
}

// WriteTo writes the header line followed by little-endian sample words.
func (p *Packet) WriteTo(w io.Writer) (int64, error) {
	if p.Released() {
		return 0, ErrReleased
	}
	buf := bytes.NewBuffer(make([]byte, 0, p.Size()))
	buf.WriteString(p.Header())
	buf.WriteByte('\n')
	var word [4]byte
	for _, s := range p.Samples {
		binary.LittleEndian.PutUint32(word[:], uint32(s))
		buf.Write(word[:])
	}
	return buf.WriteTo(w)
}

// ReadPacket parses a stored packet and checks that the payload length
// matches the header's sample count exactly.
func ReadPacket(r io.Reader) (*Packet, error) {
	br := bufio.NewReader(r)
	line, err := br.ReadSlice('\n')
	if err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrMalformed, err)
	}
	p, count, err := parseHeader(strings.TrimSuffix(string(line), "\n"))
	if err != nil {
		return nil, err
	}

	payload := make([]byte, 4*count)
	if _, err := io.ReadFull(br, payload); err != nil {
		return nil, fmt.Errorf("%w: payload shorter than %d samples: %v", ErrMalformed, count, err)
	}
	if _, err := br.ReadByte(); err != io.EOF {
		return nil, fmt.Errorf("%w: payload longer than %d samples", ErrMalformed, count)
	}

	p.Samples = make([]Sample, count)
	for i := range p.Samples {
		p.Samples[i] = Sample(binary.LittleEndian.Uint32(payload[4*i:]))
	}
	return p, nil
}

func parseHeader(line string) (*Packet, int, error) {
	fields := strings.Split(line, ";")
	if len(fields) != 3 && len(fields) != 4 {
		return nil, 0, fmt.Errorf("%w: header %q", ErrMalformed, line)
	}
	mode, err := ParseMode(fields[0])
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	ts, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: timestamp: %v", ErrMalformed, err)
	}
	count, err := strconv.ParseUint(fields[2], 10, 32)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: sample count: %v", ErrMalformed, err)
	}
	if count > MaxSamples {
		return nil, 0, fmt.Errorf("%w: sample count %d exceeds %d", ErrMalformed, count, MaxSamples)
	}
	p := &Packet{Mode: mode, Timestamp: ts}
	if len(fields) == 4 {
		if fields[3] != truncatedTag {
			return nil, 0, fmt.Errorf("%w: unknown flag %q", ErrMalformed, fields[3])
		}
		p.Truncated = true
	}
	return p, int(count), nil
}
