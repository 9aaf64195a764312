package types

import (
	"encoding/binary"
	"fmt"
)

// HeaderSize is the fixed-width, little-endian wire header: code, size,
// src, dst, seq.
const HeaderSize = 4 + 4 + 4 + 4 + 8

// MinFrameSize is the minimum number of bytes a frame can occupy: the
// header with an empty body.
const MinFrameSize = HeaderSize

// Readahead is how many extra bytes receive() asks for past the header
// on its first read of a frame, so that small bodies usually arrive in
// a single read.
const Readahead = 4096

// Frame is one framed message exchanged over a port.
type Frame struct {
	Code Code
	Src  VMID
	Dst  VMID
	Seq  Seq
	Body []byte
}

// Size is the total wire length of the frame, header included.
func (f *Frame) Size() uint32 {
	return uint32(HeaderSize + len(f.Body))
}

// Marshal encodes the frame to its wire representation.
func (f *Frame) Marshal() []byte {
	buf := make([]byte, f.Size())
	binary.LittleEndian.PutUint32(buf[0:4], uint32(f.Code))
	binary.LittleEndian.PutUint32(buf[4:8], f.Size())
	binary.LittleEndian.PutUint32(buf[8:12], uint32(f.Src))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(f.Dst))
	binary.LittleEndian.PutUint64(buf[16:24], uint64(f.Seq))
	copy(buf[HeaderSize:], f.Body)
	return buf
}

// header is the decoded fixed-width prefix of a frame, used by the
// reader before the body is known to be fully buffered.
type header struct {
	code Code
	size uint32
	src  VMID
	dst  VMID
	seq  Seq
}

func decodeHeader(buf []byte) (header, error) {
	if len(buf) < HeaderSize {
		return header{}, fmt.Errorf("ipc: short header: %d bytes", len(buf))
	}
	h := header{
		code: Code(binary.LittleEndian.Uint32(buf[0:4])),
		size: binary.LittleEndian.Uint32(buf[4:8]),
		src:  VMID(binary.LittleEndian.Uint32(buf[8:12])),
		dst:  VMID(binary.LittleEndian.Uint32(buf[12:16])),
		seq:  Seq(binary.LittleEndian.Uint64(buf[16:24])),
	}
	if h.size < HeaderSize {
		return header{}, fmt.Errorf("ipc: frame size %d shorter than header", h.size)
	}
	return h, nil
}

// unmarshalFrame turns a fully-buffered wire frame into a Frame.
func unmarshalFrame(h header, buf []byte) *Frame {
	body := make([]byte, len(buf)-HeaderSize)
	copy(body, buf[HeaderSize:])
	return &Frame{Code: h.code, Src: h.src, Dst: h.dst, Seq: h.seq, Body: body}
}

// Assembler reassembles a stream of raw reads into whole Frames. A
// single Feed may contain zero, one, or many frames, and a frame may
// be split arbitrarily across several Feed calls; Assembler tolerates
// both.
type Assembler struct {
	buf []byte
}

// NewAssembler returns an empty Assembler.
func NewAssembler() *Assembler {
	return &Assembler{}
}

// Feed appends freshly read bytes to the assembler's internal buffer.
func (a *Assembler) Feed(data []byte) {
	a.buf = append(a.buf, data...)
}

// Next pops the next fully-buffered frame, if any. ok is false when
// fewer than a whole frame is currently buffered; err is non-nil only
// on a malformed header, which is unrecoverable for the stream.
func (a *Assembler) Next() (frame *Frame, ok bool, err error) {
	if len(a.buf) < HeaderSize {
		return nil, false, nil
	}
	h, err := decodeHeader(a.buf)
	if err != nil {
		return nil, false, err
	}
	if uint32(len(a.buf)) < h.size {
		return nil, false, nil
	}
	frame = unmarshalFrame(h, a.buf[:h.size])
	remaining := len(a.buf) - int(h.size)
	if remaining > 0 {
		rest := make([]byte, remaining)
		copy(rest, a.buf[h.size:])
		a.buf = rest
	} else {
		a.buf = a.buf[:0]
	}
	return frame, true, nil
}

// Pending reports whether a partial frame is still buffered, which
// tells the receive loop to keep reading rather than return.
func (a *Assembler) Pending() bool {
	return len(a.buf) > 0
}
