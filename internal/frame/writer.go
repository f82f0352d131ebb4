package frame

import (
	"bufio"
	"encoding/binary"
	"io"
	"sync"

	"github.com/pkg/errors"

	"github.com/amqpkit/amqpkit/internal/protocol"
)

// Writer writes AMQP frames to a connection. A single mutex serialises all
// outbound traffic so that no two writers can interleave frames on the
// wire; WriteFrames acquires it once for an entire run of frames so a
// content publish's method/header/body frames stay contiguous.
type Writer struct {
	w         *bufio.Writer
	mu        sync.Mutex
	maxFrame  uint32
	headerBuf [protocol.FrameHeaderSize + protocol.FrameEndSize]byte
}

// NewWriter creates a new frame writer.
func NewWriter(w io.Writer, maxFrameSize uint32) *Writer {
	if maxFrameSize == 0 {
		maxFrameSize = protocol.FrameMinSize
	}

	return &Writer{
		w:        bufio.NewWriterSize(w, int(maxFrameSize)*2),
		maxFrame: maxFrameSize,
	}
}

// WriteFrame writes a single frame to the connection under the write lock.
func (fw *Writer) WriteFrame(frame *Frame) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if err := fw.writeFrameLocked(frame); err != nil {
		return err
	}

	if err := fw.w.Flush(); err != nil {
		return errors.Wrap(err, "flush frame")
	}

	return nil
}

// WriteFrames writes a sequence of frames under a single acquisition of the
// write lock, so they land on the wire contiguously with no other writer's
// frames interleaved between them. Used for a content publish's
// METHOD+HEADER+BODY... run.
func (fw *Writer) WriteFrames(frames ...*Frame) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	for _, f := range frames {
		if err := fw.writeFrameLocked(f); err != nil {
			return err
		}
	}

	if err := fw.w.Flush(); err != nil {
		return errors.Wrap(err, "flush frames")
	}

	return nil
}

// writeFrameLocked writes one frame's header, payload, and end marker.
// Callers must hold fw.mu.
func (fw *Writer) writeFrameLocked(frame *Frame) error {
	if uint32(len(frame.Payload)) > fw.maxFrame {
		return errors.Errorf("frame payload too large: %d > %d", len(frame.Payload), fw.maxFrame)
	}

	fw.headerBuf[0] = frame.Type
	binary.BigEndian.PutUint16(fw.headerBuf[1:3], frame.ChannelID)
	binary.BigEndian.PutUint32(fw.headerBuf[3:7], uint32(len(frame.Payload)))

	if _, err := fw.w.Write(fw.headerBuf[:protocol.FrameHeaderSize]); err != nil {
		return errors.Wrap(err, "write frame header")
	}

	if len(frame.Payload) > 0 {
		if _, err := fw.w.Write(frame.Payload); err != nil {
			return errors.Wrap(err, "write frame payload")
		}
	}

	if err := fw.w.WriteByte(protocol.FrameEnd); err != nil {
		return errors.Wrap(err, "write frame end")
	}

	return nil
}

// WriteProtocolHeader writes the AMQP protocol header.
func (fw *Writer) WriteProtocolHeader() error {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if _, err := fw.w.WriteString(protocol.ProtocolHeader); err != nil {
		return errors.Wrap(err, "write protocol header")
	}

	if err := fw.w.Flush(); err != nil {
		return errors.Wrap(err, "flush protocol header")
	}

	return nil
}

// SetMaxFrameSize updates the maximum frame size.
func (fw *Writer) SetMaxFrameSize(size uint32) {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if size > 0 {
		fw.maxFrame = size
	}
}

// Flush flushes any buffered data.
func (fw *Writer) Flush() error {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	return fw.w.Flush()
}
