// Package ipc implements the framed, bidirectional channel between a parent
// and a child process.
//
// Frames are length-prefixed (4-byte big-endian length, then a JSON-encoded
// protocol.Frame). Delivery is FIFO per direction. The send path is
// serialized so concurrent senders within one process cannot interleave
// frame bytes on the stream.
package ipc

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/agusx1211/arbor/internal/debug"
	"github.com/agusx1211/arbor/internal/hexid"
	"github.com/agusx1211/arbor/pkg/protocol"
)

// MaxFrameBytes caps a single frame. Diffs can be large; anything past this
// is a protocol violation rather than an allocation hazard.
const MaxFrameBytes = 64 << 20

var (
	// ErrChannelClosed is returned on send to, or receive from, a closed peer.
	ErrChannelClosed = errors.New("ipc: channel closed")
	// ErrProtocol marks a malformed frame. It is fatal for the connection.
	ErrProtocol = errors.New("ipc: protocol error")
)

// Conn is one end of a channel, typically wrapping a child process's
// stdin/stdout pipes or an in-process pipe pair in tests.
type Conn struct {
	reader *bufio.Reader

	sendMu sync.Mutex
	writer io.Writer

	closeMu sync.Mutex
	closed  bool
	closers []io.Closer
}

// New creates a Conn reading frames from r and writing frames to w.
// Any of r, w that implement io.Closer are closed by Close.
func New(r io.Reader, w io.Writer) *Conn {
	c := &Conn{
		reader: bufio.NewReaderSize(r, 64*1024),
		writer: w,
	}
	if rc, ok := r.(io.Closer); ok {
		c.closers = append(c.closers, rc)
	}
	if wc, ok := w.(io.Closer); ok {
		c.closers = append(c.closers, wc)
	}
	return c
}

// Stdio returns a Conn over the current process's stdin/stdout.
// Used by worker processes, whose parent owns the other pipe ends.
func Stdio() *Conn {
	return New(os.Stdin, os.Stdout)
}

// Send marshals payload under tag and writes one frame. It returns the
// generated message ID so callers can correlate responses.
func (c *Conn) Send(tag string, payload any) (string, error) {
	return c.send(tag, "", payload)
}

// Reply writes one frame whose correlation ID binds it to an earlier
// request's message ID.
func (c *Conn) Reply(correlationID, tag string, payload any) (string, error) {
	return c.send(tag, correlationID, payload)
}

func (c *Conn) send(tag, correlationID string, payload any) (string, error) {
	frame, err := protocol.NewFrame(hexid.NewLong(), correlationID, tag, payload)
	if err != nil {
		return "", err
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return "", fmt.Errorf("ipc: marshal frame: %w", err)
	}
	if len(data) > MaxFrameBytes {
		return "", fmt.Errorf("%w: frame of %d bytes exceeds limit", ErrProtocol, len(data))
	}

	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(data)))

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.isClosed() {
		return "", ErrChannelClosed
	}
	if _, err := c.writer.Write(prefix[:]); err != nil {
		return "", c.sendErr(err)
	}
	if _, err := c.writer.Write(data); err != nil {
		return "", c.sendErr(err)
	}

	debug.LogKV("ipc", "frame sent", "tag", tag, "msg_id", frame.MessageID, "bytes", len(data))
	return frame.MessageID, nil
}

func (c *Conn) sendErr(err error) error {
	if errors.Is(err, io.ErrClosedPipe) || errors.Is(err, os.ErrClosed) {
		return fmt.Errorf("%w: %v", ErrChannelClosed, err)
	}
	return fmt.Errorf("ipc: write frame: %w", err)
}

// Recv blocks for the next frame. A clean EOF (peer completed) returns
// ErrChannelClosed; a torn prefix, oversized length, or undecodable body
// returns ErrProtocol and the connection must not be used further.
func (c *Conn) Recv() (protocol.Frame, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(c.reader, prefix[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return protocol.Frame{}, ErrChannelClosed
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return protocol.Frame{}, fmt.Errorf("%w: torn length prefix", ErrProtocol)
		}
		if errors.Is(err, io.ErrClosedPipe) || errors.Is(err, os.ErrClosed) {
			return protocol.Frame{}, ErrChannelClosed
		}
		return protocol.Frame{}, fmt.Errorf("ipc: read prefix: %w", err)
	}

	length := binary.BigEndian.Uint32(prefix[:])
	if length == 0 || length > MaxFrameBytes {
		return protocol.Frame{}, fmt.Errorf("%w: frame length %d", ErrProtocol, length)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(c.reader, data); err != nil {
		return protocol.Frame{}, fmt.Errorf("%w: torn frame body: %v", ErrProtocol, err)
	}

	var frame protocol.Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return protocol.Frame{}, fmt.Errorf("%w: undecodable frame: %v", ErrProtocol, err)
	}
	if frame.Tag == "" || frame.MessageID == "" {
		return protocol.Frame{}, fmt.Errorf("%w: frame missing tag or message_id", ErrProtocol)
	}

	debug.LogKV("ipc", "frame received", "tag", frame.Tag, "msg_id", frame.MessageID, "bytes", length)
	return frame, nil
}

// Close marks the connection closed and closes the underlying streams.
// Safe to call more than once.
func (c *Conn) Close() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	var first error
	for _, cl := range c.closers {
		if err := cl.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (c *Conn) isClosed() bool {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	return c.closed
}
