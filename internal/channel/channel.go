// Package channel provides a framed, msgpack-encoded message channel over an
// OS pipe. A Channel survives the process that reads from it: bytes that were
// sent but not yet received stay in the pipe and can be read by whichever
// process inherits the read end next.
package channel

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/sys/unix"
)

// MaxFrameSize bounds a single message payload.
const MaxFrameSize = 16 << 20

const headerSize = 4

var (
	// ErrClosed is returned by operations on a closed channel.
	ErrClosed = errors.New("channel closed")
	// ErrFrameTooLarge is returned when a frame exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("frame too large")
	// ErrNotReadable is returned by Recv on a channel without a read end.
	ErrNotReadable = errors.New("channel has no read end")
	// ErrNotWritable is returned by Send on a channel without a write end.
	ErrNotWritable = errors.New("channel has no write end")
)

// Channel is a one-directional message queue backed by a pipe.
type Channel struct {
	r, w    *os.File
	sendMu  sync.Mutex
	recvMu  sync.Mutex
	closeMu sync.Mutex
	closed  bool
}

// New opens a pipe and returns a channel holding both of its ends.
func New() (*Channel, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open pipe: %w", err)
	}
	return &Channel{r: r, w: w}, nil
}

// FromFiles wraps inherited pipe ends. Either end may be nil.
func FromFiles(r, w *os.File) *Channel {
	return &Channel{r: r, w: w}
}

// Files returns the underlying pipe ends.
func (c *Channel) Files() (r, w *os.File) {
	return c.r, c.w
}

// Send encodes v and writes it as a single frame.
func (c *Channel) Send(v any) error {
	if c.isClosed() {
		return ErrClosed
	}
	if c.w == nil {
		return ErrNotWritable
	}

	payload, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	frame := make([]byte, headerSize+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[headerSize:], payload)

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if _, err := c.w.Write(frame); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// Recv blocks until a full frame arrives and decodes it into v.
func (c *Channel) Recv(v any) error {
	if c.isClosed() {
		return ErrClosed
	}
	if c.r == nil {
		return ErrNotReadable
	}

	c.recvMu.Lock()
	defer c.recvMu.Unlock()

	var header [headerSize]byte
	if _, err := io.ReadFull(c.r, header[:]); err != nil {
		return fmt.Errorf("failed to read frame header: %w", err)
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > MaxFrameSize {
		return ErrFrameTooLarge
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(c.r, payload); err != nil {
		return fmt.Errorf("failed to read frame payload: %w", err)
	}
	if err := msgpack.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("failed to decode message: %w", err)
	}
	return nil
}

// Readable reports whether Recv would return without blocking.
func (c *Channel) Readable() bool {
	if c.isClosed() || c.r == nil {
		return false
	}

	conn, err := c.r.SyscallConn()
	if err != nil {
		return false
	}

	ready := false
	ctrlErr := conn.Control(func(fd uintptr) {
		fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
		for {
			n, pollErr := unix.Poll(fds, 0)
			if pollErr == unix.EINTR {
				continue
			}
			ready = pollErr == nil && n > 0 && fds[0].Revents&unix.POLLIN != 0
			return
		}
	})
	return ctrlErr == nil && ready
}

// Close closes both pipe ends. Closing twice is a no-op.
func (c *Channel) Close() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	var errs []error
	if c.r != nil {
		errs = append(errs, c.r.Close())
	}
	if c.w != nil {
		errs = append(errs, c.w.Close())
	}
	return errors.Join(errs...)
}

func (c *Channel) isClosed() bool {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	return c.closed
}
