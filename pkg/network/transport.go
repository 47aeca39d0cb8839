package network

import (
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/libp2p/go-msgio"

	"github.com/ZentaChain/zentalk-channels/pkg/metrics"
	"github.com/ZentaChain/zentalk-channels/pkg/protocol"
	"github.com/ZentaChain/zentalk-channels/pkg/session"
)

// DefaultMaxFrameSize bounds one length-delimited frame
const DefaultMaxFrameSize = 8 << 20

// DefaultWriteTimeout bounds a single frame write to a peer that stopped
// reading
const DefaultWriteTimeout = 10 * time.Second

// writeDeadliner is implemented by net.Conn and libp2p streams
type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// Conn carries length-delimited frames over a byte stream. Each frame is
// a 4-byte big-endian length followed by [8-byte type id][payload].
// Reads must come from a single goroutine; writes are serialized.
type Conn struct {
	rwc          io.ReadWriteCloser
	remote       string
	reader       msgio.ReadCloser
	writer       msgio.WriteCloser
	writeTimeout time.Duration

	wmu       sync.Mutex
	closeOnce sync.Once
	closeErr  error

	bytesIn  atomic.Int64
	bytesOut atomic.Int64
}

// NewConn wraps rwc. maxFrame <= 0 selects DefaultMaxFrameSize.
func NewConn(rwc io.ReadWriteCloser, remote string, maxFrame int) *Conn {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameSize
	}
	return &Conn{
		rwc:          rwc,
		remote:       remote,
		reader:       msgio.NewReaderSize(rwc, maxFrame),
		writer:       msgio.NewWriter(rwc),
		writeTimeout: DefaultWriteTimeout,
	}
}

// SetWriteTimeout changes the per-frame write bound. d <= 0 disables it.
// Streams without write deadlines ignore it.
func (c *Conn) SetWriteTimeout(d time.Duration) {
	c.wmu.Lock()
	c.writeTimeout = d
	c.wmu.Unlock()
}

// RemoteAddr returns the peer address the connection was created with
func (c *Conn) RemoteAddr() string {
	return c.remote
}

// ReadFrame blocks until one whole frame arrives
func (c *Conn) ReadFrame() ([]byte, error) {
	msg, err := c.reader.ReadMsg()
	if err != nil {
		return nil, err
	}
	frame := append([]byte(nil), msg...)
	c.reader.ReleaseMsg(msg)

	c.bytesIn.Add(int64(len(frame)))
	return frame, nil
}

// WriteMessage frames and writes msg. A failed or timed out write may
// leave a partial frame behind, so the connection is closed.
func (c *Conn) WriteMessage(msg *protocol.Message) error {
	frame := protocol.EncodeFrame(msg)

	c.wmu.Lock()
	dl, ok := c.rwc.(writeDeadliner)
	ok = ok && c.writeTimeout > 0
	if ok {
		_ = dl.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	err := c.writer.WriteMsg(frame)
	if ok {
		_ = dl.SetWriteDeadline(time.Time{})
	}
	c.wmu.Unlock()
	if err != nil {
		_ = c.Close()
		return err
	}

	c.bytesOut.Add(int64(len(frame)))
	metrics.RecordFrame(metrics.Out, msg.TypeID())
	return nil
}

// Close closes the underlying stream once
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.rwc.Close()
	})
	return c.closeErr
}

// Traffic returns bytes read and written so far
func (c *Conn) Traffic() (in, out int64) {
	return c.bytesIn.Load(), c.bytesOut.Load()
}

// timeoutHandshake closes sess unless it becomes ready within d.
// onTimeout runs first, before the DISCONNECTION notice is sent.
func timeoutHandshake(sess *session.Session, d time.Duration, onTimeout func()) *time.Timer {
	return time.AfterFunc(d, func() {
		if sess.IsReady() || sess.Closed() {
			return
		}
		onTimeout()
		_ = sess.Close("handshake timeout")
	})
}
