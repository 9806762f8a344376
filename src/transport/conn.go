package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/simfabric/sample-dispatcher/src/protocol"
)

const (
	// DefaultMaxFieldSize bounds the size a peer may declare for a single field.
	DefaultMaxFieldSize = 1 << 30

	fieldChunk = 64 << 10
)

// aLongTimeAgo is a deadline in the past, used to abort pending I/O.
var aLongTimeAgo = time.Unix(1, 0)

// Conn frames protocol messages on top of a stream socket.
//
// The plain methods block the calling goroutine. The Context variants return as
// soon as ctx is done; since the stream position is then unknown, the
// connection is closed.
type Conn struct {
	conn         net.Conn
	maxFieldSize int
	wmu          sync.Mutex
	closeOnce    sync.Once
	closeErr     error
}

// NewConn wraps an established stream connection.
func NewConn(c net.Conn) *Conn {
	return &Conn{conn: c, maxFieldSize: DefaultMaxFieldSize}
}

// Dial connects to a coordinator address.
func Dial(ctx context.Context, addr string) (*Conn, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	return NewConn(c), nil
}

// SetMaxFieldSize changes the largest field size accepted by ReceiveMessage.
func (c *Conn) SetMaxFieldSize(n int) {
	c.maxFieldSize = n
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// SendMessage writes one message.
func (c *Conn) SendMessage(m protocol.Message) error {
	return c.write(protocol.Marshal(m))
}

// SendMessageContext is SendMessage that gives up when ctx is done.
func (c *Conn) SendMessageContext(ctx context.Context, m protocol.Message) error {
	stop := c.watch(ctx)
	err := c.SendMessage(m)
	if stop() {
		c.Close()
		return ctx.Err()
	}
	return err
}

// write flushes buf, retrying partial writes.
func (c *Conn) write(buf []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	for len(buf) > 0 {
		n, err := c.conn.Write(buf)
		buf = buf[n:]
		if err != nil {
			if errors.Is(err, io.ErrShortWrite) && n > 0 {
				continue
			}
			return wrapIOError(err)
		}
	}
	return nil
}

// ReceiveMessage reads one complete message. Short reads are not message
// boundaries: every size header and field is read to its full length.
func (c *Conn) ReceiveMessage() (protocol.Message, error) {
	var head [protocol.SizeLen]byte
	if err := c.readFull(head[:]); err != nil {
		return nil, err
	}
	count := protocol.ReadSize(head[:])
	if !protocol.ValidFieldCount(count) {
		return nil, fmt.Errorf("%w: field count %d", protocol.ErrMalformedMessage, count)
	}

	sizes := make([]byte, protocol.SizeLen*int(count))
	if err := c.readFull(sizes); err != nil {
		return nil, err
	}

	for i := range int(count) {
		s := protocol.ReadSize(sizes[protocol.SizeLen*i:])
		if s < 0 || int(s) > c.maxFieldSize {
			return nil, fmt.Errorf("%w: field %d declares %d bytes", protocol.ErrMalformedMessage, i, s)
		}
	}

	m := make(protocol.Message, count)
	for i := range m {
		f, err := c.readField(int(protocol.ReadSize(sizes[protocol.SizeLen*i:])))
		if err != nil {
			return nil, err
		}
		m[i] = f
	}
	return m, nil
}

// readField reads one field of the given size. Fields above fieldChunk grow
// with the bytes actually received instead of trusting the declared size.
func (c *Conn) readField(size int) ([]byte, error) {
	if size <= fieldChunk {
		b := make([]byte, size)
		if err := c.readFull(b); err != nil {
			return nil, err
		}
		return b, nil
	}
	var buf bytes.Buffer
	buf.Grow(fieldChunk)
	if _, err := io.CopyN(&buf, c.conn, int64(size)); err != nil {
		return nil, wrapIOError(err)
	}
	return buf.Bytes(), nil
}

// ReceiveMessageContext is ReceiveMessage that gives up when ctx is done.
func (c *Conn) ReceiveMessageContext(ctx context.Context) (protocol.Message, error) {
	stop := c.watch(ctx)
	m, err := c.ReceiveMessage()
	if stop() {
		c.Close()
		return nil, ctx.Err()
	}
	return m, err
}

func (c *Conn) readFull(b []byte) error {
	if _, err := io.ReadFull(c.conn, b); err != nil {
		return wrapIOError(err)
	}
	return nil
}

// watch arms ctx to abort pending I/O. The returned func disarms it and
// reports whether ctx fired.
func (c *Conn) watch(ctx context.Context) func() bool {
	if ctx.Done() == nil {
		return func() bool { return false }
	}
	stop := context.AfterFunc(ctx, func() {
		c.conn.SetDeadline(aLongTimeAgo)
	})
	return func() bool { return !stop() }
}

// SendValue encodes x and writes it as one message.
func (c *Conn) SendValue(x any) error {
	m, err := protocol.Encode(x)
	if err != nil {
		return err
	}
	return c.SendMessage(m)
}

// ReceiveValue reads and decodes one message.
func (c *Conn) ReceiveValue() (protocol.Value, error) {
	m, err := c.ReceiveMessage()
	if err != nil {
		return nil, err
	}
	return protocol.Decode(m)
}

// ReceiveAs reads one message and checks that it decodes to a T.
func ReceiveAs[T protocol.Value](c *Conn) (T, error) {
	m, err := c.ReceiveMessage()
	if err != nil {
		var zero T
		return zero, err
	}
	return protocol.DecodeAs[T](m)
}

// SendRecord writes the messages carrying r in a single flush.
func (c *Conn) SendRecord(r protocol.Record) error {
	msgs, err := protocol.EncodeRecord(r)
	if err != nil {
		return err
	}
	return c.sendAll(msgs)
}

// ReceiveRecord reads one record.
func (c *Conn) ReceiveRecord() (protocol.Record, error) {
	return protocol.DecodeRecord(c.ReceiveMessage)
}

// SendFrame writes a text head (a command or a status) followed by a record.
func (c *Conn) SendFrame(head string, r protocol.Record) error {
	h, err := protocol.Encode(protocol.Text(head))
	if err != nil {
		return err
	}
	msgs, err := protocol.EncodeRecord(r)
	if err != nil {
		return err
	}
	return c.sendAll(append([]protocol.Message{h}, msgs...))
}

// ReceiveFrame reads a text head and its record.
func (c *Conn) ReceiveFrame() (string, protocol.Record, error) {
	head, err := ReceiveAs[protocol.Text](c)
	if err != nil {
		return "", nil, err
	}
	r, err := c.ReceiveRecord()
	if err != nil {
		return "", nil, err
	}
	return string(head), r, nil
}

// SendExchange writes an EXCHANGE command carrying a named record.
func (c *Conn) SendExchange(tag string, r protocol.Record) error {
	head, err := protocol.Encode(protocol.Text(protocol.CommandExchange.String()))
	if err != nil {
		return err
	}
	name, err := protocol.Encode(protocol.Text(tag))
	if err != nil {
		return err
	}
	msgs, err := protocol.EncodeRecord(r)
	if err != nil {
		return err
	}
	return c.sendAll(append([]protocol.Message{head, name}, msgs...))
}

// ReceiveExchange reads an EXCHANGE command and returns its tag and record.
func (c *Conn) ReceiveExchange() (string, protocol.Record, error) {
	head, err := ReceiveAs[protocol.Text](c)
	if err != nil {
		return "", nil, err
	}
	if string(head) != protocol.CommandExchange.String() {
		return "", nil, fmt.Errorf("%w: expected %s, got %q", protocol.ErrMalformedMessage, protocol.CommandExchange, head)
	}
	tag, err := ReceiveAs[protocol.Text](c)
	if err != nil {
		return "", nil, err
	}
	r, err := c.ReceiveRecord()
	if err != nil {
		return "", nil, err
	}
	return string(tag), r, nil
}

func (c *Conn) sendAll(msgs []protocol.Message) error {
	n := 0
	for _, m := range msgs {
		n += m.Len()
	}
	buf := make([]byte, 0, n)
	for _, m := range msgs {
		buf = append(buf, protocol.Marshal(m)...)
	}
	return c.write(buf)
}

// Close closes the socket. It is safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// IsClosed reports whether err means the peer is gone.
func IsClosed(err error) bool {
	return errors.Is(err, protocol.ErrConnectionClosed)
}

func wrapIOError(err error) error {
	switch {
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, io.ErrClosedPipe),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, syscall.ECONNABORTED):
		return fmt.Errorf("%w: %v", protocol.ErrConnectionClosed, err)
	}
	return err
}
