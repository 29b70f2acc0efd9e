package worker

import (
	"context"
	"io"
	"sync"

	"github.com/wippyai/realm-runner/errors"
	"github.com/wippyai/realm-runner/protocol"
)

// streamConn carries JSON lines over a byte stream.
type streamConn struct {
	enc    *protocol.Encoder
	dec    *protocol.Decoder
	closer io.Closer
	recv   chan recvResult
	done   chan struct{}
	once   sync.Once
	start  sync.Once
}

type recvResult struct {
	msg protocol.Message
	err error
}

// StreamConn returns a Conn that reads messages from r and writes them to w.
// closer, if not nil, is closed by Close.
func StreamConn(r io.Reader, w io.Writer, closer io.Closer) Conn {
	return &streamConn{
		enc:    protocol.NewEncoder(w),
		dec:    protocol.NewDecoder(r),
		closer: closer,
		recv:   make(chan recvResult, 1),
		done:   make(chan struct{}),
	}
}

// Recv blocks until a message arrives or ctx ends. A read blocked on the
// stream is left running and picked up by the next Recv.
func (c *streamConn) Recv(ctx context.Context) (protocol.Message, error) {
	c.start.Do(func() { go c.read() })
	select {
	case <-c.done:
		return protocol.Message{}, io.EOF
	default:
	}
	select {
	case res, ok := <-c.recv:
		if !ok {
			return protocol.Message{}, io.EOF
		}
		return res.msg, res.err
	case <-c.done:
		return protocol.Message{}, io.EOF
	case <-ctx.Done():
		return protocol.Message{}, ctx.Err()
	}
}

func (c *streamConn) read() {
	defer close(c.recv)
	for {
		m, err := c.dec.Decode()
		if err == io.EOF {
			return
		}
		select {
		case c.recv <- recvResult{msg: m, err: err}:
		case <-c.done:
			return
		}
		if err != nil && errors.KindOf(err) != errors.KindProtocol {
			return
		}
	}
}

func (c *streamConn) Send(m protocol.Message) error {
	return c.enc.Encode(m)
}

func (c *streamConn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		if c.closer != nil {
			err = c.closer.Close()
		}
	})
	return err
}

// Pipe returns two connected in-memory Conns. Messages are copied through
// the wire encoding so both sides see exactly what a remote peer would.
func Pipe() (Conn, Conn) {
	ab := make(chan []byte, 64)
	ba := make(chan []byte, 64)
	done := make(chan struct{})
	var once sync.Once
	closeFn := func() { once.Do(func() { close(done) }) }
	return &pipeConn{in: ba, out: ab, done: done, close: closeFn},
		&pipeConn{in: ab, out: ba, done: done, close: closeFn}
}

type pipeConn struct {
	in    <-chan []byte
	out   chan<- []byte
	done  chan struct{}
	close func()
}

// Recv delivers anything already sent before reporting the pipe closed.
func (p *pipeConn) Recv(ctx context.Context) (protocol.Message, error) {
	select {
	case data := <-p.in:
		return protocol.Unmarshal(data)
	default:
	}
	select {
	case data := <-p.in:
		return protocol.Unmarshal(data)
	case <-p.done:
		return protocol.Message{}, io.EOF
	case <-ctx.Done():
		return protocol.Message{}, ctx.Err()
	}
}

func (p *pipeConn) Send(m protocol.Message) error {
	data, err := protocol.Marshal(m)
	if err != nil {
		return err
	}
	select {
	case <-p.done:
		return errors.Disposed(errors.PhaseWorker, "pipe")
	default:
	}
	select {
	case p.out <- data:
		return nil
	case <-p.done:
		return errors.Disposed(errors.PhaseWorker, "pipe")
	}
}

func (p *pipeConn) Close() error {
	p.close()
	return nil
}
