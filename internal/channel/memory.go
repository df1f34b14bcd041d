package channel

import (
	"errors"
	"sync"
)

// ErrPipeClosed is returned by memory pipe operations after either end
// closed.
var ErrPipeClosed = errors.New("pipe closed")

// NewMemoryPipe returns two connected in-memory MessageConns. Closing
// either end fails the reads and writes of both. Tests use one end as the
// hub and the other as the relay.
func NewMemoryPipe() (MessageConn, MessageConn) {
	aToB := make(chan []byte, 16)
	bToA := make(chan []byte, 16)
	done := make(chan struct{})
	once := &sync.Once{}

	a := &memoryConn{in: bToA, out: aToB, done: done, once: once}
	b := &memoryConn{in: aToB, out: bToA, done: done, once: once}
	return a, b
}

type memoryConn struct {
	in   <-chan []byte
	out  chan<- []byte
	done chan struct{}
	once *sync.Once
}

func (c *memoryConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case <-c.done:
		return nil, ErrPipeClosed
	}
}

func (c *memoryConn) WriteMessage(data []byte) error {
	// Copy so the sender can reuse its buffer.
	buf := make([]byte, len(data))
	copy(buf, data)
	select {
	case c.out <- buf:
		return nil
	case <-c.done:
		return ErrPipeClosed
	}
}

func (c *memoryConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}
