package service

import (
	"sync"

	"github.com/cepharum/actord/internal/model"
)

// Sink receives output chunks once an Output has been switched to streaming.
type Sink interface {
	Emit(chunk model.Chunk)
}

// SinkFunc adapts an ordinary function to the Sink interface.
type SinkFunc func(chunk model.Chunk)

func (f SinkFunc) Emit(chunk model.Chunk) { f(chunk) }

// Output captures chunks of script output. It starts buffered; Stream turns
// it, once and for good, into a pass-through to a Sink. Chunks are never
// dropped, duplicated or reordered across the switch.
type Output struct {
	mx     sync.Mutex
	chunks []model.Chunk
	sink   Sink
}

func NewOutput() *Output {
	return &Output{}
}

// Append stores a chunk, or emits it directly when streaming.
func (o *Output) Append(chunk model.Chunk) {
	o.mx.Lock()
	defer o.mx.Unlock()
	if o.sink != nil {
		o.sink.Emit(chunk)
		return
	}
	o.chunks = append(o.chunks, chunk)
}

// Drain returns all buffered chunks in arrival order and clears the buffer.
// The returned slice is never nil.
func (o *Output) Drain() []model.Chunk {
	o.mx.Lock()
	defer o.mx.Unlock()
	ret := o.chunks
	o.chunks = nil
	if ret == nil {
		ret = []model.Chunk{}
	}
	return ret
}

// Stream flushes the buffered chunks to sink and makes every later Append go
// to sink as well. Only the first call has an effect; it returns false for
// every other one.
func (o *Output) Stream(sink Sink) bool {
	o.mx.Lock()
	defer o.mx.Unlock()
	if o.sink != nil {
		return false
	}
	for _, chunk := range o.chunks {
		sink.Emit(chunk)
	}
	o.chunks = nil
	o.sink = sink
	return true
}

// Streaming reports whether Stream has been called.
func (o *Output) Streaming() bool {
	o.mx.Lock()
	defer o.mx.Unlock()
	return o.sink != nil
}
