package engine

import (
	"sync"
	"time"

	"github.com/mjkoskela/backbeat"
)

type (
	// Broker is the centralized message hub of the engine. It is many-to-one
	// communication, one channel per recipient: the editing layer and the
	// adapters send to the engine via ToEngine, the engine reports position,
	// levels and alerts to the model via ToModel, and audio output adapters
	// feed rendered buffers to the level meter via ToMeter. Additionally the
	// broker has a sync.Pool of *backbeat.AudioBuffers so buffers can be
	// passed around without allocating every time.
	//
	// For closing goroutines, the broker has two channels per goroutine:
	// CloseXXX and FinishedXXX. CloseXXX has a capacity of 1 so sending
	// struct{}{} to it never blocks; if it is already full, closure has
	// already been requested and dropping the message is fine. FinishedXXX
	// is never sent to, only closed, so "<-FinishedXXX" waits until the
	// goroutine has cleaned up.
	Broker struct {
		ToEngine chan any
		ToModel  chan MsgToModel
		ToMeter  chan MsgToMeter

		CloseEngine chan struct{}
		CloseMeter  chan struct{}

		FinishedEngine chan struct{}
		FinishedMeter  chan struct{}

		bufferPool sync.Pool
	}

	// MsgToModel is a message sent to the model. The frequently sent fields
	// (position, levels) are not boxed to avoid allocations; infrequent
	// messages travel boxed in Data.
	MsgToModel struct {
		HasPosition   bool
		Position      int // ticks
		BBT           backbeat.BBT
		Playing       bool
		ChannelLevels [MaxChannels]float32

		HasMeter bool
		Meter    MeterResult

		Data any
	}

	// MsgToMeter carries an audio buffer for the level meter to analyze, or
	// a reset when playback starts over.
	MsgToMeter struct {
		Reset bool
		Quit  bool
		Data  any
	}
)

// MaxChannels is the maximum number of mixer channels whose levels are
// tracked and reported to the model.
const MaxChannels = 64

func NewBroker() *Broker {
	return &Broker{
		ToEngine:       make(chan any, 1024),
		ToModel:        make(chan MsgToModel, 1024),
		ToMeter:        make(chan MsgToMeter, 1024),
		CloseEngine:    make(chan struct{}, 1),
		CloseMeter:     make(chan struct{}, 1),
		FinishedEngine: make(chan struct{}),
		FinishedMeter:  make(chan struct{}),
		bufferPool:     sync.Pool{New: func() any { return &backbeat.AudioBuffer{} }},
	}
}

// GetAudioBuffer returns an empty audio buffer from the buffer pool. After
// use it should be returned with PutAudioBuffer.
func (b *Broker) GetAudioBuffer() *backbeat.AudioBuffer {
	return b.bufferPool.Get().(*backbeat.AudioBuffer)
}

// PutAudioBuffer returns an audio buffer to the pool, resetting its length
// but keeping the capacity.
func (b *Broker) PutAudioBuffer(buf *backbeat.AudioBuffer) {
	if len(*buf) > 0 {
		*buf = (*buf)[:0]
	}
	b.bufferPool.Put(buf)
}

// TrySend sends a value to a channel if it is not full. It is guaranteed
// to be non-blocking; returns true if the value was sent.
func TrySend[T any](c chan<- T, v T) bool {
	select {
	case c <- v:
	default:
		return false
	}
	return true
}

// TimeoutReceive blocks until a value is received from the channel or the
// timeout elapses; ok is false on timeout or a closed channel.
func TimeoutReceive[T any](c <-chan T, t time.Duration) (v T, ok bool) {
	select {
	case v, ok = <-c:
		return v, ok
	case <-time.After(t):
		return v, false
	}
}
