package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/mjkoskela/backbeat"
)

type (
	recState int

	// recorder is the engine's capture state machine: off; counting in; or
	// capturing. The count-in waits on the engine clock and is cancelled by
	// CancelRecordingMsg or transport stop; capture itself runs in a
	// separate goroutine because device reads block.
	recorder struct {
		state     recState
		device    backbeat.AudioSource
		armAt     time.Time
		startTick int

		prevMetronome bool
		forced        bool

		cancel context.CancelFunc
		done   chan struct{}

		mu     sync.Mutex
		frames backbeat.AudioBuffer

		takeSeq int
	}

	// StartRecordingMsg arms a recording. With CountInBars > 0 the
	// metronome is forced on, playback starts if the transport was idle,
	// and capture begins after the count-in; the prior metronome state is
	// restored when the count-in ends. Reply, if non-nil, receives the
	// start result: a device or permission failure fails the start and
	// leaves ongoing playback untouched.
	StartRecordingMsg struct {
		CountInBars int
		Device      backbeat.AudioSource
		Reply       chan<- error
	}

	// StopRecordingMsg finalizes the capture into a Take on ToModel.
	StopRecordingMsg struct{}

	// CancelRecordingMsg discards the capture; no asset, no clip.
	CancelRecordingMsg struct{}

	// Take is a finished recording handed back as plain data: the decoded
	// buffer, asset metadata with an engine-local location already seeded
	// in the cache, and the position where capture began so the caller can
	// insert an AudioClip there. Persisting the take is the editing
	// layer's business; WriteWAV helps with that.
	Take struct {
		Asset     backbeat.Asset
		Buffer    *backbeat.Buffer
		StartTick int
	}

	// RecordingLevel is the capture level callback payload, sent to the
	// model for each captured chunk.
	RecordingLevel struct {
		Peak [2]float32
	}
)

const (
	recStateNone recState = iota
	recStateCountIn
	recStateCapturing
)

const captureRate = 44100

func (e *Engine) startRecording(m StartRecordingMsg) {
	reply := func(err error) {
		if m.Reply != nil {
			TrySend(m.Reply, err)
		}
	}
	if e.rec.state != recStateNone {
		reply(errors.New("already recording"))
		return
	}
	if m.Device == nil {
		reply(errors.New("no capture device"))
		return
	}
	if !e.haveProject {
		reply(errors.New("no project"))
		return
	}
	e.rec.device = m.Device
	e.rec.prevMetronome = e.metronome
	e.rec.forced = false
	countIn := time.Duration(0)
	if m.CountInBars > 0 {
		beatsPerBar := e.project.TimeSignature.Num
		if beatsPerBar <= 0 {
			beatsPerBar = 4
		}
		countIn = time.Duration(float64(m.CountInBars*beatsPerBar) * 60 / e.project.BPM * float64(time.Second))
		e.metronome = true
		e.rec.forced = true
		e.resetBeat()
	}
	if e.state != statePlaying {
		e.play()
	}
	e.rec.armAt = e.clock.Now().Add(countIn)
	e.rec.state = recStateCountIn
	reply(nil)
}

// poll advances the recorder state machine on the engine's position poll:
// when the count-in has elapsed, the prior metronome state is restored and
// capture is armed.
func (r *recorder) poll(e *Engine, now time.Time) {
	if r.state != recStateCountIn || now.Before(r.armAt) {
		return
	}
	if r.forced {
		e.metronome = r.prevMetronome
		r.forced = false
	}
	r.state = recStateCapturing
	r.startTick = e.currentTick(now)
	r.frames = nil
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.capture(ctx, r.device, e.broker)
}

// capture drains the device until cancelled, accumulating frames and
// emitting a level callback per chunk. It runs outside the engine
// goroutine; the device is handed in as a parameter so the engine can
// clear its own field without racing the read loop, and frames are
// handed over under the mutex.
func (r *recorder) capture(ctx context.Context, device backbeat.AudioSource, broker *Broker) {
	defer close(r.done)
	chunk := make(backbeat.AudioBuffer, 1024)
	for {
		if ctx.Err() != nil {
			return
		}
		n, err := device.ReadAudio(chunk)
		if n > 0 {
			var peak [2]float32
			for _, frame := range chunk[:n] {
				for c := 0; c < 2; c++ {
					v := frame[c]
					if v < 0 {
						v = -v
					}
					if v > peak[c] {
						peak[c] = v
					}
				}
			}
			r.mu.Lock()
			r.frames = append(r.frames, chunk[:n]...)
			r.mu.Unlock()
			TrySend(broker.ToModel, MsgToModel{Data: RecordingLevel{Peak: peak}})
		}
		if err != nil {
			return
		}
	}
}

// stopRecording finalizes the capture: the frames become a new in-memory
// asset, seeded into the cache under a take: location, and a Take is sent
// to the model so the caller can insert an AudioClip where recording
// began.
func (e *Engine) stopRecording() {
	if e.rec.state == recStateCountIn {
		e.cancelRecording()
		return
	}
	if e.rec.state != recStateCapturing {
		return
	}
	e.stopCapture()
	e.rec.mu.Lock()
	frames := e.rec.frames
	e.rec.frames = nil
	e.rec.mu.Unlock()
	e.rec.state = recStateNone
	buf := &backbeat.Buffer{Data: frames, SampleRate: captureRate}
	e.rec.takeSeq++
	location := fmt.Sprintf("take:%d", e.rec.takeSeq)
	e.cache.Put(location, buf)
	TrySend(e.broker.ToModel, MsgToModel{Data: Take{
		Asset: backbeat.Asset{
			Name:       location,
			Duration:   buf.Duration(),
			SampleRate: captureRate,
			Channels:   2,
			Location:   location,
		},
		Buffer:    buf,
		StartTick: e.rec.startTick,
	}})
}

// cancelRecording discards everything captured so far; no asset or clip
// results. A cancelled count-in restores the prior metronome state.
func (e *Engine) cancelRecording() {
	if e.rec.state == recStateNone {
		return
	}
	if e.rec.forced {
		e.metronome = e.rec.prevMetronome
		e.rec.forced = false
	}
	e.stopCapture()
	e.rec.mu.Lock()
	e.rec.frames = nil
	e.rec.mu.Unlock()
	e.rec.state = recStateNone
}

func (e *Engine) stopCapture() {
	if e.rec.cancel != nil {
		e.rec.cancel()
		e.rec.cancel = nil
	}
	// closing the device unblocks a capture goroutine stuck in ReadAudio;
	// the field is cleared only after the goroutine has exited
	if e.rec.device != nil {
		e.rec.device.Close()
	}
	if e.rec.done != nil {
		<-e.rec.done
		e.rec.done = nil
	}
	e.rec.device = nil
}

func (e *Engine) cancelCapture() {
	if e.rec.state != recStateNone {
		e.cancelRecording()
	}
}

// WriteWAV encodes the take as a 16-bit stereo WAV, for the editing layer
// to persist.
func (t Take) WriteWAV(ws io.WriteSeeker) error {
	enc := wav.NewEncoder(ws, t.Buffer.SampleRate, 16, 2, 1)
	data := make([]int, len(t.Buffer.Data)*2)
	for i, frame := range t.Buffer.Data {
		data[i*2] = clampS16(frame[0])
		data[i*2+1] = clampS16(frame[1])
	}
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 2, SampleRate: t.Buffer.SampleRate},
		SourceBitDepth: 16,
		Data:           data,
	}
	if err := enc.Write(buf); err != nil {
		return err
	}
	return enc.Close()
}

func clampS16(v float32) int {
	s := int(v * 32767)
	if s > 32767 {
		return 32767
	}
	if s < -32768 {
		return -32768
	}
	return s
}
