// Package synth is a small built-in instrument layer: sine voices for
// synth channels, buffer playback for samplers and a noise burst for the
// default percussive voice. It exists so the engine has something audible
// to route triggers to out of the box; a real instrument layer plugs in
// through the same backbeat.Synther interface.
package synth

import (
	"math"
	"sync"

	"github.com/mjkoskela/backbeat"
)

const (
	sampleRate = 44100
	chunkSize  = 512
)

type (
	// Mixer renders all voices it has created into one stereo stream. It
	// implements backbeat.Synther; the engine registry asks it for one
	// voice per channel.
	Mixer struct {
		mu     sync.Mutex
		voices []*voice
	}

	voice struct {
		mixer    *Mixer
		kind     backbeat.ChannelKind
		controls backbeat.VoiceControls
		notes    []note
	}

	note struct {
		pitch    byte
		level    float64
		phase    float64
		step     float64
		env      float64
		decay    float64
		released bool
		hold     int // frames until auto release; < 0 holds until Release

		sample     *backbeat.Buffer
		samplePos  float64
		sampleStep float64
		sampleEnd  float64

		noise bool
		rng   uint32
	}
)

func NewMixer() *Mixer {
	return &Mixer{}
}

// Voice implements backbeat.Synther.
func (m *Mixer) Voice(ch backbeat.Channel) (backbeat.Voice, error) {
	v := &voice{
		mixer:    m,
		kind:     ch.Kind(),
		controls: backbeat.VoiceControls{Volume: ch.Volume, Pan: ch.Pan, Mute: ch.Mute},
	}
	m.mu.Lock()
	m.voices = append(m.voices, v)
	m.mu.Unlock()
	return v, nil
}

// Run renders chunks into the sink until stop is signalled. onChunk, if
// non-nil, sees every rendered chunk before it is written; the command
// line player uses it to tee buffers to the level meter.
func (m *Mixer) Run(sink backbeat.AudioSink, stop <-chan struct{}, onChunk func(backbeat.AudioBuffer)) error {
	buf := make(backbeat.AudioBuffer, chunkSize)
	for {
		select {
		case <-stop:
			return nil
		default:
		}
		for i := range buf {
			buf[i] = [2]float32{}
		}
		m.Render(buf)
		if onChunk != nil {
			onChunk(buf)
		}
		if err := sink.WriteAudio(buf); err != nil {
			return err
		}
	}
}

// Render mixes all playing notes into the buffer.
func (m *Mixer) Render(buf backbeat.AudioBuffer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range m.voices {
		v.render(buf)
	}
}

func (v *voice) Trigger(ev backbeat.VoiceEvent) {
	v.mixer.mu.Lock()
	defer v.mixer.mu.Unlock()
	n := note{
		pitch: ev.Pitch,
		level: float64(ev.Velocity) / 127,
		env:   1,
		hold:  -1,
	}
	if ev.Velocity == 0 {
		n.level = 1
	}
	if ev.Duration > 0 {
		n.hold = int(ev.Duration * sampleRate)
	}
	switch {
	case ev.Sample != nil:
		n.sample = ev.Sample
		n.samplePos = float64(ev.Offset)
		rate := float64(ev.Sample.SampleRate)
		if rate <= 0 {
			rate = sampleRate
		}
		n.sampleStep = rate / sampleRate * math.Pow(2, ev.PitchShift/12)
		n.sampleEnd = float64(len(ev.Sample.Data))
		if ev.Gain > 0 {
			n.level *= ev.Gain
		}
		n.decay = 0
	case v.kind == backbeat.ChannelSampler:
		// unconfigured sampler: short percussive noise burst
		n.noise = true
		n.rng = uint32(ev.Pitch)*2654435761 + 1
		n.decay = 1 / (0.06 * sampleRate)
	default:
		freq := 440 * math.Pow(2, (float64(ev.Pitch)-69)/12)
		n.step = 2 * math.Pi * freq / sampleRate
		n.decay = 1 / (1.5 * sampleRate)
	}
	v.notes = append(v.notes, n)
}

func (v *voice) Release(pitch byte) {
	v.mixer.mu.Lock()
	defer v.mixer.mu.Unlock()
	for i := range v.notes {
		if v.notes[i].pitch == pitch && !v.notes[i].released {
			v.notes[i].released = true
		}
	}
}

func (v *voice) SetControls(c backbeat.VoiceControls) {
	v.mixer.mu.Lock()
	v.controls = c
	v.mixer.mu.Unlock()
}

const releaseDecay = 1 / (0.01 * sampleRate) // fast fade after release, no clicks

func (v *voice) render(buf backbeat.AudioBuffer) {
	if v.controls.Mute {
		return
	}
	vol := v.controls.Volume
	pan := v.controls.Pan
	gainL := vol * math.Min(1, 1-pan)
	gainR := vol * math.Min(1, 1+pan)
	live := v.notes[:0]
	for i := range v.notes {
		n := &v.notes[i]
		if n.renderInto(buf, float32(gainL), float32(gainR)) {
			live = append(live, *n)
		}
	}
	v.notes = live
}

// renderInto mixes the note into the buffer and reports whether it is
// still alive afterwards.
func (n *note) renderInto(buf backbeat.AudioBuffer, gainL, gainR float32) bool {
	for i := range buf {
		if n.env <= 0 {
			return false
		}
		var s float64
		switch {
		case n.sample != nil:
			if n.samplePos >= n.sampleEnd {
				return false
			}
			frame := n.sample.Data[int(n.samplePos)]
			l := float64(frame[0]) * n.level * n.env
			r := float64(frame[1]) * n.level * n.env
			buf[i][0] += gainL * float32(l)
			buf[i][1] += gainR * float32(r)
			n.samplePos += n.sampleStep
			n.advance()
			continue
		case n.noise:
			n.rng = n.rng*1664525 + 1013904223
			s = (float64(n.rng)/float64(math.MaxUint32)*2 - 1)
		default:
			s = math.Sin(n.phase)
			n.phase += n.step
		}
		s *= n.level * n.env
		buf[i][0] += gainL * float32(s)
		buf[i][1] += gainR * float32(s)
		n.advance()
	}
	return n.env > 0
}

func (n *note) advance() {
	if n.hold > 0 {
		n.hold--
		if n.hold == 0 {
			n.released = true
		}
	}
	if n.released {
		n.env -= releaseDecay
	} else {
		n.env -= n.decay
	}
}
