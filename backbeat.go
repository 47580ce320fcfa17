// Package backbeat contains the domain model of the backbeat playback
// engine: projects, patterns, channels, playlists and assets, plus the
// small set of interfaces the engine is polymorphic over. The actual
// scheduling and transport logic lives in the engine package; audio
// output and MIDI input adapters live in oto and gomidi.
package backbeat

type (
	// AudioBuffer is a buffer of stereo audio samples of the native 44100 Hz
	// sample rate. [0] is left channel, [1] is right.
	AudioBuffer [][2]float32

	// Buffer is a decoded audio resource, ready to be triggered by a sampler
	// voice. Buffers are loaded and cached by the engine resource cache and
	// shared between all clips referencing the same asset, so they must be
	// treated as immutable once loaded.
	Buffer struct {
		Data       AudioBuffer
		SampleRate int
	}

	// AudioSink is something where audio can be played back
	AudioSink interface {
		WriteAudio(buffer AudioBuffer) error
		Close() error
	}

	// AudioSource is something that captures audio, e.g. a recording device.
	// ReadAudio blocks until at least one frame is available and returns the
	// number of frames written to the buffer.
	AudioSource interface {
		ReadAudio(buffer AudioBuffer) (int, error)
		Close() error
	}

	AudioContext interface {
		Output() AudioSink
		Close() error
	}

	// Voice is one playable instrument instance, bound to a Channel by the
	// engine instrument registry. The engine never processes signal itself;
	// it only tells voices when and with what parameters to fire. All times
	// are absolute song times in seconds.
	Voice interface {
		Trigger(ev VoiceEvent)
		Release(pitch byte)
		SetControls(c VoiceControls)
	}

	// VoiceEvent is a single trigger handed to a Voice. For note triggers
	// Sample is nil and Pitch/Velocity/Duration are set; for sample-start
	// triggers Sample is the decoded buffer to play, bounded to Duration
	// seconds starting Offset frames into the buffer.
	VoiceEvent struct {
		When       float64
		Pitch      byte
		Velocity   byte
		Duration   float64
		Sample     *Buffer
		Offset     int
		Gain       float64
		PitchShift float64
	}

	// VoiceControls are the live-updatable controls of a voice: they apply
	// immediately, without a reschedule.
	VoiceControls struct {
		Volume float64
		Pan    float64
		Mute   bool
		Params map[string]int
	}

	// Synther creates voices for channels; implemented by the instrument
	// layer (a synthesizer, a sampler playback unit, a MIDI output, ...).
	Synther interface {
		Voice(ch Channel) (Voice, error)
	}
)

// Duration returns the length of the buffer in seconds.
func (b *Buffer) Duration() float64 {
	if b == nil || b.SampleRate <= 0 {
		return 0
	}
	return float64(len(b.Data)) / float64(b.SampleRate)
}
