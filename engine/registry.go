package engine

import (
	"log/slog"
	"math"

	"github.com/mjkoskela/backbeat"
)

// Registry owns one voice per channel and routes triggers to them. It is
// polymorphic over the channel kinds: synth triggers pass pitch and
// velocity through, sampler triggers resolve the channel's configured
// sample from the cache, and a sampler with no configured sample falls
// back to the default percussive voice rather than silence. Volume, pan,
// mute and synth parameter changes apply live, without a reschedule.
//
// Audio clips route through the reserved negative channel id space (one
// lazily created sampler voice per playlist track), so scheduled events of
// both kinds go through the same Trigger path.
type Registry struct {
	synther backbeat.Synther
	cache   *Cache
	log     *slog.Logger

	channels map[backbeat.ChannelID]backbeat.Channel
	voices   map[backbeat.ChannelID]backbeat.Voice
	assets   map[backbeat.AssetID]backbeat.Asset
	fallback backbeat.Voice

	channelLevels [MaxChannels]float32
	trackLevels   [MaxChannels]float32
}

// levelDecayTau is the time constant of the level readout decay.
const levelDecayTau = 0.15

func NewRegistry(synther backbeat.Synther, cache *Cache, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	r := &Registry{
		synther:  synther,
		cache:    cache,
		log:      log,
		channels: make(map[backbeat.ChannelID]backbeat.Channel),
		voices:   make(map[backbeat.ChannelID]backbeat.Voice),
		assets:   make(map[backbeat.AssetID]backbeat.Asset),
	}
	// the default percussive voice doubles as the metronome click and as
	// the fallback for samplers with no configured sample
	click := backbeat.Channel{Name: "click", Volume: 1, Sampler: &backbeat.SamplerParams{Asset: -1}}
	voice, err := synther.Voice(click)
	if err != nil {
		log.Warn("creating default percussive voice failed", "error", err)
	} else {
		r.fallback = voice
	}
	return r
}

// Apply reconciles the registry with a project snapshot: voices are
// created for new channels, dropped for deleted ones, and every surviving
// channel's controls are pushed to its voice so edits to volume, pan, mute
// and synth parameters take effect immediately.
func (r *Registry) Apply(p *backbeat.Project) {
	seen := make(map[backbeat.ChannelID]bool, len(p.Channels))
	for i := range p.Channels {
		ch := p.Channels[i]
		seen[ch.ID] = true
		r.channels[ch.ID] = ch
		if _, ok := r.voices[ch.ID]; !ok {
			voice, err := r.synther.Voice(ch)
			if err != nil {
				r.log.Warn("creating voice failed", "channel", int(ch.ID), "error", err)
				continue
			}
			r.voices[ch.ID] = voice
		}
		r.voices[ch.ID].SetControls(controlsOf(ch))
	}
	for id := range r.channels {
		if id >= 0 && !seen[id] {
			delete(r.channels, id)
			delete(r.voices, id)
		}
	}
	r.assets = make(map[backbeat.AssetID]backbeat.Asset, len(p.Assets))
	for _, a := range p.Assets {
		r.assets[a.ID] = a
	}
}

func controlsOf(ch backbeat.Channel) backbeat.VoiceControls {
	c := backbeat.VoiceControls{Volume: ch.Volume, Pan: ch.Pan, Mute: ch.Mute}
	if ch.Synth != nil {
		c.Params = ch.Synth.Params
	}
	return c
}

// Trigger fires a scheduled event at its absolute time. An unknown
// channel id is a no-op: the channel was deleted after the schedule was
// built and the next rebuild drops its events. A sample whose buffer is
// not ready at fire time is skipped and logged, never blocking the clock.
func (r *Registry) Trigger(ev event) {
	switch ev.Kind {
	case eventSample:
		r.triggerSample(ev)
	case eventNote:
		r.triggerNote(ev)
	}
}

func (r *Registry) triggerSample(ev event) {
	buf, ok := r.sampleBuffer(ev.Asset)
	if !ok {
		r.log.Warn("sample not ready at fire time, skipping trigger", "asset", int(ev.Asset), "when", ev.When)
		return
	}
	voice, ok := r.voices[ev.Channel]
	if !ok {
		ch := backbeat.Channel{ID: ev.Channel, Volume: 1, Sampler: &backbeat.SamplerParams{Asset: ev.Asset}}
		var err error
		voice, err = r.synther.Voice(ch)
		if err != nil {
			r.log.Warn("creating track voice failed", "channel", int(ev.Channel), "error", err)
			return
		}
		r.voices[ev.Channel] = voice
	}
	gain := ev.Gain
	if gain == 0 {
		gain = 1
	}
	voice.Trigger(backbeat.VoiceEvent{
		When:       ev.When,
		Duration:   ev.Duration,
		Sample:     buf,
		Offset:     ev.Offset,
		Gain:       gain,
		PitchShift: ev.PitchShift,
	})
	if track := -1 - int(ev.Channel); track >= 0 && track < MaxChannels {
		r.trackLevels[track] = 1
	}
}

func (r *Registry) triggerNote(ev event) {
	ch, ok := r.channels[ev.Channel]
	if !ok {
		return
	}
	voiceEv := backbeat.VoiceEvent{
		When:     ev.When,
		Pitch:    ev.Pitch,
		Velocity: ev.Velocity,
		Duration: ev.Duration,
	}
	switch ch.Kind() {
	case backbeat.ChannelSampler:
		buf, ok := r.sampleBuffer(ch.Sampler.Asset)
		if !ok {
			// unconfigured or unloaded sample: default percussive voice,
			// not silence
			if r.fallback != nil {
				r.fallback.Trigger(voiceEv)
				r.markLevel(ev.Channel)
			}
			return
		}
		voiceEv.Sample = buf
		voiceEv.Gain = 1
		voiceEv.PitchShift = ch.Sampler.PitchShift
	case backbeat.ChannelSynth:
	}
	if voice, ok := r.voices[ev.Channel]; ok {
		voice.Trigger(voiceEv)
		r.markLevel(ev.Channel)
	}
}

func (r *Registry) sampleBuffer(id backbeat.AssetID) (*backbeat.Buffer, bool) {
	asset, ok := r.assets[id]
	if !ok {
		return nil, false
	}
	return r.cache.Get(asset.Location)
}

// NoteOn triggers a note immediately on a channel, used for live playing
// through MIDI input. NoteOff releases it.
func (r *Registry) NoteOn(id backbeat.ChannelID, pitch, velocity byte) {
	r.triggerNote(event{Channel: id, Kind: eventNote, Pitch: pitch, Velocity: velocity})
}

func (r *Registry) NoteOff(id backbeat.ChannelID, pitch byte) {
	if voice, ok := r.voices[id]; ok {
		voice.Release(pitch)
	}
}

// SetVolume updates a channel's volume live. Unknown ids are no-ops, as
// with triggers.
func (r *Registry) SetVolume(id backbeat.ChannelID, volume float64) {
	r.updateControls(id, func(c *backbeat.VoiceControls, ch *backbeat.Channel) {
		ch.Volume = volume
		c.Volume = volume
	})
}

func (r *Registry) SetPan(id backbeat.ChannelID, pan float64) {
	r.updateControls(id, func(c *backbeat.VoiceControls, ch *backbeat.Channel) {
		ch.Pan = pan
		c.Pan = pan
	})
}

func (r *Registry) SetMute(id backbeat.ChannelID, mute bool) {
	r.updateControls(id, func(c *backbeat.VoiceControls, ch *backbeat.Channel) {
		ch.Mute = mute
		c.Mute = mute
	})
}

// SetSynthParams replaces a synth channel's synthesis parameters live.
func (r *Registry) SetSynthParams(id backbeat.ChannelID, params map[string]int) {
	r.updateControls(id, func(c *backbeat.VoiceControls, ch *backbeat.Channel) {
		if ch.Synth == nil {
			return
		}
		ch.Synth.Params = params
		c.Params = params
	})
}

func (r *Registry) updateControls(id backbeat.ChannelID, f func(*backbeat.VoiceControls, *backbeat.Channel)) {
	ch, ok := r.channels[id]
	if !ok {
		return
	}
	c := controlsOf(ch)
	f(&c, &ch)
	r.channels[id] = ch
	if voice, ok := r.voices[id]; ok {
		voice.SetControls(c)
	}
}

// Click fires the metronome click: accented on the downbeat.
func (r *Registry) Click(when float64, accent bool) {
	if r.fallback == nil {
		return
	}
	pitch, velocity := byte(76), byte(96)
	if accent {
		pitch, velocity = 88, 127
	}
	r.fallback.Trigger(backbeat.VoiceEvent{When: when, Pitch: pitch, Velocity: velocity, Duration: stepHitSeconds})
}

// ReleaseAll releases every voice, used on stop so live-played notes do
// not hang.
func (r *Registry) ReleaseAll() {
	for _, voice := range r.voices {
		for pitch := 0; pitch < 128; pitch++ {
			voice.Release(byte(pitch))
		}
	}
}

func (r *Registry) markLevel(id backbeat.ChannelID) {
	if id >= 0 && int(id) < MaxChannels {
		r.channelLevels[id] = 1
	}
}

// DecayLevels ages the level readouts by dt seconds; the engine calls it
// once per position poll.
func (r *Registry) DecayLevels(dt float64) {
	alpha := float32(math.Exp(-dt / levelDecayTau))
	for i := range r.channelLevels {
		r.channelLevels[i] *= alpha
		r.trackLevels[i] *= alpha
	}
}

// ChannelLevels returns the per-channel level readouts.
func (r *Registry) ChannelLevels() [MaxChannels]float32 { return r.channelLevels }

// TrackLevels returns the per-track level readouts.
func (r *Registry) TrackLevels() [MaxChannels]float32 { return r.trackLevels }
