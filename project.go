package backbeat

import (
	"errors"
	"fmt"
)

type (
	// Project is the complete description of an arrangement: tempo, time
	// resolution, the reusable patterns, the channels they play through, the
	// playlist placing clips on tracks and the audio assets referenced by
	// audio clips. The engine treats a Project as a value, copied at
	// schedule-build time; later mutations stay invisible until the next
	// rebuild.
	Project struct {
		BPM           float64
		PPQ           int
		TimeSignature TimeSignature
		Patterns      []Pattern
		Channels      []Channel
		Playlist      Playlist
		Assets        []Asset
	}

	// ChannelID identifies a channel. IDs are stable over the lifetime of a
	// project: deleting a channel does not renumber the rest, so references
	// from step events stay unambiguous.
	ChannelID int

	// PatternID identifies a pattern, with the same stability guarantee as
	// ChannelID.
	PatternID int

	// AssetID identifies a decoded-audio asset.
	AssetID int

	ChannelKind int

	// Channel is one mixer channel with exactly one voice. Exactly one of
	// Synth and Sampler is non-nil, depending on the channel kind; the
	// pointer-variant acts as a tagged union and the engine switches
	// exhaustively on Kind().
	Channel struct {
		ID     ChannelID
		Name   string `yaml:",omitempty"`
		Volume float64
		Pan    float64
		Mute   bool `yaml:",omitempty"`
		Solo   bool `yaml:",omitempty"`

		Synth   *SynthParams   `yaml:",omitempty"`
		Sampler *SamplerParams `yaml:",omitempty"`
	}

	// SynthParams are the type-specific synthesis parameters of a melodic
	// channel, passed through to the instrument layer untouched.
	SynthParams struct {
		Params map[string]int `yaml:",flow,omitempty"`
	}

	// SamplerParams configure a sampler channel. Asset may be unset (< 0),
	// in which case the registry falls back to a default percussive voice.
	SamplerParams struct {
		Asset      AssetID
		PitchShift float64 `yaml:",omitempty"`
	}

	// Pattern is reusable step and note content, referenced (not copied) by
	// pattern clips. Steps are short percussive hits on a channel; Notes are
	// pitched events with an explicit duration.
	Pattern struct {
		ID            PatternID
		Name          string `yaml:",omitempty"`
		LengthInSteps int
		StepsPerBeat  int
		Steps         []StepEvent `yaml:",flow,omitempty"`
		Notes         []Note      `yaml:",flow,omitempty"`
	}

	StepEvent struct {
		Channel  ChannelID
		Step     int
		Velocity byte
	}

	Note struct {
		Pitch    byte
		Start    int
		Duration int
		Velocity byte
	}

	// Asset is a reference to decoded audio: its resolvable location is an
	// opaque string handed to the resource cache, the rest is metadata known
	// after decode.
	Asset struct {
		ID         AssetID
		Name       string `yaml:",omitempty"`
		Duration   float64
		SampleRate int
		Channels   int
		Location   string
	}
)

const (
	ChannelSynth ChannelKind = iota
	ChannelSampler
)

// Kind derives the channel kind from which parameter variant is set. A
// channel with neither variant counts as a synth so that it still plays.
func (c *Channel) Kind() ChannelKind {
	if c.Sampler != nil {
		return ChannelSampler
	}
	return ChannelSynth
}

func (k ChannelKind) String() string {
	switch k {
	case ChannelSynth:
		return "synth"
	case ChannelSampler:
		return "sampler"
	}
	return "unknown"
}

// Copy makes a deep copy of a Channel.
func (c *Channel) Copy() Channel {
	ret := *c
	if c.Synth != nil {
		params := make(map[string]int, len(c.Synth.Params))
		for k, v := range c.Synth.Params {
			params[k] = v
		}
		ret.Synth = &SynthParams{Params: params}
	}
	if c.Sampler != nil {
		sampler := *c.Sampler
		ret.Sampler = &sampler
	}
	return ret
}

// Copy makes a deep copy of a Pattern.
func (p *Pattern) Copy() Pattern {
	steps := make([]StepEvent, len(p.Steps))
	copy(steps, p.Steps)
	notes := make([]Note, len(p.Notes))
	copy(notes, p.Notes)
	ret := *p
	ret.Steps = steps
	ret.Notes = notes
	return ret
}

// DurationTicks returns the effective duration of the pattern:
// (lengthInSteps / stepsPerBeat) beats, converted to ticks.
func (p *Pattern) DurationTicks(ppq int, sig TimeSignature) int {
	if p.StepsPerBeat <= 0 {
		return 0
	}
	return p.LengthInSteps * sig.TicksPerBeat(ppq) / p.StepsPerBeat
}

// StepTicks returns the tick offset of the given step within the pattern.
func (p *Pattern) StepTicks(step, ppq int, sig TimeSignature) int {
	if p.StepsPerBeat <= 0 {
		return 0
	}
	return step * sig.TicksPerBeat(ppq) / p.StepsPerBeat
}

// Copy makes a deep copy of a Project.
func (p *Project) Copy() Project {
	patterns := make([]Pattern, len(p.Patterns))
	for i, pat := range p.Patterns {
		patterns[i] = pat.Copy()
	}
	channels := make([]Channel, len(p.Channels))
	for i, c := range p.Channels {
		channels[i] = c.Copy()
	}
	assets := make([]Asset, len(p.Assets))
	copy(assets, p.Assets)
	return Project{
		BPM:           p.BPM,
		PPQ:           p.PPQ,
		TimeSignature: p.TimeSignature,
		Patterns:      patterns,
		Channels:      channels,
		Playlist:      p.Playlist.Copy(),
		Assets:        assets,
	}
}

// Pattern returns the pattern with the given id, or nil if there is none.
func (p *Project) Pattern(id PatternID) *Pattern {
	for i := range p.Patterns {
		if p.Patterns[i].ID == id {
			return &p.Patterns[i]
		}
	}
	return nil
}

// Channel returns the channel with the given id, or nil if there is none.
func (p *Project) Channel(id ChannelID) *Channel {
	for i := range p.Channels {
		if p.Channels[i].ID == id {
			return &p.Channels[i]
		}
	}
	return nil
}

// Asset returns the asset with the given id, or nil if there is none.
func (p *Project) Asset(id AssetID) *Asset {
	for i := range p.Assets {
		if p.Assets[i].ID == id {
			return &p.Assets[i]
		}
	}
	return nil
}

// FirstSynthChannel returns the id of the first melodic channel, falling
// back to any channel if there is no synth. Used to resolve which channel
// pattern notes play through. ok is false only for a project with no
// channels at all.
func (p *Project) FirstSynthChannel() (id ChannelID, ok bool) {
	for i := range p.Channels {
		if p.Channels[i].Kind() == ChannelSynth {
			return p.Channels[i].ID, true
		}
	}
	if len(p.Channels) > 0 {
		return p.Channels[0].ID, true
	}
	return 0, false
}

// AddChannel appends a channel, assigning it the next free id.
func (p *Project) AddChannel(c Channel) ChannelID {
	c.ID = 0
	for i := range p.Channels {
		if p.Channels[i].ID >= c.ID {
			c.ID = p.Channels[i].ID + 1
		}
	}
	p.Channels = append(p.Channels, c)
	return c.ID
}

// DeleteChannel removes the channel and cascades to its step events in
// every pattern, so no pattern is left referencing a dead channel.
func (p *Project) DeleteChannel(id ChannelID) {
	for i := range p.Channels {
		if p.Channels[i].ID != id {
			continue
		}
		p.Channels = append(p.Channels[:i], p.Channels[i+1:]...)
		for j := range p.Patterns {
			pat := &p.Patterns[j]
			steps := pat.Steps[:0]
			for _, s := range pat.Steps {
				if s.Channel != id {
					steps = append(steps, s)
				}
			}
			pat.Steps = steps
		}
		return
	}
}

// Validate checks that the project looks playable: positive tempo and
// resolution, patterns with a positive step resolution, and clips that
// reference existing tracks. Not every inconsistency is fatal to the
// engine (missing pattern and asset references are skipped at schedule
// build), so this only rejects what cannot be clamped or skipped.
func (p *Project) Validate() error {
	if p.BPM <= 0 {
		return errors.New("BPM should be > 0")
	}
	if p.PPQ <= 0 {
		return errors.New("PPQ should be > 0")
	}
	for _, pat := range p.Patterns {
		if pat.StepsPerBeat <= 0 {
			return fmt.Errorf("pattern %d has StepsPerBeat <= 0", pat.ID)
		}
	}
	for _, c := range p.Playlist.Clips {
		if c.Track < 0 || c.Track >= len(p.Playlist.Tracks) {
			return fmt.Errorf("clip references track %d which does not exist", c.Track)
		}
		if c.Duration <= 0 {
			return errors.New("clip duration should be > 0")
		}
	}
	return nil
}
