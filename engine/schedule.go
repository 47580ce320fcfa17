package engine

import (
	"log/slog"
	"math"
	"sort"

	"github.com/mjkoskela/backbeat"
)

type (
	eventKind int

	// event is one materialized future trigger: which channel fires, when
	// (in song time seconds) and with what voice parameters. Events are
	// ephemeral: they are rebuilt from the current snapshot on every play
	// and on every structural change, and they are never persisted.
	event struct {
		When     float64
		Channel  backbeat.ChannelID
		Kind     eventKind
		Pitch    byte
		Velocity byte
		Duration float64

		Asset      backbeat.AssetID
		Offset     int
		Gain       float64
		PitchShift float64
	}

	// schedule is the result of one build: the ordered event list plus the
	// locations of every asset the snapshot could need, for preloading.
	schedule struct {
		events []event
		assets []string
	}
)

const (
	eventNote eventKind = iota
	eventSample
)

// stepHitSeconds is the fixed length of the short hit a step event
// resolves to; notes carry their explicit duration instead.
const stepHitSeconds = 0.05

// stepHitPitch is the pitch step events trigger with; percussive voices
// ignore it, melodic ones get a middle C.
const stepHitPitch byte = 60

// minSampleSlice is the floor of the effective sample duration used for
// audio clip tiling, so a sample offset at or past the asset end cannot
// produce a zero-length tile and an unbounded repeat count.
const minSampleSlice = 1e-3

// trackChannelID maps a playlist track index into the reserved negative
// channel id space used to route audio clip triggers: channel voices use
// ids >= 0, per-track sampler voices the rest.
func trackChannelID(track int) backbeat.ChannelID {
	return backbeat.ChannelID(-1 - track)
}

// buildSchedule materializes the future trigger events of a project
// snapshot. Muted clips, muted tracks and (when any track is soloed)
// non-soloed tracks are gated out. A clip referencing a missing pattern or
// asset is skipped and logged; the remaining clips still schedule.
func buildSchedule(p *backbeat.Project, log *slog.Logger) schedule {
	var s schedule
	soloActive := p.Playlist.SoloActive()
	noteChannel, haveNoteChannel := p.FirstSynthChannel()
	for i := range p.Playlist.Clips {
		clip := &p.Playlist.Clips[i]
		if clip.Track < 0 || clip.Track >= len(p.Playlist.Tracks) {
			log.Warn("clip references missing track", "track", clip.Track)
			continue
		}
		track := &p.Playlist.Tracks[clip.Track]
		if clip.Mute || track.Mute || (soloActive && !track.Solo) {
			continue
		}
		switch {
		case clip.Pattern != nil:
			pat := p.Pattern(clip.Pattern.Pattern)
			if pat == nil {
				log.Warn("clip references missing pattern", "pattern", int(clip.Pattern.Pattern))
				continue
			}
			s.patternClip(p, clip, pat, noteChannel, haveNoteChannel)
		case clip.Audio != nil:
			asset := p.Asset(clip.Audio.Asset)
			if asset == nil {
				log.Warn("clip references missing asset", "asset", int(clip.Audio.Asset))
				continue
			}
			s.audioClip(p, clip, asset)
		}
	}
	sort.SliceStable(s.events, func(a, b int) bool {
		return s.events[a].When < s.events[b].When
	})
	for i := range p.Assets {
		s.assets = append(s.assets, p.Assets[i].Location)
	}
	return s
}

// patternClip tiles the pattern content to fill the clip span: the
// pattern repeats ceil(clipDuration/patternDuration) times and any event
// landing at or after the clip end is dropped, so the final repeat is
// truncated, never padded. The intra-pattern offset shifts content
// earlier; events shifted before the clip start are dropped too.
func (s *schedule) patternClip(p *backbeat.Project, clip *backbeat.Clip, pat *backbeat.Pattern, noteChannel backbeat.ChannelID, haveNoteChannel bool) {
	durTicks := pat.DurationTicks(p.PPQ, p.TimeSignature)
	if durTicks <= 0 {
		return
	}
	repeats := (clip.Duration + durTicks - 1) / durTicks
	emit := func(tick int, ev event) {
		tick -= clip.Pattern.Offset
		if tick < clip.Start || tick >= clip.End() {
			return
		}
		ev.When = backbeat.TicksToSeconds(tick, p.BPM, p.PPQ)
		if end := backbeat.TicksToSeconds(clip.End(), p.BPM, p.PPQ); ev.When+ev.Duration > end {
			ev.Duration = end - ev.When
		}
		s.events = append(s.events, ev)
	}
	for i := 0; i < repeats; i++ {
		base := clip.Start + i*durTicks
		for _, step := range pat.Steps {
			emit(base+pat.StepTicks(step.Step, p.PPQ, p.TimeSignature), event{
				Channel:  step.Channel,
				Kind:     eventNote,
				Pitch:    stepHitPitch,
				Velocity: step.Velocity,
				Duration: stepHitSeconds,
			})
		}
		if !haveNoteChannel && len(pat.Notes) > 0 {
			continue
		}
		for _, note := range pat.Notes {
			emit(base+note.Start, event{
				Channel:  noteChannel,
				Kind:     eventNote,
				Pitch:    note.Pitch,
				Velocity: note.Velocity,
				Duration: backbeat.TicksToSeconds(note.Duration, p.BPM, p.PPQ),
			})
		}
	}
}

// audioClip tiles the sample to fill the clip span: one sample-start
// trigger per repeat, each bounded to what remains of the clip so the last
// repeat is cut short, never overrun. This is intentional loop-fill
// behavior for short samples under long clips.
func (s *schedule) audioClip(p *backbeat.Project, clip *backbeat.Clip, asset *backbeat.Asset) {
	offsetSeconds := 0.0
	if asset.SampleRate > 0 {
		offsetSeconds = float64(clip.Audio.Offset) / float64(asset.SampleRate)
	}
	eff := math.Max(minSampleSlice, asset.Duration-offsetSeconds)
	start := backbeat.TicksToSeconds(clip.Start, p.BPM, p.PPQ)
	clipDur := backbeat.TicksToSeconds(clip.Duration, p.BPM, p.PPQ)
	repeats := int(math.Ceil(clipDur / eff))
	for i := 0; i < repeats; i++ {
		at := float64(i) * eff
		remaining := clipDur - at
		if remaining <= 0 {
			break
		}
		s.events = append(s.events, event{
			When:       start + at,
			Channel:    trackChannelID(clip.Track),
			Kind:       eventSample,
			Duration:   math.Min(eff, remaining),
			Asset:      clip.Audio.Asset,
			Offset:     clip.Audio.Offset,
			Gain:       clip.Audio.Gain,
			PitchShift: clip.Audio.PitchShift,
		})
	}
}

// from returns the index of the first event at or after the given song
// time, used to position the fire cursor on seek and loop wrap.
func (s *schedule) from(seconds float64) int {
	return sort.Search(len(s.events), func(i int) bool {
		return s.events[i].When >= seconds
	})
}

// after is like from but strict, for repositioning after a mid-play
// rebuild where events at the current position already fired.
func (s *schedule) after(seconds float64) int {
	return sort.Search(len(s.events), func(i int) bool {
		return s.events[i].When > seconds
	})
}
