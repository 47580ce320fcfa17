package backbeat

import (
	"errors"
	"sort"
)

type (
	// Playlist is the timeline: an ordered set of tracks, the clips placed
	// on them and the loop region. Clips live in one flat slice and carry
	// their track index, so re-indexing on track deletion is a plain sweep.
	Playlist struct {
		Tracks []PlaylistTrack
		Clips  []Clip `yaml:",omitempty"`
		Loop   Loop
	}

	// PlaylistTrack is one clip lane. Its index in Playlist.Tracks is the
	// index clips refer to.
	PlaylistTrack struct {
		Name string `yaml:",omitempty"`
		Mute bool   `yaml:",omitempty"`
		Solo bool   `yaml:",omitempty"`
	}

	// Loop is the loop region of the playlist in ticks. Count is how many
	// times the region repeats before playback runs past End; zero means
	// loop forever.
	Loop struct {
		Start int
		End   int
		Count int `yaml:",omitempty"`
	}

	// Clip places pattern or audio content on a track. Exactly one of
	// Pattern and Audio is non-nil; like Channel, the pointer-variant acts
	// as a tagged union.
	Clip struct {
		Track    int
		Start    int
		Duration int
		Color    string `yaml:",omitempty"`
		Mute     bool   `yaml:",omitempty"`

		Pattern *PatternClip `yaml:",omitempty"`
		Audio   *AudioClip   `yaml:",omitempty"`
	}

	// PatternClip references a pattern and shifts its content Offset ticks
	// earlier within the clip span.
	PatternClip struct {
		Pattern PatternID
		Offset  int `yaml:",omitempty"`
	}

	// AudioClip references an asset. Offset is in sample frames into the
	// asset; Gain is linear and PitchShift in semitones, both passed through
	// to the sampler voice.
	AudioClip struct {
		Asset      AssetID
		Gain       float64 `yaml:",omitempty"`
		PitchShift float64 `yaml:",omitempty"`
		Offset     int     `yaml:",omitempty"`
	}
)

// ErrClipCollision is returned by MoveClip when the clamped position would
// still collide: a move never jumps a clip over another one.
var ErrClipCollision = errors.New("clip would collide with more than one neighbour")

// End returns the first tick after the clip.
func (c *Clip) End() int { return c.Start + c.Duration }

// Copy makes a deep copy of a Clip.
func (c *Clip) Copy() Clip {
	ret := *c
	if c.Pattern != nil {
		pattern := *c.Pattern
		ret.Pattern = &pattern
	}
	if c.Audio != nil {
		audio := *c.Audio
		ret.Audio = &audio
	}
	return ret
}

// Copy makes a deep copy of a Playlist.
func (p *Playlist) Copy() Playlist {
	tracks := make([]PlaylistTrack, len(p.Tracks))
	copy(tracks, p.Tracks)
	clips := make([]Clip, len(p.Clips))
	for i := range p.Clips {
		clips[i] = p.Clips[i].Copy()
	}
	return Playlist{Tracks: tracks, Clips: clips, Loop: p.Loop}
}

// SoloActive reports whether any track is soloed, in which case only
// soloed tracks play.
func (p *Playlist) SoloActive() bool {
	for _, t := range p.Tracks {
		if t.Solo {
			return true
		}
	}
	return false
}

// audioClipsOnTrack returns the indices of the audio clips of one track,
// ordered by start tick. skip is the index of a clip to leave out (the one
// being moved or resized), or -1.
func (p *Playlist) audioClipsOnTrack(track, skip int) []int {
	var ret []int
	for i := range p.Clips {
		if i == skip || p.Clips[i].Track != track || p.Clips[i].Audio == nil {
			continue
		}
		ret = append(ret, i)
	}
	sort.Slice(ret, func(a, b int) bool {
		return p.Clips[ret[a]].Start < p.Clips[ret[b]].Start
	})
	return ret
}

// clampAudioStart pushes start forward past colliding neighbours on the
// track. maxPushes limits how many neighbours may be jumped; a negative
// limit means unlimited. Returns the clamped start and whether the span
// [start, start+duration) is collision free afterwards.
func (p *Playlist) clampAudioStart(track, skip, start, duration, maxPushes int) (int, bool) {
	neighbours := p.audioClipsOnTrack(track, skip)
	pushes := 0
	for _, i := range neighbours {
		n := &p.Clips[i]
		if start < n.End() && n.Start < start+duration {
			if maxPushes >= 0 && pushes >= maxPushes {
				return start, false
			}
			start = n.End()
			pushes++
		}
	}
	return start, true
}

// PlaceClip adds a clip to the playlist and returns its index. Audio clips
// never overlap on a track: a colliding placement is pushed forward past
// the neighbours' ends until the span is free. Pattern clips are placed
// where asked; they may overlap freely. Negative starts are clamped to 0.
func (p *Playlist) PlaceClip(c Clip) int {
	if c.Start < 0 {
		c.Start = 0
	}
	if c.Audio != nil {
		c.Start, _ = p.clampAudioStart(c.Track, -1, c.Start, c.Duration, -1)
	}
	p.Clips = append(p.Clips, c)
	return len(p.Clips) - 1
}

// MoveClip moves a clip to a new track and start position. An audio clip
// colliding with a neighbour is pushed forward past that neighbour's end;
// if the pushed position still collides the move is rejected with
// ErrClipCollision and the clip stays where it was.
func (p *Playlist) MoveClip(index, track, start int) error {
	if index < 0 || index >= len(p.Clips) {
		return errors.New("no such clip")
	}
	if track < 0 || track >= len(p.Tracks) {
		return errors.New("no such track")
	}
	if start < 0 {
		start = 0
	}
	c := &p.Clips[index]
	if c.Audio != nil {
		clamped, ok := p.clampAudioStart(track, index, start, c.Duration, 1)
		if !ok {
			return ErrClipCollision
		}
		start = clamped
	}
	c.Track = track
	c.Start = start
	return nil
}

// ResizeClip changes a clip's duration. An audio clip cannot grow into the
// next audio clip on the track; the duration is clamped so the clip ends
// at or before the neighbour's start. Durations below one tick are clamped
// to one tick.
func (p *Playlist) ResizeClip(index, duration int) error {
	if index < 0 || index >= len(p.Clips) {
		return errors.New("no such clip")
	}
	if duration < 1 {
		duration = 1
	}
	c := &p.Clips[index]
	if c.Audio != nil {
		for _, i := range p.audioClipsOnTrack(c.Track, index) {
			n := &p.Clips[i]
			if n.Start >= c.End() && c.Start+duration > n.Start {
				duration = n.Start - c.Start
			}
		}
	}
	c.Duration = duration
	return nil
}

// DeleteClip removes the clip at index.
func (p *Playlist) DeleteClip(index int) {
	if index < 0 || index >= len(p.Clips) {
		return
	}
	p.Clips = append(p.Clips[:index], p.Clips[index+1:]...)
}

// AddTrack appends a new clip lane and returns its index.
func (p *Playlist) AddTrack(t PlaylistTrack) int {
	p.Tracks = append(p.Tracks, t)
	return len(p.Tracks) - 1
}

// DeleteTrack removes a track, its clips, and re-indexes the clips of the
// tracks after it.
func (p *Playlist) DeleteTrack(index int) {
	if index < 0 || index >= len(p.Tracks) {
		return
	}
	p.Tracks = append(p.Tracks[:index], p.Tracks[index+1:]...)
	clips := p.Clips[:0]
	for _, c := range p.Clips {
		if c.Track == index {
			continue
		}
		if c.Track > index {
			c.Track--
		}
		clips = append(clips, c)
	}
	p.Clips = clips
}

// Normalized returns the loop with inverted bounds swapped and negative
// bounds clamped to zero; invalid loop commands are clamped, not rejected.
func (l Loop) Normalized() Loop {
	if l.Start > l.End {
		l.Start, l.End = l.End, l.Start
	}
	if l.Start < 0 {
		l.Start = 0
	}
	if l.End < 0 {
		l.End = 0
	}
	if l.Count < 0 {
		l.Count = 0
	}
	return l
}
