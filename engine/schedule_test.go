package engine

import (
	"io"
	"log/slog"
	"math"
	"testing"

	"github.com/mjkoskela/backbeat"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func scheduleProject() backbeat.Project {
	return backbeat.Project{
		BPM:           120,
		PPQ:           96,
		TimeSignature: backbeat.TimeSignature{Num: 4, Denom: 4},
		Patterns: []backbeat.Pattern{{
			ID:            0,
			LengthInSteps: 4,
			StepsPerBeat:  4,
			Steps:         []backbeat.StepEvent{{Channel: 0, Step: 0, Velocity: 100}},
		}},
		Channels: []backbeat.Channel{
			{ID: 0, Name: "kick", Volume: 1, Sampler: &backbeat.SamplerParams{Asset: -1}},
			{ID: 1, Name: "lead", Volume: 1, Synth: &backbeat.SynthParams{}},
		},
		Playlist: backbeat.Playlist{
			Tracks: []backbeat.PlaylistTrack{{Name: "drums"}, {Name: "audio"}},
		},
		Assets: []backbeat.Asset{
			{ID: 0, Duration: 1, SampleRate: 44100, Channels: 2, Location: "mem:loop"},
		},
	}
}

func eventTimes(s schedule) []float64 {
	times := make([]float64, len(s.events))
	for i, ev := range s.events {
		times[i] = ev.When
	}
	return times
}

func timesEqual(got, want []float64) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if math.Abs(got[i]-want[i]) > 1e-9 {
			return false
		}
	}
	return true
}

func TestPatternClipTiling(t *testing.T) {
	p := scheduleProject()
	// pattern is one beat (96 ticks); a 240 tick clip holds 2.5 repeats
	p.Playlist.Clips = []backbeat.Clip{
		{Track: 0, Start: 0, Duration: 240, Pattern: &backbeat.PatternClip{Pattern: 0}},
	}
	s := buildSchedule(&p, discardLogger())
	want := []float64{0, 0.5, 1.0}
	if got := eventTimes(s); !timesEqual(got, want) {
		t.Errorf("event times got %v, want %v", got, want)
	}
}

func TestPatternClipTruncatesFinalRepeat(t *testing.T) {
	p := scheduleProject()
	// a second step half way through the pattern: its third repeat would
	// land exactly at the clip end and must be dropped
	p.Patterns[0].Steps = append(p.Patterns[0].Steps, backbeat.StepEvent{Channel: 0, Step: 2, Velocity: 80})
	p.Playlist.Clips = []backbeat.Clip{
		{Track: 0, Start: 0, Duration: 240, Pattern: &backbeat.PatternClip{Pattern: 0}},
	}
	s := buildSchedule(&p, discardLogger())
	want := []float64{0, 0.25, 0.5, 0.75, 1.0}
	if got := eventTimes(s); !timesEqual(got, want) {
		t.Errorf("event times got %v, want %v", got, want)
	}
}

func TestPatternClipOffsetShiftsContentEarlier(t *testing.T) {
	p := scheduleProject()
	p.Patterns[0].Steps = []backbeat.StepEvent{
		{Channel: 0, Step: 0, Velocity: 100},
		{Channel: 0, Step: 2, Velocity: 80},
	}
	p.Playlist.Clips = []backbeat.Clip{
		{Track: 0, Start: 0, Duration: 96, Pattern: &backbeat.PatternClip{Pattern: 0, Offset: 48}},
	}
	s := buildSchedule(&p, discardLogger())
	// the step at tick 0 shifts to -48 and drops; the step at tick 48
	// shifts to 0
	want := []float64{0}
	if got := eventTimes(s); !timesEqual(got, want) {
		t.Errorf("event times got %v, want %v", got, want)
	}
	if len(s.events) == 1 && s.events[0].Velocity != 80 {
		t.Errorf("surviving event velocity got %v, want 80", s.events[0].Velocity)
	}
}

func TestPatternNotesRouteToFirstSynthChannel(t *testing.T) {
	p := scheduleProject()
	p.Patterns[0].Steps = nil
	p.Patterns[0].Notes = []backbeat.Note{{Pitch: 64, Start: 0, Duration: 960, Velocity: 100}}
	p.Playlist.Clips = []backbeat.Clip{
		{Track: 0, Start: 0, Duration: 96, Pattern: &backbeat.PatternClip{Pattern: 0}},
	}
	s := buildSchedule(&p, discardLogger())
	if len(s.events) != 1 {
		t.Fatalf("event count got %v, want 1", len(s.events))
	}
	ev := s.events[0]
	if ev.Channel != 1 {
		t.Errorf("note channel got %v, want 1 (first synth)", ev.Channel)
	}
	// a 960 tick note in a 96 tick clip clamps to the clip end (0.5 s)
	if math.Abs(ev.Duration-0.5) > 1e-9 {
		t.Errorf("note duration got %v, want 0.5", ev.Duration)
	}
}

func TestAudioClipTiling(t *testing.T) {
	p := scheduleProject()
	// a one second asset under an 8 second clip tiles into 8 triggers
	p.Playlist.Clips = []backbeat.Clip{
		{Track: 1, Start: 0, Duration: 1536, Audio: &backbeat.AudioClip{Asset: 0, Gain: 0.5}},
	}
	s := buildSchedule(&p, discardLogger())
	want := []float64{0, 1, 2, 3, 4, 5, 6, 7}
	if got := eventTimes(s); !timesEqual(got, want) {
		t.Fatalf("event times got %v, want %v", got, want)
	}
	for _, ev := range s.events {
		if ev.Channel != trackChannelID(1) {
			t.Errorf("audio event channel got %v, want %v", ev.Channel, trackChannelID(1))
		}
		if ev.Kind != eventSample {
			t.Errorf("audio event kind got %v, want eventSample", ev.Kind)
		}
		if ev.Gain != 0.5 {
			t.Errorf("audio event gain got %v, want 0.5", ev.Gain)
		}
	}
}

func TestAudioClipOffsetShortensTile(t *testing.T) {
	p := scheduleProject()
	// half a second into the asset leaves a half second tile
	p.Playlist.Clips = []backbeat.Clip{
		{Track: 1, Start: 0, Duration: 192, Audio: &backbeat.AudioClip{Asset: 0, Offset: 22050}},
	}
	s := buildSchedule(&p, discardLogger())
	want := []float64{0, 0.5}
	if got := eventTimes(s); !timesEqual(got, want) {
		t.Errorf("event times got %v, want %v", got, want)
	}
}

func TestScheduleGating(t *testing.T) {
	base := func() backbeat.Project {
		p := scheduleProject()
		p.Playlist.Clips = []backbeat.Clip{
			{Track: 0, Start: 0, Duration: 96, Pattern: &backbeat.PatternClip{Pattern: 0}},
			{Track: 1, Start: 0, Duration: 96, Audio: &backbeat.AudioClip{Asset: 0}},
		}
		return p
	}

	p := base()
	p.Playlist.Clips[0].Mute = true
	if s := buildSchedule(&p, discardLogger()); len(s.events) != 1 {
		t.Errorf("muted clip: event count got %v, want 1", len(s.events))
	}

	p = base()
	p.Playlist.Tracks[0].Mute = true
	if s := buildSchedule(&p, discardLogger()); len(s.events) != 1 {
		t.Errorf("muted track: event count got %v, want 1", len(s.events))
	}

	// soloing a track silences every other track
	p = base()
	p.Playlist.Tracks[0].Solo = true
	s := buildSchedule(&p, discardLogger())
	if len(s.events) != 1 || s.events[0].Kind != eventNote {
		t.Errorf("soloed track: got %v events, want only the pattern clip's", len(s.events))
	}
}

func TestScheduleSkipsMissingReferences(t *testing.T) {
	p := scheduleProject()
	p.Playlist.Clips = []backbeat.Clip{
		{Track: 0, Start: 0, Duration: 96, Pattern: &backbeat.PatternClip{Pattern: 42}},
		{Track: 1, Start: 0, Duration: 96, Audio: &backbeat.AudioClip{Asset: 42}},
		{Track: 0, Start: 96, Duration: 96, Pattern: &backbeat.PatternClip{Pattern: 0}},
	}
	s := buildSchedule(&p, discardLogger())
	// the broken clips are skipped, the valid one still schedules
	if len(s.events) != 1 {
		t.Fatalf("event count got %v, want 1", len(s.events))
	}
	if math.Abs(s.events[0].When-0.5) > 1e-9 {
		t.Errorf("surviving event time got %v, want 0.5", s.events[0].When)
	}
}

func TestScheduleFrom(t *testing.T) {
	p := scheduleProject()
	p.Playlist.Clips = []backbeat.Clip{
		{Track: 0, Start: 0, Duration: 384, Pattern: &backbeat.PatternClip{Pattern: 0}},
	}
	s := buildSchedule(&p, discardLogger())
	// events at 0, 0.5, 1.0, 1.5
	var tests = []struct {
		seconds float64
		want    int
	}{
		{0, 0},
		{0.25, 1},
		{0.5, 1},
		{1.6, 4},
	}
	for _, tt := range tests {
		if got := s.from(tt.seconds); got != tt.want {
			t.Errorf("from(%v) got %v, want %v", tt.seconds, got, tt.want)
		}
	}
}

func TestScheduleCollectsAssetLocations(t *testing.T) {
	p := scheduleProject()
	s := buildSchedule(&p, discardLogger())
	if len(s.assets) != 1 || s.assets[0] != "mem:loop" {
		t.Errorf("asset locations got %v, want [mem:loop]", s.assets)
	}
}
