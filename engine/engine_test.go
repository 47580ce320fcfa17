package engine_test

import (
	"sync"
	"testing"
	"time"

	"github.com/mjkoskela/backbeat"
	"github.com/mjkoskela/backbeat/engine"
)

type (
	testSynther struct {
		mu     sync.Mutex
		voices []*testVoice
	}

	testVoice struct {
		mu       sync.Mutex
		name     string
		triggers []backbeat.VoiceEvent
	}
)

func newTestSynther() *testSynther {
	return &testSynther{}
}

func (s *testSynther) Voice(ch backbeat.Channel) (backbeat.Voice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := &testVoice{name: ch.Name}
	s.voices = append(s.voices, v)
	return v, nil
}

// triggerCount counts the triggers of the named voice.
func (s *testSynther) triggerCount(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, v := range s.voices {
		if v.name == name {
			v.mu.Lock()
			count += len(v.triggers)
			v.mu.Unlock()
		}
	}
	return count
}

func (v *testVoice) Trigger(ev backbeat.VoiceEvent) {
	v.mu.Lock()
	v.triggers = append(v.triggers, ev)
	v.mu.Unlock()
}

func (v *testVoice) Release(pitch byte) {}

func (v *testVoice) SetControls(c backbeat.VoiceControls) {}

// engineProject is a 120 bpm 4/4 project with one synth channel and a
// pattern clip holding a single note at tick 48 (0.25 s).
func engineProject() backbeat.Project {
	return backbeat.Project{
		BPM:           120,
		PPQ:           96,
		TimeSignature: backbeat.TimeSignature{Num: 4, Denom: 4},
		Patterns: []backbeat.Pattern{{
			ID:            0,
			LengthInSteps: 8,
			StepsPerBeat:  4,
			Notes:         []backbeat.Note{{Pitch: 60, Start: 48, Duration: 48, Velocity: 100}},
		}},
		Channels: []backbeat.Channel{
			{ID: 0, Name: "lead", Volume: 1, Synth: &backbeat.SynthParams{}},
		},
		Playlist: backbeat.Playlist{
			Tracks: []backbeat.PlaylistTrack{{Name: "main"}},
			Clips: []backbeat.Clip{
				{Track: 0, Start: 0, Duration: 192, Pattern: &backbeat.PatternClip{Pattern: 0}},
			},
			Loop: backbeat.Loop{Start: 0, End: 192},
		},
	}
}

type engineFixture struct {
	broker  *engine.Broker
	clock   *engine.VirtualClock
	synther *testSynther
	cache   *engine.Cache
}

func startEngine(t *testing.T) *engineFixture {
	t.Helper()
	broker := engine.NewBroker()
	clock := engine.NewVirtualClock(time.Unix(1000, 0))
	cache := engine.NewCache(&fakeResolver{}, testLogger())
	synther := newTestSynther()
	registry := engine.NewRegistry(synther, cache, testLogger())
	eng := engine.NewEngine(broker, clock, cache, registry, testLogger())
	go eng.Run()
	t.Cleanup(func() {
		engine.TrySend(broker.CloseEngine, struct{}{})
		select {
		case <-broker.FinishedEngine:
		case <-time.After(time.Second):
			t.Errorf("engine did not shut down")
		}
	})
	return &engineFixture{broker: broker, clock: clock, synther: synther, cache: cache}
}

func (f *engineFixture) send(t *testing.T, msg any) {
	t.Helper()
	if !engine.TrySend(f.broker.ToEngine, msg) {
		t.Fatalf("engine queue full sending %T", msg)
	}
}

// waitPosition drains ToModel until the next position report.
func (f *engineFixture) waitPosition(t *testing.T) engine.MsgToModel {
	t.Helper()
	for {
		msg, ok := engine.TimeoutReceive(f.broker.ToModel, time.Second)
		if !ok {
			t.Fatalf("timed out waiting for a position report")
		}
		if msg.HasPosition {
			return msg
		}
	}
}

// waitPlaying drains ToModel until the transport reports playing; play is
// asynchronous because of resource preloading.
func (f *engineFixture) waitPlaying(t *testing.T) {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case msg := <-f.broker.ToModel:
			if msg.HasPosition && msg.Playing {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for playback to start")
		}
	}
}

// advance moves the virtual clock and waits for the resulting poll's
// position report, so triggers fired by the poll are visible afterwards.
func (f *engineFixture) advance(t *testing.T, d time.Duration) engine.MsgToModel {
	t.Helper()
	f.clock.Advance(d)
	return f.waitPosition(t)
}

func TestPlayFiresScheduledEvents(t *testing.T) {
	f := startEngine(t)
	f.send(t, engine.ProjectMsg{Project: engineProject()})
	f.send(t, engine.PlayMsg{})
	f.waitPlaying(t)
	if got := f.synther.triggerCount("lead"); got != 0 {
		t.Fatalf("trigger count before the note's time got %v, want 0", got)
	}
	msg := f.advance(t, 250*time.Millisecond)
	if msg.Position != 48 {
		t.Errorf("position got %v ticks, want 48", msg.Position)
	}
	if got := f.synther.triggerCount("lead"); got != 1 {
		t.Errorf("trigger count got %v, want 1", got)
	}
	// the same event never fires twice
	f.advance(t, 250*time.Millisecond)
	if got := f.synther.triggerCount("lead"); got != 1 {
		t.Errorf("trigger count after another poll got %v, want 1", got)
	}
}

func TestPlayWithoutProjectAlerts(t *testing.T) {
	f := startEngine(t)
	f.send(t, engine.PlayMsg{})
	deadline := time.After(time.Second)
	for {
		select {
		case msg := <-f.broker.ToModel:
			if alert, ok := msg.Data.(engine.Alert); ok {
				if alert.Name != "NoProject" {
					t.Errorf("alert name got %q, want NoProject", alert.Name)
				}
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for an alert")
		}
	}
}

func TestPauseHoldsPosition(t *testing.T) {
	f := startEngine(t)
	f.send(t, engine.ProjectMsg{Project: engineProject()})
	f.send(t, engine.PlayMsg{})
	f.waitPlaying(t)
	f.advance(t, 250*time.Millisecond)

	f.send(t, engine.PauseMsg{})
	msg := f.waitPosition(t)
	if msg.Playing {
		t.Errorf("still playing after pause")
	}
	if msg.Position != 48 {
		t.Errorf("paused position got %v ticks, want 48", msg.Position)
	}
	// time passing while paused does not move the transport
	msg = f.advance(t, time.Second)
	if msg.Position != 48 {
		t.Errorf("position moved to %v ticks while paused", msg.Position)
	}
}

func TestStopResetsTransport(t *testing.T) {
	f := startEngine(t)
	f.send(t, engine.ProjectMsg{Project: engineProject()})
	f.send(t, engine.PlayMsg{})
	f.waitPlaying(t)
	f.advance(t, 250*time.Millisecond)
	if got := f.synther.triggerCount("lead"); got != 1 {
		t.Fatalf("trigger count got %v, want 1", got)
	}

	f.send(t, engine.StopMsg{})
	msg := f.waitPosition(t)
	if msg.Playing || msg.Position != 0 {
		t.Errorf("after stop got position %v playing %v, want 0 and false", msg.Position, msg.Playing)
	}
	// stopped transport fires nothing even as time passes
	f.advance(t, time.Second)
	if got := f.synther.triggerCount("lead"); got != 1 {
		t.Errorf("trigger count after stop got %v, want 1", got)
	}

	// play after stop starts from zero and fires the note again
	f.send(t, engine.PlayMsg{})
	f.waitPlaying(t)
	f.advance(t, 250*time.Millisecond)
	if got := f.synther.triggerCount("lead"); got != 2 {
		t.Errorf("trigger count after replay got %v, want 2", got)
	}
}

func TestSeek(t *testing.T) {
	f := startEngine(t)
	f.send(t, engine.ProjectMsg{Project: engineProject()})
	f.send(t, engine.PlayMsg{})
	f.waitPlaying(t)

	// seeking past the note skips it for good
	f.send(t, engine.SeekMsg{Ticks: 96})
	msg := f.waitPosition(t)
	if msg.Position != 96 {
		t.Errorf("position after seek got %v, want 96", msg.Position)
	}
	f.advance(t, 250*time.Millisecond)
	if got := f.synther.triggerCount("lead"); got != 0 {
		t.Errorf("trigger count after seeking past the note got %v, want 0", got)
	}

	// negative seeks clamp to zero
	f.send(t, engine.SeekMsg{Ticks: -100})
	msg = f.waitPosition(t)
	if msg.Position != 0 {
		t.Errorf("position after negative seek got %v, want 0", msg.Position)
	}
	f.advance(t, 250*time.Millisecond)
	if got := f.synther.triggerCount("lead"); got != 1 {
		t.Errorf("trigger count after seeking back got %v, want 1", got)
	}
}

func TestLoopWrapAndFiniteCount(t *testing.T) {
	f := startEngine(t)
	f.send(t, engine.ProjectMsg{Project: engineProject()})
	f.send(t, engine.LoopEnabledMsg{Enabled: true})
	f.send(t, engine.LoopCountMsg{Count: 2})
	f.send(t, engine.PlayMsg{})
	f.waitPlaying(t)

	// first pass: the note at 0.25 s fires, then the region end at 1 s
	// wraps back to the start
	for i := 0; i < 4; i++ {
		f.advance(t, 250*time.Millisecond)
	}
	if got := f.synther.triggerCount("lead"); got != 1 {
		t.Fatalf("trigger count after first pass got %v, want 1", got)
	}
	msg := f.advance(t, 250*time.Millisecond)
	if msg.Position != 48 {
		t.Errorf("position after wrap got %v ticks, want 48", msg.Position)
	}
	if got := f.synther.triggerCount("lead"); got != 2 {
		t.Errorf("trigger count after wrap got %v, want 2", got)
	}

	// second pass reaches the finite count: no further wrap, playback
	// runs past the region end
	for i := 0; i < 3; i++ {
		f.advance(t, 250*time.Millisecond)
	}
	msg = f.advance(t, 250*time.Millisecond)
	if msg.Position <= 192 {
		t.Errorf("position after the final pass got %v ticks, want past 192", msg.Position)
	}
	if got := f.synther.triggerCount("lead"); got != 2 {
		t.Errorf("trigger count after loop finished got %v, want 2", got)
	}
}

func TestProjectEditWhilePlaying(t *testing.T) {
	f := startEngine(t)
	f.send(t, engine.ProjectMsg{Project: engineProject()})
	f.send(t, engine.PlayMsg{})
	f.waitPlaying(t)
	f.advance(t, 250*time.Millisecond)
	if got := f.synther.triggerCount("lead"); got != 1 {
		t.Fatalf("trigger count got %v, want 1", got)
	}

	// add a second note ahead of the position: the rebuilt schedule picks
	// it up without disturbing already fired events
	edited := engineProject()
	edited.Patterns[0].Notes = append(edited.Patterns[0].Notes,
		backbeat.Note{Pitch: 64, Start: 144, Duration: 48, Velocity: 100})
	f.send(t, engine.ProjectMsg{Project: edited})
	f.waitPosition(t) // rebuild acknowledged

	f.advance(t, 500*time.Millisecond)
	if got := f.synther.triggerCount("lead"); got != 2 {
		t.Errorf("trigger count after edit got %v, want 2", got)
	}
}
