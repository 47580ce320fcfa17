package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/mjkoskela/backbeat"
)

type (
	// Engine is the playback transport, run in its own goroutine. It is
	// controlled by messages on the broker's ToEngine channel and reports
	// position, levels and alerts on ToModel. The engine owns the schedule:
	// it is the only writer, so play/stop/seek/rebuild never race.
	//
	// The project is treated as a value: every ProjectMsg replaces the
	// snapshot and, if playback is running, rebuilds the not-yet-fired part
	// of the schedule from the current position. Edits made between
	// snapshots are invisible to the clock, which therefore never blocks on
	// an editing-layer lock.
	Engine struct {
		broker   *Broker
		clock    Clock
		cache    *Cache
		registry *Registry
		log      *slog.Logger

		project     backbeat.Project
		haveProject bool

		state   transportState
		loading bool // play requested, waiting for preload to finish

		generation int
		cancelLoad context.CancelFunc

		sched  schedule
		cursor int

		startWall time.Time // clock time at which position was startTick
		startTick int
		posTick   int
		lastPoll  time.Time

		looping        bool
		loop           backbeat.Loop
		loopIterations int
		loopFinished   bool

		metronome bool
		nextBeat  int

		rec recorder
	}

	transportState int

	// Transport command messages, sent to the engine via Broker.ToEngine.

	PlayMsg  struct{}
	PauseMsg struct{}
	StopMsg  struct{}
	SeekMsg  struct{ Ticks int }

	// ProjectMsg replaces the engine's project snapshot. The editing layer
	// sends one for every structural change: clip add/move/delete, track
	// add/delete, mute/solo toggles, pattern and channel edits.
	ProjectMsg struct{ Project backbeat.Project }

	LoopEnabledMsg struct{ Enabled bool }
	LoopRegionMsg  struct{ Start, End int }
	LoopCountMsg   struct{ Count int }
	MetronomeMsg   struct{ Enabled bool }

	// NoteOnMsg and NoteOffMsg trigger a channel immediately, for playing
	// live through MIDI input.
	NoteOnMsg struct {
		Channel  backbeat.ChannelID
		Pitch    byte
		Velocity byte
	}
	NoteOffMsg struct {
		Channel backbeat.ChannelID
		Pitch   byte
	}

	VolumeMsg struct {
		Channel backbeat.ChannelID
		Volume  float64
	}
	PanMsg struct {
		Channel backbeat.ChannelID
		Pan     float64
	}
	MuteMsg struct {
		Channel backbeat.ChannelID
		Mute    bool
	}
	SynthParamsMsg struct {
		Channel backbeat.ChannelID
		Params  map[string]int
	}

	// scheduleMsg delivers the result of an asynchronous build+preload back
	// to the engine goroutine. A stale generation is discarded: the newest
	// snapshot wins.
	scheduleMsg struct {
		generation int
		sched      schedule
	}

	// Alert is a user-facing condition reported to the model.
	Alert struct {
		Name     string
		Priority AlertPriority
		Message  string
		Duration time.Duration
	}

	AlertPriority int
)

const (
	stateStopped transportState = iota
	statePaused
	statePlaying
)

const (
	Notify AlertPriority = iota
	Warning
	Error
)

// PollInterval is the position poll cadence; it is also the rate at which
// position updates reach the model, so it is chosen to match a UI refresh.
const PollInterval = 16 * time.Millisecond

const defaultAlertDuration = 3 * time.Second

func NewEngine(broker *Broker, clock Clock, cache *Cache, registry *Registry, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		broker:   broker,
		clock:    clock,
		cache:    cache,
		registry: registry,
		log:      log,
	}
}

// Run is the engine goroutine: it consumes control messages and polls the
// clock until CloseEngine is signalled.
func (e *Engine) Run() {
	defer close(e.broker.FinishedEngine)
	ticks := e.clock.Tick(PollInterval)
	e.lastPoll = e.clock.Now()
	for {
		select {
		case msg := <-e.broker.ToEngine:
			e.handleMessage(msg)
		case now := <-ticks:
			e.poll(now)
		case <-e.broker.CloseEngine:
			e.cancelPendingLoad()
			e.cancelCapture()
			return
		}
	}
}

func (e *Engine) handleMessage(msg any) {
	switch m := msg.(type) {
	case ProjectMsg:
		e.setProject(m.Project)
	case PlayMsg:
		e.play()
	case PauseMsg:
		e.pause()
	case StopMsg:
		e.stop()
	case SeekMsg:
		e.seek(m.Ticks)
	case LoopEnabledMsg:
		e.looping = m.Enabled
		e.resetLoopCounter()
	case LoopRegionMsg:
		e.loop.Start, e.loop.End = m.Start, m.End
		e.loop = e.loop.Normalized()
		e.resetLoopCounter()
	case LoopCountMsg:
		e.loop.Count = m.Count
		e.loop = e.loop.Normalized()
		e.resetLoopCounter()
	case MetronomeMsg:
		e.metronome = m.Enabled
		e.resetBeat()
	case NoteOnMsg:
		e.registry.NoteOn(m.Channel, m.Pitch, m.Velocity)
	case NoteOffMsg:
		e.registry.NoteOff(m.Channel, m.Pitch)
	case VolumeMsg:
		e.registry.SetVolume(m.Channel, m.Volume)
	case PanMsg:
		e.registry.SetPan(m.Channel, m.Pan)
	case MuteMsg:
		e.registry.SetMute(m.Channel, m.Mute)
	case SynthParamsMsg:
		e.registry.SetSynthParams(m.Channel, m.Params)
	case StartRecordingMsg:
		e.startRecording(m)
	case StopRecordingMsg:
		e.stopRecording()
	case CancelRecordingMsg:
		e.cancelRecording()
	case scheduleMsg:
		e.applySchedule(m)
	default:
		// ignore unknown messages
	}
}

func (e *Engine) setProject(p backbeat.Project) {
	e.project = p.Copy()
	e.haveProject = true
	e.registry.Apply(&e.project)
	e.loop = e.project.Playlist.Loop.Normalized()
	switch e.state {
	case statePlaying:
		// structural change while running: unfired events are invalidated
		// and the schedule rebuilds from the current position; events that
		// already fired are unaffected
		e.rebuild()
	case statePaused, stateStopped:
		if e.loading {
			e.rebuild() // restart the pending play() with the new snapshot
		}
	}
}

// play preloads every resource the snapshot could need, builds the
// schedule and only then starts the clock: bounded startup latency traded
// for glitch-free playback. Resources that never load simply never fire.
func (e *Engine) play() {
	if !e.haveProject {
		e.sendAlert("NoProject", "nothing to play", Warning)
		return
	}
	if e.state == statePlaying {
		return
	}
	e.loading = true
	e.loopIterations = 0
	e.loopFinished = false
	e.rebuild()
}

// rebuild starts an asynchronous build+preload of the current snapshot.
// The generation counter makes concurrent rebuilds safe: whichever build
// belongs to the newest snapshot wins and stale results are discarded on
// arrival.
func (e *Engine) rebuild() {
	e.cancelPendingLoad()
	e.generation++
	gen := e.generation
	ctx, cancel := context.WithCancel(context.Background())
	e.cancelLoad = cancel
	snapshot := e.project.Copy()
	go func() {
		sched := buildSchedule(&snapshot, e.log)
		e.cache.EnsureAll(ctx, sched.assets)
		TrySend(e.broker.ToEngine, any(scheduleMsg{generation: gen, sched: sched}))
	}()
}

func (e *Engine) applySchedule(m scheduleMsg) {
	if m.generation != e.generation {
		return // a newer snapshot superseded this build
	}
	e.sched = m.sched
	if e.state == statePlaying {
		// mid-play rebuild: events at the current position have already
		// fired, so the cursor resumes strictly after it
		e.posTick = e.currentTick(e.clock.Now())
		e.cursor = e.sched.after(e.posSeconds())
	} else {
		e.cursor = e.sched.from(e.posSeconds())
	}
	if e.loading {
		e.loading = false
		e.state = statePlaying
		e.startWall = e.clock.Now()
		e.startTick = e.posTick
		e.lastPoll = e.startWall
		e.resetBeat()
		TrySend(e.broker.ToMeter, MsgToMeter{Reset: true})
	}
	e.sendPosition()
}

func (e *Engine) pause() {
	if e.state != statePlaying {
		e.cancelPendingLoad()
		e.loading = false
		return
	}
	e.posTick = e.currentTick(e.clock.Now())
	e.state = statePaused
	e.sendPosition()
}

func (e *Engine) stop() {
	if e.rec.state == recStateCapturing {
		e.stopRecording()
	} else if e.rec.state == recStateCountIn {
		e.cancelRecording()
	}
	e.cancelPendingLoad()
	e.loading = false
	e.state = stateStopped
	e.posTick = 0
	e.cursor = len(e.sched.events)
	e.registry.ReleaseAll()
	e.sendPosition()
}

// seek repositions the transport. It does not rebuild the schedule, only
// moves the fire cursor; negative targets clamp to zero.
func (e *Engine) seek(ticks int) {
	if ticks < 0 {
		ticks = 0
	}
	e.posTick = ticks
	if e.state == statePlaying {
		e.startTick = ticks
		e.startWall = e.clock.Now()
		e.cursor = e.sched.from(e.posSeconds())
		e.resetBeat()
	}
	e.sendPosition()
}

func (e *Engine) resetLoopCounter() {
	e.loopIterations = 0
	e.loopFinished = false
}

// currentTick derives the position from the free-running clock.
func (e *Engine) currentTick(now time.Time) int {
	if e.state != statePlaying {
		return e.posTick
	}
	elapsed := now.Sub(e.startWall).Seconds()
	return e.startTick + backbeat.SecondsToTicks(elapsed, e.project.BPM, e.project.PPQ)
}

func (e *Engine) posSeconds() float64 {
	return backbeat.TicksToSeconds(e.posTick, e.project.BPM, e.project.PPQ)
}

func (e *Engine) poll(now time.Time) {
	dt := now.Sub(e.lastPoll).Seconds()
	e.lastPoll = now
	e.registry.DecayLevels(dt)
	e.rec.poll(e, now)
	if e.state != statePlaying {
		e.sendPosition()
		return
	}
	e.posTick = e.currentTick(now)
	e.fireDue()
	e.clickDue()
	if e.looping && !e.loopFinished && e.loop.End > e.loop.Start && e.posTick >= e.loop.End {
		e.loopIterations++
		if e.loop.Count > 0 && e.loopIterations >= e.loop.Count {
			// finite loop count reached: stop wrap-checking, playback
			// continues past the loop end
			e.loopFinished = true
		} else {
			overshoot := e.posTick - e.loop.End
			e.warpTo(e.loop.Start+overshoot, now)
			e.fireDue()
			e.clickDue()
		}
	}
	e.sendPosition()
}

// warpTo moves the playback position without stopping the clock, firing
// nothing in between: the cursor is repositioned so that only events at or
// after the new position fire.
func (e *Engine) warpTo(tick int, now time.Time) {
	e.posTick = tick
	e.startTick = tick
	e.startWall = now
	e.cursor = e.sched.from(e.posSeconds())
	e.resetBeat()
}

// fireDue fires every event whose time has come. Events never fire for a
// time already past the cursor position; skipped resources are logged by
// the registry, never blocking the clock.
func (e *Engine) fireDue() {
	nowSec := e.posSeconds()
	for e.cursor < len(e.sched.events) && e.sched.events[e.cursor].When <= nowSec {
		e.registry.Trigger(e.sched.events[e.cursor])
		e.cursor++
	}
}

// clickDue emits the metronome clicks for the beats crossed since the last
// poll, the downbeat accented. The metronome rides on the poll loop, not
// on the schedule, so toggling it never disturbs scheduled events.
func (e *Engine) clickDue() {
	if !e.metronome {
		return
	}
	ticksPerBeat := e.project.TimeSignature.TicksPerBeat(e.project.PPQ)
	if ticksPerBeat <= 0 {
		return
	}
	beatsPerBar := e.project.TimeSignature.Num
	if beatsPerBar <= 0 {
		beatsPerBar = 4
	}
	for e.nextBeat*ticksPerBeat <= e.posTick {
		when := backbeat.TicksToSeconds(e.nextBeat*ticksPerBeat, e.project.BPM, e.project.PPQ)
		e.registry.Click(when, e.nextBeat%beatsPerBar == 0)
		e.nextBeat++
	}
}

// resetBeat realigns the metronome to the current position so that the
// next click is the first beat boundary at or after it.
func (e *Engine) resetBeat() {
	ticksPerBeat := e.project.TimeSignature.TicksPerBeat(e.project.PPQ)
	if ticksPerBeat <= 0 {
		e.nextBeat = 0
		return
	}
	e.nextBeat = (e.posTick + ticksPerBeat - 1) / ticksPerBeat
}

func (e *Engine) cancelPendingLoad() {
	if e.cancelLoad != nil {
		e.cancelLoad()
		e.cancelLoad = nil
	}
}

// all sends from the engine are non-blocking so the engine goroutine can
// never dead-lock on a full model channel
func (e *Engine) sendPosition() {
	TrySend(e.broker.ToModel, MsgToModel{
		HasPosition:   true,
		Position:      e.posTick,
		BBT:           e.project.TimeSignature.ToBBT(e.posTick, e.project.PPQ),
		Playing:       e.state == statePlaying,
		ChannelLevels: e.registry.ChannelLevels(),
	})
}

func (e *Engine) sendAlert(name, message string, priority AlertPriority) {
	TrySend(e.broker.ToModel, MsgToModel{
		Data: Alert{Name: name, Priority: priority, Message: message, Duration: defaultAlertDuration},
	})
}
