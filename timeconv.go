package backbeat

import "math"

type (
	// TimeSignature tells how many beats are in a bar (Num) and which note
	// value is one beat (Denom); 4/4 means four quarter-note beats per bar.
	TimeSignature struct {
		Num   int
		Denom int
	}

	// BBT is the Bar:Beat:Tick display form of a tick position. Bar and Beat
	// are 1-based, Tick is the remainder within the beat.
	BBT struct {
		Bar  int
		Beat int
		Tick int
	}
)

// TicksToSeconds converts a tick count to seconds: one quarter note is ppq
// ticks and lasts 60/bpm seconds.
func TicksToSeconds(ticks int, bpm float64, ppq int) float64 {
	if bpm <= 0 || ppq <= 0 {
		return 0
	}
	return float64(ticks) / float64(ppq) * 60 / bpm
}

// SecondsToTicks is the inverse of TicksToSeconds, rounding to the nearest
// tick so that the round trip stays within one tick.
func SecondsToTicks(seconds float64, bpm float64, ppq int) int {
	if bpm <= 0 || ppq <= 0 {
		return 0
	}
	return int(math.Round(seconds * bpm / 60 * float64(ppq)))
}

// TicksPerBeat returns the number of ticks of one beat of the given time
// signature; with a x/4 signature a beat is exactly ppq ticks.
func (t TimeSignature) TicksPerBeat(ppq int) int {
	if t.Denom <= 0 {
		return ppq
	}
	return ppq * 4 / t.Denom
}

// TicksPerBar returns the number of ticks in one full bar.
func (t TimeSignature) TicksPerBar(ppq int) int {
	num := t.Num
	if num <= 0 {
		num = 4
	}
	return num * t.TicksPerBeat(ppq)
}

// ToBBT converts an absolute tick position to its Bar:Beat:Tick display
// form. Negative positions are clamped to 1:1:0.
func (t TimeSignature) ToBBT(ticks, ppq int) BBT {
	if ticks < 0 {
		ticks = 0
	}
	ticksPerBar := t.TicksPerBar(ppq)
	ticksPerBeat := t.TicksPerBeat(ppq)
	bar := ticks / ticksPerBar
	rem := ticks - bar*ticksPerBar
	beat := rem / ticksPerBeat
	return BBT{
		Bar:  bar + 1,
		Beat: beat + 1,
		Tick: rem - beat*ticksPerBeat,
	}
}
