package engine

import (
	"math"

	"github.com/viterin/vek/vek32"

	"github.com/mjkoskela/backbeat"
)

type (
	// Meter computes instantaneous master level readouts from the audio
	// buffers the output adapter tees to it. It runs in its own goroutine,
	// fed through Broker.ToMeter, and reports one MeterResult per analyzed
	// buffer on ToModel.
	Meter struct {
		broker *Broker

		maxPeak [2]float32
		tmp     []float32
		tmp2    []float32
	}

	// MeterResult is the instantaneous master readout: per-side peak and
	// RMS of the last buffer, plus the maximum peak since the last reset,
	// all in dBFS.
	MeterResult struct {
		Peak    [2]Decibel
		RMS     [2]Decibel
		MaxPeak [2]Decibel
	}

	Decibel float32
)

func NewMeter(broker *Broker) *Meter {
	return &Meter{broker: broker}
}

// Run consumes buffers until CloseMeter is signalled. Buffers arriving
// boxed in MsgToMeter.Data are returned to the broker pool after analysis.
func (m *Meter) Run() {
	defer close(m.broker.FinishedMeter)
	for {
		select {
		case msg := <-m.broker.ToMeter:
			if msg.Reset {
				m.maxPeak = [2]float32{}
			}
			if buf, ok := msg.Data.(*backbeat.AudioBuffer); ok {
				result := m.update(*buf)
				m.broker.PutAudioBuffer(buf)
				TrySend(m.broker.ToModel, MsgToModel{HasMeter: true, Meter: result})
			}
		case <-m.broker.CloseMeter:
			return
		}
	}
}

func (m *Meter) update(buf backbeat.AudioBuffer) (ret MeterResult) {
	if len(buf) == 0 {
		return
	}
	setSliceLength(&m.tmp, len(buf))
	setSliceLength(&m.tmp2, len(buf))
	for chn := 0; chn < 2; chn++ {
		for i := range buf {
			m.tmp[i] = buf[i][chn]
		}
		vek32.Abs_Inplace(m.tmp)
		peak := vek32.Max(m.tmp)
		if peak > m.maxPeak[chn] {
			m.maxPeak[chn] = peak
		}
		sq := vek32.Mul_Into(m.tmp2, m.tmp, m.tmp)
		rms := float32(math.Sqrt(float64(vek32.Mean(sq))))
		ret.Peak[chn] = amplitudeToDecibel(peak)
		ret.RMS[chn] = amplitudeToDecibel(rms)
		ret.MaxPeak[chn] = amplitudeToDecibel(m.maxPeak[chn])
	}
	return
}

func amplitudeToDecibel(a float32) Decibel {
	return Decibel(20 * math.Log10(float64(a)))
}

func setSliceLength[T any](slice *[]T, length int) {
	if len(*slice) < length {
		*slice = append(*slice, make([]T, length-len(*slice))...)
	}
	*slice = (*slice)[:length]
}
