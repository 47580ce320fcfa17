package engine_test

import (
	"math"
	"testing"
	"time"

	"github.com/mjkoskela/backbeat"
	"github.com/mjkoskela/backbeat/engine"
)

func startMeter(t *testing.T) *engine.Broker {
	t.Helper()
	broker := engine.NewBroker()
	meter := engine.NewMeter(broker)
	go meter.Run()
	t.Cleanup(func() {
		engine.TrySend(broker.CloseMeter, struct{}{})
		select {
		case <-broker.FinishedMeter:
		case <-time.After(time.Second):
			t.Errorf("meter did not shut down")
		}
	})
	return broker
}

func analyze(t *testing.T, broker *engine.Broker, data backbeat.AudioBuffer) engine.MeterResult {
	t.Helper()
	buf := broker.GetAudioBuffer()
	*buf = append(*buf, data...)
	if !engine.TrySend(broker.ToMeter, engine.MsgToMeter{Data: buf}) {
		t.Fatalf("meter queue full")
	}
	deadline := time.After(time.Second)
	for {
		select {
		case msg := <-broker.ToModel:
			if msg.HasMeter {
				return msg.Meter
			}
		case <-deadline:
			t.Fatalf("timed out waiting for a meter result")
		}
	}
}

func dbClose(got engine.Decibel, want float64) bool {
	return math.Abs(float64(got)-want) < 0.1
}

func TestMeterPeakAndRMS(t *testing.T) {
	broker := startMeter(t)
	// a constant 0.5 signal: peak and RMS coincide at about -6 dB
	data := make(backbeat.AudioBuffer, 512)
	for i := range data {
		data[i] = [2]float32{0.5, 0.25}
	}
	result := analyze(t, broker, data)
	if !dbClose(result.Peak[0], -6.02) {
		t.Errorf("left peak got %v dB, want about -6", result.Peak[0])
	}
	if !dbClose(result.RMS[0], -6.02) {
		t.Errorf("left RMS got %v dB, want about -6", result.RMS[0])
	}
	if !dbClose(result.Peak[1], -12.04) {
		t.Errorf("right peak got %v dB, want about -12", result.Peak[1])
	}
}

func TestMeterMaxPeakHoldsUntilReset(t *testing.T) {
	broker := startMeter(t)
	loud := make(backbeat.AudioBuffer, 64)
	quiet := make(backbeat.AudioBuffer, 64)
	for i := range loud {
		loud[i] = [2]float32{1, 1}
		quiet[i] = [2]float32{0.1, 0.1}
	}
	analyze(t, broker, loud)
	result := analyze(t, broker, quiet)
	if !dbClose(result.MaxPeak[0], 0) {
		t.Errorf("max peak got %v dB, want 0 after a full scale buffer", result.MaxPeak[0])
	}
	engine.TrySend(broker.ToMeter, engine.MsgToMeter{Reset: true})
	result = analyze(t, broker, quiet)
	if !dbClose(result.MaxPeak[0], -20) {
		t.Errorf("max peak after reset got %v dB, want -20", result.MaxPeak[0])
	}
}
