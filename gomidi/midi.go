// Package gomidi routes MIDI input into the engine through rtmidi: note
// on and off messages from the open device become live NoteOnMsg and
// NoteOffMsg triggers for the currently targeted channel.
package gomidi

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/drivers"
	"gitlab.com/gomidi/midi/v2/drivers/rtmididrv"

	"github.com/mjkoskela/backbeat"
	"github.com/mjkoskela/backbeat/engine"
)

type (
	RTMIDIContext struct {
		driver             *rtmididrv.Driver
		broker             *engine.Broker
		currentIn          drivers.In
		inputDevices       []RTMIDIDevice
		devicesInitialized bool

		// channel the live notes are routed to; atomically swapped so the
		// midi callback goroutine never races the editing layer
		target atomic.Int64
	}

	RTMIDIDevice struct {
		context *RTMIDIContext
		in      drivers.In
	}
)

// NewContext opens the rtmidi driver. A failed open is not fatal; the
// context just reports no input devices.
func NewContext(broker *engine.Broker) *RTMIDIContext {
	m := RTMIDIContext{broker: broker}
	m.driver, _ = rtmididrv.New()
	return &m
}

// SetTarget picks the channel that live notes are routed to.
func (c *RTMIDIContext) SetTarget(id backbeat.ChannelID) {
	c.target.Store(int64(id))
}

func (c *RTMIDIContext) InputDevices(yield func(RTMIDIDevice) bool) {
	if c.devicesInitialized {
		for _, device := range c.inputDevices {
			if !yield(device) {
				break
			}
		}
		return
	}
	if c.driver == nil {
		return
	}
	ins, err := c.driver.Ins()
	if err != nil {
		return
	}
	for i := 0; i < len(ins); i++ {
		device := RTMIDIDevice{context: c, in: ins[i]}
		c.inputDevices = append(c.inputDevices, device)
		if !yield(device) {
			break
		}
	}
	c.devicesInitialized = true
}

// TryToOpenBy opens the first input device whose name starts with
// namePrefix, or just the first device when takeFirst is set.
func (c *RTMIDIContext) TryToOpenBy(namePrefix string, takeFirst bool) error {
	if namePrefix == "" && !takeFirst {
		return nil
	}
	var opened bool
	c.InputDevices(func(device RTMIDIDevice) bool {
		if takeFirst || strings.HasPrefix(device.String(), namePrefix) {
			opened = device.Open() == nil
			return false
		}
		return true
	})
	if opened {
		return nil
	}
	if takeFirst {
		return errors.New("could not find any MIDI input")
	}
	return fmt.Errorf("could not find a MIDI input starting with %q", namePrefix)
}

// Open an input device, closing the currently open one if necessary.
func (d RTMIDIDevice) Open() error {
	c := d.context
	if c.currentIn == d.in {
		return nil
	}
	if c.driver == nil {
		return errors.New("no driver available")
	}
	if c.HasDeviceOpen() {
		c.currentIn.Close()
	}
	c.currentIn = d.in
	if err := d.in.Open(); err != nil {
		c.currentIn = nil
		return fmt.Errorf("opening MIDI input failed: %w", err)
	}
	if _, err := midi.ListenTo(d.in, c.handleMessage); err != nil {
		d.in.Close()
		c.currentIn = nil
		return fmt.Errorf("listening to MIDI input failed: %w", err)
	}
	return nil
}

func (d RTMIDIDevice) String() string {
	return d.in.String()
}

func (c *RTMIDIContext) HasDeviceOpen() bool {
	return c.currentIn != nil && c.currentIn.IsOpen()
}

func (c *RTMIDIContext) Close() {
	if c.driver == nil {
		return
	}
	if c.currentIn != nil && c.currentIn.IsOpen() {
		c.currentIn.Close()
	}
	c.driver.Close()
}

// handleMessage runs on the rtmidi callback goroutine; it never blocks,
// dropping messages when the engine queue is full.
func (c *RTMIDIContext) handleMessage(msg midi.Message, timestampms int32) {
	target := backbeat.ChannelID(c.target.Load())
	var channel, velocity, key uint8
	if msg.GetNoteOn(&channel, &key, &velocity) {
		if velocity == 0 {
			engine.TrySend(c.broker.ToEngine, any(engine.NoteOffMsg{Channel: target, Pitch: key}))
			return
		}
		engine.TrySend(c.broker.ToEngine, any(engine.NoteOnMsg{Channel: target, Pitch: key, Velocity: velocity}))
	} else if msg.GetNoteEnd(&channel, &key) {
		engine.TrySend(c.broker.ToEngine, any(engine.NoteOffMsg{Channel: target, Pitch: key}))
	}
}
