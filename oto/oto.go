// Package oto binds backbeat audio output to the ebitengine/oto/v3
// playback library.
package oto

import (
	"fmt"
	"io"

	"github.com/ebitengine/oto/v3"

	"github.com/mjkoskela/backbeat"
)

type (
	Context struct {
		ctx *oto.Context
	}

	// Output adapts oto's pull-style player to the push-style
	// backbeat.AudioSink through a pipe: WriteAudio converts float frames
	// to signed 16-bit little endian and feeds the player.
	Output struct {
		player    *oto.Player
		pw        *io.PipeWriter
		tmpBuffer []byte
	}
)

// NewContext opens the audio device at the engine's native 44100 Hz
// stereo format and waits until it is ready.
func NewContext() (*Context, error) {
	ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   44100,
		ChannelCount: 2,
		Format:       oto.FormatSignedInt16LE,
	})
	if err != nil {
		return nil, fmt.Errorf("cannot create oto context: %w", err)
	}
	<-ready
	return &Context{ctx: ctx}, nil
}

func (c *Context) Output() backbeat.AudioSink {
	pr, pw := io.Pipe()
	player := c.ctx.NewPlayer(pr)
	player.Play()
	return &Output{player: player, pw: pw}
}

// Close is a no-op: an oto context lives for the whole process.
func (c *Context) Close() error {
	return nil
}

func (o *Output) WriteAudio(buffer backbeat.AudioBuffer) error {
	// reuse the old capacity of tmpBuffer by resetting its length to zero
	o.tmpBuffer = FloatBufferTo16BitLE(buffer, o.tmpBuffer[:0])
	if _, err := o.pw.Write(o.tmpBuffer); err != nil {
		return fmt.Errorf("cannot write to player: %w", err)
	}
	return nil
}

func (o *Output) Close() error {
	o.pw.Close()
	if err := o.player.Close(); err != nil {
		return fmt.Errorf("cannot close oto player: %w", err)
	}
	return nil
}
