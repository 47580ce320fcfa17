// Command backbeat plays project files from the command line: it loads a
// .yml project, preloads its assets and runs the transport against the
// default audio output, optionally looping, clicking and taking live MIDI
// input.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/mjkoskela/backbeat"
	"github.com/mjkoskela/backbeat/engine"
	"github.com/mjkoskela/backbeat/gomidi"
	"github.com/mjkoskela/backbeat/oto"
	"github.com/mjkoskela/backbeat/synth"
	"github.com/mjkoskela/backbeat/version"
)

var (
	argLoop       bool
	argLoopCount  int
	argMetronome  bool
	argSeek       int
	argFor        time.Duration
	argMIDIPrefix string
	argMIDIFirst  bool
	argVerbose    bool

	rootCmd = &cobra.Command{
		Use:     "backbeat",
		Short:   "Playback transport for backbeat projects",
		Version: version.VersionOrHash,
	}

	playCmd = &cobra.Command{
		Use:   "play [project.yml]",
		Short: "Play a project file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return play(args[0])
		},
	}

	devicesCmd = &cobra.Command{
		Use:   "devices",
		Short: "List MIDI input devices",
		Run: func(cmd *cobra.Command, args []string) {
			broker := engine.NewBroker()
			midiContext := gomidi.NewContext(broker)
			defer midiContext.Close()
			found := false
			midiContext.InputDevices(func(device gomidi.RTMIDIDevice) bool {
				fmt.Println(device.String())
				found = true
				return true
			})
			if !found {
				fmt.Println("no MIDI input devices")
			}
		},
	}
)

func init() {
	playCmd.Flags().BoolVarP(&argLoop, "loop", "l", false, "Enable the project's loop region")
	playCmd.Flags().IntVarP(&argLoopCount, "loop-count", "c", 0, "Loop iteration count; 0 loops forever")
	playCmd.Flags().BoolVarP(&argMetronome, "metronome", "m", false, "Enable the metronome click")
	playCmd.Flags().IntVarP(&argSeek, "seek", "s", 0, "Start position in ticks")
	playCmd.Flags().DurationVarP(&argFor, "for", "f", 0, "Stop after this duration; 0 plays until interrupted")
	playCmd.Flags().StringVarP(&argMIDIPrefix, "midi-input", "i", "", "Open the first MIDI input whose name starts with this prefix")
	playCmd.Flags().BoolVarP(&argMIDIFirst, "midi-first", "", false, "Open the first available MIDI input")
	playCmd.Flags().BoolVarP(&argVerbose, "verbose", "v", false, "Log position updates")
	rootCmd.AddCommand(playCmd)
	rootCmd.AddCommand(devicesCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func play(filename string) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))
	if argVerbose {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		}))
	}
	slog.SetDefault(logger)

	f, err := os.Open(filename)
	if err != nil {
		return fmt.Errorf("could not open project: %w", err)
	}
	project, err := backbeat.ReadProject(f)
	f.Close()
	if err != nil {
		return fmt.Errorf("could not read project %v: %w", filename, err)
	}

	broker := engine.NewBroker()
	resolver, _ := engine.NewResolverMux()
	cache := engine.NewCache(resolver, logger)
	mixer := synth.NewMixer()
	registry := engine.NewRegistry(mixer, cache, logger)
	eng := engine.NewEngine(broker, engine.WallClock{}, cache, registry, logger)
	meter := engine.NewMeter(broker)
	go eng.Run()
	go meter.Run()
	defer func() {
		engine.TrySend(broker.CloseEngine, struct{}{})
		engine.TrySend(broker.CloseMeter, struct{}{})
		<-broker.FinishedEngine
		<-broker.FinishedMeter
	}()

	audioContext, err := oto.NewContext()
	if err != nil {
		return fmt.Errorf("could not acquire oto context: %w", err)
	}
	output := audioContext.Output()
	defer output.Close()

	stopAudio := make(chan struct{})
	defer close(stopAudio)
	go mixer.Run(output, stopAudio, func(buf backbeat.AudioBuffer) {
		pooled := broker.GetAudioBuffer()
		*pooled = append(*pooled, buf...)
		if !engine.TrySend(broker.ToMeter, engine.MsgToMeter{Data: pooled}) {
			broker.PutAudioBuffer(pooled)
		}
	})

	var midiContext *gomidi.RTMIDIContext
	if argMIDIPrefix != "" || argMIDIFirst {
		midiContext = gomidi.NewContext(broker)
		defer midiContext.Close()
		if err := midiContext.TryToOpenBy(argMIDIPrefix, argMIDIFirst); err != nil {
			logger.Warn("MIDI input unavailable", "error", err)
		} else if id, ok := project.FirstSynthChannel(); ok {
			midiContext.SetTarget(id)
		}
	}

	engine.TrySend(broker.ToEngine, any(engine.ProjectMsg{Project: project}))
	if argSeek > 0 {
		engine.TrySend(broker.ToEngine, any(engine.SeekMsg{Ticks: argSeek}))
	}
	if argLoop {
		engine.TrySend(broker.ToEngine, any(engine.LoopEnabledMsg{Enabled: true}))
		engine.TrySend(broker.ToEngine, any(engine.LoopCountMsg{Count: argLoopCount}))
	}
	if argMetronome {
		engine.TrySend(broker.ToEngine, any(engine.MetronomeMsg{Enabled: true}))
	}
	engine.TrySend(broker.ToEngine, any(engine.PlayMsg{}))

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	var deadline <-chan time.Time
	if argFor > 0 {
		deadline = time.After(argFor)
	}
	for {
		select {
		case msg := <-broker.ToModel:
			report(msg, logger)
		case <-interrupt:
			engine.TrySend(broker.ToEngine, any(engine.StopMsg{}))
			return nil
		case <-deadline:
			engine.TrySend(broker.ToEngine, any(engine.StopMsg{}))
			return nil
		}
	}
}

func report(msg engine.MsgToModel, logger *slog.Logger) {
	if alert, ok := msg.Data.(engine.Alert); ok {
		logger.Warn("engine alert", "name", alert.Name, "message", alert.Message)
		return
	}
	if msg.HasPosition && argVerbose {
		logger.Debug("position",
			"ticks", msg.Position,
			"bar", msg.BBT.Bar, "beat", msg.BBT.Beat, "tick", msg.BBT.Tick,
			"playing", msg.Playing)
	}
}
