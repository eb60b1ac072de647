// Command btbridge-io runs the I/O engine in a loopback harness: a
// source and a sink transport (or a pair of voice transports) connected
// by in-memory link sockets, fed by a generated sine tone. It exercises
// the full encode, packetize, depacketize, decode path without any
// Bluetooth hardware.
package main

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/btbridge/btbridge/audiotest"
	"github.com/btbridge/btbridge/btsock"
	"github.com/btbridge/btbridge/codec"
	"github.com/btbridge/btbridge/device"
	"github.com/btbridge/btbridge/ioloop"
	"github.com/btbridge/btbridge/transport"
)

func main() {
	if err := run(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "main",
			"error":    err.Error(),
		}).Fatal("Harness failed")
	}
}

func loadConfig() error {
	viper.SetDefault("codec", "sbc")
	viper.SetDefault("duration", 3*time.Second)
	viper.SetDefault("rate", 44100)
	viper.SetDefault("channels", 2)
	viper.SetDefault("tone", 441.0)
	viper.SetDefault("mtu_read", 459)
	viper.SetDefault("mtu_write", 459)
	viper.SetDefault("log_level", "info")
	viper.SetDefault("persist_sequence", false)

	viper.SetEnvPrefix("BTBRIDGE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	viper.SetConfigName("btbridge-io")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}
	return nil
}

func run() error {
	flag.String("codec", "sbc", "codec: sbc, msbc or cvsd")
	flag.Duration("duration", 3*time.Second, "streaming duration")
	flag.Int("rate", 44100, "PCM sample rate (sbc only)")
	flag.Int("channels", 2, "PCM channel count (sbc only)")
	flag.Float64("tone", 441.0, "sine tone frequency in Hz")
	flag.Int("mtu-read", 459, "link read MTU in bytes")
	flag.Int("mtu-write", 459, "link write MTU in bytes")
	flag.String("log-level", "info", "logrus level")
	flag.Bool("persist-sequence", false, "carry RTP counters across restarts")
	flag.Parse()

	if err := loadConfig(); err != nil {
		return err
	}
	// Explicit command-line flags take precedence over the config file
	// and environment.
	flag.Visit(func(f *flag.Flag) {
		viper.Set(strings.ReplaceAll(f.Name, "-", "_"), f.Value.String())
	})

	level, err := logrus.ParseLevel(viper.GetString("log_level"))
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	logrus.SetLevel(level)

	switch viper.GetString("codec") {
	case "sbc":
		return runStreaming()
	case "msbc":
		return runVoice(codec.MSBC)
	case "cvsd":
		return runVoice(codec.CVSD)
	default:
		return fmt.Errorf("unknown codec: %s", viper.GetString("codec"))
	}
}

func testDevice() *device.Device {
	d := device.NewDevice(device.NewAdapter(0), device.Address{0x67, 0x56, 0x45, 0x34, 0x23, 0x12})
	d.Alias = "loopback"
	return d
}

func sequencePolicy() transport.SequencePolicy {
	if viper.GetBool("persist_sequence") {
		return transport.SequencePersist
	}
	return transport.SequenceReset
}

// runStreaming wires an A2DP source to an A2DP sink over an in-memory
// link and streams a sine tone through the SBC codec for the configured
// duration.
func runStreaming() error {
	rate := viper.GetInt("rate")
	chans := viper.GetInt("channels")
	mode := uint8(codec.SBCChannelModeJointStereo)
	if chans == 1 {
		mode = codec.SBCChannelModeMono
	}
	blob := codec.MarshalSBCConfig(codec.SBCConfig{
		SampleRate:  rate,
		ChannelMode: mode,
		Blocks:      16,
		Subbands:    8,
		MinBitpool:  codec.SBCMinBitpool,
		MaxBitpool:  53,
	})

	dev := testDevice()
	linkA, linkB := btsock.PacketPipe(64)
	srcPCM, producer := btsock.StreamPipe(256)
	sinkPCM, consumer := btsock.StreamPipe(256)

	src, err := transport.New(dev,
		transport.Type{Profile: transport.ProfileA2DPSource, Codec: codec.SBC},
		"btbridge-io", "/loopback/a2dp-source", blob,
		transport.WithSequencePolicy(sequencePolicy()))
	if err != nil {
		return err
	}
	defer src.Unref()
	src.SetMTU(viper.GetInt("mtu_read"), viper.GetInt("mtu_write"))
	src.SetBT(linkA)
	src.SetPCM(srcPCM)

	snk, err := transport.New(dev,
		transport.Type{Profile: transport.ProfileA2DPSink, Codec: codec.SBC},
		"btbridge-io", "/loopback/a2dp-sink", blob)
	if err != nil {
		return err
	}
	defer snk.Unref()
	snk.SetMTU(viper.GetInt("mtu_read"), viper.GetInt("mtu_write"))
	snk.SetBT(linkB)
	snk.SetPCM(sinkPCM)

	sourceWorker, err := ioloop.StartSource(src)
	if err != nil {
		return err
	}
	sinkWorker, err := ioloop.StartSink(snk)
	if err != nil {
		return err
	}

	// Producer: pump the tone for the configured duration, then close
	// so the source drains and exits cleanly.
	go func() {
		defer producer.Close()
		sine := audiotest.NewSine(viper.GetFloat64("tone"), rate, chans)
		deadline := time.Now().Add(viper.GetDuration("duration"))
		buf := make([]byte, 4096)
		for time.Now().Before(deadline) {
			n, _ := sine.Read(buf)
			if _, err := producer.Write(buf[:n]); err != nil {
				return
			}
		}
	}()

	// Consumer: drain decoded PCM and count it.
	received := make(chan int64, 1)
	go func() {
		var total int64
		buf := make([]byte, 4096)
		for {
			n, err := consumer.Read(buf)
			total += int64(n)
			if err != nil {
				received <- total
				return
			}
		}
	}()

	interrupted := watchSignals()
	select {
	case <-sourceWorker.Done():
	case <-interrupted:
		sourceWorker.Stop()
		<-sourceWorker.Done()
	}
	// Source is done; close the link so the sink observes end of
	// stream after draining in-flight packets.
	_ = linkA.Close()
	<-sinkWorker.Done()
	_ = sinkPCM.Close()
	total := <-received

	logrus.WithFields(logrus.Fields{
		"function":       "runStreaming",
		"pcm_bytes_out":  total,
		"source_state":   string(src.State()),
		"sink_state":     string(snk.State()),
		"source_failure": errString(sourceWorker.Err()),
		"sink_failure":   errString(sinkWorker.Err()),
	}).Info("Streaming loopback finished")

	if err := sourceWorker.Err(); err != nil {
		return err
	}
	return sinkWorker.Err()
}

// voiceSide is one endpoint of the voice loopback: its transport,
// worker and the harness ends of its PCM pipes.
type voiceSide struct {
	t       *transport.Transport
	worker  *ioloop.Worker
	capture net.Conn
	spk     net.Conn
	drained chan int64
}

// runVoice wires two voice transports over an in-memory synchronous
// link, each encoding a sine tone toward the other.
func runVoice(id codec.ID) error {
	// Voice links deliver small fixed packets; wideband frames span
	// several of them.
	profileMTU := 48
	if id == codec.MSBC {
		profileMTU = 24
	}

	dev := testDevice()
	linkA, linkB := btsock.PacketPipe(256)

	ag, err := startVoiceSide(dev, transport.ProfileHFPAudioGateway, id, "/loopback/hfp-ag", linkA, profileMTU)
	if err != nil {
		return err
	}
	defer ag.t.Unref()
	hf, err := startVoiceSide(dev, transport.ProfileHFPHandsFree, id, "/loopback/hfp-hf", linkB, profileMTU)
	if err != nil {
		ag.worker.Stop()
		<-ag.worker.Done()
		return err
	}
	defer hf.t.Unref()

	interrupted := watchSignals()
	select {
	case <-time.After(viper.GetDuration("duration")):
	case <-interrupted:
	}

	ag.worker.Stop()
	hf.worker.Stop()
	<-ag.worker.Done()
	<-hf.worker.Done()
	for _, side := range []*voiceSide{ag, hf} {
		_ = side.capture.Close()
		_ = side.spk.Close()
	}
	agBytes, hfBytes := <-ag.drained, <-hf.drained

	logrus.WithFields(logrus.Fields{
		"function":     "runVoice",
		"codec":        id.String(),
		"ag_pcm_bytes": agBytes,
		"hf_pcm_bytes": hfBytes,
		"ag_state":     string(ag.t.State()),
		"hf_state":     string(hf.t.State()),
		"ag_failure":   errString(ag.worker.Err()),
		"hf_failure":   errString(hf.worker.Err()),
	}).Info("Voice loopback finished")

	if err := ag.worker.Err(); err != nil {
		return err
	}
	return hf.worker.Err()
}

func startVoiceSide(dev *device.Device, profile transport.Profile, id codec.ID, path string, link net.Conn, mtu int) (*voiceSide, error) {
	t, err := transport.New(dev, transport.Type{Profile: profile, Codec: id}, "btbridge-io", path, nil)
	if err != nil {
		return nil, err
	}

	mic, capture := btsock.StreamPipe(64)
	spk, playback := btsock.StreamPipe(64)
	t.SetMTU(mtu, mtu)
	t.SetBT(link)
	t.SetVoicePCM(mic, spk)

	rate := 8000
	if id == codec.MSBC {
		rate = 16000
	}
	go func() {
		sine := audiotest.NewSine(viper.GetFloat64("tone"), rate, 1)
		buf := make([]byte, 1024)
		for {
			n, _ := sine.Read(buf)
			if _, err := capture.Write(buf[:n]); err != nil {
				return
			}
		}
	}()

	drained := make(chan int64, 1)
	go func() {
		var total int64
		buf := make([]byte, 1024)
		for {
			n, err := playback.Read(buf)
			total += int64(n)
			if err != nil {
				drained <- total
				return
			}
		}
	}()

	w, err := ioloop.StartVoice(t)
	if err != nil {
		t.Unref()
		return nil, err
	}
	return &voiceSide{t: t, worker: w, capture: capture, spk: spk, drained: drained}, nil
}

func watchSignals() <-chan os.Signal {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	return ch
}

func errString(err error) string {
	if err == nil {
		return "none"
	}
	return err.Error()
}
