package ioloop

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Per-codec counters for the engine's hot paths. Registration uses the
// default registry; the embedding daemon decides whether and where to
// expose it.
var (
	framesEncoded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "btbridge",
		Subsystem: "ioloop",
		Name:      "frames_encoded_total",
		Help:      "Codec frames encoded for the Bluetooth link.",
	}, []string{"codec"})

	framesDecoded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "btbridge",
		Subsystem: "ioloop",
		Name:      "frames_decoded_total",
		Help:      "Codec frames decoded from the Bluetooth link.",
	}, []string{"codec"})

	decodeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "btbridge",
		Subsystem: "ioloop",
		Name:      "decode_errors_total",
		Help:      "Malformed frames dropped by the decode path.",
	}, []string{"codec"})

	concealedFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "btbridge",
		Subsystem: "ioloop",
		Name:      "concealed_frames_total",
		Help:      "Frames substituted by packet-loss concealment.",
	}, []string{"codec"})

	droppedSamples = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "btbridge",
		Subsystem: "ioloop",
		Name:      "dropped_samples_total",
		Help:      "Decoded samples dropped because the local-audio socket would block.",
	}, []string{"codec"})

	linkBytesWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "btbridge",
		Subsystem: "ioloop",
		Name:      "link_bytes_written_total",
		Help:      "Bytes written to the Bluetooth link socket.",
	}, []string{"codec"})

	linkPacketsWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "btbridge",
		Subsystem: "ioloop",
		Name:      "link_packets_written_total",
		Help:      "Packets written to the Bluetooth link socket.",
	}, []string{"codec"})
)
