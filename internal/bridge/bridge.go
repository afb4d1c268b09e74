// Package bridge relays raw audio between the browser and the upstream
// voice agent. Audio is best effort: bounded queues, drop-oldest under
// backpressure, no retries. Control frames never wait behind audio.
package bridge

import (
	"sync"

	"github.com/beanandbrew/voicedesk/internal/observability"
	"github.com/beanandbrew/voicedesk/internal/protocol"
	"github.com/beanandbrew/voicedesk/internal/session"
)

// AudioSender is the upstream write surface the bridge needs.
type AudioSender interface {
	SendAudio(pcm []byte) error
}

type chunk struct {
	pcm []byte
}

// Bridge pumps one session's audio in both directions.
type Bridge struct {
	sess      *session.Session
	up        AudioSender
	out       chan<- any
	inputRate int
	metrics   *observability.Metrics

	queue chan chunk
	done  chan struct{}

	failOnce  sync.Once
	onFailure func(error)
	stopOnce  sync.Once
	pumpDone  chan struct{}
}

// New builds a bridge. out is the client-bound frame channel shared with the
// control path; audio frames are dropped rather than blocking it. inputRate
// is the sample rate negotiated with the upstream service: raw PCM carries
// no rate of its own, so inbound chunks labeled with any other rate are
// dropped instead of being mislabeled upstream. onFailure fires at most
// once, on the first upstream write error.
func New(sess *session.Session, up AudioSender, out chan<- any, inputRate, queueSize int, metrics *observability.Metrics, onFailure func(error)) *Bridge {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Bridge{
		sess:      sess,
		up:        up,
		out:       out,
		inputRate: inputRate,
		metrics:   metrics,
		queue:     make(chan chunk, queueSize),
		done:      make(chan struct{}),
		onFailure: onFailure,
		pumpDone:  make(chan struct{}),
	}
}

// Start launches the inbound pump. The pump is the only goroutine writing
// audio upstream, so chunk order is preserved.
func (b *Bridge) Start() {
	go b.pump()
}

func (b *Bridge) pump() {
	defer close(b.pumpDone)
	for {
		select {
		case <-b.done:
			return
		case c := <-b.queue:
			if err := b.up.SendAudio(c.pcm); err != nil {
				b.fail(err)
				return
			}
			b.metrics.AudioChunks.WithLabelValues("inbound").Inc()
		}
	}
}

// RelayInbound queues a microphone chunk for the upstream service. When the
// queue is full the oldest unsent chunk is dropped; stale audio is worthless.
func (b *Bridge) RelayInbound(pcm []byte, sampleRate int) {
	b.sess.Touch()
	if sampleRate != 0 && b.inputRate != 0 && sampleRate != b.inputRate {
		b.metrics.DroppedAudio.WithLabelValues("inbound").Inc()
		return
	}
	c := chunk{pcm: pcm}
	select {
	case b.queue <- c:
		return
	default:
	}
	select {
	case <-b.queue:
		b.metrics.DroppedAudio.WithLabelValues("inbound").Inc()
	default:
	}
	select {
	case b.queue <- c:
	default:
		b.metrics.DroppedAudio.WithLabelValues("inbound").Inc()
	}
}

// RelayOutbound forwards a synthesized chunk to the browser with the next
// per-session sequence number. Sequence numbers stay strictly increasing
// even when a saturated client costs us a frame.
func (b *Bridge) RelayOutbound(pcm []byte, sampleRate int) {
	b.sess.Touch()
	frame := protocol.NewAudioOutput(pcm, sampleRate, b.sess.NextAudioSeq())
	select {
	case b.out <- frame:
		b.metrics.AudioChunks.WithLabelValues("outbound").Inc()
	default:
		b.metrics.DroppedAudio.WithLabelValues("outbound").Inc()
	}
}

// Stop halts the inbound pump. Queued chunks are discarded.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		close(b.done)
	})
	<-b.pumpDone
}

func (b *Bridge) fail(err error) {
	b.failOnce.Do(func() {
		if b.onFailure != nil {
			b.onFailure(err)
		}
	})
}
