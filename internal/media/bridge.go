package media

import (
	"log/slog"
	"sync/atomic"

	"github.com/MrWong99/callyx/pkg/speech/stt"
)

// bridge carries recognizer events across execution contexts into the main
// lanes. Two primitives, per the recognizer's callback discipline:
//
//   - barge: capacity-1 newest-wins control channel. Scheduling a barge-in
//     never blocks; a pending unconsumed signal is replaced.
//   - finals: bounded MPSC queue. Overflow drops the oldest queued final,
//     never the newest, and is logged.
type bridge struct {
	barge  chan string
	finals chan stt.Transcript

	droppedFinals atomic.Uint64
	log           *slog.Logger
}

func newBridge(log *slog.Logger) *bridge {
	return &bridge{
		barge:  make(chan string, 1),
		finals: make(chan stt.Transcript, finalsQueueDepth),
		log:    log,
	}
}

// scheduleBargeIn signals a barge-in. Fire-and-forget: returns immediately
// whether or not a signal was already pending.
func (b *bridge) scheduleBargeIn(partial string) {
	for {
		select {
		case b.barge <- partial:
			return
		default:
		}
		// Full: displace the stale pending signal. The drain and re-send
		// race against the consumer, so loop until one send lands.
		select {
		case <-b.barge:
		default:
		}
	}
}

// enqueueFinal queues a final transcript for the turn lane. On overflow the
// oldest queued final is dropped so the most recent speech always survives.
func (b *bridge) enqueueFinal(t stt.Transcript) {
	for {
		select {
		case b.finals <- t:
			return
		default:
		}
		select {
		case dropped := <-b.finals:
			b.droppedFinals.Add(1)
			b.log.Warn("finals queue full, dropping oldest",
				"dropped_text", dropped.Text, "queue_depth", finalsQueueDepth)
		default:
		}
	}
}
