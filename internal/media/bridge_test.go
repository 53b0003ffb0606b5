package media

import (
	"log/slog"
	"testing"

	"github.com/MrWong99/callyx/pkg/speech/stt"
)

func TestBargeInNewestWins(t *testing.T) {
	t.Parallel()

	b := newBridge(slog.Default())
	b.scheduleBargeIn("first")
	b.scheduleBargeIn("second")
	b.scheduleBargeIn("third")

	select {
	case got := <-b.barge:
		if got != "third" {
			t.Errorf("got %q, want the newest signal", got)
		}
	default:
		t.Fatal("no barge-in signal pending")
	}

	select {
	case got := <-b.barge:
		t.Errorf("unexpected second signal %q", got)
	default:
	}
}

func TestEnqueueFinalOverflowDropsOldest(t *testing.T) {
	t.Parallel()

	b := newBridge(slog.Default())
	for i := 0; i < finalsQueueDepth+3; i++ {
		b.enqueueFinal(stt.Transcript{Text: string(rune('a' + i)), IsFinal: true})
	}

	if got := b.droppedFinals.Load(); got != 3 {
		t.Errorf("dropped %d finals, want 3", got)
	}

	// The queue holds the newest finalsQueueDepth entries, oldest first.
	first := <-b.finals
	if first.Text != "d" {
		t.Errorf("head of queue = %q, want %q", first.Text, "d")
	}

	var last stt.Transcript
	for i := 0; i < finalsQueueDepth-1; i++ {
		last = <-b.finals
	}
	if want := string(rune('a' + finalsQueueDepth + 2)); last.Text != want {
		t.Errorf("tail of queue = %q, want %q (the newest final)", last.Text, want)
	}
}
