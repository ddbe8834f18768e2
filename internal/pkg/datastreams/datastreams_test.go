package datastreams

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/ohowland/cgc_screen/internal/pkg/logging"
	"github.com/ohowland/cgc_screen/internal/pkg/msg"
	"gotest.tools/v3/assert"
)

var log = logging.Component(logging.Discard(), "Test")

func TestLoopDrainsOnStop(t *testing.T) {
	inbox := make(chan msg.Msg, 3)
	pid := uuid.New()
	for i := 0; i < 3; i++ {
		inbox <- msg.New(pid, msg.Evaluation, i)
	}
	stop := make(chan struct{})
	close(stop)

	var got []interface{}
	Loop(context.Background(), inbox, stop, log, func(_ context.Context, m msg.Msg) error {
		got = append(got, m.Payload())
		return nil
	})
	assert.Equal(t, len(got), 3)
}

func TestLoopDrainWaitsForMergedStragglers(t *testing.T) {
	in := make(chan msg.Msg)
	inbox := Merge(0, in)
	stop := make(chan struct{})
	close(stop)

	go func() {
		time.Sleep(20 * time.Millisecond)
		in <- msg.New(uuid.New(), msg.Ranking, "late")
	}()

	var got []interface{}
	Loop(context.Background(), inbox, stop, log, func(_ context.Context, m msg.Msg) error {
		got = append(got, m.Payload())
		return nil
	})
	assert.DeepEqual(t, got, []interface{}{"late"})
}

func TestLoopDrainEndsWhenIdle(t *testing.T) {
	stop := make(chan struct{})
	close(stop)

	start := time.Now()
	Loop(context.Background(), make(chan msg.Msg), stop, log, func(context.Context, msg.Msg) error { return nil })
	elapsed := time.Since(start)
	assert.Assert(t, elapsed >= drainIdle)
	assert.Assert(t, elapsed < 5*drainIdle)
}

func TestLoopKeepsGoingAfterHandlerError(t *testing.T) {
	inbox := make(chan msg.Msg, 2)
	inbox <- msg.New(uuid.New(), msg.Ranking, "bad")
	inbox <- msg.New(uuid.New(), msg.Ranking, "good")
	close(inbox)

	calls := 0
	Loop(context.Background(), inbox, make(chan struct{}), log, func(_ context.Context, m msg.Msg) error {
		calls++
		if m.Payload() == "bad" {
			return errors.New("rejected")
		}
		return nil
	})
	assert.Equal(t, calls, 2)
}

func TestLoopEndsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		Loop(ctx, make(chan msg.Msg), make(chan struct{}), log, func(context.Context, msg.Msg) error { return nil })
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("loop did not stop")
	}
}

func TestMerge(t *testing.T) {
	a := make(chan msg.Msg, 1)
	b := make(chan msg.Msg, 1)
	a <- msg.New(uuid.New(), msg.Evaluation, "a")
	b <- msg.New(uuid.New(), msg.Ranking, "b")
	close(a)
	close(b)

	seen := map[interface{}]bool{}
	for m := range Merge(2, a, b) {
		seen[m.Payload()] = true
	}
	assert.Assert(t, seen["a"] && seen["b"])
}
