// Package datastreams holds the sinks that forward pipeline messages to
// external systems. Each sink subscribes to the system publisher and runs a
// Process loop until stopped.
package datastreams

import (
	"context"
	"time"

	"github.com/ohowland/cgc_screen/internal/pkg/msg"
	"github.com/sirupsen/logrus"
)

// drainIdle is how long a stopping loop waits for a message that is still
// on its way through Merge before giving up.
const drainIdle = 200 * time.Millisecond

// Handle consumes one message.
type Handle func(ctx context.Context, m msg.Msg) error

// Loop feeds inbox to handle until stop closes or ctx ends. On stop the
// loop keeps handling messages until the inbox closes or stays empty for
// drainIdle. Handler errors are logged and do not end the loop.
func Loop(ctx context.Context, inbox <-chan msg.Msg, stop <-chan struct{}, log *logrus.Entry, handle Handle) {
	log.Info("Process Started")
	defer log.Info("Process Shutdown")

	deliver := func(m msg.Msg) {
		if err := handle(ctx, m); err != nil {
			log.WithField("topic", m.Topic()).WithError(err).Error("unable to forward message")
		}
	}

	for {
		select {
		case m, ok := <-inbox:
			if !ok {
				return
			}
			deliver(m)
		case <-stop:
			idle := time.NewTimer(drainIdle)
			defer idle.Stop()
			for {
				select {
				case m, ok := <-inbox:
					if !ok {
						return
					}
					deliver(m)
					idle.Reset(drainIdle)
				case <-idle.C:
					return
				case <-ctx.Done():
					return
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

// Merge forwards every channel in ins to one channel. The result closes
// when all inputs have closed.
func Merge(size int, ins ...<-chan msg.Msg) <-chan msg.Msg {
	out := make(chan msg.Msg, size)
	done := make(chan struct{}, len(ins))
	for _, in := range ins {
		go func(in <-chan msg.Msg) {
			for m := range in {
				out <- m
			}
			done <- struct{}{}
		}(in)
	}
	go func() {
		for range ins {
			<-done
		}
		close(out)
	}()
	return out
}
