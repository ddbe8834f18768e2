// Package mqtt publishes finished rankings to an MQTT broker.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/ohowland/cgc_screen/internal/pkg/config"
	"github.com/ohowland/cgc_screen/internal/pkg/datastreams"
	"github.com/ohowland/cgc_screen/internal/pkg/logging"
	"github.com/ohowland/cgc_screen/internal/pkg/msg"
	"github.com/ohowland/cgc_screen/internal/pkg/screen"
	"github.com/sirupsen/logrus"
)

// Message is one publication.
type Message struct {
	Topic    string
	Payload  []byte
	Retained bool
}

// Handler forwards every ranking to the broker: the whole run retained on
// <topic>, and each ranked record on <topic>/<network id>.
type Handler struct {
	pid    uuid.UUID
	inbox  <-chan msg.Msg
	config config.MQTT
	log    *logrus.Entry
	stop   chan struct{}
	done   chan struct{}
}

func New(cfg config.MQTT, system msg.Publisher, logger logrus.FieldLogger) (*Handler, error) {
	if cfg.Broker == "" || cfg.Topic == "" {
		return nil, fmt.Errorf("mqtt: broker and topic are required")
	}
	if cfg.QoS > 2 {
		return nil, fmt.Errorf("mqtt: qos %d outside 0..2", cfg.QoS)
	}
	pid := uuid.New()
	return &Handler{
		pid:    pid,
		inbox:  system.Subscribe(pid, msg.Ranking),
		config: cfg,
		log:    logging.Component(logger, "MQTT client"),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}, nil
}

func (h *Handler) PID() uuid.UUID {
	return h.pid
}

func (h *Handler) Stop() {
	close(h.stop)
	<-h.done
}

// Process connects to the broker and publishes rankings until stopped.
func (h *Handler) Process(ctx context.Context) error {
	defer close(h.done)

	timeout := time.Millisecond * time.Duration(h.config.Timeout)
	opts := paho.NewClientOptions().
		AddBroker(h.config.Broker).
		SetClientID(h.config.ClientID).
		SetConnectTimeout(timeout).
		SetAutoReconnect(true)
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		h.log.WithError(err).Warn("connection lost")
	})

	client := paho.NewClient(opts)
	if err := wait(client.Connect(), timeout); err != nil {
		return fmt.Errorf("mqtt: connect: %w", err)
	}
	defer client.Disconnect(250)

	datastreams.Loop(ctx, h.inbox, h.stop, h.log, func(_ context.Context, m msg.Msg) error {
		run, ok := m.Payload().(screen.Run)
		if !ok {
			return fmt.Errorf("unexpected payload %T on %s", m.Payload(), m.Topic())
		}
		messages, err := Messages(h.config.Topic, run)
		if err != nil {
			return err
		}
		for _, out := range messages {
			if err := wait(client.Publish(out.Topic, h.config.QoS, out.Retained, out.Payload), timeout); err != nil {
				return fmt.Errorf("publish %s: %w", out.Topic, err)
			}
		}
		h.log.WithField("records", len(run.Records)).Debug("ranking published")
		return nil
	})
	return nil
}

// Messages returns the publications for run under prefix.
func Messages(prefix string, run screen.Run) ([]Message, error) {
	body, err := json.Marshal(run)
	if err != nil {
		return nil, err
	}
	out := []Message{{Topic: prefix, Payload: body, Retained: true}}
	for _, r := range run.Records {
		data, err := json.Marshal(r)
		if err != nil {
			return nil, err
		}
		out = append(out, Message{Topic: prefix + "/" + Level(r.NetworkID), Payload: data})
	}
	return out, nil
}

// Level makes s usable as a single topic level.
func Level(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '+', '#', 0:
			return '_'
		}
		return r
	}, s)
}

func wait(t paho.Token, timeout time.Duration) error {
	if timeout > 0 && !t.WaitTimeout(timeout) {
		return fmt.Errorf("timed out after %s", timeout)
	}
	if timeout <= 0 {
		t.Wait()
	}
	return t.Error()
}
