package natshandler

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/ohowland/cgc_screen/internal/pkg/config"
	"github.com/ohowland/cgc_screen/internal/pkg/datastreams"
	"github.com/ohowland/cgc_screen/internal/pkg/logging"
	"github.com/ohowland/cgc_screen/internal/pkg/msg"
	"github.com/ohowland/cgc_screen/internal/pkg/screen"
	"github.com/sirupsen/logrus"

	nats "github.com/nats-io/nats.go"
)

// Handler publishes evaluations on <subject>.<network id> and the final
// ranking on <subject>.ranking.
type Handler struct {
	pid    uuid.UUID
	inbox  <-chan msg.Msg
	config config.NATS
	log    *logrus.Entry
	stop   chan struct{}
	done   chan struct{}
}

func New(cfg config.NATS, system msg.Publisher, logger logrus.FieldLogger) (*Handler, error) {
	if cfg.Subject == "" {
		return nil, fmt.Errorf("nats: subject is required")
	}
	pid := uuid.New()
	inbox := datastreams.Merge(50,
		system.Subscribe(pid, msg.Evaluation),
		system.Subscribe(pid, msg.Ranking),
	)
	return &Handler{
		pid:    pid,
		inbox:  inbox,
		config: cfg,
		log:    logging.Component(logger, "NATS client"),
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

// Process connects to the server and forwards messages until stopped.
func (h *Handler) Process(ctx context.Context) error {
	defer close(h.done)

	url := h.config.URL
	if url == "" {
		url = nats.DefaultURL
	}
	nc, err := nats.Connect(url, nats.Name("lvscreen"))
	if err != nil {
		return fmt.Errorf("nats: connect: %w", err)
	}
	defer nc.Close()

	datastreams.Loop(ctx, h.inbox, h.stop, h.log, func(_ context.Context, m msg.Msg) error {
		subject, data, err := Encode(h.config.Subject, m)
		if err != nil {
			return err
		}
		return nc.Publish(subject, data)
	})
	return nc.Flush()
}

// Encode returns the subject and JSON body of m.
func Encode(prefix string, m msg.Msg) (string, []byte, error) {
	switch payload := m.Payload().(type) {
	case screen.Evaluation:
		data, err := json.Marshal(payload)
		return prefix + "." + Token(payload.NetworkID), data, err
	case screen.Run:
		data, err := json.Marshal(payload)
		return prefix + ".ranking", data, err
	}
	return "", nil, fmt.Errorf("unexpected payload %T on %s", m.Payload(), m.Topic())
}

// Token makes s usable as a single subject token.
func Token(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t':
			return '_'
		}
		return r
	}, s)
}
