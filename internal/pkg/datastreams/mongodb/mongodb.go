package mongodb

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ohowland/cgc_screen/internal/pkg/config"
	"github.com/ohowland/cgc_screen/internal/pkg/datastreams"
	"github.com/ohowland/cgc_screen/internal/pkg/logging"
	"github.com/ohowland/cgc_screen/internal/pkg/msg"
	"github.com/ohowland/cgc_screen/internal/pkg/screen"
	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Handler upserts every published ranking into a collection, one document
// per ranked network.
type Handler struct {
	pid    uuid.UUID
	inbox  <-chan msg.Msg
	config config.MongoDB
	log    *logrus.Entry
	stop   chan struct{}
	done   chan struct{}
}

func New(cfg config.MongoDB, system msg.Publisher, logger logrus.FieldLogger) (*Handler, error) {
	if cfg.URI == "" || cfg.Database == "" || cfg.Collection == "" {
		return nil, fmt.Errorf("mongodb: uri, database and collection are required")
	}
	pid := uuid.New()
	return &Handler{
		pid:    pid,
		inbox:  system.Subscribe(pid, msg.Ranking),
		config: cfg,
		log:    logging.Component(logger, "Mongo"),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}, nil
}

func (h *Handler) PID() uuid.UUID {
	return h.pid
}

// Stop ends Process after the queued rankings are written.
func (h *Handler) Stop() {
	close(h.stop)
	<-h.done
}

// Process connects and writes rankings until stopped.
func (h *Handler) Process(ctx context.Context) error {
	defer close(h.done)

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(h.config.URI))
	if err != nil {
		return fmt.Errorf("mongodb: connect: %w", err)
	}
	defer client.Disconnect(context.Background())

	coll := client.Database(h.config.Database).Collection(h.config.Collection)
	datastreams.Loop(ctx, h.inbox, h.stop, h.log, func(ctx context.Context, m msg.Msg) error {
		run, ok := m.Payload().(screen.Run)
		if !ok {
			return fmt.Errorf("unexpected payload %T", m.Payload())
		}
		return Store(ctx, coll, run)
	})
	return nil
}

// Store upserts the records of run.
func Store(ctx context.Context, coll *mongo.Collection, run screen.Run) error {
	opts := options.Update().SetUpsert(true)
	for _, u := range Updates(run) {
		if _, err := coll.UpdateOne(ctx, u.Filter, u.Update, opts); err != nil {
			return err
		}
	}
	return nil
}

// Update is one upsert.
type Update struct {
	Filter bson.M
	Update bson.D
}

// Updates maps every ranked record of run to an upsert keyed by run and
// network.
func Updates(run screen.Run) []Update {
	out := make([]Update, 0, len(run.Records))
	for _, r := range run.Records {
		out = append(out, Update{
			Filter: bson.M{"run_id": run.ID.String(), "network_id": r.NetworkID},
			Update: bson.D{
				{Key: "$set", Value: bson.M{
					"run_id":   run.ID.String(),
					"stage":    run.Stage.String(),
					"finished": run.Finished,
					"record":   r,
				}},
			},
		})
	}
	return out
}
