package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/ohowland/cgc_screen/internal/pkg/comm/modbuscomm"
	"github.com/ohowland/cgc_screen/internal/pkg/config"
	"github.com/ohowland/cgc_screen/internal/pkg/dataset"
	"github.com/ohowland/cgc_screen/internal/pkg/datastreams/mongodb"
	"github.com/ohowland/cgc_screen/internal/pkg/datastreams/mqtt"
	"github.com/ohowland/cgc_screen/internal/pkg/datastreams/natshandler"
	"github.com/ohowland/cgc_screen/internal/pkg/datastreams/sqldb"
	"github.com/ohowland/cgc_screen/internal/pkg/export"
	"github.com/ohowland/cgc_screen/internal/pkg/hmi"
	"github.com/ohowland/cgc_screen/internal/pkg/logging"
	"github.com/ohowland/cgc_screen/internal/pkg/msg"
	"github.com/ohowland/cgc_screen/internal/pkg/screen"
	"github.com/ohowland/cgc_screen/internal/pkg/webservice"
	"github.com/sirupsen/logrus"
)

// sink is a datastream handler started alongside the pipeline.
type sink interface {
	Process(ctx context.Context) error
	Stop()
}

func main() {
	configPath := flag.String("config", "config/lvscreen.json", "configuration file")
	stageName := flag.String("stage", "screen", "stage to run: screen, select or robustness")
	outDir := flag.String("out", "", "export directory (defaults to data.output_dir)")
	serve := flag.Bool("serve", false, "serve results over HTTP until interrupted")
	tui := flag.Bool("tui", false, "show the ranking in the terminal")
	dispatchID := flag.String("dispatch", "", "write the selected setpoint of this network over Modbus")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.Fatal(err)
	}
	logger := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	log := logging.Component(logger, "Main")

	stage, err := screen.ParseStage(*stageName)
	if err != nil {
		log.Fatal(err)
	}
	if *outDir == "" {
		*outDir = cfg.Data.OutputDir
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log.Info("Starting lvscreen")
	system := msg.NewPublisher(uuid.New(), 256)
	system.SetLogger(logging.Component(logger, "PubSub"))
	defer system.Close()

	log.Info("Connecting datastreams")
	sinks, err := buildSinks(cfg, system, logger)
	if err != nil {
		log.Fatal(err)
	}
	var wg sync.WaitGroup
	for _, s := range sinks {
		wg.Add(1)
		go func(s sink) {
			defer wg.Done()
			if err := s.Process(ctx); err != nil {
				log.WithError(err).Error("datastream stopped")
			}
		}(s)
	}

	var srv *http.Server
	if *serve {
		log.WithField("addr", cfg.Web.Addr).Info("Starting webservice")
		srv = startWebservice(ctx, cfg.Web.Addr, system, logger)
	}

	log.Info("Loading dataset")
	ds, err := dataset.Load(cfg.Data.Networks, cfg.Data.Seasons, cfg.Data.Profiles)
	if err != nil {
		log.Fatal(err)
	}

	log.WithField("stage", stage).Info("Running pipeline")
	pipeline, err := screen.New(cfg, logger, system)
	if err != nil {
		log.Fatal(err)
	}
	run, err := pipeline.Run(ctx, stage, ds)
	if err != nil {
		log.Fatal(err)
	}

	paths, err := export.Files(*outDir, run)
	if err != nil {
		log.Fatal(err)
	}
	for _, p := range paths {
		log.WithField("path", p).Info("exported")
	}

	if *dispatchID != "" {
		log.WithField("network", *dispatchID).Info("Dispatching setpoint")
		if err := dispatch(cfg.Modbus, logger, run, *dispatchID); err != nil {
			log.Fatal(err)
		}
	}

	for _, s := range sinks {
		s.Stop()
	}
	wg.Wait()
	if n := system.Dropped(); n > 0 {
		log.WithField("dropped", n).Warn("some messages did not reach their subscribers")
	}

	if *tui {
		if err := hmi.Show(run); err != nil {
			log.Fatal(err)
		}
	}

	if srv != nil {
		log.Info("Serving results, interrupt to stop")
		<-ctx.Done()
		shutdown, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		if err := srv.Shutdown(shutdown); err != nil {
			log.WithError(err).Warn("webservice shutdown")
		}
	}
	log.Info("Stopping lvscreen")
}

func buildSinks(cfg config.Config, system msg.Publisher, logger logrus.FieldLogger) ([]sink, error) {
	var sinks []sink
	if cfg.MongoDB.Enabled {
		h, err := mongodb.New(cfg.MongoDB, system, logger)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, h)
	}
	if cfg.SQL.Enabled {
		h, err := sqldb.New(cfg.SQL, system, logger)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, h)
	}
	if cfg.NATS.Enabled {
		h, err := natshandler.New(cfg.NATS, system, logger)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, h)
	}
	if cfg.MQTT.Enabled {
		h, err := mqtt.New(cfg.MQTT, system, logger)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, h)
	}
	return sinks, nil
}

func startWebservice(ctx context.Context, addr string, system msg.Publisher, logger *logrus.Logger) *http.Server {
	ws := webservice.New(system, logger)
	go ws.Process(ctx)

	srv := &http.Server{Addr: addr, Handler: ws.Router()}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Component(logger, "Main").WithError(err).Error("webservice stopped")
		}
	}()
	return srv
}

// dispatch writes the shared setpoint of a jointly selected network.
func dispatch(cfg config.Modbus, logger logrus.FieldLogger, run screen.Run, networkID string) error {
	if run.Stage == screen.StageScreen {
		return fmt.Errorf("dispatch needs a joint setpoint, run the select or robustness stage")
	}
	for _, r := range run.Records {
		if r.NetworkID != networkID {
			continue
		}
		if len(r.Seasons) == 0 {
			return fmt.Errorf("network %s has no setpoint", networkID)
		}
		d, err := modbuscomm.NewDispatcher(cfg, logger)
		if err != nil {
			return err
		}
		return d.Dispatch(networkID, r.Seasons[0].Setpoint)
	}
	return fmt.Errorf("network %s is not among the ranked networks", networkID)
}
