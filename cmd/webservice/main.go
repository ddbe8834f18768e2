package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ohowland/cgc_screen/internal/pkg/config"
	"github.com/ohowland/cgc_screen/internal/pkg/export"
	"github.com/ohowland/cgc_screen/internal/pkg/logging"
	"github.com/ohowland/cgc_screen/internal/pkg/webservice"
	"github.com/sirupsen/logrus"
)

func main() {
	configPath := flag.String("config", "config/lvscreen.json", "configuration file")
	runPath := flag.String("run", "", "exported run (defaults to <output_dir>/select_run.json)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.Fatal(err)
	}
	logger := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	log := logging.Component(logger, "Main")

	if *runPath == "" {
		*runPath = filepath.Join(cfg.Data.OutputDir, "select_run.json")
	}
	run, err := export.LoadRun(*runPath)
	if err != nil {
		log.Fatal(err)
	}

	ws := webservice.New(nil, logger)
	ws.SetRun(run)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	srv := &http.Server{Addr: cfg.Web.Addr, Handler: ws.Router()}
	go func() {
		<-ctx.Done()
		shutdown, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		srv.Shutdown(shutdown)
	}()

	log.WithFields(logrus.Fields{"addr": cfg.Web.Addr, "run": run.ID}).Info("Starting Server")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err)
	}
}
