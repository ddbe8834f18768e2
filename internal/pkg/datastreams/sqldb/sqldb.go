package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ohowland/cgc_screen/internal/pkg/config"
	"github.com/ohowland/cgc_screen/internal/pkg/datastreams"
	"github.com/ohowland/cgc_screen/internal/pkg/logging"
	"github.com/ohowland/cgc_screen/internal/pkg/msg"
	"github.com/ohowland/cgc_screen/internal/pkg/screen"
	"github.com/sirupsen/logrus"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
)

var (
	ErrUnknownDriver = errors.New("sqldb: driver must be mysql or postgres")
	ErrBadTable      = errors.New("sqldb: invalid table name")
)

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Handler writes every published ranking as rows of one table.
type Handler struct {
	pid    uuid.UUID
	inbox  <-chan msg.Msg
	config config.SQL
	log    *logrus.Entry
	stop   chan struct{}
	done   chan struct{}
}

func New(cfg config.SQL, system msg.Publisher, logger logrus.FieldLogger) (*Handler, error) {
	if cfg.Driver != "mysql" && cfg.Driver != "postgres" {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
	}
	if !tableName.MatchString(cfg.Table) {
		return nil, fmt.Errorf("%w: %q", ErrBadTable, cfg.Table)
	}
	pid := uuid.New()
	return &Handler{
		pid:    pid,
		inbox:  system.Subscribe(pid, msg.Ranking),
		config: cfg,
		log:    logging.Component(logger, "SQL"),
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

func (h *Handler) DB() (*sql.DB, error) {
	return sql.Open(h.config.Driver, h.config.DSN)
}

// Process creates the table if needed and inserts rankings until stopped.
func (h *Handler) Process(ctx context.Context) error {
	defer close(h.done)

	db, err := h.DB()
	if err != nil {
		return err
	}
	defer db.Close()

	if err := initTable(ctx, db, h.config.Table); err != nil {
		return fmt.Errorf("sqldb: create table: %w", err)
	}

	insert := insertStatement(h.config.Driver, h.config.Table)
	datastreams.Loop(ctx, h.inbox, h.stop, h.log, func(ctx context.Context, m msg.Msg) error {
		run, ok := m.Payload().(screen.Run)
		if !ok {
			return fmt.Errorf("unexpected payload %T", m.Payload())
		}
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return Store(ctx, db, insert, run)
	})
	return nil
}

// Store inserts the rows of run in one transaction.
func Store(ctx context.Context, db *sql.DB, insert string, run screen.Run) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for _, row := range Rows(run) {
		if _, err := tx.ExecContext(ctx, insert, row...); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// Rows returns the insert arguments for every record of run, in column
// order.
func Rows(run screen.Run) [][]interface{} {
	out := make([][]interface{}, 0, len(run.Records))
	for _, r := range run.Records {
		out = append(out, []interface{}{
			run.ID.String(), run.Stage.String(), r.Rank, r.NetworkID, r.Size, r.Robust, r.Margin, r.Effort,
		})
	}
	return out
}

var columns = []string{"run_id", "stage", "position", "network_id", "size", "robust", "margin", "effort"}

func createStatement(table string) string {
	return `CREATE TABLE IF NOT EXISTS ` + table + ` (
	run_id VARCHAR(36) NOT NULL,
	stage VARCHAR(16) NOT NULL,
	position INTEGER NOT NULL,
	network_id VARCHAR(64) NOT NULL,
	size INTEGER NOT NULL,
	robust BOOLEAN NOT NULL,
	margin DOUBLE PRECISION NOT NULL,
	effort DOUBLE PRECISION NOT NULL,
	PRIMARY KEY (run_id, network_id))`
}

// insertStatement uses ? placeholders for mysql and $n for postgres.
func insertStatement(driver, table string) string {
	marks := make([]string, len(columns))
	for i := range marks {
		if driver == "postgres" {
			marks[i] = fmt.Sprintf("$%d", i+1)
		} else {
			marks[i] = "?"
		}
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(columns, ", "), strings.Join(marks, ", "))
}

func initTable(ctx context.Context, db *sql.DB, table string) error {
	_, err := db.ExecContext(ctx, createStatement(table))
	return err
}
