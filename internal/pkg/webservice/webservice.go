// Package webservice serves screening results over HTTP and streams
// evaluations to websocket clients as they complete.
package webservice

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/ohowland/cgc_screen/internal/pkg/datastreams"
	"github.com/ohowland/cgc_screen/internal/pkg/logging"
	"github.com/ohowland/cgc_screen/internal/pkg/msg"
	"github.com/ohowland/cgc_screen/internal/pkg/rank"
	"github.com/ohowland/cgc_screen/internal/pkg/robustness"
	"github.com/ohowland/cgc_screen/internal/pkg/screen"
	"github.com/sirupsen/logrus"
)

// Event is the websocket frame.
type Event struct {
	Topic   string      `json:"Topic"`
	Payload interface{} `json:"Payload"`
}

// NetworkResponse is the body of GET /networks/{id}.
type NetworkResponse struct {
	Record     *rank.Record       `json:"Record,omitempty"`
	Evaluation *screen.Evaluation `json:"Evaluation,omitempty"`
}

type errorResponse struct {
	Error string `json:"Error"`
}

// Server holds the latest run and the evaluations seen since it started.
type Server struct {
	mux         *sync.RWMutex
	pid         uuid.UUID
	inbox       <-chan msg.Msg
	run         *screen.Run
	evaluations map[string]screen.Evaluation
	clients     map[chan Event]struct{}
	upgrader    websocket.Upgrader
	log         *logrus.Entry
}

// New returns a Server. With a non-nil system the server follows its
// evaluations and rankings once Process runs.
func New(system msg.Publisher, logger logrus.FieldLogger) *Server {
	s := &Server{
		mux:         &sync.RWMutex{},
		pid:         uuid.New(),
		evaluations: make(map[string]screen.Evaluation),
		clients:     make(map[chan Event]struct{}),
		log:         logging.Component(logger, "Webservice"),
	}
	if system != nil {
		eval := system.Subscribe(s.pid, msg.Evaluation)
		ranking := system.Subscribe(s.pid, msg.Ranking)
		s.inbox = datastreams.Merge(50, eval, ranking)
	}
	return s
}

func (s *Server) PID() uuid.UUID {
	return s.pid
}

// SetRun replaces the served run.
func (s *Server) SetRun(run screen.Run) {
	s.mux.Lock()
	defer s.mux.Unlock()
	s.run = &run
}

// Observe records an evaluation and forwards it to websocket clients.
func (s *Server) Observe(ev screen.Evaluation) {
	s.mux.Lock()
	s.evaluations[ev.NetworkID] = ev
	s.mux.Unlock()
	s.Broadcast(Event{Topic: msg.Evaluation.String(), Payload: ev})
}

// Broadcast sends e to every websocket client. Slow clients miss frames.
func (s *Server) Broadcast(e Event) {
	s.mux.RLock()
	defer s.mux.RUnlock()
	for ch := range s.clients {
		select {
		case ch <- e:
		default:
		}
	}
}

// Process follows the system publisher until ctx ends.
func (s *Server) Process(ctx context.Context) {
	s.log.Info("Process Started")
	defer s.log.Info("Process Shutdown")
	if s.inbox == nil {
		<-ctx.Done()
		return
	}
	for {
		select {
		case m, ok := <-s.inbox:
			if !ok {
				return
			}
			switch payload := m.Payload().(type) {
			case screen.Evaluation:
				s.Observe(payload)
			case screen.Run:
				s.SetRun(payload)
				s.Broadcast(Event{Topic: msg.Ranking.String(), Payload: payload})
			}
		case <-ctx.Done():
			return
		}
	}
}

// Router returns the HTTP routes.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/", BaseHandler)
	r.HandleFunc("/runs/latest", s.RunHandler).Methods("GET")
	r.HandleFunc("/networks", s.NetworksHandler).Methods("GET")
	r.HandleFunc("/networks/{id}", s.NetworkHandler).Methods("GET")
	r.HandleFunc("/report", s.ReportHandler).Methods("GET")
	r.HandleFunc("/ws", s.StreamHandler).Methods("GET")
	return r
}

func BaseHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	w.WriteHeader(http.StatusOK)
}

func (s *Server) RunHandler(w http.ResponseWriter, r *http.Request) {
	run, ok := s.latest()
	if !ok {
		s.writeJSON(w, http.StatusNotFound, errorResponse{"no run available"})
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

func (s *Server) NetworksHandler(w http.ResponseWriter, r *http.Request) {
	run, ok := s.latest()
	if !ok {
		s.writeJSON(w, http.StatusNotFound, errorResponse{"no run available"})
		return
	}
	records := run.Records
	if records == nil {
		records = []rank.Record{}
	}
	s.writeJSON(w, http.StatusOK, records)
}

func (s *Server) NetworkHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	resp := NetworkResponse{}

	if run, ok := s.latest(); ok {
		for i := range run.Records {
			if run.Records[i].NetworkID == id {
				resp.Record = &run.Records[i]
				break
			}
		}
	}
	s.mux.RLock()
	if ev, ok := s.evaluations[id]; ok {
		resp.Evaluation = &ev
	}
	s.mux.RUnlock()

	if resp.Record == nil && resp.Evaluation == nil {
		s.writeJSON(w, http.StatusNotFound, errorResponse{"unknown network " + id})
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) ReportHandler(w http.ResponseWriter, r *http.Request) {
	run, ok := s.latest()
	if !ok {
		s.writeJSON(w, http.StatusNotFound, errorResponse{"no run available"})
		return
	}
	report := run.Report
	if report == nil {
		report = []robustness.Entry{}
	}
	s.writeJSON(w, http.StatusOK, report)
}

// StreamHandler upgrades to a websocket and streams events until the
// client goes away.
func (s *Server) StreamHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	defer conn.Close()

	ch := make(chan Event, 32)
	s.mux.Lock()
	s.clients[ch] = struct{}{}
	s.mux.Unlock()
	defer func() {
		s.mux.Lock()
		delete(s.clients, ch)
		s.mux.Unlock()
	}()

	// reads only detect the close
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case e := <-ch:
			if err := conn.WriteJSON(e); err != nil {
				return
			}
		case <-gone:
			return
		}
	}
}

func (s *Server) clientCount() int {
	s.mux.RLock()
	defer s.mux.RUnlock()
	return len(s.clients)
}

func (s *Server) latest() (screen.Run, bool) {
	s.mux.RLock()
	defer s.mux.RUnlock()
	if s.run == nil {
		return screen.Run{}, false
	}
	return *s.run, true
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.WithError(err).Warn("malformed JSON")
	}
}
