package server

import (
	"encoding/hex"
	"encoding/json"
	"io"
	"log"
	"net/http"

	"github.com/ttybridge/devhubd-go/hub"
	"github.com/ttybridge/devhubd-go/memorywriter"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
)

// The administrative surface: device-attached notifications come in
// here, and the registry queries and the status page go out. All the
// actual logic lives in the hub package; this package only converts
// requests and formats replies.

type Server struct {
	https   *http.Server
	hub     *hub.Hub
	version string
	logger  *memorywriter.MemoryWriter
}

func New(
	h *hub.Hub,
	listen string,
	version string,
	accessLog io.Writer,
	shortWriter, longWriter *memorywriter.MemoryWriter,
) *Server {
	s := &Server{
		https:   &http.Server{Addr: listen},
		hub:     h,
		version: version,
		logger:  longWriter,
	}

	r := mux.NewRouter()

	sr := r.Methods("POST").Subrouter()
	sr.HandleFunc("/", s.Info)
	sr.HandleFunc("/configure", s.Info)
	sr.HandleFunc("/attach", s.Attach)
	sr.HandleFunc("/enumerate", s.Enumerate)
	// identities contain slashes (host:/dev/...), so the variable has
	// to span segments
	sr.HandleFunc("/dump/{id:.+}", s.Dump)
	sr.HandleFunc("/call/{id:.+}", s.Call)

	serveStatus(r.PathPrefix("/status").Subrouter(), h, version, shortWriter, longWriter)

	var handler http.Handler = r
	// Log after the request is done, in the Apache format.
	handler = handlers.LoggingHandler(accessLog, handler)
	// Log when the request is received.
	handler = logRequest(handler)
	s.https.Handler = handler

	return s
}

func logRequest(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Printf("%s %s", r.Method, r.URL)
		handler.ServeHTTP(w, r)
	})
}

func (s *Server) Run() error {
	return s.https.ListenAndServe()
}

func (s *Server) Close() error {
	return s.https.Close()
}

func (s *Server) Info(w http.ResponseWriter, r *http.Request) {
	s.logger.Log("api - version " + s.version)

	type info struct {
		Version string `json:"version"`
	}
	err := json.NewEncoder(w).Encode(info{
		Version: s.version,
	})
	s.checkJSONError(w, err)
}

// Attach is the delivery endpoint for device-attached notifications
// from the external discovery source.
func (s *Server) Attach(w http.ResponseWriter, r *http.Request) {
	s.logger.Log("api - attach")

	var n hub.Notification
	err := json.NewDecoder(r.Body).Decode(&n)
	defer func() {
		if errClose := r.Body.Close(); errClose != nil {
			// just log
			s.logger.Log("api - error on request close: " + errClose.Error())
		}
	}()
	if err != nil {
		s.respondError(w, err)
		return
	}
	if n.Path == "" {
		s.respondError(w, hub.ErrDeviceNotFound)
		return
	}

	dev, err := s.hub.Attach(n)
	if err != nil {
		s.respondError(w, err)
		return
	}

	type result struct {
		ID   string `json:"id"`
		Port int    `json:"port"`
	}
	err = json.NewEncoder(w).Encode(result{
		ID:   dev.ID(),
		Port: dev.Port(),
	})
	s.checkJSONError(w, err)
}

func (s *Server) Enumerate(w http.ResponseWriter, r *http.Request) {
	s.logger.Log("api - enumerate")
	recs := s.hub.Records()
	if recs == nil {
		recs = []hub.Record{}
	}
	err := json.NewEncoder(w).Encode(recs)
	s.checkJSONError(w, err)
}

func (s *Server) Dump(w http.ResponseWriter, r *http.Request) {
	s.logger.Log("api - dump")

	vars := mux.Vars(r)
	rec, err := s.hub.Dump(vars["id"])
	if err != nil {
		s.respondError(w, err)
		return
	}
	err = json.NewEncoder(w).Encode(rec)
	s.checkJSONError(w, err)
}

// Call dispatches one hex-encoded request to a device by its current
// mode and returns the hex-encoded reply.
func (s *Server) Call(w http.ResponseWriter, r *http.Request) {
	s.logger.Log("api - call")

	vars := mux.Vars(r)
	dev, err := s.hub.Device(vars["id"])
	if err != nil {
		s.respondError(w, err)
		return
	}

	hexbody, err := io.ReadAll(r.Body)
	if err != nil {
		s.respondError(w, err)
		return
	}
	binbody, err := hex.DecodeString(string(hexbody))
	if err != nil {
		s.respondError(w, err)
		return
	}

	var binres []byte
	if dev.CurrentMode() == hub.ModeBootloader {
		binres, err = dev.BootCall(binbody, hub.DefaultCallTimeout)
	} else {
		binres, err = dev.AppCall(binbody, hub.DefaultCallTimeout)
	}
	if err != nil {
		s.respondError(w, err)
		return
	}

	if _, err := w.Write([]byte(hex.EncodeToString(binres))); err != nil {
		s.respondError(w, err)
	}
}

func (s *Server) checkJSONError(w http.ResponseWriter, err error) {
	if err != nil {
		s.respondError(w, err)
	}
}

func (s *Server) respondError(w http.ResponseWriter, err error) {
	type jsonError struct {
		Error string `json:"error"`
	}
	s.logger.Log("api - returning error: " + err.Error())
	w.WriteHeader(http.StatusBadRequest)

	// if even the encoder of the error errors, just log the error
	err = json.NewEncoder(w).Encode(jsonError{
		Error: err.Error(),
	})
	if err != nil {
		s.logger.Log("api - error while writing error: " + err.Error())
	}
}
