package server

import (
	"net/http"

	"github.com/ttybridge/devhubd-go/hub"
	"github.com/ttybridge/devhubd-go/memorywriter"

	"github.com/gorilla/csrf"
	"github.com/gorilla/mux"
)

// Serves the status page on /status/ and the detailed log at
// /status/log.gz.

type status struct {
	hub                                 *hub.Hub
	version                             string
	shortMemoryWriter, longMemoryWriter *memorywriter.MemoryWriter
}

const csrfkey = "w3k1v8rq0d27ys5hn4tb6zj9xcmfap0l"

func serveStatus(r *mux.Router, h *hub.Hub, v string, mw, dmw *memorywriter.MemoryWriter) {
	status := &status{
		hub:               h,
		version:           v,
		shortMemoryWriter: mw,
		longMemoryWriter:  dmw,
	}
	r.Methods("GET").Path("/").HandlerFunc(status.statusPage)
	r.Methods("POST").Path("/log.gz").HandlerFunc(status.statusGzip)

	r.Use(csrf.Protect([]byte(csrfkey), csrf.Secure(false)))
}

func (s *status) statusGzip(w http.ResponseWriter, r *http.Request) {
	s.longMemoryWriter.Log("status - building gzip")

	start := s.version + "\nCurrent log:\n"
	gzip, err := s.longMemoryWriter.Gzip(start)
	if err != nil {
		respondStatusError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/gzip")

	if _, err := w.Write(gzip); err != nil {
		respondStatusError(w, err)
	}
}

func (s *status) statusPage(w http.ResponseWriter, r *http.Request) {
	s.longMemoryWriter.Log("status - building status page")

	devices := s.hub.Records()

	log, err := s.shortMemoryWriter.String(s.version + "\n")
	if err != nil {
		respondStatusError(w, err)
		return
	}

	data := &statusTemplateData{
		Version:     s.version,
		Devices:     devices,
		DeviceCount: len(devices),
		Log:         log,
		CSRFField:   csrf.TemplateField(r),
	}

	if err := statusTemplate.Execute(w, data); err != nil {
		respondStatusError(w, err)
	}
}

func respondStatusError(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), http.StatusBadRequest)
}
