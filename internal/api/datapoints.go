package api

import (
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/knx-process/internal/process"
)

// DatapointValue is the response of a datapoint read.
type DatapointValue struct {
	process.Datapoint
	Value string `json:"value"`
}

// datapointWrite is the body of a datapoint write.
type datapointWrite struct {
	Value string `json:"value"`
}

// handleListDatapoints returns the configured datapoints.
//
// GET /api/v1/datapoints
// Response: {"datapoints": [...], "count": N}
func (s *Server) handleListDatapoints(w http.ResponseWriter, _ *http.Request) {
	points := s.catalog.All()
	if points == nil {
		points = []process.Datapoint{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"datapoints": points, "count": len(points)})
}

// handleReadDatapoint reads a configured datapoint from the bus.
//
// GET /api/v1/datapoints/{name}
func (s *Server) handleReadDatapoint(w http.ResponseWriter, r *http.Request) {
	dp, ok := s.datapoint(w, r)
	if !ok {
		return
	}

	text, err := s.process.ReadDatapoint(r.Context(), dp)
	if err != nil {
		writeProcessError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, DatapointValue{Datapoint: dp, Value: text})
}

// handleWriteDatapoint writes the text form of a value to a datapoint.
//
// PUT /api/v1/datapoints/{name}
// Body: {"value": "21.5"}
// Response: 204 No Content
func (s *Server) handleWriteDatapoint(w http.ResponseWriter, r *http.Request) {
	dp, ok := s.datapoint(w, r)
	if !ok {
		return
	}

	var body datapointWrite
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	if err := s.process.WriteDatapoint(r.Context(), dp, body.Value); err != nil {
		writeProcessError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// datapoint resolves the {name} parameter, writing a 404 if it is unknown.
func (s *Server) datapoint(w http.ResponseWriter, r *http.Request) (process.Datapoint, bool) {
	name, err := url.PathUnescape(chi.URLParam(r, "name"))
	if err != nil {
		writeBadRequest(w, "invalid datapoint name")
		return process.Datapoint{}, false
	}
	dp, ok := s.catalog.ByName(name)
	if !ok {
		writeNotFound(w, "datapoint not found: "+name)
		return process.Datapoint{}, false
	}
	return dp, true
}

func rawHex(data []byte) string {
	return strings.ToUpper(hex.EncodeToString(data))
}
