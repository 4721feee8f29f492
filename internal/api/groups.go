package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/knx-process/internal/bridge"
	"github.com/nerrad567/knx-process/internal/knx"
)

// Inventory listing bounds.
const (
	defaultGroupLimit = 100
	maxGroupLimit     = 1000
)

// GroupValue is the response of a group address read.
type GroupValue struct {
	GroupAddress string `json:"ga"`
	DPT          string `json:"dpt,omitempty"`
	Name         string `json:"name,omitempty"`
	Raw          string `json:"raw"`
	Value        string `json:"value,omitempty"`
}

// handleListGroups returns the recorded group address inventory.
//
// GET /api/v1/groups?limit=N
// Response: {"groups": [...], "count": N, "devices": N}
func (s *Server) handleListGroups(w http.ResponseWriter, r *http.Request) {
	if s.inventory == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "group address recording is disabled")
		return
	}

	limit := defaultGroupLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxGroupLimit {
			writeBadRequest(w, "limit must be 1-1000")
			return
		}
		limit = n
	}

	groups, err := s.inventory.GroupAddresses(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to list group addresses", "error", err)
		writeInternalError(w, "failed to list group addresses")
		return
	}
	devices, err := s.inventory.DeviceCount(r.Context())
	if err != nil {
		s.logger.Error("failed to count devices", "error", err)
		writeInternalError(w, "failed to count devices")
		return
	}
	if groups == nil {
		groups = []bridge.GroupAddressRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"groups": groups, "count": len(groups), "devices": devices})
}

// handleReadGroup reads a group address from the bus.
//
// GET /api/v1/groups/{ga}?dpt=9.001
// The datapoint type defaults to the configured datapoint of the address;
// without one the value is returned raw only.
func (s *Server) handleReadGroup(w http.ResponseWriter, r *http.Request) {
	ga, err := knx.ParseGroupAddressFromURL(chi.URLParam(r, "*"))
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	resp := GroupValue{GroupAddress: ga.String()}
	if dp, ok := s.catalog.ByAddress(ga); ok {
		resp.DPT = string(dp.DPT)
		resp.Name = dp.Name
	}
	if v := r.URL.Query().Get("dpt"); v != "" {
		dpt, err := knx.ParseDPT(v)
		if err != nil {
			writeBadRequest(w, err.Error())
			return
		}
		resp.DPT = string(dpt)
	}

	data, err := s.process.ReadRaw(r.Context(), ga)
	if err != nil {
		writeProcessError(w, err)
		return
	}
	resp.Raw = rawHex(data)

	if resp.DPT != "" {
		text, err := knx.FormatValue(knx.DPT(resp.DPT), data)
		if err != nil {
			writeError(w, http.StatusBadGateway, ErrCodeBadPayload, err.Error())
			return
		}
		resp.Value = text
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleWriteGroup writes a value to a group address.
//
// PUT /api/v1/groups/{ga}
// Body: {"value": ..., "dpt": "9.001", "priority": "normal"}
// Response: 204 No Content
func (s *Server) handleWriteGroup(w http.ResponseWriter, r *http.Request) {
	ga, err := knx.ParseGroupAddressFromURL(chi.URLParam(r, "*"))
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	var cmd bridge.CommandMessage
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	if err := s.commands.Execute(r.Context(), ga, cmd); err != nil {
		writeProcessError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
