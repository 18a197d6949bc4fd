package comsrv

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/voltgrid/voltgrid/comsrv/channel"
	"github.com/voltgrid/voltgrid/rtdb"
)

// Router builds the management HTTP surface.
func (s *Service) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", s.handleHealth)
	r.Route("/api/channels", func(r chi.Router) {
		r.Get("/", s.handleListChannels)
		r.Post("/reload", s.handleReload)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/status", s.handleChannelStatus)
			r.Post("/control", s.handleControl)
			r.Post("/points/{pointID}/adjustment", s.handleAdjustment)
		})
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	redisOK := s.client.Ping(ctx) == nil

	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"redis_connected": redisOK,
		"channels":        s.registry.Len(),
		"sync_stats":      s.SyncStats(),
	})
}

func (s *Service) handleListChannels(w http.ResponseWriter, r *http.Request) {
	chans := s.registry.All()
	out := make([]any, 0, len(chans))
	for _, ch := range chans {
		cfg := ch.Config()
		st := ch.Status()
		out = append(out, map[string]any{
			"channel_id": cfg.ID,
			"name":       cfg.Name,
			"protocol":   cfg.Kind,
			"state":      st.State,
			"connected":  st.Connected,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Service) handleChannelStatus(w http.ResponseWriter, r *http.Request) {
	ch, ok := s.channelFromURL(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, ch.Status())
}

func (s *Service) handleReload(w http.ResponseWriter, r *http.Request) {
	res, err := s.ReloadFromDatabase(r.Context(), s.db)
	if err != nil {
		// Global failure (e.g. the store is unreadable) is a 5xx; per-entity
		// failures are reported inside the 200 body.
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type controlRequest struct {
	PointID uint32  `json:"point_id"`
	Value   float64 `json:"value"`
}

func (s *Service) handleControl(w http.ResponseWriter, r *http.Request) {
	ch, ok := s.channelFromURL(w, r)
	if !ok {
		return
	}
	var req controlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad request body")
		return
	}
	if req.Value != 0 && req.Value != 1 {
		writeError(w, http.StatusBadRequest, "control value must be 0 or 1")
		return
	}
	s.submit(w, ch.Config().ID, rtdb.CommandControl, req.PointID, req.Value)
}

type adjustmentRequest struct {
	Value float64 `json:"value"`
}

func (s *Service) handleAdjustment(w http.ResponseWriter, r *http.Request) {
	ch, ok := s.channelFromURL(w, r)
	if !ok {
		return
	}
	pointID, err := strconv.ParseUint(chi.URLParam(r, "pointID"), 10, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad point id")
		return
	}
	var req adjustmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad request body")
		return
	}
	s.submit(w, ch.Config().ID, rtdb.CommandAdjustment, uint32(pointID), req.Value)
}

func (s *Service) submit(w http.ResponseWriter, channelID uint16, cmdType string, pointID uint32, value float64) {
	ch, ok := s.registry.Get(channelID)
	if !ok {
		writeError(w, http.StatusNotFound, "channel not found")
		return
	}
	env := rtdb.CommandEnvelope{
		CommandID:   uuid.NewString(),
		ChannelID:   channelID,
		CommandType: cmdType,
		PointID:     pointID,
		Value:       value,
		Timestamp:   rtdb.NowMillis(),
	}
	if _, err := ch.SubmitCommand(env); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"command_id": env.CommandID, "status": rtdb.CommandPending})
}

func (s *Service) channelFromURL(w http.ResponseWriter, r *http.Request) (*channel.Channel, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 16)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad channel id")
		return nil, false
	}
	ch, ok := s.registry.Get(uint16(id))
	if !ok {
		writeError(w, http.StatusNotFound, "channel not found")
		return nil, false
	}
	return ch, true
}
