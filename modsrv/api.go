package modsrv

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
)

// Router builds the management HTTP surface.
func (s *Service) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", s.handleHealth)
	r.Route("/api/instances", func(r chi.Router) {
		r.Get("/", s.handleListInstances)
		r.Post("/reload", s.handleReload)
		r.Get("/{id}", s.handleInstance)
	})
	r.Get("/api/products", s.handleListProducts)
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"redis_connected": s.client.Ping(ctx) == nil,
		"instances":       len(s.InstanceIDs()),
	})
}

func (s *Service) handleListInstances(w http.ResponseWriter, r *http.Request) {
	ids := s.InstanceIDs()
	out := make([]any, 0, len(ids))
	for _, id := range ids {
		if inst, ok := s.Instance(id); ok {
			out = append(out, map[string]any{
				"instance_id": inst.ID,
				"name":        inst.Name,
				"product":     inst.Product,
				"unmapped":    inst.Unmapped,
			})
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Service) handleInstance(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 16)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad instance id"})
		return
	}
	inst, ok := s.Instance(uint16(id))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "instance not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"instance_id":  inst.ID,
		"name":         inst.Name,
		"product":      inst.Product,
		"parent_id":    inst.ParentID,
		"properties":   inst.Properties,
		"measurements": inst.Measurements,
		"actions":      inst.Actions,
		"unmapped":     inst.Unmapped,
	})
}

func (s *Service) handleListProducts(w http.ResponseWriter, r *http.Request) {
	cat := s.Catalog()
	if cat == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	out := make([]any, 0)
	for _, name := range cat.Names() {
		p, _ := cat.Get(name)
		out = append(out, map[string]any{
			"product_name": p.Name,
			"parent":       p.Parent,
			"measurements": p.Measurements,
			"actions":      p.Actions,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Service) handleReload(w http.ResponseWriter, r *http.Request) {
	res, err := s.ReloadFromDatabase(r.Context(), s.db)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, res)
}
