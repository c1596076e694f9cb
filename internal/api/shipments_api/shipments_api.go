// Package shipments_api is the JSON HTTP surface over the shipments
// service.
package shipments_api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/parceldesk/parceldesk/internal/models"
	"github.com/parceldesk/parceldesk/internal/services/shipments"
)

type ShipmentsAPI struct {
	svc *shipments.Service
}

func New(svc *shipments.Service) *ShipmentsAPI {
	return &ShipmentsAPI{svc: svc}
}

func (a *ShipmentsAPI) Routes(r chi.Router) {
	r.Post("/v1/shipments", a.createShipments)
	r.Get("/v1/shipments", a.getShipments)
	r.Get("/v1/shipments/{shipmentID}/events", a.listEvents)
	r.Post("/v1/shipments/{shipmentID}/refresh", a.refreshShipment)
	r.Get("/v1/shipments/track-url", a.trackingURL)
}

type shipmentDTO struct {
	ID             uint64     `json:"id"`
	Carrier        string     `json:"carrier"`
	TrackingNumber string     `json:"trackingNumber"`
	Status         string     `json:"status"`
	StatusRaw      string     `json:"statusRaw,omitempty"`
	DeliveredAt    *time.Time `json:"deliveredAt,omitempty"`
	POD            *json.RawMessage `json:"pod,omitempty"`
	LastCheckedAt  *time.Time `json:"lastCheckedAt,omitempty"`
	NextCheckAt    time.Time  `json:"nextCheckAt"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

func toDTO(t *models.Shipment) shipmentDTO {
	d := shipmentDTO{
		ID:             t.ID,
		Carrier:        string(t.Carrier),
		TrackingNumber: t.TrackingNumber,
		Status:         t.Status,
		StatusRaw:      t.StatusRaw,
		DeliveredAt:    t.DeliveredAt,
		LastCheckedAt:  t.LastCheckedAt,
		NextCheckAt:    t.NextCheckAt,
		CreatedAt:      t.CreatedAt,
		UpdatedAt:      t.UpdatedAt,
	}
	if t.PODJSON != nil {
		raw := json.RawMessage(*t.PODJSON)
		d.POD = &raw
	}
	return d
}

type createRequest struct {
	Input string `json:"input"`
}

type createResponse struct {
	Shipments []shipmentDTO `json:"shipments"`
	Rejected  []string      `json:"rejected,omitempty"`
}

func (a *ShipmentsAPI) createShipments(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	res, err := a.svc.CreateShipments(r.Context(), req.Input)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	out := createResponse{Rejected: res.Rejected, Shipments: make([]shipmentDTO, 0, len(res.Shipments))}
	for _, t := range res.Shipments {
		out.Shipments = append(out.Shipments, toDTO(t))
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *ShipmentsAPI) getShipments(w http.ResponseWriter, r *http.Request) {
	ids, err := parseIDs(r.URL.Query().Get("ids"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "ids must be a comma-separated list of numbers")
		return
	}

	ts, err := a.svc.GetShipmentsByIDs(r.Context(), ids)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]shipmentDTO, 0, len(ts))
	for _, t := range ts {
		out = append(out, toDTO(t))
	}
	writeJSON(w, http.StatusOK, map[string]any{"shipments": out})
}

type eventDTO struct {
	ID          uint64    `json:"id"`
	ShipmentID  uint64    `json:"shipmentId"`
	Status      string    `json:"status"`
	StatusRaw   string    `json:"statusRaw,omitempty"`
	EventTime   time.Time `json:"eventTime"`
	Location    string    `json:"location,omitempty"`
	Description string    `json:"description,omitempty"`
}

func (a *ShipmentsAPI) listEvents(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "shipmentID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid shipment id")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	evs, err := a.svc.ListShipmentEvents(r.Context(), id, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]eventDTO, 0, len(evs))
	for _, e := range evs {
		d := eventDTO{
			ID:         e.ID,
			ShipmentID: e.ShipmentID,
			Status:     e.Status,
			StatusRaw:  e.StatusRaw,
			EventTime:  e.EventTime,
		}
		if e.Location != nil {
			d.Location = *e.Location
		}
		if e.Description != nil {
			d.Description = *e.Description
		}
		out = append(out, d)
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out})
}

func (a *ShipmentsAPI) refreshShipment(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "shipmentID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid shipment id")
		return
	}
	if err := a.svc.RefreshShipment(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"refreshed": true})
}

func (a *ShipmentsAPI) trackingURL(w http.ResponseWriter, r *http.Request) {
	ids, err := parseIDs(r.URL.Query().Get("ids"))
	if err != nil || len(ids) == 0 {
		writeError(w, http.StatusBadRequest, "ids must be a comma-separated list of numbers")
		return
	}

	u, err := a.svc.TrackingURL(r.Context(), ids)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"url": u})
}

func parseIDs(s string) ([]uint64, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	ids := make([]uint64, 0, len(parts))
	for _, p := range parts {
		id, err := strconv.ParseUint(strings.TrimSpace(p), 10, 64)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("write response", "error", err.Error())
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
