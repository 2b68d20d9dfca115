package webui

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/mzyy94/bblcam/internal/bbl"
	"github.com/mzyy94/bblcam/internal/config"
	"github.com/mzyy94/bblcam/internal/snapshot"
)

// Snapshotter is the part of snapshot.Service the HTTP API uses.
type Snapshotter interface {
	GetSnapshot(ctx context.Context, printerID string, params bbl.ConnectionParams, forceRefresh bool) ([]byte, string, error)
	Stats() snapshot.Stats
	ContactSheet() ([]byte, error)
}

type handler struct {
	svc        Snapshotter
	printers   []config.Printer
	instanceID string
	started    time.Time
}

// NewHandler creates the HTTP API for the configured printers.
func NewHandler(svc Snapshotter, printers []config.Printer, instanceID string) http.Handler {
	h := &handler{svc: svc, printers: printers, instanceID: instanceID, started: time.Now()}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/printers", h.handlePrinters)
	mux.HandleFunc("GET /api/printers/{id}/snapshot", h.handleSnapshot)
	mux.HandleFunc("GET /api/stats", h.handleStats)
	mux.HandleFunc("GET /api/snapshots.pdf", h.handleContactSheet)
	return mux
}

func (h *handler) printer(id string) (config.Printer, bool) {
	for _, p := range h.printers {
		if p.ID == id {
			return p, true
		}
	}
	return config.Printer{}, false
}

func (h *handler) handlePrinters(w http.ResponseWriter, r *http.Request) {
	printers := h.printers
	if printers == nil {
		printers = []config.Printer{}
	}
	writeJSON(w, printers)
}

func (h *handler) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	p, ok := h.printer(id)
	if !ok {
		http.Error(w, "unknown printer", http.StatusNotFound)
		return
	}
	refresh := false
	if v := r.URL.Query().Get("refresh"); v != "" {
		refresh, _ = strconv.ParseBool(v)
	}

	data, contentType, err := h.svc.GetSnapshot(r.Context(), id, p.Params(), refresh)
	if err != nil {
		writeError(w, r, id, err)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Cache-Control", "no-store")
	w.Write(data)
}

type statsResponse struct {
	Instance  string `json:"instance"`
	Uptime    string `json:"uptime"`
	UpdatedAt string `json:"updatedAt"`
	snapshot.Stats
}

func (h *handler) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, statsResponse{
		Instance:  h.instanceID,
		Uptime:    time.Since(h.started).Round(time.Second).String(),
		UpdatedAt: time.Now().UTC().Format(time.RFC3339),
		Stats:     h.svc.Stats(),
	})
}

func (h *handler) handleContactSheet(w http.ResponseWriter, r *http.Request) {
	pdf, err := h.svc.ContactSheet()
	if err != nil {
		if errors.Is(err, snapshot.ErrNoFrameAvailable) {
			http.Error(w, "no cached snapshots", http.StatusNotFound)
			return
		}
		slog.Warn("contact sheet failed", "err", err)
		http.Error(w, "failed to render contact sheet", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", `inline; filename="snapshots.pdf"`)
	w.Write(pdf)
}

// writeError maps snapshot errors to HTTP status codes.
func writeError(w http.ResponseWriter, r *http.Request, printerID string, err error) {
	var ue *snapshot.UnavailableError
	switch {
	case errors.Is(err, snapshot.ErrNoFrameAvailable):
		w.Header().Set("Retry-After", "1")
		http.Error(w, "camera has not produced a frame yet", http.StatusServiceUnavailable)
	case errors.As(err, &ue):
		var ae *bbl.AuthError
		msg := "printer unavailable"
		if errors.As(err, &ae) {
			msg = "printer rejected the access code"
		}
		http.Error(w, msg, http.StatusBadGateway)
	case errors.Is(err, bbl.ErrInvalidParams):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case r.Context().Err() != nil:
		// Client went away; nothing useful to send.
		slog.Debug("snapshot request canceled", "printer", printerID)
	default:
		slog.Error("snapshot failed", "printer", printerID, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("encode response failed", "err", err)
	}
}
