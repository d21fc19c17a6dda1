package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/raterudder/sunsynk/pkg/controller"
	"github.com/raterudder/sunsynk/pkg/log"
	"github.com/raterudder/sunsynk/pkg/storage"
	"github.com/raterudder/sunsynk/pkg/types"
	"github.com/samber/lo"
)

type inverterSummary struct {
	SerialNumber string               `json:"serialNumber"`
	Alias        string               `json:"alias,omitempty"`
	PlantName    string               `json:"plantName,omitempty"`
	State        controller.State     `json:"state"`
	Online       bool                 `json:"online"`
	LastError    string               `json:"lastError,omitempty"`
	Poll         controller.PollState `json:"poll"`
}

type inverterDetail struct {
	controller.Snapshot
	Alias     string `json:"alias,omitempty"`
	PlantName string `json:"plantName,omitempty"`
	// Stored is the last status written to storage, which survives restarts.
	Stored *types.InverterStatus `json:"stored,omitempty"`
}

func (s *Server) controllerFor(w http.ResponseWriter, r *http.Request) (*controller.Controller, bool) {
	c, err := s.inverters.Get(r.PathValue("sn"))
	if err != nil {
		writeJSONError(w, "inverter not found", http.StatusNotFound)
		return nil, false
	}
	return c, true
}

func (s *Server) handleListInverters(w http.ResponseWriter, r *http.Request) {
	summaries := lo.Map(s.inverters.Controllers(), func(c *controller.Controller, _ int) inverterSummary {
		snap := c.Snapshot()
		inv, _ := s.inverters.Inverter(snap.SerialNumber)
		return inverterSummary{
			SerialNumber: snap.SerialNumber,
			Alias:        inv.Alias,
			PlantName:    inv.PlantName,
			State:        snap.State,
			Online:       snap.Online,
			LastError:    snap.LastError,
			Poll:         snap.Poll,
		}
	})
	writeJSON(w, http.StatusOK, summaries)
}

func (s *Server) handleGetInverter(w http.ResponseWriter, r *http.Request) {
	c, ok := s.controllerFor(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	snap := c.Snapshot()
	inv, _ := s.inverters.Inverter(snap.SerialNumber)
	detail := inverterDetail{
		Snapshot:  snap,
		Alias:     inv.Alias,
		PlantName: inv.PlantName,
	}
	if db := s.database(); db != nil {
		st, err := db.GetStatus(ctx, snap.SerialNumber)
		switch {
		case err == nil:
			detail.Stored = &st
		case errors.Is(err, storage.ErrInverterNotFound):
		default:
			log.Ctx(ctx).WarnContext(ctx, "failed to get stored status", slog.String("serial", snap.SerialNumber), slog.Any("error", err))
		}
	}
	writeJSON(w, http.StatusOK, detail)
}

type commandRequest struct {
	Channel string `json:"channel"`
	Value   string `json:"value"`
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	c, ok := s.controllerFor(w, r)
	if !ok {
		return
	}

	var req commandRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<16)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "invalid request", http.StatusBadRequest)
		return
	}

	err := c.HandleChannelCommand(ctx, req.Channel, req.Value)
	switch {
	case err == nil:
	case errors.Is(err, types.ErrInvalidSlot), errors.Is(err, types.ErrInvalidFormat), errors.Is(err, types.ErrUnknownChannel):
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, controller.ErrSettingsNotLoaded):
		writeJSONError(w, err.Error(), http.StatusConflict)
		return
	case errors.Is(err, controller.ErrStopped):
		writeJSONError(w, err.Error(), http.StatusServiceUnavailable)
		return
	default:
		log.Ctx(ctx).ErrorContext(ctx, "failed to handle command", slog.Any("error", err))
		writeJSONError(w, "failed to handle command", http.StatusInternalServerError)
		return
	}

	log.Ctx(ctx).InfoContext(ctx, "command accepted", slog.String("serial", c.Serial()), slog.String("channel", req.Channel), slog.String("value", req.Value))
	writeJSON(w, http.StatusAccepted, c.Snapshot())
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	c, ok := s.controllerFor(w, r)
	if !ok {
		return
	}
	state := c.Refresh(r.Context())
	writeJSON(w, http.StatusOK, struct {
		State controller.State `json:"state"`
	}{State: state})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	c, ok := s.controllerFor(w, r)
	if !ok {
		return
	}
	db := s.database()
	if db == nil {
		writeJSONError(w, "history is disabled", http.StatusNotFound)
		return
	}
	start, end, err := parseTimeRange(r)
	if err != nil {
		writeJSONError(w, "invalid time range: "+err.Error(), http.StatusBadRequest)
		return
	}

	records, err := db.GetHistory(ctx, c.Serial(), start, end)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get history", slog.String("serial", c.Serial()), slog.Any("error", err))
		writeJSONError(w, "failed to get history", http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []types.Record{}
	}

	// Set Cache-Control headers
	// If the range ends before today (midnight today), cache for 24 hours.
	// Otherwise, cache for 1 minute.
	today := time.Now().Truncate(24 * time.Hour)
	if end.Before(today) {
		w.Header().Set("Cache-Control", "private, max-age=86400")
	} else {
		w.Header().Set("Cache-Control", "private, max-age=60")
	}
	writeJSON(w, http.StatusOK, records)
}

func parseTimeRange(r *http.Request) (time.Time, time.Time, error) {
	startStr := r.URL.Query().Get("start")
	endStr := r.URL.Query().Get("end")

	if startStr == "" || endStr == "" {
		// Default to last 24 hours if not specified
		end := time.Now()
		start := end.Add(-24 * time.Hour)
		return start, end, nil
	}

	start, err := time.Parse(time.RFC3339, startStr)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid start time: %w", err)
	}

	end, err := time.Parse(time.RFC3339, endStr)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid end time: %w", err)
	}

	if end.Before(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("start time must be before end time")
	}

	if end.Sub(start) > 7*24*time.Hour {
		return time.Time{}, time.Time{}, fmt.Errorf("time range cannot exceed 7 days")
	}

	return start, end, nil
}
