// Package commands wires the dashboard's WebSocket command envelopes to
// registry and experiment operations.
package commands

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/fieldgrid/fieldhub/internal/hub"
	"github.com/fieldgrid/fieldhub/internal/pipeline"
	"github.com/fieldgrid/fieldhub/internal/serialmux"
	"github.com/fieldgrid/fieldhub/internal/store"
	"github.com/fieldgrid/fieldhub/internal/timeutil"
)

// Handlers implements the dashboard command set over the store. Commands
// that rewrite the registry close the ingestion gate for their duration so
// no measurement lands against a half-written registry.
type Handlers struct {
	store  *store.Store
	gate   *pipeline.Gate
	serial serialmux.Interface
	clock  timeutil.Clock
	log    *zap.SugaredLogger
}

func New(st *store.Store, gate *pipeline.Gate, serial serialmux.Interface, clock timeutil.Clock, log *zap.SugaredLogger) *Handlers {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Handlers{store: st, gate: gate, serial: serial, clock: clock, log: log}
}

// Register attaches every command handler to the hub.
func (h *Handlers) Register(hb *hub.Hub) {
	hb.HandleCommand("start_experiment", h.StartExperiment)
	hb.HandleCommand("end_experiment", h.EndExperiment)
	hb.HandleCommand("bulk_import", h.BulkImport)
	hb.HandleCommand("set_label", h.SetLabel)
	hb.HandleCommand("set_coordinates", h.SetCoordinates)
	hb.HandleCommand("pull_history", h.PullHistory)
	hb.HandleCommand("ping_sensor", h.PingSensor)
}

type startExperimentRequest struct {
	Name string `json:"name"`
}

func (h *Handlers) StartExperiment(ctx context.Context, payload json.RawMessage) (any, error) {
	var req startExperimentRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}
	if strings.TrimSpace(req.Name) == "" {
		return nil, errors.New("experiment name is required")
	}

	id, err := h.store.StartExperiment(ctx, req.Name, h.clock.Now().Unix())
	if err != nil {
		return nil, err
	}
	h.log.Infow("experiment started", "id", id, "name", req.Name)
	return map[string]any{"id": id, "name": req.Name}, nil
}

func (h *Handlers) EndExperiment(ctx context.Context, _ json.RawMessage) (any, error) {
	if err := h.store.EndExperiment(ctx, h.clock.Now().Unix()); err != nil {
		return nil, err
	}
	h.log.Infow("experiment ended")
	return map[string]string{"status": "ended"}, nil
}

type bulkImportRequest struct {
	CSV string `json:"csv"`
}

// BulkImport replaces the sensor registry from uploaded CSV. Measurements
// arriving while the import runs are dropped, not queued: a frame admitted
// mid-import could reference a registry row the import is about to remove.
func (h *Handlers) BulkImport(ctx context.Context, payload json.RawMessage) (any, error) {
	var req bulkImportRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}

	rows, err := parseSensorCSV(strings.NewReader(req.CSV))
	if err != nil {
		return nil, err
	}

	release := h.gate.Close("bulk_import")
	defer release()

	count, err := h.store.ImportSensors(ctx, rows)
	if err != nil {
		return nil, err
	}
	h.log.Infow("bulk import complete", "sensors", count)
	return map[string]int{"imported": count}, nil
}

// parseSensorCSV reads address,label,latitude,longitude rows. A header
// row is recognized and skipped; latitude/longitude may be empty.
func parseSensorCSV(r io.Reader) ([]store.SensorRow, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	var rows []store.SensorRow
	line := 0
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("bad csv at line %d: %w", line+1, err)
		}
		line++

		if line == 1 && strings.EqualFold(record[0], "address") {
			continue
		}
		if len(record) < 1 || strings.TrimSpace(record[0]) == "" {
			return nil, fmt.Errorf("missing address at line %d", line)
		}

		row := store.SensorRow{Address: strings.TrimSpace(record[0])}
		if len(record) > 1 {
			row.Label = strings.TrimSpace(record[1])
		}
		if len(record) > 3 {
			lat, latErr := parseOptionalFloat(record[2])
			lon, lonErr := parseOptionalFloat(record[3])
			if latErr != nil || lonErr != nil {
				return nil, fmt.Errorf("bad coordinates at line %d", line)
			}
			if (lat == nil) != (lon == nil) {
				return nil, fmt.Errorf("incomplete coordinates at line %d", line)
			}
			row.Latitude, row.Longitude = lat, lon
		}
		rows = append(rows, row)
	}

	if len(rows) == 0 {
		return nil, errors.New("csv contains no sensors")
	}
	return rows, nil
}

func parseOptionalFloat(s string) (*float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

type setLabelRequest struct {
	Address string `json:"address"`
	Label   string `json:"label"`
}

func (h *Handlers) SetLabel(ctx context.Context, payload json.RawMessage) (any, error) {
	var req setLabelRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}
	if req.Address == "" {
		return nil, errors.New("address is required")
	}
	if err := h.store.SetLabel(ctx, req.Address, req.Label); err != nil {
		return nil, err
	}
	return map[string]string{"address": req.Address, "label": req.Label}, nil
}

type setCoordinatesRequest struct {
	Address   string  `json:"address"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

func (h *Handlers) SetCoordinates(ctx context.Context, payload json.RawMessage) (any, error) {
	var req setCoordinatesRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}
	if req.Address == "" {
		return nil, errors.New("address is required")
	}
	if err := h.store.SetCoordinates(ctx, req.Address, req.Latitude, req.Longitude); err != nil {
		return nil, err
	}
	return map[string]any{"address": req.Address}, nil
}

type pullHistoryRequest struct {
	Address string `json:"address"`
	From    int64  `json:"from"`
	To      int64  `json:"to"`
	Limit   int    `json:"limit"`
}

// PullHistory streams stored readings back to the requesting dashboard.
// The export can be large, so the gate stays closed while rows are read.
func (h *Handlers) PullHistory(ctx context.Context, payload json.RawMessage) (any, error) {
	var req pullHistoryRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}
	if req.Address == "" {
		return nil, errors.New("address is required")
	}
	if req.To == 0 {
		req.To = h.clock.Now().Unix()
	}

	release := h.gate.Close("pull_history")
	defer release()

	measurements, err := h.store.History(ctx, req.Address, req.From, req.To, req.Limit)
	if err != nil {
		return nil, err
	}
	return map[string]any{"address": req.Address, "measurements": measurements}, nil
}

type pingSensorRequest struct {
	Address string `json:"address"`
}

// PingSensor writes a ping command to the dongle. The reply comes back on
// the serial stream and reaches subscribers as a regular Ping envelope.
func (h *Handlers) PingSensor(_ context.Context, payload json.RawMessage) (any, error) {
	var req pingSensorRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}
	if req.Address == "" {
		return nil, errors.New("address is required")
	}
	if h.serial == nil {
		return nil, errors.New("serial port unavailable")
	}
	if err := h.serial.SendCommand("ping " + req.Address); err != nil {
		return nil, err
	}
	return map[string]string{"address": req.Address, "status": "sent"}, nil
}
