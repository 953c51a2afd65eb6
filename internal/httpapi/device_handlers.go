package httpapi

import (
	"encoding/csv"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"lorawatch.dev/internal/auth"
	"lorawatch.dev/internal/devices"
)

const defaultMeasurementLimit = 500

func (a *API) handleDevices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	id, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	var (
		list []*devices.Device
		err  error
	)
	if id.Role == auth.RoleAdmin {
		list, err = a.devices.List(r.Context())
	} else {
		list, err = a.devices.ListByIDs(r.Context(), id.AssignedDevices)
	}
	if err != nil {
		handleDeviceError(w, r, err)
		return
	}
	if list == nil {
		list = []*devices.Device{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": list})
}

func (a *API) handleDeviceScoped(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/devices/"), "/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	parts := strings.Split(path, "/")
	deviceID := parts[0]

	id, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	if !guardDevice(w, r, id, deviceID) {
		return
	}

	switch {
	case len(parts) == 1:
		a.handleDeviceGet(w, r, deviceID)
	case len(parts) == 2 && parts[1] == "latest":
		a.handleDeviceLatest(w, r, deviceID)
	case len(parts) == 2 && parts[1] == "measurements":
		a.handleDeviceMeasurements(w, r, deviceID)
	case len(parts) == 2 && parts[1] == "export.csv":
		a.handleDeviceExport(w, r, deviceID)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) handleDeviceGet(w http.ResponseWriter, r *http.Request, deviceID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	d, err := a.devices.Find(r.Context(), deviceID)
	if err != nil {
		handleDeviceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (a *API) handleDeviceLatest(w http.ResponseWriter, r *http.Request, deviceID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	m, err := a.devices.Latest(r.Context(), deviceID)
	if err != nil {
		handleDeviceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (a *API) handleDeviceMeasurements(w http.ResponseWriter, r *http.Request, deviceID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	filter, err := measurementFilter(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	list, err := a.devices.Measurements(r.Context(), deviceID, filter)
	if err != nil {
		handleDeviceError(w, r, err)
		return
	}
	if list == nil {
		list = []*devices.Measurement{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"measurements": list})
}

func (a *API) handleDeviceExport(w http.ResponseWriter, r *http.Request, deviceID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	filter, err := measurementFilter(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	list, err := a.devices.Measurements(r.Context(), deviceID, filter)
	if err != nil {
		handleDeviceError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", deviceID+".csv"))

	cw := csv.NewWriter(w)
	_ = cw.Write([]string{"received_at", "p1", "p2", "temperature", "humidity", "battery"})
	for _, m := range list {
		_ = cw.Write([]string{
			m.ReceivedAt.UTC().Format(time.RFC3339),
			csvFloat(m.P1),
			csvFloat(m.P2),
			csvFloat(m.Temperature),
			csvFloat(m.Humidity),
			csvFloat(m.Battery),
		})
	}
	cw.Flush()
}

func csvFloat(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

func measurementFilter(r *http.Request) (devices.MeasurementFilter, error) {
	f := devices.MeasurementFilter{Limit: defaultMeasurementLimit}
	q := r.URL.Query()
	if raw := q.Get("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return f, errors.New("from must be RFC3339")
		}
		f.From = t
	}
	if raw := q.Get("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return f, errors.New("to must be RFC3339")
		}
		f.To = t
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 10000 {
			return f, errors.New("limit must be between 1 and 10000")
		}
		f.Limit = n
	}
	return f, nil
}

func handleDeviceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, devices.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, devices.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "resource not found")
	case errors.Is(err, devices.ErrConflict):
		writeError(w, r, http.StatusConflict, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
