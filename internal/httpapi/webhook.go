package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"lorawatch.dev/internal/audit"
	"lorawatch.dev/internal/devices"
	"lorawatch.dev/internal/obs"
)

// ttnUplink is the subset of the TTN v3 webhook envelope we consume.
type ttnUplink struct {
	EndDeviceIDs struct {
		DeviceID string `json:"device_id"`
	} `json:"end_device_ids"`
	ReceivedAt    time.Time `json:"received_at"`
	UplinkMessage struct {
		ReceivedAt     time.Time       `json:"received_at"`
		DecodedPayload json.RawMessage `json:"decoded_payload"`
	} `json:"uplink_message"`
}

// decodedPayload accepts both the abbreviated and the full field names that
// different device firmwares emit.
type decodedPayload struct {
	P1    *float64 `json:"p1"`
	P2    *float64 `json:"p2"`
	PM10  *float64 `json:"pm10"`
	PM25  *float64 `json:"pm2_5"`
	Temp  *float64 `json:"temp"`
	Tempr *float64 `json:"temperature"`
	Hum   *float64 `json:"hum"`
	Humid *float64 `json:"humidity"`
	Bat   *float64 `json:"bat"`
	Batt  *float64 `json:"battery"`
}

func (a *API) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !a.checkWebhookToken(r) {
		obs.IncWebhookReject()
		writeError(w, r, http.StatusUnauthorized, "invalid webhook token")
		return
	}

	var uplink ttnUplink
	if err := decodeWebhookJSON(w, r, &uplink); err != nil {
		obs.IncWebhookReject()
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	deviceID := strings.TrimSpace(uplink.EndDeviceIDs.DeviceID)
	if deviceID == "" {
		obs.IncWebhookReject()
		writeError(w, r, http.StatusBadRequest, "end_device_ids.device_id is required")
		return
	}

	receivedAt := uplink.UplinkMessage.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = uplink.ReceivedAt
	}
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}

	m := &devices.Measurement{
		DeviceID:   deviceID,
		ReceivedAt: receivedAt,
		RawPayload: uplink.UplinkMessage.DecodedPayload,
	}
	if len(uplink.UplinkMessage.DecodedPayload) > 0 {
		var p decodedPayload
		if err := json.Unmarshal(uplink.UplinkMessage.DecodedPayload, &p); err != nil {
			writeError(w, r, http.StatusBadRequest, "decoded_payload is not an object")
			return
		}
		m.P1 = firstOf(p.P1, p.PM10)
		m.P2 = firstOf(p.P2, p.PM25)
		m.Temperature = firstOf(p.Temp, p.Tempr)
		m.Humidity = firstOf(p.Hum, p.Humid)
		m.Battery = firstOf(p.Bat, p.Batt)
	}

	if err := a.devices.UpsertDevice(r.Context(), deviceID, receivedAt); err != nil {
		handleDeviceError(w, r, err)
		return
	}
	if err := a.devices.InsertMeasurement(r.Context(), m); err != nil {
		handleDeviceError(w, r, err)
		return
	}

	_ = audit.LogEvent(r.Context(), "webhook.received", map[string]any{
		"device_id":   deviceID,
		"received_at": receivedAt.UTC().Format(time.RFC3339),
	})
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// checkWebhookToken accepts the shared secret as either a Bearer token or
// the password of a Basic credential. Comparison is constant time.
func (a *API) checkWebhookToken(r *http.Request) bool {
	if a.webhookToken == "" {
		return false
	}
	presented := ""
	header := strings.TrimSpace(r.Header.Get(authHeader))
	if strings.HasPrefix(strings.ToLower(header), "bearer ") {
		presented = strings.TrimSpace(header[len("bearer "):])
	} else if _, pass, ok := r.BasicAuth(); ok {
		presented = pass
	}
	if presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(a.webhookToken)) == 1
}

// decodeWebhookJSON is decodeJSON minus DisallowUnknownFields; the TTN
// envelope carries plenty of fields we do not model.
func decodeWebhookJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	return json.NewDecoder(reader).Decode(dst)
}

func firstOf(candidates ...*float64) *float64 {
	for _, c := range candidates {
		if c != nil {
			return c
		}
	}
	return nil
}
