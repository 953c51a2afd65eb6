package httpapi

import (
	"encoding/base64"
	"io"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"lorawatch.dev/internal/devices"
)

func basicCred(user, pass string) string {
	return base64.StdEncoding.EncodeToString([]byte(user + ":" + pass))
}

func readAll(t *testing.T, r *http.Response) string {
	t.Helper()
	data, err := io.ReadAll(r.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(data)
}

func containsLine(body, line string) bool {
	for _, l := range strings.Split(body, "\n") {
		if strings.TrimRight(l, "\r") == line {
			return true
		}
	}
	return false
}

func ttnEnvelope(deviceID string, receivedAt time.Time, payload string) map[string]any {
	return map[string]any{
		"end_device_ids": map[string]any{"device_id": deviceID},
		"received_at":    receivedAt.Format(time.RFC3339Nano),
		"uplink_message": map[string]any{
			"received_at":     receivedAt.Format(time.RFC3339Nano),
			"f_port":          1,
			"decoded_payload": rawJSON(payload),
		},
	}
}

type rawJSON string

func (r rawJSON) MarshalJSON() ([]byte, error) { return []byte(r), nil }

func TestWebhookRejectsBadToken(t *testing.T) {
	api := newTestAPI(t)
	at := time.Now().UTC().Truncate(time.Second)

	cases := []map[string]string{
		nil,
		{"Authorization": "Bearer wrong-secret"},
		{"Authorization": "Basic " + basicCred("ttn", "wrong-secret")},
	}
	for _, headers := range cases {
		resp := api.post("/api/webhook/ttn", ttnEnvelope("dev-9", at, `{"temp":20}`), headers)
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("expected 401 for headers %v, got %d", headers, resp.StatusCode)
		}
	}
}

func TestWebhookIngestsAndNormalizes(t *testing.T) {
	api := newTestAPI(t)
	at := time.Date(2026, 5, 2, 12, 0, 0, 0, time.UTC)

	// Abbreviated field names.
	resp := api.post("/api/webhook/ttn",
		ttnEnvelope("sensor-a", at, `{"p1":14.2,"p2":7.5,"temp":21.5,"hum":40,"bat":3.3}`),
		map[string]string{"Authorization": "Bearer hook-secret"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("webhook status: %d", resp.StatusCode)
	}

	// Full field names on a second uplink.
	resp = api.post("/api/webhook/ttn",
		ttnEnvelope("sensor-a", at.Add(time.Minute), `{"pm10":15.0,"pm2_5":8.0,"temperature":22,"humidity":41,"battery":3.2}`),
		map[string]string{"Authorization": "Bearer hook-secret"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("webhook status: %d", resp.StatusCode)
	}

	list, err := api.devStore.Measurements(t.Context(), "sensor-a", devices.MeasurementFilter{})
	if err != nil {
		t.Fatalf("measurements: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 measurements, got %d", len(list))
	}
	newest := list[0]
	if newest.P1 == nil || *newest.P1 != 15.0 || newest.Temperature == nil || *newest.Temperature != 22 {
		t.Fatalf("full field names not normalized: %+v", newest)
	}

	d, err := api.devStore.Find(t.Context(), "sensor-a")
	if err != nil {
		t.Fatalf("device not registered: %v", err)
	}
	if d.LastSeenAt == nil || !d.LastSeenAt.Equal(at.Add(time.Minute)) {
		t.Fatalf("last seen not refreshed: %v", d.LastSeenAt)
	}
}

func TestWebhookRetryIsIdempotent(t *testing.T) {
	api := newTestAPI(t)
	at := time.Date(2026, 5, 2, 12, 0, 0, 0, time.UTC)
	envelope := ttnEnvelope("sensor-b", at, `{"temp":20}`)

	for i := 0; i < 3; i++ {
		resp := api.post("/api/webhook/ttn", envelope,
			map[string]string{"Authorization": "Bearer hook-secret"})
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("retry %d status: %d", i, resp.StatusCode)
		}
	}

	list, err := api.devStore.Measurements(t.Context(), "sensor-b", devices.MeasurementFilter{})
	if err != nil {
		t.Fatalf("measurements: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 measurement after retries, got %d", len(list))
	}
}

func TestWebhookRequiresDeviceID(t *testing.T) {
	api := newTestAPI(t)

	resp := api.post("/api/webhook/ttn", ttnEnvelope("", time.Now(), `{"temp":20}`),
		map[string]string{"Authorization": "Bearer hook-secret"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestExportCSV(t *testing.T) {
	api := newTestAPI(t)
	at := time.Date(2026, 5, 2, 12, 0, 0, 0, time.UTC)

	resp := api.post("/api/webhook/ttn", ttnEnvelope("dev-1", at, `{"p1":14.2,"temp":21.5}`),
		map[string]string{"Authorization": "Bearer hook-secret"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("webhook status: %d", resp.StatusCode)
	}

	admin := api.login("admin", "admin-pass-1")
	csvResp := api.get("/v1/devices/dev-1/export.csv", url.Values{}, bearerHeader(admin.AccessToken))
	defer csvResp.Body.Close()
	if csvResp.StatusCode != http.StatusOK {
		t.Fatalf("export status: %d", csvResp.StatusCode)
	}
	if ct := csvResp.Header.Get("Content-Type"); ct != "text/csv; charset=utf-8" {
		t.Fatalf("unexpected content type: %q", ct)
	}
	body := readAll(t, csvResp)
	if !containsLine(body, "received_at,p1,p2,temperature,humidity,battery") {
		t.Fatalf("missing CSV header: %q", body)
	}
	if !containsLine(body, "2026-05-02T12:00:00Z,14.2,,21.5,,") {
		t.Fatalf("missing CSV row: %q", body)
	}
}
