package auth

import "testing"

func TestCanAccessDeviceAdmin(t *testing.T) {
	admin := Identity{UserID: "u1", Role: RoleAdmin}
	for _, deviceID := range []string{"dev-1", "dev-2", "never-assigned-anywhere"} {
		if !CanAccessDevice(admin, deviceID) {
			t.Fatalf("admin should access %q", deviceID)
		}
	}
	if CanAccessDevice(admin, "") {
		t.Fatalf("empty device id is never accessible")
	}
}

func TestCanAccessDeviceClient(t *testing.T) {
	client := Identity{UserID: "u2", Role: RoleClient, AssignedDevices: []string{"dev-1", "dev-7"}}

	if !CanAccessDevice(client, "dev-1") {
		t.Fatalf("expected access to assigned device")
	}
	if !CanAccessDevice(client, "dev-7") {
		t.Fatalf("expected access to assigned device")
	}

	// Matching is exact: near-misses by case or prefix are denied.
	for _, deviceID := range []string{"dev-2", "DEV-1", "dev-11", "dev", "dev-1 ", ""} {
		if CanAccessDevice(client, deviceID) {
			t.Fatalf("client must not access %q", deviceID)
		}
	}
}

func TestCanAccessDeviceNoRole(t *testing.T) {
	anonymous := Identity{UserID: "u3"}
	if CanAccessDevice(anonymous, "dev-1") {
		t.Fatalf("identity without role must be denied")
	}
}
