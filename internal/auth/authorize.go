package auth

// CanAccessDevice decides whether an identity may touch the given device.
// Admins pass unconditionally. Clients pass only when the device id is present
// in their assigned set; matching is exact, with no wildcard or prefix rules.
func CanAccessDevice(id Identity, deviceID string) bool {
	if deviceID == "" {
		return false
	}
	if id.Role == RoleAdmin {
		return true
	}
	for _, d := range id.AssignedDevices {
		if d == deviceID {
			return true
		}
	}
	return false
}
