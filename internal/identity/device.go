package identity

import (
	"net/http"
	"time"

	"github.com/google/uuid"
)

// DeviceCookie is the cookie the durable device id is kept in
const DeviceCookie = "absurd_device"

const deviceCookieMaxAge = 365 * 24 * time.Hour

// NewDeviceID generates a device id
func NewDeviceID() string {
	return uuid.NewString()
}

// DeviceID returns the device id carried by r, if any
func DeviceID(r *http.Request) (string, bool) {
	c, err := r.Cookie(DeviceCookie)
	if err != nil {
		return "", false
	}
	if _, err := uuid.Parse(c.Value); err != nil {
		return "", false
	}
	return c.Value, true
}

// EnsureDeviceID returns the request's device id, issuing and persisting a
// new one on first contact
func EnsureDeviceID(w http.ResponseWriter, r *http.Request, secure bool) string {
	if id, ok := DeviceID(r); ok {
		return id
	}

	id := NewDeviceID()
	http.SetCookie(w, &http.Cookie{
		Name:     DeviceCookie,
		Value:    id,
		Path:     "/",
		MaxAge:   int(deviceCookieMaxAge.Seconds()),
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
	return id
}
