package swcache

import (
	"encoding/json"
	"net/http"
)

const offlineMessage = "You appear to be offline and this content has not been cached yet."

type offlineBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Offline returns the synthetic response served when neither the network nor
// a partition can satisfy a request.
func Offline() Entry {
	body, _ := json.Marshal(offlineBody{Error: "Offline", Message: offlineMessage})
	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	h.Set("Cache-Control", "no-store")
	return Entry{Status: http.StatusServiceUnavailable, Header: h, Body: body}
}
