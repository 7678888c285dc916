package control

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

const maxMessageBytes = 64 << 10

// ServeHTTP answers a control message posted as a JSON body. Action
// failures are reported in the reply with status 200; only unreadable
// messages get 400.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	var reply Reply

	var msg Message
	body, err := io.ReadAll(io.LimitReader(r.Body, maxMessageBytes))
	if err == nil {
		err = json.Unmarshal(body, &msg)
	}
	if err != nil {
		status = http.StatusBadRequest
		reply = Reply{Error: fmt.Sprintf("invalid message: %v", err)}
	} else {
		reply = h.Handle(r.Context(), msg)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(reply)
}
