package web

import (
	"encoding/json"
	"net/http"

	"github.com/sweeney/companion/internal/daemon"
	"github.com/sweeney/companion/internal/status"
)

// EmotionRequest is the body of POST /api/emotion.
type EmotionRequest struct {
	Emotion    string `json:"emotion"`
	DurationMs int64  `json:"duration_ms"` // 0 = sticky
}

// CommandResponse is returned by every command endpoint.
type CommandResponse struct {
	OK         bool                   `json:"ok"`
	Op         string                 `json:"op"`
	Result     string                 `json:"result,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Emotion    string                 `json:"emotion,omitempty"`
	Message    string                 `json:"message,omitempty"`
	Attributes *status.AttributesJSON `json:"attributes,omitempty"`
}

func commandResponse(op daemon.Op, reply daemon.Reply) CommandResponse {
	a := reply.Snapshot.Attributes
	return CommandResponse{
		OK:      true,
		Op:      string(op),
		Result:  reply.Result,
		Emotion: string(reply.Snapshot.Emotion),
		Message: reply.Snapshot.Message,
		Attributes: &status.AttributesJSON{
			Hunger:    a.Hunger,
			Happiness: a.Happiness,
			Energy:    a.Energy,
			Hygiene:   a.Hygiene,
		},
	}
}

func writeCommand(w http.ResponseWriter, code int, resp CommandResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(resp)
}
