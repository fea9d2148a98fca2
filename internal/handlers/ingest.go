// Package handlers exposes HTTP endpoints that feed the work queue.
package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"time"

	"vitalpaw/internal/logger"
	"vitalpaw/internal/metrics"
	"vitalpaw/internal/models"
	"vitalpaw/internal/queue"
)

const sourceName = "http"

// ReadingsHandler accepts readings over HTTP for gateways that cannot speak MQTT.
type ReadingsHandler struct {
	queue       queue.Queue
	maxBodySize int64
	pushTimeout time.Duration
}

// ReadingsConfig holds configuration for the readings handler
type ReadingsConfig struct {
	Queue       queue.Queue
	MaxBodySize int64
	PushTimeout time.Duration
}

// NewReadingsHandler creates a new readings handler
func NewReadingsHandler(cfg ReadingsConfig) *ReadingsHandler {
	maxBodySize := cfg.MaxBodySize
	if maxBodySize <= 0 {
		maxBodySize = 1 << 20
	}
	pushTimeout := cfg.PushTimeout
	if pushTimeout <= 0 {
		pushTimeout = 2 * time.Second
	}
	return &ReadingsHandler{
		queue:       cfg.Queue,
		maxBodySize: maxBodySize,
		pushTimeout: pushTimeout,
	}
}

// ReadingsResponse is the response returned to clients
type ReadingsResponse struct {
	Success  bool           `json:"success"`
	Accepted int            `json:"accepted"`
	Rejected int            `json:"rejected"`
	Errors   []ReadingError `json:"errors,omitempty"`
}

// ReadingError describes why one element of the request was not queued
type ReadingError struct {
	Index int    `json:"index"`
	PetID string `json:"pet_id,omitempty"`
	Error string `json:"error"`
}

var errInvalidBody = errors.New("invalid JSON format: expected a reading, an array of readings or {\"readings\": [...]}")

// ServeHTTP handles POST /api/v1/readings
func (h *ReadingsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if !acceptsJSON(r.Header.Get("Content-Type")) {
		h.writeError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	items, err := splitBody(body)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(items) == 0 {
		h.writeError(w, http.StatusBadRequest, "no readings provided")
		return
	}

	response, shed := h.enqueue(r.Context(), items)

	status := http.StatusOK
	switch {
	case response.Accepted == 0 && shed > 0:
		status = http.StatusServiceUnavailable
	case response.Accepted == 0:
		status = http.StatusBadRequest
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(response)
}

// splitBody accepts a single reading, an array, or a {"readings": [...]} wrapper.
func splitBody(body []byte) ([]json.RawMessage, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, errInvalidBody
	}

	switch body[0] {
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(body, &items); err != nil {
			return nil, errInvalidBody
		}
		return items, nil
	case '{':
		var wrapper struct {
			Readings []json.RawMessage `json:"readings"`
		}
		if err := json.Unmarshal(body, &wrapper); err == nil && wrapper.Readings != nil {
			return wrapper.Readings, nil
		}
		return []json.RawMessage{json.RawMessage(body)}, nil
	default:
		return nil, errInvalidBody
	}
}

// enqueue validates each element and pushes the canonical encoding.
func (h *ReadingsHandler) enqueue(ctx context.Context, items []json.RawMessage) (ReadingsResponse, int) {
	response := ReadingsResponse{Errors: make([]ReadingError, 0)}
	shed := 0

	for i, item := range items {
		reading, err := models.DecodeReading(item)
		if err != nil {
			response.Errors = append(response.Errors, ReadingError{Index: i, Error: err.Error()})
			response.Rejected++
			metrics.IngestMessagesTotal.WithLabelValues(sourceName, "rejected").Inc()
			continue
		}

		payload, err := reading.Encode()
		if err == nil {
			pushCtx, cancel := context.WithTimeout(ctx, h.pushTimeout)
			err = h.queue.Push(pushCtx, payload)
			cancel()
		}
		if err != nil {
			msg := "failed to queue reading"
			status := "failed"
			if errors.Is(err, queue.ErrQueueFull) {
				msg = "queue full, try again later"
				status = "shed"
				shed++
			}
			log := logger.WithPet("http_ingest", reading.PetID)
			log.Error().Err(err).Msg("failed to enqueue reading")

			response.Errors = append(response.Errors, ReadingError{Index: i, PetID: reading.PetID, Error: msg})
			response.Rejected++
			metrics.IngestMessagesTotal.WithLabelValues(sourceName, status).Inc()
			continue
		}

		response.Accepted++
		metrics.IngestMessagesTotal.WithLabelValues(sourceName, "queued").Inc()
	}

	response.Success = response.Rejected == 0
	return response, shed
}

// writeError writes an error response
func (h *ReadingsHandler) writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"error":   message,
	})
}

// acceptsJSON allows a missing header and application/json with parameters.
func acceptsJSON(contentType string) bool {
	if contentType == "" {
		return true
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	return err == nil && mediaType == "application/json"
}
