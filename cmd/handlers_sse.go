package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"blendscan/scan"
)

// streamPollInterval is how often the SSE handler samples a job's snapshot.
const streamPollInterval = 200 * time.Millisecond

// SSEWriter wraps an http.ResponseWriter for Server-Sent Events
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewSSEWriter creates a new SSE writer and sets appropriate headers
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming unsupported")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	return &SSEWriter{w: w, flusher: flusher}, nil
}

// SendEvent sends an SSE event with the given event type and data
func (s *SSEWriter) SendEvent(event string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, jsonData)
	if err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// SendError sends an error event
func (s *SSEWriter) SendError(msg string) error {
	return s.SendEvent("error", map[string]string{"message": msg})
}

// ScanProgressEvent is the payload of progress events on /scan/stream.
type ScanProgressEvent struct {
	ScanID         string `json:"scan_id"`
	ScannedEntries uint64 `json:"scanned_entries"`
	FoundBlends    uint64 `json:"found_blends"`
	CurrentPath    string `json:"current_path,omitempty"`
}

// handleScanStream handles GET /scan/stream?id=..., emitting progress events
// until the job reaches a terminal state. The final event carries the full
// snapshot, result included.
func (d *daemon) handleScanStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "use GET", http.StatusMethodNotAllowed)
		return
	}

	id := strings.TrimSpace(r.URL.Query().Get("id"))
	if id == "" {
		http.Error(w, "id parameter is required", http.StatusBadRequest)
		return
	}

	// Resolve the job before committing to the SSE content type.
	snap, err := d.manager.Poll(id)
	if err != nil {
		if errors.Is(err, scan.ErrJobNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	sse, err := NewSSEWriter(w)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	ticker := time.NewTicker(streamPollInterval)
	defer ticker.Stop()

	for {
		if snap.Status != scan.StatusRunning {
			event := "complete"
			if snap.Status == scan.StatusError {
				event = "error"
			}
			_ = sse.SendEvent(event, snap)
			return
		}

		_ = sse.SendEvent("progress", ScanProgressEvent{
			ScanID:         snap.ID,
			ScannedEntries: snap.ScannedEntries,
			FoundBlends:    snap.FoundBlends,
			CurrentPath:    snap.CurrentPath,
		})

		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}

		snap, err = d.manager.Poll(id)
		if err != nil {
			// Evicted mid-stream; tell the client instead of hanging.
			_ = sse.SendError(err.Error())
			return
		}
	}
}
