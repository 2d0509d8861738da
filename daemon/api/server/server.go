package server

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/Sher110106/resilient-transfer/daemon/manager"
	"github.com/Sher110106/resilient-transfer/daemon/service"
	"github.com/Sher110106/resilient-transfer/internal/chunker"
)

// HTTP contract types (mirror docs/api-integration-contract.md)

type (
	CreateTransferRequest struct {
		FilePath string            `json:"file_path"`
		Priority string            `json:"priority"`
		Metadata map[string]string `json:"metadata"`
	}
	CreateTransferResponse struct {
		SessionID     string        `json:"session_id"`
		ManifestJSON  string        `json:"manifest_b64"`
		Manifest      *ManifestJSON `json:"manifest,omitempty"`
		TotalChunks   int           `json:"total_chunks"`
	}

	AcceptTransferRequest struct {
		ManifestB64 string `json:"manifest_b64"`
		OutputPath  string `json:"output_path"`
	}
	AcceptTransferResponse struct {
		SessionID   string        `json:"session_id"`
		Manifest    *ManifestJSON `json:"manifest,omitempty"`
		TotalChunks int64         `json:"total_chunks"`
	}

	GetTransferStatusResponse struct {
		State                  string  `json:"state"`
		ProgressPercent        float64 `json:"progress_percent"`
		ChunksTransferred      int64   `json:"chunks_transferred"`
		TotalChunks            int64   `json:"total_chunks"`
		BytesTransferred       int64   `json:"bytes_transferred"`
		TransferRateMbps       float64 `json:"transfer_rate_mbps"`
		EstimatedTimeRemaining int64   `json:"estimated_time_remaining"`
		LossRatePct            float64 `json:"loss_rate_pct,omitempty"`
		ErrorMessage           string  `json:"error_message,omitempty"`
	}

	TransferSummary struct {
		SessionID       string  `json:"session_id"`
		FileName        string  `json:"file_name"`
		State           string  `json:"state"`
		ProgressPercent float64 `json:"progress_percent"`
		StartTime       int64   `json:"start_time"`
		Direction       string  `json:"direction"`
	}
	ListTransfersResponse struct {
		Transfers  []*TransferSummary `json:"transfers"`
		TotalCount int32              `json:"total_count"`
		HasMore    bool               `json:"has_more"`
	}

	TransferEventJSON struct {
		SessionID       string            `json:"session_id"`
		EventType       string            `json:"event_type"`
		Timestamp       int64             `json:"timestamp"`
		ProgressPercent float64           `json:"progress_percent"`
		Message         string            `json:"message,omitempty"`
		Metadata        map[string]string `json:"metadata,omitempty"`
	}

	ManifestJSON struct {
		FileID       string `json:"file_id"`
		FileName     string `json:"file_name"`
		FileSize     int64  `json:"file_size"`
		ChunkSize    int64  `json:"chunk_size"`
		TotalChunks  int64  `json:"total_chunks"`
		DataChunks   int64  `json:"data_chunks"`
		ParityChunks int64  `json:"parity_chunks"`
		MerkleRoot   string `json:"merkle_root"`
	}
)

// DaemonAPIServer wires the transfer coordinator to HTTP handlers.
type DaemonAPIServer struct {
	transfer *service.TransferCoordinator
	sessions manager.Store
	events   *service.EventPublisher
}

func NewDaemonAPIServer(ts *service.TransferCoordinator, store manager.Store, events *service.EventPublisher) *DaemonAPIServer {
	return &DaemonAPIServer{transfer: ts, sessions: store, events: events}
}

// RegisterHTTP registers REST routes on mux
func (s *DaemonAPIServer) RegisterHTTP(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/transfer/create", s.handleCreateTransfer)
	mux.HandleFunc("/api/v1/transfer/accept", s.handleAcceptTransfer)
	mux.HandleFunc("/api/v1/transfer/", s.handleTransferPrefix)
	mux.HandleFunc("/api/v1/transfers", s.handleListTransfers)
}

func (s *DaemonAPIServer) handleCreateTransfer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	var req CreateTransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid JSON body")
		return
	}
	priority := parsePriority(req.Priority)
	session, manifest, stripes, _, err := s.transfer.CreateTransfer(req.FilePath, priority, nil, req.Metadata)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	manifestBytes, err := chunker.MarshalManifest(manifest, stripes)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	resp := &CreateTransferResponse{
		SessionID:    session.ID,
		ManifestJSON: base64.StdEncoding.EncodeToString(manifestBytes),
		Manifest:     toHTTPManifest(manifest),
		TotalChunks:  manifest.TotalChunks,
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *DaemonAPIServer) handleAcceptTransfer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	var req AcceptTransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid JSON body")
		return
	}
	raw, err := base64.StdEncoding.DecodeString(req.ManifestB64)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid manifest encoding")
		return
	}
	manifest, stripes, err := chunker.UnmarshalManifest(raw)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid manifest")
		return
	}
	session, err := s.transfer.AcceptTransfer(manifest, stripes, req.OutputPath)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	resp := &AcceptTransferResponse{
		SessionID:   session.ID,
		Manifest:    toHTTPManifest(manifest),
		TotalChunks: session.TotalChunks,
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *DaemonAPIServer) handleTransferPrefix(w http.ResponseWriter, r *http.Request) {
	// Expect /api/v1/transfer/{session_id}/status
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/v1/transfer/"), "/")
	sessionID := parts[0]
	if len(parts) < 2 {
		http.NotFound(w, r)
		return
	}
	action := parts[1]
	if action == "status" {
		st, err := s.transfer.GetTransferStatus(sessionID)
		if err != nil {
			writeJSONError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
			return
		}
		resp := &GetTransferStatusResponse{
			State:                  toHTTPState(st.State),
			ProgressPercent:        st.ProgressPercent,
			ChunksTransferred:      st.ChunksTransferred,
			TotalChunks:            st.TotalChunks,
			BytesTransferred:       st.BytesTransferred,
			TransferRateMbps:       st.TransferRateMbps,
			EstimatedTimeRemaining: st.EstimatedTimeRemaining,
			ErrorMessage:           st.ErrorMessage,
		}
		if sess, err2 := s.sessions.Get(sessionID); err2 == nil {
			if v, ok := sess.Metadata["loss_rate_pct"]; ok {
				if f, errp := strconv.ParseFloat(v, 64); errp == nil {
					resp.LossRatePct = f
				}
			}
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}
	http.NotFound(w, r)
}

func (s *DaemonAPIServer) handleListTransfers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter *manager.TransferState
	if v := q.Get("state"); v != "" {
		st := fromHTTPState(v)
		filter = &st
	}
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	sessions, total, err := s.transfer.ListTransfers(filter, limit, offset)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	resp := &ListTransfersResponse{Transfers: make([]*TransferSummary, 0, len(sessions)), TotalCount: int32(total)}
	for _, se := range sessions {
		resp.Transfers = append(resp.Transfers, &TransferSummary{
			SessionID:       se.ID,
			FileName:        se.FileName,
			State:           toHTTPState(se.State),
			ProgressPercent: se.GetProgressPercent(),
			StartTime:       se.StartTime.UnixMilli(),
			Direction:       toHTTPDirection(se.Direction),
		})
	}
	resp.HasMore = offset+len(resp.Transfers) < total
	writeJSON(w, http.StatusOK, resp)
}

// SSEHandler streams transfer events as Server-Sent Events.
func SSEHandler(events *service.EventPublisher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}
		filter := r.URL.Query().Get("session_id")
		sub := events.Subscribe(filter)
		defer events.Unsubscribe(sub.ID)
		ctx := r.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.Channel:
				if !ok {
					return
				}
				line := toJSONLine(ev)
				_, _ = w.Write([]byte("data: "))
				_, _ = w.Write(line)
				_, _ = w.Write([]byte("\n\n"))
				flusher.Flush()
			}
		}
	}
}

func toJSONLine(ev *service.TransferEvent) []byte {
	b := &strings.Builder{}
	b.WriteString("{")
	b.WriteString("\"session_id\":\"")
	b.WriteString(ev.SessionID)
	b.WriteString("\",")
	b.WriteString("\"event_type\":\"")
	b.WriteString(ev.EventType.String())
	b.WriteString("\",")
	b.WriteString("\"timestamp\":")
	b.WriteString(strconv.FormatInt(ev.Timestamp.UnixMilli(), 10))
	b.WriteString(",")
	b.WriteString("\"progress_percent\":")
	b.WriteString(strconv.FormatFloat(ev.ProgressPercent, 'f', 2, 64))
	if ev.Message != "" {
		b.WriteString(",\"message\":\"")
		b.WriteString(ev.Message)
		b.WriteString("\"")
	}
	if len(ev.Metadata) > 0 {
		b.WriteString(",\"metadata\":{")
		i := 0
		for k, v := range ev.Metadata {
			if i > 0 {
				b.WriteString(",")
			}
			b.WriteString("\"")
			b.WriteString(k)
			b.WriteString("\":\"")
			b.WriteString(v)
			b.WriteString("\"")
			i++
		}
		b.WriteString("}")
	}
	b.WriteString("}")
	return []byte(b.String())
}

func toHTTPManifest(m chunker.FileManifest) *ManifestJSON {
	return &ManifestJSON{
		FileID:       m.FileID,
		FileName:     m.Filename,
		FileSize:     m.TotalBytes,
		ChunkSize:    int64(m.ChunkSize),
		TotalChunks:  int64(m.TotalChunks),
		DataChunks:   int64(m.DataChunks),
		ParityChunks: int64(m.ParityChunks),
		MerkleRoot:   base64.StdEncoding.EncodeToString(m.MerkleRoot[:]),
	}
}

func toHTTPState(s manager.TransferState) string {
	switch s {
	case manager.StateIdle:
		return "IDLE"
	case manager.StatePreparing:
		return "PREPARING"
	case manager.StateTransferring:
		return "TRANSFERRING"
	case manager.StateCompleting:
		return "COMPLETING"
	case manager.StatePaused:
		return "PAUSED"
	case manager.StateCompleted:
		return "COMPLETED"
	case manager.StateFailed:
		return "FAILED"
	default:
		return "UNSPECIFIED"
	}
}

func fromHTTPState(s string) manager.TransferState {
	switch strings.ToUpper(s) {
	case "IDLE":
		return manager.StateIdle
	case "PREPARING":
		return manager.StatePreparing
	case "TRANSFERRING":
		return manager.StateTransferring
	case "COMPLETING":
		return manager.StateCompleting
	case "PAUSED":
		return manager.StatePaused
	case "COMPLETED":
		return manager.StateCompleted
	case "FAILED":
		return manager.StateFailed
	default:
		return manager.StateIdle
	}
}

func toHTTPDirection(d manager.TransferDirection) string {
	switch d {
	case manager.DirectionSend:
		return "SEND"
	case manager.DirectionReceive:
		return "RECEIVE"
	default:
		return "UNSPECIFIED"
	}
}

func parsePriority(s string) chunker.Priority {
	switch strings.ToUpper(s) {
	case "CRITICAL":
		return chunker.PriorityCritical
	case "HIGH":
		return chunker.PriorityHigh
	default:
		return chunker.PriorityNormal
	}
}

// JSON helpers

type JSONError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, JSONError{Code: code, Message: msg})
}
