package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/foxzi/groupsend/internal/batch"
	"github.com/foxzi/groupsend/internal/csvimport"
	"github.com/foxzi/groupsend/internal/events"
	"github.com/foxzi/groupsend/internal/metrics"
	"github.com/foxzi/groupsend/internal/scheduler"
	"github.com/foxzi/groupsend/internal/session"
)

// RootMessage is the liveness text served on /
const RootMessage = "WhatsApp Automation Backend is running!"

const groupsCacheKey = "groups"

// HealthResponse is the response for GET /health
type HealthResponse struct {
	Status     string `json:"status"`
	Version    string `json:"version"`
	Uptime     string `json:"uptime"`
	Connection string `json:"connection"`
}

// QRResponse is the response for GET /whatsapp-qr
type QRResponse struct {
	QR string `json:"qr"`
}

// GroupsResponse is the response for GET /get-groups
type GroupsResponse struct {
	Groups []session.Group `json:"groups"`
}

// UploadResponse is the response for POST /upload-csv
type UploadResponse struct {
	TotalGroups   int             `json:"totalGroups"`
	PreviewGroups []csvimport.Row `json:"previewGroups"`
}

// SendRequest is the JSON form of POST /send-messages. Recipients may be an
// array or a string holding a JSON array, like the multipart field.
type SendRequest struct {
	Message          string          `json:"message"`
	HTML             string          `json:"html"`
	Caption          string          `json:"caption"`
	JoinLink         string          `json:"joinLink"`
	ScheduleDateTime string          `json:"scheduleDateTime"`
	Recipients       json.RawMessage `json:"recipients"`
}

// MessageResponse carries a human-readable summary
type MessageResponse struct {
	Message string `json:"message"`
}

// ScheduledResponse is the response for GET /scheduled
type ScheduledResponse struct {
	Jobs []scheduler.Job `json:"jobs"`
}

// HistoryResponse is the response for GET /events/history
type HistoryResponse struct {
	Events []events.Event `json:"events"`
}

// ErrorResponse is the error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// handleRoot handles GET /
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.WriteString(w, RootMessage)
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, HealthResponse{
		Status:     "ok",
		Version:    s.deps.Version,
		Uptime:     time.Since(s.startTime).Round(time.Second).String(),
		Connection: string(s.deps.Conn.State()),
	})
}

// handleQR handles GET /whatsapp-qr
func (s *Server) handleQR(w http.ResponseWriter, r *http.Request) {
	qr, ok := s.deps.Conn.LatestQR()
	if !ok {
		s.sendError(w, http.StatusNotFound, "No QR code available. WhatsApp may be connected.")
		return
	}
	s.sendJSON(w, http.StatusOK, QRResponse{QR: qr})
}

// handleGroups handles GET /get-groups
func (s *Server) handleGroups(w http.ResponseWriter, r *http.Request) {
	if !s.deps.Conn.Connected() {
		s.sendError(w, http.StatusServiceUnavailable, "WhatsApp not connected.")
		return
	}

	if s.groups != nil {
		if cached, ok := s.groups.Get(groupsCacheKey); ok {
			s.sendJSON(w, http.StatusOK, GroupsResponse{Groups: cached.([]session.Group)})
			return
		}
	}

	groups, err := s.deps.Groups.Groups(r.Context())
	if errors.Is(err, session.ErrNotConnected) {
		s.sendError(w, http.StatusServiceUnavailable, "WhatsApp not connected.")
		return
	}
	if err != nil {
		s.logger.Error("failed to list groups", "error", err)
		metrics.IncAPIErrors("session")
		s.sendError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if groups == nil {
		groups = []session.Group{}
	}

	if s.groups != nil {
		s.groups.Set(groupsCacheKey, groups, cache.DefaultExpiration)
	}
	s.sendJSON(w, http.StatusOK, GroupsResponse{Groups: groups})
}

// handleUploadCSV handles POST /upload-csv
func (s *Server) handleUploadCSV(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxUploadBytes)
	if err := r.ParseMultipartForm(s.config.MaxUploadBytes); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		s.sendError(w, http.StatusBadRequest, "Invalid upload: "+err.Error())
		return
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		s.sendError(w, http.StatusBadRequest, "No file uploaded.")
		return
	}
	defer file.Close()

	rows, err := csvimport.Parse(file)
	if err != nil {
		s.logger.Warn("rejected group list", "error", err)
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.logger.Info("group list uploaded", "rows", len(rows))
	s.sendJSON(w, http.StatusOK, UploadResponse{
		TotalGroups:   len(rows),
		PreviewGroups: rows,
	})
}

// handleSendMessages handles POST /send-messages
func (s *Server) handleSendMessages(w http.ResponseWriter, r *http.Request) {
	req, err := s.readSendRequest(w, r)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	b, err := s.deps.Validator.Validate(req)
	if err != nil {
		metrics.IncAPIErrors("validation")
		s.sendError(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	if !s.deps.Conn.Connected() {
		metrics.IncAPIErrors("not_connected")
		s.sendError(w, http.StatusServiceUnavailable, "WhatsApp is not connected.")
		return
	}

	res, err := s.deps.Gate.Submit(r.Context(), b)
	if err != nil {
		s.logger.Error("failed to submit batch", "batch_id", b.ID, "error", err)
		metrics.IncAPIErrors("internal")
		s.sendError(w, http.StatusInternalServerError, "Internal error while sending.")
		return
	}

	s.logger.Info("batch accepted",
		"batch_id", b.ID,
		"mode", res.Mode,
		"recipients", len(b.Recipients),
		"image", b.Attachment != nil,
	)

	var summary string
	if res.Mode == scheduler.ModeDeferred {
		summary = fmt.Sprintf("Message scheduled for %d group(s) at %s.",
			len(b.Recipients), res.FiresAt.In(s.deps.Location).Format("2006-01-02 15:04:05 MST"))
	} else {
		summary = fmt.Sprintf("Message sent to %d group(s).", len(b.Recipients))
	}
	s.sendJSON(w, http.StatusOK, MessageResponse{Message: summary})
}

// readSendRequest decodes a multipart form or, with a JSON content type, a
// SendRequest body
func (s *Server) readSendRequest(w http.ResponseWriter, r *http.Request) (batch.Request, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxUploadBytes)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		var body SendRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return batch.Request{}, errors.New("Invalid request body")
		}
		recipients := string(body.Recipients)
		var quoted string
		if json.Unmarshal(body.Recipients, &quoted) == nil {
			recipients = quoted
		}
		return batch.Request{
			Message:          body.Message,
			HTML:             body.HTML,
			Caption:          body.Caption,
			JoinLink:         body.JoinLink,
			ScheduleDateTime: body.ScheduleDateTime,
			Recipients:       recipients,
		}, nil
	}

	if err := r.ParseMultipartForm(s.config.MaxUploadBytes); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		return batch.Request{}, fmt.Errorf("Invalid form: %v", err)
	}

	req := batch.Request{
		Message:          r.FormValue("message"),
		HTML:             r.FormValue("html"),
		Caption:          r.FormValue("caption"),
		JoinLink:         r.FormValue("joinLink"),
		ScheduleDateTime: r.FormValue("scheduleDateTime"),
		Recipients:       r.FormValue("recipients"),
	}

	file, header, err := r.FormFile("image")
	if errors.Is(err, http.ErrMissingFile) || errors.Is(err, http.ErrNotMultipart) {
		return req, nil
	}
	if err != nil {
		return batch.Request{}, fmt.Errorf("Invalid image: %v", err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return batch.Request{}, fmt.Errorf("Invalid image: %v", err)
	}

	mimeType := header.Header.Get("Content-Type")
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = http.DetectContentType(data)
	}
	if len(data) > 0 && !strings.HasPrefix(mimeType, "image/") {
		return batch.Request{}, errors.New("Only image files are allowed.")
	}

	req.Image = &batch.Attachment{Data: data, MimeType: mimeType}
	return req, nil
}

// validationMessage maps validation errors to client-facing text
func validationMessage(err error) string {
	switch {
	case errors.Is(err, batch.ErrEmptyMessage):
		return "Message content missing"
	case errors.Is(err, batch.ErrMalformedRecipients):
		return "'recipients' must be a non-empty array."
	case errors.Is(err, batch.ErrPastSchedule):
		return "Schedule time cannot be past."
	case errors.Is(err, batch.ErrInvalidSchedule):
		return "Invalid schedule time."
	}
	return err.Error()
}

// handleScheduled handles GET /scheduled
func (s *Server) handleScheduled(w http.ResponseWriter, r *http.Request) {
	jobs := s.deps.Gate.Pending()
	if jobs == nil {
		jobs = []scheduler.Job{}
	}
	s.sendJSON(w, http.StatusOK, ScheduledResponse{Jobs: jobs})
}

// handleHistory handles GET /events/history
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, HistoryResponse{Events: s.deps.Bus.History()})
}

// sendJSON sends a JSON response
func (s *Server) sendJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// sendError sends an error response
func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, ErrorResponse{Error: message})
}
