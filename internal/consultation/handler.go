package consultation

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"

	"medical-intake/internal/stream"
)

// maxAudioUpload bounds multipart audio bodies.
const maxAudioUpload = 10 << 20

type SpeechToText interface {
	Transcribe(ctx context.Context, audio []byte, language string) (string, error)
}

type TextToSpeech interface {
	Synthesize(ctx context.Context, text, language string) ([]byte, error)
}

type Handler struct {
	svc Service
	stt SpeechToText
	tts TextToSpeech
	log *slog.Logger
}

// NewHandler builds the HTTP surface. stt and tts may be nil, in which case
// the audio endpoints answer 501.
func NewHandler(svc Service, stt SpeechToText, tts TextToSpeech, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{svc: svc, stt: stt, tts: tts, log: logger}
}

type ComplaintRequest struct {
	Complaint string `json:"complaint"`
}

type AnswerRequest struct {
	QuestionIndex int    `json:"question_index"`
	Answer        string `json:"answer"`
}

type TTSRequest struct {
	Text     string `json:"text"`
	Language string `json:"language"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req PatientInfo
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, errors.Wrap(ErrInvalidPatientInfo, "malformed request body"))
		return
	}

	sess, err := h.svc.CreateSession(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.svc.GetSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteSession(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) CancelSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.svc.CancelSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *Handler) RecordComplaint(w http.ResponseWriter, r *http.Request) {
	var req ComplaintRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, errors.Wrap(ErrInvalidComplaint, "malformed request body"))
		return
	}

	sess, err := h.svc.RecordComplaint(r.Context(), chi.URLParam(r, "id"), req.Complaint)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *Handler) RecordComplaintAudio(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	text, ok := h.transcribe(w, r, id)
	if !ok {
		return
	}

	sess, err := h.svc.RecordComplaint(r.Context(), id, text)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"text":    text,
		"session": sess,
	})
}

func (h *Handler) GenerateQuestions(w http.ResponseWriter, r *http.Request) {
	var req ComplaintRequest
	// An empty body falls back to the recorded complaint.
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		h.writeError(w, r, errors.Wrap(ErrInvalidComplaint, "malformed request body"))
		return
	}

	questions, err := h.svc.GenerateQuestions(r.Context(), chi.URLParam(r, "id"), req.Complaint)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"questions": questions})
}

func (h *Handler) SubmitAnswer(w http.ResponseWriter, r *http.Request) {
	var req AnswerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, errors.Wrap(ErrInvalidAnswer, "malformed request body"))
		return
	}

	res, err := h.svc.SubmitAnswer(r.Context(), chi.URLParam(r, "id"), req.QuestionIndex, req.Answer)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// SubmitAnswerAudio transcribes the uploaded answer, submits it and, when a
// synthesizer is configured, returns the next question as audio as well.
func (h *Handler) SubmitAnswerAudio(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	text, ok := h.transcribe(w, r, id)
	if !ok {
		return
	}

	var index int
	if _, err := fmt.Sscan(r.FormValue("question_index"), &index); err != nil {
		h.writeError(w, r, errors.Wrap(ErrInvalidAnswer, "question_index is required"))
		return
	}

	res, err := h.svc.SubmitAnswer(r.Context(), id, index, text)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	out := map[string]any{
		"text":   text,
		"result": res,
	}
	if h.tts != nil && res.NextQuestion != "" {
		if sess, err := h.svc.GetSession(r.Context(), id); err == nil {
			audio, err := h.tts.Synthesize(r.Context(), res.NextQuestion, sess.Language)
			if err == nil {
				out["audio_base64"] = base64.StdEncoding.EncodeToString(audio)
			} else {
				h.log.WarnContext(r.Context(), "speech synthesis failed", "session_id", id, "error", err)
			}
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// CompleteSessionStream relays the recommendation as server-sent events.
// Headers are committed on the first event so early failures still get a
// proper status code.
func (h *Handler) CompleteSessionStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	started := false
	start := func() {
		if started {
			return
		}
		started = true
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
	}
	send := func(payload string) {
		start()
		fmt.Fprintf(w, "data: %s\n\n", payload)
		flusher.Flush()
	}

	_, err := h.svc.CompleteSession(r.Context(), chi.URLParam(r, "id"), func(ev stream.Event) {
		if ev.Type == stream.EventError {
			return
		}
		data, _ := json.Marshal(ev)
		send(string(data))
	})
	if err != nil {
		if !started {
			h.writeError(w, r, err)
			return
		}
		status, code := errorStatus(err)
		h.log.WarnContext(r.Context(), "recommendation stream failed", "status", status, "error", err)
		data, _ := json.Marshal(map[string]string{
			"type":    string(stream.EventError),
			"error":   code,
			"message": err.Error(),
		})
		send(string(data))
		return
	}
	send(stream.EndOfStream)
}

func (h *Handler) GeneratePrescription(w http.ResponseWriter, r *http.Request) {
	ref, err := h.svc.GeneratePrescription(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"prescription_ref": ref})
}

func (h *Handler) HandleTTS(w http.ResponseWriter, r *http.Request) {
	if h.tts == nil {
		http.Error(w, "TTS is not configured", http.StatusNotImplemented)
		return
	}

	var req TTSRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Text == "" {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}

	audio, err := h.tts.Synthesize(r.Context(), req.Text, req.Language)
	if err != nil {
		http.Error(w, "TTS failed: "+err.Error(), http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "audio/mpeg")
	w.Write(audio)
}

func (h *Handler) transcribe(w http.ResponseWriter, r *http.Request, id string) (string, bool) {
	if h.stt == nil {
		http.Error(w, "Speech recognition is not configured", http.StatusNotImplemented)
		return "", false
	}

	sess, err := h.svc.GetSession(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return "", false
	}

	if err := r.ParseMultipartForm(maxAudioUpload); err != nil {
		http.Error(w, "Invalid multipart form", http.StatusBadRequest)
		return "", false
	}
	file, _, err := r.FormFile("audio")
	if err != nil {
		http.Error(w, "Error retrieving audio file", http.StatusBadRequest)
		return "", false
	}
	defer file.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, file); err != nil {
		http.Error(w, "Failed to read audio file", http.StatusBadRequest)
		return "", false
	}

	text, err := h.stt.Transcribe(r.Context(), buf.Bytes(), sess.Language)
	if err != nil {
		http.Error(w, "Transcription failed: "+err.Error(), http.StatusBadGateway)
		return "", false
	}
	return text, true
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := errorStatus(err)
	if status >= http.StatusInternalServerError {
		h.log.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "status", status, "error", err)
	}
	writeJSON(w, status, errorResponse{Error: code, Message: err.Error()})
}

func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ErrInvalidPatientInfo):
		return http.StatusBadRequest, "invalid_patient_info"
	case errors.Is(err, ErrInvalidComplaint):
		return http.StatusBadRequest, "invalid_complaint"
	case errors.Is(err, ErrInvalidAnswer):
		return http.StatusBadRequest, "invalid_answer"
	case errors.Is(err, ErrSessionNotFound):
		return http.StatusNotFound, "session_not_found"
	case errors.Is(err, ErrInvalidPhaseTransition):
		return http.StatusConflict, "invalid_phase_transition"
	case errors.Is(err, ErrQuestionIndexOutOfRange):
		return http.StatusConflict, "question_index_out_of_range"
	case errors.Is(err, ErrSessionBusy):
		return http.StatusConflict, "session_busy"
	case errors.Is(err, ErrNotCompleted):
		return http.StatusConflict, "session_not_completed"
	case errors.Is(err, ErrTranslationFailure):
		return http.StatusBadGateway, "translation_failure"
	case errors.Is(err, ErrUpstreamGeneration):
		return http.StatusBadGateway, "upstream_generation_failure"
	case errors.Is(err, ErrStreamAborted):
		return http.StatusServiceUnavailable, "stream_aborted"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func RegisterRoutes(r chi.Router, h *Handler) {
	r.Route("/sessions", func(r chi.Router) {
		r.Post("/", h.CreateSession)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetSession)
			r.Delete("/", h.DeleteSession)
			r.Post("/complaint", h.RecordComplaint)
			r.Post("/complaint/audio", h.RecordComplaintAudio)
			r.Post("/questions", h.GenerateQuestions)
			r.Post("/answers", h.SubmitAnswer)
			r.Post("/answers/audio", h.SubmitAnswerAudio)
			r.Post("/complete/stream", h.CompleteSessionStream)
			r.Post("/cancel", h.CancelSession)
			r.Post("/prescription", h.GeneratePrescription)
		})
	})
	r.Post("/tts", h.HandleTTS)
}
