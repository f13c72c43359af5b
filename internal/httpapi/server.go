// Package httpapi exposes the relay's HTTP surface: call provisioning,
// the relay websocket channel, direct speech endpoints, health checks
// and performance snapshots.
package httpapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/callforge/relay/internal/audio"
	"github.com/callforge/relay/internal/calllog"
	"github.com/callforge/relay/internal/config"
	"github.com/callforge/relay/internal/failover"
	"github.com/callforge/relay/internal/observability"
	"github.com/callforge/relay/internal/provider"
	"github.com/callforge/relay/internal/session"
)

const wsPath = "/v1/calls/ws"

type Server struct {
	cfg       config.Config
	sessions  *session.Manager
	optimizer *failover.Optimizer
	providers *provider.Registry
	callLog   calllog.Store
	window    *observability.ConversationWindow
	metrics   *observability.Metrics
	upgrader  websocket.Upgrader
}

func New(cfg config.Config, sessions *session.Manager, optimizer *failover.Optimizer, providers *provider.Registry, callLog calllog.Store, window *observability.ConversationWindow, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:       cfg,
		sessions:  sessions,
		optimizer: optimizer,
		providers: providers,
		callLog:   callLog,
		window:    window,
		metrics:   metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browser connections may drive a call
				// channel unless explicitly opened up.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser relay clients omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/calls", s.handleCreateCall)
	r.Get("/v1/calls/{id}", s.handleGetCall)
	r.Post("/v1/calls/{id}/end", s.handleEndCall)
	r.Get("/v1/calls/{id}/turns", s.handleCallTurns)
	r.Get(wsPath, s.handleCallWS)

	r.Post("/v1/speech/synthesize", s.handleSynthesize)
	r.Post("/v1/speech/transcribe", s.handleTranscribe)

	r.Get("/v1/perf/latency", s.handlePerfLatency)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":       "ready",
		"active_calls": s.sessions.ActiveCount(),
	})
}

type createCallRequest struct {
	WorkflowID string `json:"workflow_id"`
	From       string `json:"from"`
	To         string `json:"to"`
	Language   string `json:"language"`
}

type createCallResponse struct {
	CallID     string `json:"call_id"`
	WorkflowID string `json:"workflow_id"`
	Language   string `json:"language"`
	ChannelURL string `json:"channel_url"`
}

// handleCreateCall provisions a call descriptor. The session itself is
// created when the relay's setup message arrives on the channel.
func (s *Server) handleCreateCall(w http.ResponseWriter, r *http.Request) {
	var req createCallRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Language) == "" {
		req.Language = s.cfg.DefaultLanguage
	}

	respondJSON(w, http.StatusCreated, createCallResponse{
		CallID:     uuid.NewString(),
		WorkflowID: strings.TrimSpace(req.WorkflowID),
		Language:   req.Language,
		ChannelURL: wsPath,
	})
}

type callSnapshot struct {
	CallID       string        `json:"call_id"`
	WorkflowID   string        `json:"workflow_id"`
	State        session.State `json:"state"`
	Language     string        `json:"language"`
	TurnCount    int           `json:"turn_count"`
	LastActivity time.Time     `json:"last_activity"`
}

func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	sess, err := s.sessions.Get(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "call_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, callSnapshot{
		CallID:       sess.CallID(),
		WorkflowID:   sess.WorkflowID(),
		State:        sess.State(),
		Language:     sess.Language(),
		TurnCount:    sess.TurnCount(),
		LastActivity: sess.LastActivity(),
	})
}

func (s *Server) handleEndCall(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	sess, err := s.sessions.Get(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "call_not_found", err.Error())
		return
	}
	s.sessions.CloseSession(r.Context(), sess, "api request")
	respondJSON(w, http.StatusOK, map[string]any{"call_id": id, "state": session.StateClosed})
}

const defaultTurnLimit = 50

type callTurnsResponse struct {
	CallID string           `json:"call_id"`
	Turns  []calllog.Record `json:"turns"`
}

// handleCallTurns serves the persisted transcript of a call. Unlike the
// live snapshot it keeps working after the call has ended.
func (s *Server) handleCallTurns(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	limit := defaultTurnLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = n
	}

	turns, err := s.callLog.RecentTurns(r.Context(), id, limit)
	if err != nil {
		respondError(w, http.StatusBadGateway, "call_log_unavailable", err.Error())
		return
	}
	if turns == nil {
		turns = []calllog.Record{}
	}
	respondJSON(w, http.StatusOK, callTurnsResponse{CallID: id, Turns: turns})
}

// wsChannel adapts one websocket connection to the session channel
// contract. The mutex keeps writes single-threaded on the socket.
type wsChannel struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsChannel) Send(msg any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteJSON(msg)
}

func (s *Server) handleCallWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.metrics.SessionEvents.WithLabelValues("ws_connected").Inc()

	sess := s.sessions.Open(&wsChannel{conn: conn})
	ctx := r.Context()

	conn.SetReadLimit(2 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		s.sessions.Dispatch(ctx, sess, data)
		if sess.State() == session.StateClosed {
			break
		}
	}

	s.sessions.CloseSession(context.Background(), sess, "connection closed")
	s.metrics.SessionEvents.WithLabelValues("ws_disconnected").Inc()
}

type synthesizeRequest struct {
	Text     string `json:"text"`
	Language string `json:"language"`
	VoiceID  string `json:"voice_id"`
}

// handleSynthesize runs text-to-speech through the same failover chain
// as live calls and streams the result as a WAV container.
func (s *Server) handleSynthesize(w http.ResponseWriter, r *http.Request) {
	var req synthesizeRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		respondError(w, http.StatusBadRequest, "missing_text", "text is required")
		return
	}
	if strings.TrimSpace(req.Language) == "" {
		req.Language = s.cfg.DefaultLanguage
	}
	if strings.TrimSpace(req.VoiceID) == "" {
		req.VoiceID = s.cfg.DefaultVoiceID
	}

	out, err := s.optimizer.Execute(r.Context(), req.Language, failover.KindSynthesis, func(ctx context.Context, providerID string) (failover.Result, error) {
		speech, err := s.providers.Speech(providerID)
		if err != nil {
			return failover.Result{}, err
		}
		syn, err := speech.Synthesize(ctx, req.Text, req.Language, req.VoiceID)
		if err != nil {
			return failover.Result{}, err
		}
		return failover.Result{Audio: syn.Audio, Quality: syn.Quality}, nil
	})
	if err != nil {
		respondSpeechError(w, err)
		return
	}

	w.Header().Set("Content-Type", "audio/wav")
	w.WriteHeader(http.StatusOK)
	_ = audio.WriteWAV(w, out.Result.Audio, 0)
}

type transcribeRequest struct {
	AudioBase64 string `json:"audio_base64"`
	Language    string `json:"language"`
}

type transcribeResponse struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Provider   string  `json:"provider"`
}

func (s *Server) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	var req transcribeRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	payload, err := base64.StdEncoding.DecodeString(req.AudioBase64)
	if err != nil || len(payload) == 0 {
		respondError(w, http.StatusBadRequest, "invalid_audio", "audio_base64 must be non-empty base64")
		return
	}
	if strings.TrimSpace(req.Language) == "" {
		req.Language = s.cfg.DefaultLanguage
	}

	out, err := s.optimizer.Execute(r.Context(), req.Language, failover.KindTranscription, func(ctx context.Context, providerID string) (failover.Result, error) {
		speech, err := s.providers.Speech(providerID)
		if err != nil {
			return failover.Result{}, err
		}
		tr, err := speech.Transcribe(ctx, payload, req.Language)
		if err != nil {
			return failover.Result{}, err
		}
		return failover.Result{Text: tr.Text, Confidence: tr.Confidence}, nil
	})
	if err != nil {
		respondSpeechError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, transcribeResponse{
		Text:       out.Result.Text,
		Confidence: out.Result.Confidence,
		Provider:   out.Provider,
	})
}

func (s *Server) handlePerfLatency(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.window.Snapshot())
}

func respondSpeechError(w http.ResponseWriter, err error) {
	if errors.Is(err, failover.ErrNoPlan) {
		respondError(w, http.StatusServiceUnavailable, "no_provider_chain", err.Error())
		return
	}
	respondError(w, http.StatusBadGateway, "providers_exhausted", err.Error())
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
