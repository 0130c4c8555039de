package api

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/VincentVerdynanta/utsuru/pkg/discord"
	"github.com/VincentVerdynanta/utsuru/pkg/whip"
)

//go:embed web/*
var webFS embed.FS

// mirrorConnector is the slice of DiscordLiveBuilder the create-mirror
// handler depends on. Narrowing it to an interface lets tests swap in a
// fake that never touches the real Discord gateway.
type mirrorConnector interface {
	Connect(ctx context.Context, traceCh chan<- discord.BuilderState) (*discord.DiscordLive, error)
}

// MirrorFactory builds a mirrorConnector for a create-mirror request.
// Swappable in tests so a fake builder can stand in for the real gateway
// handshake.
type MirrorFactory func(token string, guildID, channelID uint64) mirrorConnector

// Defaults carries the .env-supplied form-prefill convenience values.
// All three fields are optional.
type Defaults struct {
	Token     string `json:"token"`
	GuildID   string `json:"guild_id"`
	ChannelID string `json:"channel_id"`
}

// Server serves the web UI, the WHIP ingress endpoint, and the
// mirror-management API described by SPEC_FULL.md's external interfaces.
type Server struct {
	whip          *whip.Coordinator
	mirrorFactory MirrorFactory
	defaults      Defaults
	logger        *slog.Logger
	httpServer    *http.Server
}

// NewServer creates a new API server. mirrorFactory may be nil, in which
// case discord.NewDiscordLiveBuilder is used directly.
func NewServer(whipCoord *whip.Coordinator, mirrorFactory MirrorFactory, defaults Defaults, logger *slog.Logger) *Server {
	if mirrorFactory == nil {
		mirrorFactory = func(token string, guildID, channelID uint64) mirrorConnector {
			return discord.NewDiscordLiveBuilder(token, guildID, channelID, nil, logger)
		}
	}
	return &Server{
		whip:          whipCoord,
		mirrorFactory: mirrorFactory,
		defaults:      defaults,
		logger:        logger,
	}
}

// Start starts the HTTP server
func (s *Server) Start(ctx context.Context, addr string) error {
	mux := http.NewServeMux()

	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/bundle.css", s.assetHandler("web/bundle.css", "text/css; charset=utf-8"))
	mux.HandleFunc("/bundle.js", s.assetHandler("web/bundle.js", "application/javascript; charset=utf-8"))
	mux.HandleFunc("/favicon.png", s.assetHandler("web/favicon.png", "image/png"))

	mux.HandleFunc("/api/mirrors", s.handleMirrors)
	mux.HandleFunc("/api/defaults", s.handleDefaults)
	mux.Handle("/whip", s.whip.Handler())

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.withCORS(s.withLogging(mux)),
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      0, // the /api/mirrors create stream can run as long as the handshake takes
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.logger.Info("starting HTTP server", "address", addr)

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", "error", err)
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("stopping HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	indexHTML, err := webFS.ReadFile("web/index.html")
	if err != nil {
		s.logger.Error("failed to read index.html", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(indexHTML)
}

func (s *Server) assetHandler(path, contentType string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, err := webFS.ReadFile(path)
		if err != nil {
			s.logger.Error("failed to read asset", "path", path, "error", err)
			http.Error(w, "internal server error", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", contentType)
		w.Write(data)
	}
}

// handleMirrors dispatches GET /api/mirrors and POST /api/mirrors?action=create|delete.
func (s *Server) handleMirrors(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleMirrorsGet(w, r)
	case http.MethodPost:
		switch r.URL.Query().Get("action") {
		case "create":
			s.handleMirrorsCreate(w, r)
		case "delete":
			s.handleMirrorsDelete(w, r)
		default:
			http.Error(w, "unknown action", http.StatusBadRequest)
		}
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleDefaults(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.defaults)
}

func (s *Server) handleMirrorsGet(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.whip.ViewMirrors()); err != nil {
		s.logger.Error("failed to encode mirrors response", "error", err)
	}
}

type createMirrorPayload struct {
	Token     string `json:"token"`
	GuildID   uint64 `json:"guild_id"`
	ChannelID uint64 `json:"channel_id"`
}

type deleteMirrorPayload struct {
	ID int `json:"id"`
}

type connectResult struct {
	live *discord.DiscordLive
	err  error
}

// handleMirrorsCreate streams one line per builder trace stage, then a
// final "success" or "error: <message>" line, racing the handshake's
// progress events against its terminal result the way the original
// stream::unfold did.
func (s *Server) handleMirrorsCreate(w http.ResponseWriter, r *http.Request) {
	var payload createMirrorPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)

	traceCh := make(chan discord.BuilderState, 8)
	resultCh := make(chan connectResult, 1)

	builder := s.mirrorFactory(payload.Token, payload.GuildID, payload.ChannelID)
	go func() {
		live, err := builder.Connect(r.Context(), traceCh)
		resultCh <- connectResult{live: live, err: err}
		close(traceCh)
	}()

	for {
		select {
		case state, ok := <-traceCh:
			if !ok {
				traceCh = nil
				continue
			}
			fmt.Fprintln(w, state.String())
			flusher.Flush()
		case res := <-resultCh:
			drainTrace(w, traceCh, flusher)
			if res.err != nil {
				fmt.Fprintf(w, "error: %s\n", res.err)
			} else {
				s.whip.AddMirror(res.live)
				fmt.Fprintln(w, "success")
			}
			flusher.Flush()
			return
		}
	}
}

func drainTrace(w http.ResponseWriter, traceCh <-chan discord.BuilderState, flusher http.Flusher) {
	if traceCh == nil {
		return
	}
	for {
		select {
		case state, ok := <-traceCh:
			if !ok {
				return
			}
			fmt.Fprintln(w, state.String())
			flusher.Flush()
		default:
			return
		}
	}
}

func (s *Server) handleMirrorsDelete(w http.ResponseWriter, r *http.Request) {
	var payload deleteMirrorPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	mirrors := s.whip.ViewMirrors()
	if payload.ID < 0 || payload.ID >= len(mirrors) {
		http.Error(w, "unknown mirror id", http.StatusInternalServerError)
		return
	}

	s.whip.RemoveMirror(payload.ID)
	w.WriteHeader(http.StatusOK)
}

// withCORS adds CORS headers to responses
func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// withLogging adds request logging
func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		s.logger.Info("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration_ms", time.Since(start).Milliseconds(),
			"remote_addr", r.RemoteAddr,
		)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
