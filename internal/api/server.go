package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/zde37/ringkv/internal/metrics"
	"github.com/zde37/ringkv/internal/transport"
	"github.com/zde37/ringkv/pkg"
	"github.com/zde37/ringkv/pkg/hash"
	"google.golang.org/protobuf/types/known/structpb"
)

// Server is the HTTP API of a coordinator or node: health, metrics, the
// ring as JSON or text, key lookups and the live event feed.
type Server struct {
	source     transport.RingSource
	sink       metrics.Sink
	wsHub      *WebSocketHub
	logger     *pkg.Logger
	marshaler  runtime.Marshaler
	httpServer *http.Server
	listener   net.Listener
}

// NewServer creates an HTTP API server for source.
func NewServer(source transport.RingSource, sink metrics.Sink, logger *pkg.Logger) (*Server, error) {
	if source == nil {
		return nil, fmt.Errorf("ring source cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if sink == nil {
		sink = metrics.NewBlackHoleSink()
	}

	return &Server{
		source:    source,
		sink:      sink,
		wsHub:     NewWebSocketHub(logger),
		logger:    logger.WithFields(pkg.Fields{"component": "http_api"}),
		marshaler: &runtime.JSONPb{},
	}, nil
}

// Hub returns the event hub; publish ring changes to it.
func (s *Server) Hub() *WebSocketHub {
	return s.wsHub
}

// Handler builds the routing tree.
func (s *Server) Handler() (http.Handler, error) {
	mux := runtime.NewServeMux(
		runtime.WithMarshalerOption(runtime.MIMEWildcard, s.marshaler),
	)

	routes := []struct {
		path    string
		handler runtime.HandlerFunc
	}{
		{"/health", s.healthHandler},
		{"/metrics", s.metricsHandler},
		{"/api/v1/ring", s.ringHandler},
		{"/api/v1/ring/text", s.ringTextHandler},
		{"/api/v1/lookup/{key}", s.lookupHandler},
	}
	for _, r := range routes {
		if err := mux.HandlePath(http.MethodGet, r.path, r.handler); err != nil {
			return nil, fmt.Errorf("failed to register %s: %w", r.path, err)
		}
	}

	httpMux := http.NewServeMux()
	httpMux.HandleFunc("/api/ws", s.wsHub.HandleWebSocket)
	httpMux.Handle("/", corsMiddleware(mux))
	return httpMux, nil
}

// Start listens on address and serves in the background.
func (s *Server) Start(address string) error {
	handler, err := s.Handler()
	if err != nil {
		return err
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener

	s.wsHub.Start()

	s.httpServer = &http.Server{
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info().
		Str("address", listener.Addr().String()).
		Str("role", s.source.Role()).
		Msg("Starting HTTP API server")

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("HTTP server error")
		}
	}()
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop gracefully stops the HTTP server.
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping HTTP API server")

	if s.httpServer == nil {
		return nil
	}
	s.wsHub.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	s.writeMessage(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"role":    s.source.Role(),
		"address": s.source.Address(),
	})
}

func (s *Server) metricsHandler(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	s.sink.Handler().ServeHTTP(w, r)
}

func (s *Server) ringHandler(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	snapshot := s.source.Ring()
	nodes := make([]any, 0, snapshot.Size())
	for _, n := range snapshot.Nodes() {
		nodes = append(nodes, map[string]any{
			"address": n.Address(),
			"start":   n.Start.String(),
			"end":     n.End.String(),
		})
	}
	s.writeMessage(w, http.StatusOK, map[string]any{
		"role":  s.source.Role(),
		"size":  snapshot.Size(),
		"nodes": nodes,
	})
}

func (s *Server) ringTextHandler(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(s.source.Ring().String()))
}

func (s *Server) lookupHandler(w http.ResponseWriter, r *http.Request, params map[string]string) {
	key := params["key"]
	id := hash.Key(key)

	owner, ok := s.source.Ring().LookupByHash(id)
	if !ok {
		s.writeMessage(w, http.StatusServiceUnavailable, map[string]any{
			"error": "ring is empty",
		})
		return
	}
	s.writeMessage(w, http.StatusOK, map[string]any{
		"key":   key,
		"hash":  id.String(),
		"owner": owner.Address(),
	})
}

func (s *Server) writeMessage(w http.ResponseWriter, code int, body map[string]any) {
	msg, err := structpb.NewStruct(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	data, err := s.marshaler.Marshal(msg)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", s.marshaler.ContentType(msg))
	w.WriteHeader(code)
	w.Write(data)
}

// corsMiddleware adds CORS headers to responses.
func corsMiddleware(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		h.ServeHTTP(w, r)
	})
}
