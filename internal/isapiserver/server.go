// Package isapiserver implements the inbound ISAPI webhook server: the
// HTTP endpoint devices push EventNotificationAlert payloads to, including
// tolerant multipart handling, heartbeat tolerance, and image/XML
// correlation.
package isapiserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"mime"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/crypto/bcrypt"

	"github.com/accessbridge/bridge/internal/correlation"
	"github.com/accessbridge/bridge/internal/isapi"
	"github.com/accessbridge/bridge/internal/multipart"
)

// Handler processes one parsed ISAPI event (and any attached images) from
// whichever source produced it.
type Handler interface {
	HandleISAPIEvent(clientAddr string, evt isapi.Event, images map[string][]byte)
}

// Server is the inbound webhook HTTP server of §4.G.
type Server struct {
	addr        string
	path        string
	secretHash  []byte // bcrypt hash of the configured shared secret, or nil if no secret configured
	correlation correlation.Cache
	handler     Handler
	logger      *log.Logger

	httpServer *http.Server
}

// Config configures a Server. The correlation cache's own TTL (set at its
// construction) governs how long an XML payload stays attachable to a
// later image part; Config carries no separate TTL.
type Config struct {
	Addr          string
	Path          string
	WebhookSecret string // plaintext from config; hashed once at construction
}

// NewServer constructs a Server. The configured shared secret (if any) is
// hashed with bcrypt at rest, following the teacher's API-key-secret
// convention, and compared in constant time on each request.
func NewServer(cfg Config, cache correlation.Cache, handler Handler, logger *log.Logger) (*Server, error) {
	var hash []byte
	if cfg.WebhookSecret != "" {
		h, err := bcrypt.GenerateFromPassword([]byte(cfg.WebhookSecret), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("isapiserver: hash webhook secret: %w", err)
		}
		hash = h
	}

	return &Server{
		addr:        cfg.Addr,
		path:        cfg.Path,
		secretHash:  hash,
		correlation: cache,
		handler:     handler,
		logger:      logger,
	}, nil
}

// ListenAndServe starts the HTTP server and blocks until ctx is canceled,
// then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	r := mux.NewRouter()
	r.HandleFunc(s.path, s.handleWebhook).Methods(http.MethodPost)
	if s.path != "/" {
		r.HandleFunc("/", s.handleWebhook).Methods(http.MethodPost)
	}

	s.httpServer = &http.Server{
		Addr:    s.addr,
		Handler: r,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Printf("listening on %s (path %s)", s.addr, s.path)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// checkSecret compares the request's shared-secret header against the
// hashed configured secret in constant time via bcrypt. No configured
// secret means the gate is open.
func (s *Server) checkSecret(r *http.Request) bool {
	if s.secretHash == nil {
		return true
	}
	provided := r.Header.Get("X-Webhook-Secret")
	if provided == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword(s.secretHash, []byte(provided)) == nil
}

var xmlAlertPattern = regexp.MustCompile(`(?s)<EventNotificationAlert[^>]*>.*?</EventNotificationAlert>`)

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if !s.checkSecret(r) {
		s.logger.Printf("webhook request from %s: bad or missing secret", r.RemoteAddr)
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.logger.Printf("webhook request from %s: failed to read body: %v", r.RemoteAddr, err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	clientAddr := r.RemoteAddr
	ctx := r.Context()

	if len(bytes.TrimSpace(body)) == 0 {
		// Heartbeat.
		w.WriteHeader(http.StatusOK)
		return
	}

	contentType := r.Header.Get("Content-Type")

	var xmlData []byte
	images := make(map[string][]byte)

	if strings.HasPrefix(strings.ToLower(contentType), "multipart/") {
		boundary := extractBoundaryParam(contentType)
		if boundary == "" {
			if match := xmlAlertPattern.Find(body); match != nil {
				xmlData = match
			} else {
				w.WriteHeader(http.StatusOK)
				return
			}
		} else {
			parts := multipart.Split(body, boundary)
			if len(parts) == 0 {
				w.WriteHeader(http.StatusOK)
				return
			}
			xmlData, images = classifyParts(parts)
			if xmlData == nil {
				if match := xmlAlertPattern.Find(body); match != nil {
					xmlData = match
				}
			}
		}
	} else if looksLikeXML(contentType, body) {
		xmlData = body
	}

	if xmlData == nil {
		if len(images) > 0 {
			if cached, found, err := s.correlation.Get(ctx, clientAddr); err == nil && found {
				xmlData = cached
			} else {
				w.WriteHeader(http.StatusOK)
				return
			}
		} else {
			w.WriteHeader(http.StatusOK)
			return
		}
	} else {
		s.correlation.Put(ctx, clientAddr, xmlData)
	}

	events, err := isapi.ParseEvents(xmlData)
	if err != nil {
		s.logger.Printf("webhook request from %s: XML parse failed: %v", clientAddr, err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	for _, evt := range events {
		s.handler.HandleISAPIEvent(clientAddr, evt, images)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "success"})
}

// classifyParts separates a multipart split into the XML payload (by
// content-type, Content-Disposition name hint, or sniffing) and any image
// parts, per §4.G step 2.
func classifyParts(parts []multipart.Part) ([]byte, map[string][]byte) {
	var xmlData []byte
	images := make(map[string][]byte)

	for i, p := range parts {
		switch p.Type {
		case multipart.PartXML:
			if xmlData == nil {
				xmlData = p.Body
			}
		case multipart.PartImage:
			name := imageName(p, i)
			images[name] = p.Body
		default:
			if disposition := strings.ToLower(p.ContentDisposition()); xmlData == nil && looksLikeEventDisposition(disposition) {
				xmlData = p.Body
			}
		}
	}

	return xmlData, images
}

func looksLikeEventDisposition(disposition string) bool {
	for _, hint := range []string{"event", "notification", "alert", "metadata"} {
		if strings.Contains(disposition, hint) {
			return true
		}
	}
	return false
}

func imageName(p multipart.Part, index int) string {
	if disposition := p.ContentDisposition(); disposition != "" {
		if _, params, err := mime.ParseMediaType("attachment; " + disposition); err == nil {
			if fn, ok := params["filename"]; ok && fn != "" {
				return fn
			}
		}
	}
	return fmt.Sprintf("image_%d.jpg", index)
}

func looksLikeXML(contentType string, body []byte) bool {
	if strings.Contains(strings.ToLower(contentType), "xml") {
		return true
	}
	trimmed := bytes.TrimSpace(body)
	return len(trimmed) > 0 && trimmed[0] == '<'
}

func extractBoundaryParam(contentType string) string {
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	return params["boundary"]
}
