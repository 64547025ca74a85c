package shipledger

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/google/uuid"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// DefaultMaxBodyBytes bounds uploaded ledger files.
const DefaultMaxBodyBytes = 16 << 20

const (
	contentTypeProtobuf    = "application/x-protobuf"
	contentTypeJSON        = "application/json"
	contentTypeOctetStream = "application/octet-stream"
)

// Server exposes ledger verification and sealing over HTTP(S).
type Server struct {
	Loader       *Loader
	MaxBodyBytes int64
	logger       log.Logger
	tlsConfig    *tls.Config
}

// NewServer creates a server using the compiled-in envelope secret.
func NewServer(logger log.Logger) *Server {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Server{
		Loader:       NewLoader(),
		MaxBodyBytes: DefaultMaxBodyBytes,
		logger:       logger,
	}
}

// SetTLSConfig clones cfg and stores it for use when serving HTTPS requests.
// If cfg is nil a default configuration will be used.
func (s *Server) SetTLSConfig(cfg *tls.Config) {
	if cfg == nil {
		s.tlsConfig = nil
		return
	}
	s.tlsConfig = cfg.Clone()
}

// wantsProtobuf checks the response format the client asked for.
func wantsProtobuf(r *http.Request) bool {
	return isProtobuf(r.Header.Get("Accept")) || isProtobuf(r.Header.Get("Content-Type"))
}

func isProtobuf(contentType string) bool {
	return strings.HasPrefix(contentType, contentTypeProtobuf) || strings.HasPrefix(contentType, "application/protobuf")
}

type jsonRecord struct {
	Article        string `json:"article"`
	Quantity       int    `json:"quantity"`
	Timestamp      int64  `json:"timestamp"`
	ShippedAt      string `json:"shipped_at"`
	Hash           string `json:"hash"`
	CalculatedHash string `json:"calculated_hash"`
	ChainValid     bool   `json:"chain_valid"`
}

type jsonLedger struct {
	Encrypted  bool         `json:"encrypted"`
	Valid      bool         `json:"valid"`
	FirstBreak int          `json:"first_break"`
	Records    []jsonRecord `json:"records"`
}

func toJSONLedger(l *ValidatedLedger) jsonLedger {
	out := jsonLedger{
		Encrypted:  l.Encrypted,
		Valid:      l.Valid(),
		FirstBreak: l.FirstBreak(),
		Records:    make([]jsonRecord, len(l.Records)),
	}
	for i, r := range l.Records {
		out.Records[i] = jsonRecord{
			Article:        r.Article,
			Quantity:       r.Quantity,
			Timestamp:      r.Timestamp,
			ShippedAt:      time.Unix(r.Timestamp, 0).UTC().Format(time.RFC3339),
			Hash:           r.StoredHash,
			CalculatedHash: r.CalculatedHash,
			ChainValid:     r.ChainValid,
		}
	}
	return out
}

func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "Ledger too large", http.StatusRequestEntityTooLarge)
			return nil, false
		}
		http.Error(w, fmt.Sprintf("Read body: %v", err), http.StatusBadRequest)
		return nil, false
	}
	return body, true
}

// HandleVerify handles POST /api/v1/ledger/verify. The body is a ledger file
// in either persisted format.
func (s *Server) HandleVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}

	l, err := s.Loader.LoadBytes(body)
	if err != nil {
		level.Warn(s.logger).Log("msg", "verify rejected", "request_id", requestID(r), "err", err)
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	level.Info(s.logger).Log("msg", "verified", "request_id", requestID(r),
		"records", len(l.Records), "encrypted", l.Encrypted, "first_break", l.FirstBreak())

	if wantsProtobuf(r) {
		data, err := proto.Marshal(ToProtoLedger(l))
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to encode response: %v", err), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", contentTypeProtobuf)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
		return
	}

	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(toJSONLedger(l))
}

// HandleSeal handles POST /api/v1/ledger/seal. The body is a plaintext ledger
// (raw JSON, or a BytesValue when sent as protobuf); the response is its envelope.
func (s *Server) HandleSeal(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}

	pb := wantsProtobuf(r)
	plain := body
	if isProtobuf(r.Header.Get("Content-Type")) {
		var in wrapperspb.BytesValue
		if err := proto.Unmarshal(body, &in); err != nil {
			http.Error(w, fmt.Sprintf("Invalid request: %v", err), http.StatusBadRequest)
			return
		}
		plain = in.GetValue()
	}
	if _, err := Unmarshal(plain); err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	sealed, err := s.Loader.Envelope.Seal(plain)
	if err != nil {
		http.Error(w, fmt.Sprintf("Seal failed: %v", err), http.StatusInternalServerError)
		return
	}
	level.Info(s.logger).Log("msg", "sealed", "request_id", requestID(r), "bytes", len(plain))

	if pb {
		data, err := proto.Marshal(wrapperspb.String(string(sealed)))
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to encode response: %v", err), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", contentTypeProtobuf)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=us-ascii")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(sealed)
}

// HandleHealth handles GET /healthz.
func (s *Server) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

type ctxKeyRequestID struct{}

func requestID(r *http.Request) string {
	id, _ := r.Context().Value(ctxKeyRequestID{}).(string)
	return id
}

// withRequestID tags each request with an X-Request-ID, reusing the client's.
func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", id)
		level.Debug(s.logger).Log("msg", "request", "request_id", id, "method", r.Method, "path", r.URL.Path)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyRequestID{}, id)))
	})
}

// SetupRoutes configures HTTP routes for the verification service.
func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.Handle("/api/v1/ledger/verify", s.withRequestID(http.HandlerFunc(s.HandleVerify)))
	mux.Handle("/api/v1/ledger/seal", s.withRequestID(http.HandlerFunc(s.HandleSeal)))
	mux.HandleFunc("/healthz", s.HandleHealth)
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.SetupRoutes(mux)
	return mux
}

func (s *Server) tlsConfigWithDefaults() *tls.Config {
	if s.tlsConfig == nil {
		return &tls.Config{MinVersion: tls.VersionTLS12}
	}
	cfg := s.tlsConfig.Clone()
	if cfg.MinVersion == 0 {
		cfg.MinVersion = tls.VersionTLS12
	}
	return cfg
}

func (s *Server) httpServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// ListenAndServe starts a plain HTTP server.
func (s *Server) ListenAndServe(addr string) error {
	level.Info(s.logger).Log("msg", "listening", "addr", addr, "tls", false)
	return s.httpServer(addr).ListenAndServe()
}

// ListenAndServeTLS starts the HTTPS server.
func (s *Server) ListenAndServeTLS(addr, certFile, keyFile string) error {
	server := s.httpServer(addr)
	server.TLSConfig = s.tlsConfigWithDefaults()
	level.Info(s.logger).Log("msg", "listening", "addr", addr, "tls", true)
	return server.ListenAndServeTLS(certFile, keyFile)
}
