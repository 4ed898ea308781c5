package transport

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/aico-ai/gateway/pkg/config"
	"github.com/aico-ai/gateway/pkg/metrics"
	"github.com/aico-ai/gateway/pkg/session"
	"github.com/aico-ai/gateway/pkg/types"
)

// encryptedEnvelope is the wire shape of an encrypted request or
// response body. Compressed marks plaintexts gzipped before sealing.
type encryptedEnvelope struct {
	Encrypted  bool   `json:"encrypted"`
	Payload    string `json:"payload"`
	Encryption string `json:"encryption,omitempty"`
	Compressed bool   `json:"compressed,omitempty"`
	ClientID   string `json:"client_id,omitempty"`
}

// SessionMiddleware is the outermost HTTP handler layer. It negotiates
// session channels on the handshake path and transparently
// decrypts/encrypts JSON bodies for established clients. Nothing inside
// it ever sees ciphertext; nothing outside it sees plaintext.
type SessionMiddleware struct {
	cfg      config.SessionConfig
	sessions *session.Manager
	logger   zerolog.Logger
}

// NewSessionMiddleware builds the middleware around the session manager.
func NewSessionMiddleware(cfg config.SessionConfig, sessions *session.Manager, logger zerolog.Logger) *SessionMiddleware {
	return &SessionMiddleware{cfg: cfg, sessions: sessions, logger: logger}
}

// Wrap installs the middleware around next. It must be the outermost
// layer: any handler running before it would see ciphertext.
func (m *SessionMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.cfg.Enabled || m.isPublic(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		if r.URL.Path == m.cfg.HandshakePath {
			m.handleHandshake(w, r)
			return
		}
		m.handleProtected(w, r, next)
	})
}

func (m *SessionMiddleware) isPublic(path string) bool {
	for _, p := range m.cfg.PublicPaths {
		if p == path {
			return true
		}
	}
	return false
}

// handshakeBody is the POST body of the handshake endpoint.
type handshakeBody struct {
	HandshakeRequest *session.HandshakeRequest `json:"handshake_request"`
}

func (m *SessionMiddleware) handleHandshake(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.writeError(w, http.StatusMethodNotAllowed, types.KindMalformedMessage, "handshake requires POST")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, int64(m.cfg.MaxPayloadSize)))
	if err != nil {
		m.writeError(w, http.StatusBadRequest, types.KindDecodeFailure, "failed to read handshake body")
		return
	}

	var hs handshakeBody
	if err := json.Unmarshal(body, &hs); err != nil || hs.HandshakeRequest == nil {
		metrics.HandshakesTotal.WithLabelValues("rejected").Inc()
		m.writeError(w, http.StatusBadRequest, types.KindMalformedMessage, "body must contain handshake_request")
		return
	}

	derived := session.DeriveClientID(r.RemoteAddr, r.UserAgent())
	clientID, resp, err := m.sessions.Establish(hs.HandshakeRequest, derived)
	if err != nil {
		m.logger.Warn().Str("client", derived).Err(err).Msg("handshake rejected")
		m.writeError(w, http.StatusBadRequest, types.KindEncryptionError, err.Error())
		return
	}

	m.logger.Info().Str("client_id", clientID).Str("component", hs.HandshakeRequest.Component).Msg("session established")
	m.writeJSON(w, http.StatusOK, map[string]any{
		"status":             "session_established",
		"client_id":          clientID,
		"handshake_response": resp,
	})
}

func (m *SessionMiddleware) handleProtected(w http.ResponseWriter, r *http.Request, next http.Handler) {
	body, err := io.ReadAll(io.LimitReader(r.Body, int64(m.cfg.MaxPayloadSize)+1))
	if err != nil {
		m.writeError(w, http.StatusBadRequest, types.KindDecodeFailure, "failed to read request body")
		return
	}
	_ = r.Body.Close()
	if m.cfg.MaxPayloadSize > 0 && len(body) > m.cfg.MaxPayloadSize {
		m.writeError(w, http.StatusRequestEntityTooLarge, types.KindPayloadTooLarge, "request body exceeds maximum size")
		return
	}

	var env encryptedEnvelope
	encrypted := json.Unmarshal(body, &env) == nil && env.Encrypted

	clientID := env.ClientID
	if clientID == "" {
		clientID = session.DeriveClientID(r.RemoteAddr, r.UserAgent())
	}
	channel := m.sessions.Get(clientID)

	if channel == nil {
		if m.cfg.RequireEncryption {
			m.writeJSON(w, http.StatusUnauthorized, map[string]any{
				"error": types.ErrorInfo{
					StatusCode: http.StatusUnauthorized,
					Kind:       types.KindNoSession,
					Detail:     "no session established; handshake at " + m.cfg.HandshakePath,
				},
				"endpoint":       r.URL.Path,
				"handshake_path": m.cfg.HandshakePath,
			})
			return
		}
		// Encryption optional: forward untouched.
		r.Body = io.NopCloser(bytes.NewReader(body))
		r.ContentLength = int64(len(body))
		next.ServeHTTP(w, r)
		return
	}

	plaintext := body
	if encrypted {
		plaintext, err = channel.Decrypt(env.Payload)
		if err != nil {
			// The channel stays; replay and corruption are not grounds
			// for eviction.
			m.logger.Warn().Str("client_id", clientID).Err(err).Msg("request decryption failed")
			m.writeError(w, http.StatusBadRequest, types.KindEncryptionError, "payload decryption failed")
			return
		}
		if env.Compressed {
			plaintext, err = gunzip(plaintext)
			if err != nil {
				m.writeError(w, http.StatusBadRequest, types.KindDecodeFailure, "payload decompression failed")
				return
			}
		}
	}

	r.Body = io.NopCloser(bytes.NewReader(plaintext))
	r.ContentLength = int64(len(plaintext))
	r.Header.Set("Content-Length", strconv.Itoa(len(plaintext)))

	// Buffer the response so the body can be swapped for ciphertext and
	// Content-Length rewritten once.
	buf := &bufferedResponse{header: make(http.Header), status: http.StatusOK}
	next.ServeHTTP(buf, r)
	m.writeIntercepted(w, buf, channel, clientID)
}

// writeIntercepted emits the buffered response, encrypting JSON bodies
// for clients that hold a channel. Non-JSON bodies pass unmodified.
func (m *SessionMiddleware) writeIntercepted(w http.ResponseWriter, buf *bufferedResponse, channel *session.Channel, clientID string) {
	body := buf.body.Bytes()

	if channel != nil && len(body) > 0 && json.Valid(body) {
		plaintext := body
		compressed := false
		if m.cfg.CompressionEnabled && len(plaintext) >= m.cfg.CompressionThreshold {
			if packed, err := gzipBytes(plaintext); err == nil && len(packed) < len(plaintext) {
				plaintext = packed
				compressed = true
			}
		}
		sealed, err := channel.Encrypt(plaintext)
		if err == nil {
			wrapped, merr := json.Marshal(encryptedEnvelope{
				Encrypted:  true,
				Payload:    sealed,
				Encryption: session.AlgorithmName,
				Compressed: compressed,
			})
			if merr == nil {
				body = wrapped
				buf.header.Set("Content-Type", "application/json")
			}
		} else {
			m.logger.Error().Str("client_id", clientID).Err(err).Msg("response encryption failed, sending plaintext")
		}
	}

	headers := w.Header()
	for k, vals := range buf.header {
		headers[k] = vals
	}
	headers.Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(buf.status)
	_, _ = w.Write(body)
}

func (m *SessionMiddleware) writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func (m *SessionMiddleware) writeError(w http.ResponseWriter, status int, kind, detail string) {
	m.writeJSON(w, status, map[string]any{
		"error": types.ErrorInfo{StatusCode: status, Kind: kind, Detail: detail},
	})
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gunzip(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

// bufferedResponse captures status, headers and body for the response
// interception pass.
type bufferedResponse struct {
	header http.Header
	status int
	body   bytes.Buffer
	wrote  bool
}

func (b *bufferedResponse) Header() http.Header { return b.header }

func (b *bufferedResponse) WriteHeader(status int) {
	if !b.wrote {
		b.status = status
		b.wrote = true
	}
}

func (b *bufferedResponse) Write(p []byte) (int, error) {
	b.wrote = true
	return b.body.Write(p)
}
