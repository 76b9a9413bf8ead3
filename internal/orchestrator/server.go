package orchestrator

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"eva/internal/apierror"
	"eva/internal/config"
	"eva/internal/logging"
	"eva/internal/protocol"
)

// TextMaxChars caps the /text proxy body; the Executive applies its own
// limits behind it.
const TextMaxChars = 2000

// Server is the Orchestrator daemon: the /eye WebSocket broker plus the
// /text and /speech HTTP proxies.
type Server struct {
	Config   config.Config
	Routes   *RouteTable
	Debounce *Debouncer
	Detector *DetectorLink
	Synth    Synthesizer
	TTSCache *MP3Cache

	httpClient *http.Client

	uiMu sync.Mutex
	ui   *UIClient
}

// NewServer wires the broker state. The detector link starts on Run.
func NewServer(cfg config.Config) *Server {
	s := &Server{
		Config:     cfg,
		Routes:     NewRouteTable(),
		Debounce:   NewDebouncer(),
		TTSCache:   NewMP3Cache(MP3CacheSize),
		httpClient: &http.Client{Timeout: 2 * time.Minute},
	}
	s.Detector = NewDetectorLink(cfg.Server.DetectorURL, s)
	if cfg.Speech.Enabled {
		s.Synth = NewHTTPSynthesizer(cfg.Speech.Endpoint)
	}
	return s
}

// Run starts the detector reconnect loop.
func (s *Server) Run(ctx context.Context) {
	go s.Detector.Run(ctx)
}

// Router builds the HTTP route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/eye", s.handleEye)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/text", s.handleText).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/speech", s.handleSpeech).Methods(http.MethodPost, http.MethodOptions)
	if s.Config.Server.EnableCORS {
		r.Use(s.corsMiddleware)
	}
	return r
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.uiMu.Lock()
	uiConnected := s.ui != nil
	s.uiMu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":             "ok",
		"ui_connected":       uiConnected,
		"detector_connected": s.Detector.Connected(),
		"routes_in_flight":   s.Routes.Len(),
		"tts_cache_entries":  s.TTSCache.Len(),
	})
}

// textRequest is the /text and /speech body.
type textRequest struct {
	Text      string `json:"text"`
	SessionID string `json:"session_id"`
	Voice     string `json:"voice"`
	Rate      string `json:"rate"`
}

func (s *Server) readText(w http.ResponseWriter, r *http.Request, maxChars int) (*textRequest, error) {
	ct := r.Header.Get("Content-Type")
	if !strings.HasPrefix(strings.ToLower(strings.TrimSpace(ct)), "application/json") {
		return nil, apierror.New(http.StatusUnsupportedMediaType, apierror.CodeUnsupportedContentType,
			fmt.Sprintf("content type %q is not application/json", ct))
	}
	maxBody := s.Config.Server.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		return nil, apierror.New(http.StatusRequestEntityTooLarge, apierror.CodePayloadTooLarge,
			fmt.Sprintf("request body exceeds %d bytes", maxBody))
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, apierror.New(http.StatusBadRequest, apierror.CodeEmptyBody, "request body is empty")
	}

	var req textRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, apierror.New(http.StatusBadRequest, apierror.CodeInvalidJSON, "request body is not valid JSON")
	}
	req.Text = strings.TrimSpace(req.Text)
	if req.Text == "" {
		return nil, apierror.Invalid("text must be a non-empty string")
	}
	if len(req.Text) > maxChars {
		return nil, apierror.Invalid(fmt.Sprintf("text exceeds %d characters", maxChars))
	}
	return &req, nil
}

// handleText proxies the request to the Executive /respond endpoint and
// relays status and body unchanged.
func (s *Server) handleText(w http.ResponseWriter, r *http.Request) {
	req, err := s.readText(w, r, TextMaxChars)
	if err != nil {
		apierror.Write(w, err)
		return
	}

	payload, _ := json.Marshal(map[string]string{"text": req.Text, "session_id": req.SessionID})
	upstream, err := http.NewRequestWithContext(r.Context(), http.MethodPost,
		strings.TrimRight(s.Config.Server.ExecutiveURL, "/")+"/respond", bytes.NewReader(payload))
	if err != nil {
		apierror.Write(w, err)
		return
	}
	upstream.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(upstream)
	if err != nil {
		apierror.Write(w, apierror.New(http.StatusBadGateway, apierror.CodeModelCallFailed,
			fmt.Sprintf("executive unreachable: %v", err)))
		return
	}
	defer resp.Body.Close()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

// handleSpeech synthesizes MP3 audio for the text, serving repeats from the
// LRU cache. The X-Eva-TTS-Cache header reports HIT or MISS.
func (s *Server) handleSpeech(w http.ResponseWriter, r *http.Request) {
	maxChars := s.Config.Speech.MaxChars
	if maxChars <= 0 {
		maxChars = 600
	}
	req, err := s.readText(w, r, maxChars)
	if err != nil {
		apierror.Write(w, err)
		return
	}
	if s.Synth == nil {
		apierror.Write(w, apierror.New(http.StatusServiceUnavailable, apierror.CodeInvalidRequest,
			"speech synthesis is disabled"))
		return
	}

	voice := req.Voice
	if voice == "" {
		voice = s.Config.Speech.Voice
	}
	rate := req.Rate
	if rate == "" {
		rate = s.Config.Speech.Rate
	}

	key := SpeechCacheKey(req.Text, voice, rate)
	if audio, ok := s.TTSCache.Get(key); ok {
		logging.SpeechDebug("TTS cache hit for %d chars", len(req.Text))
		w.Header().Set("X-Eva-TTS-Cache", "HIT")
		w.Header().Set("Content-Type", "audio/mpeg")
		w.Write(audio)
		return
	}

	audio, err := s.Synth.Synthesize(r.Context(), req.Text, voice, rate)
	if err != nil {
		apierror.Write(w, apierror.New(http.StatusBadGateway, apierror.CodeModelCallFailed,
			fmt.Sprintf("speech synthesis failed: %v", err)))
		return
	}
	s.TTSCache.Put(key, audio)

	w.Header().Set("X-Eva-TTS-Cache", "MISS")
	w.Header().Set("Content-Type", "audio/mpeg")
	w.Write(audio)
}

// alertSpeechTimeout bounds alert synthesis; alerts are time-sensitive and
// a stale clip is worse than none.
const alertSpeechTimeout = 10 * time.Second

// pushAlert delivers a debounced high-severity alert to the UI as a
// text_output, followed by a speech_output when synthesis is enabled.
// pushAlert runs on the detector read loop, so the synthesis call must
// not block it.
func (s *Server) pushAlert(text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	s.uiMu.Lock()
	ui := s.ui
	s.uiMu.Unlock()
	if ui == nil {
		logging.RouterDebug("Alert with no UI connected: %s", text)
		return
	}

	nowMs := time.Now().UnixMilli()
	ui.enqueueJSON(protocol.TextOutput{Type: protocol.TypeTextOutput, V: protocol.Version, Text: text, TsMs: nowMs})

	if s.Synth == nil {
		return
	}
	go s.speakAlert(ui, text, nowMs)
}

// speakAlert synthesizes the alert audio off the read loop and enqueues it.
func (s *Server) speakAlert(ui *UIClient, text string, nowMs int64) {
	ctx, cancel := context.WithTimeout(context.Background(), alertSpeechTimeout)
	defer cancel()
	voice, rate := s.Config.Speech.Voice, s.Config.Speech.Rate
	key := SpeechCacheKey(text, voice, rate)
	audio, ok := s.TTSCache.Get(key)
	if !ok {
		var err error
		audio, err = s.Synth.Synthesize(ctx, text, voice, rate)
		if err != nil {
			logging.Get(logging.CategorySpeech).Warn("Alert synthesis failed: %v", err)
			return
		}
		s.TTSCache.Put(key, audio)
	}
	ui.enqueueJSON(protocol.SpeechOutput{
		Type:     protocol.TypeSpeechOutput,
		V:        protocol.Version,
		BytesB64: base64.StdEncoding.EncodeToString(audio),
		MIME:     "audio/mpeg",
		TsMs:     nowMs,
	})
}
