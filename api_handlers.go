package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/cwsl/pimtector/dsp"
)

// APIServer exposes the receiver settings over REST. Every response is a
// JSON object holding either the named value or an "error" string.
type APIServer struct {
	receiver *Receiver
	streamer *Streamer
}

func NewAPIServer(receiver *Receiver, streamer *Streamer) *APIServer {
	return &APIServer{receiver: receiver, streamer: streamer}
}

// RegisterRoutes mounts the API under /api
func (s *APIServer) RegisterRoutes(router *mux.Router) {
	api := router.PathPrefix("/api").Subrouter()

	// Read-only
	api.HandleFunc("/info", s.handleInfo).Methods("GET")
	api.HandleFunc("/gains", s.handleGains).Methods("GET")
	api.HandleFunc("/points", s.handlePoints).Methods("GET")
	api.HandleFunc("/settings", s.handleSettings).Methods("GET")
	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/stream", s.handleStream).Methods("GET")
	api.HandleFunc("/trace", s.handleTrace).Methods("GET")

	// Read/write, hardware
	api.HandleFunc("/gain", s.handleGain).Methods("GET", "POST")
	api.HandleFunc("/freqCorrection", s.handleFreqCorrection).Methods("GET", "POST")
	api.HandleFunc("/frequency", s.handleFrequency).Methods("GET", "POST")
	api.HandleFunc("/sampleRate", s.handleSampleRate).Methods("GET", "POST")
	api.HandleFunc("/offsetTuning", s.handleOffsetTuning).Methods("GET", "POST")
	api.HandleFunc("/span", s.handleSpan).Methods("GET", "POST")

	// Read/write, processing settings
	api.HandleFunc("/averages", s.intSetting("averages", func(st *dsp.Settings) *int { return &st.Averages })).Methods("GET", "POST")
	api.HandleFunc("/chunkDiv", s.intSetting("chunkDiv", func(st *dsp.Settings) *int { return &st.ChunkDiv })).Methods("GET", "POST")
	api.HandleFunc("/blocks", s.intSetting("blocks", func(st *dsp.Settings) *int { return &st.Blocks })).Methods("GET", "POST")
	api.HandleFunc("/decimate", s.handleDecimate).Methods("GET", "POST")
	api.HandleFunc("/window", s.handleWindow).Methods("GET", "POST")
	api.HandleFunc("/overlap", s.handleOverlap).Methods("GET", "POST")

	// Write-only
	api.HandleFunc("/gainMode", s.handleGainMode).Methods("POST")
	api.HandleFunc("/agc", s.handleAGC).Methods("POST")
	api.HandleFunc("/resetBuffer", s.handleResetBuffer).Methods("POST")
	api.HandleFunc("/acquisition/start", s.handleStart).Methods("POST")
	api.HandleFunc("/acquisition/stop", s.handleStop).Methods("POST")
}

// respond writes {"name": value}, or {"error": ...} when err is set
func respond(w http.ResponseWriter, name string, value interface{}, err error) {
	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		w.WriteHeader(statusFor(err))
		body := map[string]interface{}{"error": err.Error()}
		if code := errorCode(err); code != 0 {
			body["code"] = code
		}
		json.NewEncoder(w).Encode(body)
		return
	}
	if err := json.NewEncoder(w).Encode(map[string]interface{}{name: value}); err != nil {
		log.Printf("Error encoding %s response: %v", name, err)
	}
}

// statusFor maps receiver errors to HTTP status codes
func statusFor(err error) int {
	var bad badRequestError
	switch {
	case errors.As(err, &bad):
		return http.StatusBadRequest
	case errors.Is(err, ErrDeviceNotFound), errors.Is(err, ErrDeviceOpenFailed):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrSettingRejected):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrSettingUnavailable):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

type badRequestError struct{ msg string }

func (e badRequestError) Error() string { return e.msg }

// decodeField reads field name from a JSON request body into v
func decodeField(r *http.Request, name string, v interface{}) error {
	var body map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return badRequestError{"invalid request body: " + err.Error()}
	}
	raw, ok := body[name]
	if !ok {
		return badRequestError{fmt.Sprintf("missing field %q", name)}
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return badRequestError{fmt.Sprintf("invalid %s: %v", name, err)}
	}
	return nil
}

// flexBool accepts true/false, 0/1 and their string forms
type flexBool bool

func (b *flexBool) UnmarshalJSON(data []byte) error {
	s := strings.Trim(strings.ToLower(string(data)), `"`)
	switch s {
	case "true", "1", "on":
		*b = true
	case "false", "0", "off", "":
		*b = false
	default:
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			*b = f != 0
			return nil
		}
		return fmt.Errorf("not a boolean: %s", data)
	}
	return nil
}

// settingsChanged drops buffered traces computed with the old settings
func (s *APIServer) settingsChanged() {
	s.streamer.ResetBuffer()
}

func (s *APIServer) handleInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.receiver.Info()
	respond(w, "info", info, err)
}

func (s *APIServer) handleGains(w http.ResponseWriter, r *http.Request) {
	gains, err := s.receiver.TunerGains()
	respond(w, "gains", gains, err)
}

func (s *APIServer) handlePoints(w http.ResponseWriter, r *http.Request) {
	respond(w, "points", s.receiver.Points(), nil)
}

func (s *APIServer) handleSettings(w http.ResponseWriter, r *http.Request) {
	respond(w, "settings", s.receiver.Settings(), nil)
}

// ReceiverStatus is the /api/status payload
type ReceiverStatus struct {
	State     string        `json:"state"`
	Error     string        `json:"error,omitempty"`
	ErrorCode int           `json:"error_code,omitempty"`
	Span      float64       `json:"span"`
	Points    int           `json:"points"`
	Stream    StreamStatus  `json:"stream"`
	Latest    *TraceSummary `json:"latest,omitempty"`
}

func (s *APIServer) status() ReceiverStatus {
	state, lastErr := s.receiver.State()
	st := ReceiverStatus{
		State:  state.String(),
		Span:   s.receiver.Span(),
		Points: s.receiver.Points(),
		Stream: s.streamer.Status(),
	}
	if lastErr != nil {
		st.Error = lastErr.Error()
		st.ErrorCode = errorCode(lastErr)
	}
	if t, ok := s.receiver.Latest(); ok {
		sum := SummarizeTrace(t)
		st.Latest = &sum
	}
	return st
}

func (s *APIServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	respond(w, "status", s.status(), nil)
}

func (s *APIServer) handleStream(w http.ResponseWriter, r *http.Request) {
	respond(w, "stream", s.streamer.Status(), nil)
}

func (s *APIServer) handleTrace(w http.ResponseWriter, r *http.Request) {
	t, ok := s.receiver.Latest()
	if !ok {
		respond(w, "trace", dsp.Trace{}, nil)
		return
	}
	respond(w, "trace", t, nil)
}

func (s *APIServer) handleGain(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		gain, err := s.receiver.Gain()
		respond(w, "gain", gain, err)
		return
	}
	var gain float64
	if err := decodeField(r, "gain", &gain); err != nil {
		respond(w, "gain", nil, err)
		return
	}
	respond(w, "gain", gain, s.receiver.SetGain(gain))
}

func (s *APIServer) handleFreqCorrection(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		ppm, err := s.receiver.FreqCorrection()
		respond(w, "freqCorrection", ppm, err)
		return
	}
	var ppm int
	if err := decodeField(r, "freqCorrection", &ppm); err != nil {
		respond(w, "freqCorrection", nil, err)
		return
	}
	respond(w, "freqCorrection", ppm, s.receiver.SetFreqCorrection(ppm))
}

func (s *APIServer) handleFrequency(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		hz, err := s.receiver.Frequency()
		respond(w, "frequency", hz, err)
		return
	}
	var hz float64
	if err := decodeField(r, "frequency", &hz); err != nil {
		respond(w, "frequency", nil, err)
		return
	}
	err := s.receiver.SetFrequency(int(hz))
	if err == nil {
		s.settingsChanged()
	}
	respond(w, "frequency", int(hz), err)
}

func (s *APIServer) handleSampleRate(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		hz, err := s.receiver.SampleRate()
		respond(w, "sampleRate", hz, err)
		return
	}
	var hz float64
	if err := decodeField(r, "sampleRate", &hz); err != nil {
		respond(w, "sampleRate", nil, err)
		return
	}
	err := s.receiver.SetSampleRate(int(hz))
	if err == nil {
		s.settingsChanged()
	}
	respond(w, "sampleRate", int(hz), err)
}

func (s *APIServer) handleOffsetTuning(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		on, err := s.receiver.OffsetTuning()
		respond(w, "offsetTuning", on, err)
		return
	}
	var on flexBool
	if err := decodeField(r, "offsetTuning", &on); err != nil {
		respond(w, "offsetTuning", nil, err)
		return
	}
	err := s.receiver.SetOffsetTuning(bool(on))
	if err == nil {
		s.settingsChanged()
	}
	respond(w, "offsetTuning", bool(on), err)
}

func (s *APIServer) handleSpan(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		respond(w, "span", s.receiver.Span(), nil)
		return
	}
	var hz float64
	if err := decodeField(r, "span", &hz); err != nil {
		respond(w, "span", nil, err)
		return
	}
	span, err := s.receiver.SetSpan(hz)
	if err == nil {
		s.settingsChanged()
	}
	respond(w, "span", span, err)
}

func (s *APIServer) handleDecimate(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		respond(w, "decimate", s.receiver.Settings().Decimate, nil)
		return
	}
	var d int
	if err := decodeField(r, "decimate", &d); err != nil {
		respond(w, "decimate", nil, err)
		return
	}
	d, err := s.receiver.SetDecimate(d)
	if err == nil {
		s.settingsChanged()
	}
	respond(w, "decimate", d, err)
}

// intSetting serves a plain integer processing setting
func (s *APIServer) intSetting(name string, field func(*dsp.Settings) *int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			st := s.receiver.Settings()
			respond(w, name, *field(&st), nil)
			return
		}
		var v int
		if err := decodeField(r, name, &v); err != nil {
			respond(w, name, nil, err)
			return
		}
		st, err := s.receiver.UpdateSettings(func(st *dsp.Settings) { *field(st) = v })
		if err == nil {
			s.settingsChanged()
		}
		respond(w, name, *field(&st), err)
	}
}

func (s *APIServer) handleWindow(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		respond(w, "window", s.receiver.Settings().Window, nil)
		return
	}
	var win dsp.WindowType
	if err := decodeField(r, "window", &win); err != nil {
		respond(w, "window", nil, err)
		return
	}
	st, err := s.receiver.UpdateSettings(func(st *dsp.Settings) { st.Window = win })
	if err == nil {
		s.settingsChanged()
	}
	respond(w, "window", st.Window, err)
}

func (s *APIServer) handleOverlap(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		respond(w, "overlap", s.receiver.Settings().Overlap, nil)
		return
	}
	var v float64
	if err := decodeField(r, "overlap", &v); err != nil {
		respond(w, "overlap", nil, err)
		return
	}
	st, err := s.receiver.UpdateSettings(func(st *dsp.Settings) { st.Overlap = v })
	if err == nil {
		s.settingsChanged()
	}
	respond(w, "overlap", st.Overlap, err)
}

func (s *APIServer) handleGainMode(w http.ResponseWriter, r *http.Request) {
	var manual flexBool
	if err := decodeField(r, "gainMode", &manual); err != nil {
		respond(w, "gainMode", nil, err)
		return
	}
	mode := 0
	if manual {
		mode = 1
	}
	respond(w, "gainMode", mode, s.receiver.SetGainMode(bool(manual)))
}

func (s *APIServer) handleAGC(w http.ResponseWriter, r *http.Request) {
	var on flexBool
	if err := decodeField(r, "agc", &on); err != nil {
		respond(w, "agc", nil, err)
		return
	}
	mode := 0
	if on {
		mode = 1
	}
	respond(w, "agc", mode, s.receiver.SetAGC(bool(on)))
}

func (s *APIServer) handleResetBuffer(w http.ResponseWriter, r *http.Request) {
	err := s.receiver.ResetBuffer()
	s.settingsChanged()
	respond(w, "resetBuffer", 0, err)
}

func (s *APIServer) handleStart(w http.ResponseWriter, r *http.Request) {
	s.streamer.ResetBuffer()
	err := s.receiver.Start(func(t dsp.Trace) { s.streamer.Push(t) }, nil)
	state, _ := s.receiver.State()
	respond(w, "state", state.String(), err)
}

func (s *APIServer) handleStop(w http.ResponseWriter, r *http.Request) {
	err := s.receiver.Stop()
	s.streamer.ResetBuffer()
	state, _ := s.receiver.State()
	respond(w, "state", state.String(), err)
}
