package telemetry

import (
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/rjboer/sdrbench/internal/logging"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Config describes the running benchmark. It is served read-only.
type Config struct {
	RunID            string  `json:"runId"`
	Backend          string  `json:"backend"`
	SampleRateHz     float64 `json:"sampleRateHz"`
	CenterFreqHz     float64 `json:"centerFreqHz"`
	TXGainDB         float64 `json:"txGainDb"`
	RXGainDB         float64 `json:"rxGainDb"`
	SamplesPerBuffer int     `json:"samplesPerBuffer"`
	DurationSec      float64 `json:"durationSec"`
	HistoryLimit     int     `json:"historyLimit"`
}

const defaultHistoryLimit = 600

// SpectrumSnapshot is the latest RX spectrum in dBFS, DC centred.
type SpectrumSnapshot struct {
	Bins      []float64 `json:"bins"`
	Source    string    `json:"source"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ProcessInfo reports runtime statistics of the benchmark process.
type ProcessInfo struct {
	NumGoroutine int           `json:"numGoroutine"`
	HeapAlloc    uint64        `json:"heapAlloc"`
	NumGC        uint32        `json:"numGC"`
	Uptime       time.Duration `json:"uptimeNs"`
}

// Diagnostics bundles process info, the latest sample and spectrum.
type Diagnostics struct {
	Process  ProcessInfo      `json:"process"`
	Latest   *Sample          `json:"latest,omitempty"`
	Spectrum SpectrumSnapshot `json:"spectrum"`
}

// HealthStatus is "ok" while receive throughput is flowing, "degraded"
// otherwise.
type HealthStatus struct {
	Status  string      `json:"status"`
	Reason  string      `json:"reason,omitempty"`
	Process ProcessInfo `json:"process"`
}

// Hub collects history and fans out samples to subscribers.
type Hub struct {
	mu          sync.RWMutex
	history     []Sample
	subscribers map[chan Sample]struct{}
	config      Config
	spectrum    SpectrumSnapshot
	started     time.Time
	logger      logging.Logger
}

// NewHub builds a hub keeping at most historyLimit samples.
func NewHub(historyLimit int, logger logging.Logger) *Hub {
	if historyLimit <= 0 {
		historyLimit = defaultHistoryLimit
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Hub{
		subscribers: make(map[chan Sample]struct{}),
		config:      Config{HistoryLimit: historyLimit},
		started:     time.Now(),
		logger:      logger.With(logging.F("subsystem", "hub")),
	}
}

// SetConfig records the benchmark configuration. The history limit is kept.
func (h *Hub) SetConfig(cfg Config) {
	h.mu.Lock()
	cfg.HistoryLimit = h.config.HistoryLimit
	h.config = cfg
	h.mu.Unlock()
}

// Report implements Reporter and records a new sample.
func (h *Hub) Report(sample Sample) {
	if sample.Timestamp.IsZero() {
		sample.Timestamp = time.Now()
	}
	h.mu.Lock()
	h.history = append(h.history, sample)
	if limit := h.config.HistoryLimit; len(h.history) > limit {
		h.history = h.history[len(h.history)-limit:]
	}
	for ch := range h.subscribers {
		select {
		case ch <- sample:
		default:
			h.logger.Debug("dropping sample for slow subscriber")
		}
	}
	h.mu.Unlock()
}

// UpdateSpectrumSnapshot stores the latest spectrum. bins is copied.
func (h *Hub) UpdateSpectrumSnapshot(bins []float64, source string) {
	snap := SpectrumSnapshot{Bins: append([]float64(nil), bins...), Source: source, UpdatedAt: time.Now()}
	h.mu.Lock()
	h.spectrum = snap
	h.mu.Unlock()
}

// History returns a copy of stored samples.
func (h *Hub) History() []Sample {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Sample, len(h.history))
	copy(out, h.history)
	return out
}

// ConfigSnapshot returns the recorded benchmark configuration.
func (h *Hub) ConfigSnapshot() Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.config
}

// Subscribe registers a listener for live updates.
func (h *Hub) Subscribe() (chan Sample, func()) {
	_, ch, cancel := h.subscribe(false)
	return ch, cancel
}

// SubscribeWithHistory returns the stored samples and a listener registered
// in the same step, so every sample is seen exactly once.
func (h *Hub) SubscribeWithHistory() ([]Sample, chan Sample, func()) {
	return h.subscribe(true)
}

func (h *Hub) subscribe(withHistory bool) ([]Sample, chan Sample, func()) {
	ch := make(chan Sample, 16)
	var history []Sample
	h.mu.Lock()
	if withHistory {
		history = make([]Sample, len(h.history))
		copy(history, h.history)
	}
	h.subscribers[ch] = struct{}{}
	h.mu.Unlock()
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subscribers, ch)
			close(ch)
			h.mu.Unlock()
		})
	}
	return history, ch, cancel
}

func (h *Hub) processInfo() ProcessInfo {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ProcessInfo{
		NumGoroutine: runtime.NumGoroutine(),
		HeapAlloc:    ms.HeapAlloc,
		NumGC:        ms.NumGC,
		Uptime:       time.Since(h.started),
	}
}

func (h *Hub) latest() *Sample {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.history) == 0 {
		return nil
	}
	s := h.history[len(h.history)-1]
	return &s
}

func (h *Hub) spectrumSnapshot() SpectrumSnapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.spectrum
}

func (h *Hub) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("encode response failed", logging.F("err", err))
	}
}

func getOnly(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func (h *Hub) handleHistory(w http.ResponseWriter, r *http.Request) {
	if getOnly(w, r) {
		h.writeJSON(w, h.History())
	}
}

func (h *Hub) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	if getOnly(w, r) {
		h.writeJSON(w, h.ConfigSnapshot())
	}
}

func (h *Hub) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	if getOnly(w, r) {
		h.writeJSON(w, Diagnostics{Process: h.processInfo(), Latest: h.latest(), Spectrum: h.spectrumSnapshot()})
	}
}

func (h *Hub) handleSpectrumSnapshot(w http.ResponseWriter, r *http.Request) {
	if getOnly(w, r) {
		h.writeJSON(w, h.spectrumSnapshot())
	}
}

func (h *Hub) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !getOnly(w, r) {
		return
	}
	status := HealthStatus{Status: "ok", Process: h.processInfo()}
	switch latest := h.latest(); {
	case latest == nil:
		status.Status, status.Reason = "degraded", "no samples reported yet"
	case latest.RXMbps <= 0:
		status.Status, status.Reason = "degraded", "receive throughput is zero"
	}
	h.writeJSON(w, status)
}

func (h *Hub) handleLive(w http.ResponseWriter, r *http.Request) {
	if !getOnly(w, r) {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	history, ch, cancel := h.SubscribeWithHistory()
	defer cancel()

	// send existing history for immediate display
	for _, sample := range history {
		if err := writeEvent(w, sample); err != nil {
			return
		}
	}
	flusher.Flush()

	for {
		select {
		case sample, ok := <-ch:
			if !ok {
				return
			}
			if err := writeEvent(w, sample); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func writeEvent(w http.ResponseWriter, sample Sample) error {
	payload, err := json.Marshal(sample)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", payload)
	return err
}
