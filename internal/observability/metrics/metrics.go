package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

type filesystemUsage struct {
	free        uint64
	usedPercent float64
}

type protocolLabel struct {
	method string
	status string
}

// Recorder aggregates gateway counters and gauges in memory and renders them
// in the Prometheus text format. Writers are serialised by a RWMutex; the
// gauges are atomics so the event loop never waits on a scrape.
type Recorder struct {
	mu               sync.RWMutex
	requestCount     map[requestLabel]uint64
	requestDuration  map[requestLabel]time.Duration
	protocolRequests map[protocolLabel]uint64
	relayEvents      map[string]uint64
	subscribeEvents  map[string]uint64
	evictedFiles     uint64
	evictedBytes     uint64
	sweptTokens      uint64
	recordingFS      map[string]filesystemUsage
	activeSessions   atomic.Int64
	authTokens       atomic.Int64
	registeredAgents atomic.Int64
}

var defaultRecorder = New()

// New returns an empty Recorder.
func New() *Recorder {
	return &Recorder{
		requestCount:     make(map[requestLabel]uint64),
		requestDuration:  make(map[requestLabel]time.Duration),
		protocolRequests: make(map[protocolLabel]uint64),
		relayEvents:      make(map[string]uint64),
		subscribeEvents:  make(map[string]uint64),
		recordingFS:      make(map[string]filesystemUsage),
	}
}

// Default returns the process-wide Recorder.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest accumulates HTTP request count and duration by method,
// normalised path and status.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// ObserveProtocolRequest counts a WebRTSP request answered with status.
func (r *Recorder) ObserveProtocolRequest(method string, status int) {
	label := protocolLabel{method: strings.ToUpper(normalizeName(method)), status: fmt.Sprintf("%d", status)}
	r.mu.Lock()
	r.protocolRequests[label]++
	r.mu.Unlock()
}

// ObserveRelay counts a proxy forwarding event ("forwarded", "bad_gateway", "teardown", "dropped").
func (r *Recorder) ObserveRelay(event string) {
	r.mu.Lock()
	r.relayEvents[normalizeName(event)]++
	r.mu.Unlock()
}

// ObserveSubscribe counts a subscription event ("queued", "started", "rejected", "stopped").
func (r *Recorder) ObserveSubscribe(event string) {
	r.mu.Lock()
	r.subscribeEvents[normalizeName(event)]++
	r.mu.Unlock()
}

// ObserveEviction counts files and bytes removed from recording directories.
func (r *Recorder) ObserveEviction(files int, bytes uint64) {
	if files <= 0 {
		return
	}
	r.mu.Lock()
	r.evictedFiles += uint64(files)
	r.evictedBytes += bytes
	r.mu.Unlock()
}

// ObserveRecordingFilesystem stores the latest usage of the filesystem
// holding a recording directory.
func (r *Recorder) ObserveRecordingFilesystem(dir string, free uint64, usedPercent float64) {
	r.mu.Lock()
	r.recordingFS[dir] = filesystemUsage{free: free, usedPercent: usedPercent}
	r.mu.Unlock()
}

// ObserveTokenSweep records a sweep that removed swept tokens and left remaining.
func (r *Recorder) ObserveTokenSweep(swept, remaining int) {
	r.mu.Lock()
	if swept > 0 {
		r.sweptTokens += uint64(swept)
	}
	r.mu.Unlock()
	r.authTokens.Store(int64(remaining))
}

func (r *Recorder) SessionOpened() {
	r.activeSessions.Add(1)
}

func (r *Recorder) SessionClosed() {
	decrementGauge(&r.activeSessions)
}

func (r *Recorder) AgentRegistered() {
	r.registeredAgents.Add(1)
}

func (r *Recorder) AgentUnregistered() {
	decrementGauge(&r.registeredAgents)
}

// ActiveSessions reports the current session gauge.
func (r *Recorder) ActiveSessions() int64 {
	return r.activeSessions.Load()
}

// Handler serves the Recorder in Prometheus text exposition format.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders all metrics with label sets sorted for stable output.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	fmt.Fprintln(w, "# HELP restreamer_http_requests_total Total number of HTTP requests served")
	fmt.Fprintln(w, "# TYPE restreamer_http_requests_total counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "restreamer_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, r.requestCount[label])
	}
	fmt.Fprintln(w, "# HELP restreamer_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE restreamer_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "restreamer_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, r.requestDuration[label].Seconds())
	}

	fmt.Fprintln(w, "# HELP restreamer_webrtsp_requests_total WebRTSP requests answered by method and status")
	fmt.Fprintln(w, "# TYPE restreamer_webrtsp_requests_total counter")
	for _, label := range r.sortedProtocolLabels() {
		fmt.Fprintf(w, "restreamer_webrtsp_requests_total{method=\"%s\",status=\"%s\"} %d\n", label.method, label.status, r.protocolRequests[label])
	}

	fmt.Fprintln(w, "# HELP restreamer_relay_events_total Proxy relay events by type")
	fmt.Fprintln(w, "# TYPE restreamer_relay_events_total counter")
	for _, event := range sortedKeys(r.relayEvents) {
		fmt.Fprintf(w, "restreamer_relay_events_total{event=\"%s\"} %d\n", event, r.relayEvents[event])
	}

	fmt.Fprintln(w, "# HELP restreamer_subscribe_events_total Record subscription events by type")
	fmt.Fprintln(w, "# TYPE restreamer_subscribe_events_total counter")
	for _, event := range sortedKeys(r.subscribeEvents) {
		fmt.Fprintf(w, "restreamer_subscribe_events_total{event=\"%s\"} %d\n", event, r.subscribeEvents[event])
	}

	fmt.Fprintln(w, "# HELP restreamer_evicted_files_total Recording files deleted to stay under the directory cap")
	fmt.Fprintln(w, "# TYPE restreamer_evicted_files_total counter")
	fmt.Fprintf(w, "restreamer_evicted_files_total %d\n", r.evictedFiles)
	fmt.Fprintln(w, "# HELP restreamer_evicted_bytes_total Bytes freed by recording eviction")
	fmt.Fprintln(w, "# TYPE restreamer_evicted_bytes_total counter")
	fmt.Fprintf(w, "restreamer_evicted_bytes_total %d\n", r.evictedBytes)

	dirs := make([]string, 0, len(r.recordingFS))
	for dir := range r.recordingFS {
		dirs = append(dirs, dir)
	}
	sort.Strings(dirs)
	fmt.Fprintln(w, "# HELP restreamer_recording_fs_free_bytes Free bytes on the filesystem holding a recording directory")
	fmt.Fprintln(w, "# TYPE restreamer_recording_fs_free_bytes gauge")
	for _, dir := range dirs {
		fmt.Fprintf(w, "restreamer_recording_fs_free_bytes{dir=\"%s\"} %d\n", dir, r.recordingFS[dir].free)
	}
	fmt.Fprintln(w, "# HELP restreamer_recording_fs_used_percent Used percentage of the filesystem holding a recording directory")
	fmt.Fprintln(w, "# TYPE restreamer_recording_fs_used_percent gauge")
	for _, dir := range dirs {
		fmt.Fprintf(w, "restreamer_recording_fs_used_percent{dir=\"%s\"} %.2f\n", dir, r.recordingFS[dir].usedPercent)
	}

	fmt.Fprintln(w, "# HELP restreamer_auth_tokens_swept_total Expired auth tokens removed by the sweeper")
	fmt.Fprintln(w, "# TYPE restreamer_auth_tokens_swept_total counter")
	fmt.Fprintf(w, "restreamer_auth_tokens_swept_total %d\n", r.sweptTokens)
	fmt.Fprintln(w, "# HELP restreamer_auth_tokens Auth tokens held after the last sweep")
	fmt.Fprintln(w, "# TYPE restreamer_auth_tokens gauge")
	fmt.Fprintf(w, "restreamer_auth_tokens %d\n", r.authTokens.Load())

	fmt.Fprintln(w, "# HELP restreamer_active_sessions Open WebRTSP sessions")
	fmt.Fprintln(w, "# TYPE restreamer_active_sessions gauge")
	fmt.Fprintf(w, "restreamer_active_sessions %d\n", r.activeSessions.Load())
	fmt.Fprintln(w, "# HELP restreamer_registered_agents Relayed mountpoints with a registered agent")
	fmt.Fprintln(w, "# TYPE restreamer_registered_agents gauge")
	fmt.Fprintf(w, "restreamer_registered_agents %d\n", r.registeredAgents.Load())
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func (r *Recorder) sortedProtocolLabels() []protocolLabel {
	labels := make([]protocolLabel, 0, len(r.protocolRequests))
	for label := range r.protocolRequests {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func sortedKeys(values map[string]uint64) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func normalizePath(path string) string {
	if path == "" {
		return "/"
	}
	normalized := path
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return defaultRecorder.Handler()
}
