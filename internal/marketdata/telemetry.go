package marketdata

import "sync"

// Telemetry counts provider activity. Mutated only inside provider
// methods; Snapshot returns a copy safe for JSON responses.
type Telemetry struct {
	mu                 sync.Mutex
	requests           int64
	errors             int64
	cacheHits          int64
	blockedRequests    int64
	syntheticFallbacks int64
	prefetchOverruns   int64
	sourceErrors       map[string]int64
	lastSource         map[string]string
}

// TelemetrySnapshot is the wire shape embedded in state responses.
type TelemetrySnapshot struct {
	Requests           int64            `json:"requests"`
	Errors             int64            `json:"errors"`
	CacheHits          int64            `json:"cacheHits"`
	BlockedRequests    int64            `json:"blockedRequests"`
	SyntheticFallbacks int64            `json:"syntheticFallbacks"`
	PrefetchOverruns   int64            `json:"prefetchOverruns"`
	SourceErrors       map[string]int64 `json:"sourceErrors,omitempty"`
	LastSource         map[string]string `json:"lastSource,omitempty"`
}

func newTelemetry() *Telemetry {
	return &Telemetry{
		sourceErrors: make(map[string]int64),
		lastSource:   make(map[string]string),
	}
}

func (t *Telemetry) recordRequest() {
	t.mu.Lock()
	t.requests++
	t.mu.Unlock()
}

func (t *Telemetry) recordError(source string) {
	t.mu.Lock()
	t.errors++
	t.sourceErrors[source]++
	t.mu.Unlock()
}

func (t *Telemetry) recordCacheHit() {
	t.mu.Lock()
	t.cacheHits++
	t.mu.Unlock()
}

func (t *Telemetry) recordBlocked() {
	t.mu.Lock()
	t.blockedRequests++
	t.mu.Unlock()
}

func (t *Telemetry) recordSynthetic() {
	t.mu.Lock()
	t.syntheticFallbacks++
	t.mu.Unlock()
}

func (t *Telemetry) recordPrefetchOverrun() {
	t.mu.Lock()
	t.prefetchOverruns++
	t.mu.Unlock()
}

func (t *Telemetry) setLastSource(symbol, source string) {
	t.mu.Lock()
	t.lastSource[symbol] = source
	t.mu.Unlock()
}

// Snapshot returns a copy of the current counters.
func (t *Telemetry) Snapshot() TelemetrySnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	se := make(map[string]int64, len(t.sourceErrors))
	for k, v := range t.sourceErrors {
		se[k] = v
	}
	ls := make(map[string]string, len(t.lastSource))
	for k, v := range t.lastSource {
		ls[k] = v
	}
	return TelemetrySnapshot{
		Requests:           t.requests,
		Errors:             t.errors,
		CacheHits:          t.cacheHits,
		BlockedRequests:    t.blockedRequests,
		SyntheticFallbacks: t.syntheticFallbacks,
		PrefetchOverruns:   t.prefetchOverruns,
		SourceErrors:       se,
		LastSource:         ls,
	}
}
