package metrics

import "github.com/WessleyAI/docchat/pkg/resilience"

// Docchat is the metric set of the document chat service.
type Docchat struct {
	reg *Registry
}

// NewDocchat registers the service metrics on r. A nil r gets a private registry.
func NewDocchat(r *Registry) *Docchat {
	if r == nil {
		r = New()
	}
	return &Docchat{reg: r}
}

// Registry returns the underlying registry.
func (m *Docchat) Registry() *Registry { return m.reg }

// Queries counts chat queries by effective route.
func (m *Docchat) Queries(route string) *Counter {
	return m.reg.Counter(WithLabels("docchat_queries_total", "route", route), "Chat queries by effective route")
}

// WebFallbacks counts document queries answered from the web because no chunk matched.
func (m *Docchat) WebFallbacks() *Counter {
	return m.reg.Counter("docchat_web_fallback_total", "Document queries that fell back to web search")
}

// QueryErrors counts queries that failed, by phase.
func (m *Docchat) QueryErrors(phase string) *Counter {
	return m.reg.Counter(WithLabels("docchat_query_errors_total", "phase", phase), "Failed queries by phase")
}

// QueryDuration observes time from query start to the last fragment.
func (m *Docchat) QueryDuration() *Histogram {
	return m.reg.Histogram("docchat_query_duration_seconds", "Query duration including generation", nil)
}

// Ingested counts successfully ingested files by document type.
func (m *Docchat) Ingested(docType string) *Counter {
	return m.reg.Counter(WithLabels("docchat_ingest_docs_total", "type", docType), "Documents ingested by type")
}

// IngestErrors counts failed ingestions by kind.
func (m *Docchat) IngestErrors(kind string) *Counter {
	return m.reg.Counter(WithLabels("docchat_ingest_errors_total", "kind", kind), "Failed ingestions by kind")
}

// ChunksStored counts chunks written to the index.
func (m *Docchat) ChunksStored() *Counter {
	return m.reg.Counter("docchat_chunks_stored_total", "Chunks written to the vector index")
}

// IngestDuration observes end-to-end ingestion time.
func (m *Docchat) IngestDuration() *Histogram {
	return m.reg.Histogram("docchat_ingest_duration_seconds", "Ingestion duration", nil)
}

// IndexedChunks tracks the number of chunks currently in the index.
func (m *Docchat) IndexedChunks() *Gauge {
	return m.reg.Gauge("docchat_indexed_chunks", "Chunks currently in the vector index")
}

// BreakerState tracks a circuit breaker: 0 closed, 1 open, 2 half-open.
func (m *Docchat) BreakerState(name string) *Gauge {
	return m.reg.Gauge(WithLabels("docchat_breaker_state", "breaker", name), "Circuit breaker state (0 closed, 1 open, 2 half-open)")
}

// ObserveBreaker records a breaker transition. It fits
// resilience.BreakerOpts.OnStateChange.
func (m *Docchat) ObserveBreaker(name string, _, to resilience.State) {
	m.BreakerState(name).Set(float64(to))
}

// HTTPRequests counts API requests by route pattern and status code.
func (m *Docchat) HTTPRequests(route, code string) *Counter {
	return m.reg.Counter(WithLabels("docchat_http_requests_total", "route", route, "code", code), "HTTP requests by route and status")
}
