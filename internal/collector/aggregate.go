package collector

import "sync"

// streamCounts tracks what the collector itself observed for one stream,
// complementing the ingestion client's delivery stats.
type streamCounts struct {
	Collected      int64
	NormFailed     int64
	EntityFailures int64
	Errors         []string
}

// aggregate collects per-stream counts from concurrent entity workers
type aggregate struct {
	mu      sync.Mutex
	streams map[string]*streamCounts
}

func newAggregate() *aggregate {
	return &aggregate{streams: make(map[string]*streamCounts)}
}

func (a *aggregate) counts(stream string) *streamCounts {
	c, ok := a.streams[stream]
	if !ok {
		c = &streamCounts{}
		a.streams[stream] = c
	}
	return c
}

func (a *aggregate) recordCollected(stream string) {
	a.mu.Lock()
	a.counts(stream).Collected++
	a.mu.Unlock()
}

func (a *aggregate) recordFailed(stream string) {
	a.mu.Lock()
	a.counts(stream).NormFailed++
	a.mu.Unlock()
}

func (a *aggregate) entityFailed(stream string, err error) {
	a.mu.Lock()
	c := a.counts(stream)
	c.EntityFailures++
	if err != nil {
		c.Errors = append(c.Errors, err.Error())
	}
	a.mu.Unlock()
}

func (a *aggregate) stream(name string) streamCounts {
	a.mu.Lock()
	defer a.mu.Unlock()
	c := a.counts(name)
	out := streamCounts{
		Collected:      c.Collected,
		NormFailed:     c.NormFailed,
		EntityFailures: c.EntityFailures,
	}
	out.Errors = append(out.Errors, c.Errors...)
	return out
}
