package service

import (
	"sync"
	"time"

	"github.com/edirooss/logstream-server/internal/infrastructure/logbroker"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

type ProcessListOptions struct {
	// TTL controls how long we serve the in-memory snapshot; default 250ms.
	TTL time.Duration
}

func (o *ProcessListOptions) setDefaults() {
	if o.TTL <= 0 {
		o.TTL = 250 * time.Millisecond
	}
}

// ProcessListResult lets the handler set cache headers.
type ProcessListResult struct {
	Data        []logbroker.ProcessStatus
	CacheHit    bool
	GeneratedAt time.Time // snapshot timestamp
}

// processSource is the part of the broker the listing needs.
type processSource interface {
	Processes() []logbroker.ProcessStatus
}

// ProcessListService serves the watched-process listing from a short-lived
// snapshot so dashboards polling in bursts do not contend on the registry.
type ProcessListService struct {
	log    *zap.Logger
	broker processSource

	mu      sync.RWMutex
	cache   []logbroker.ProcessStatus
	expires time.Time
	genAt   time.Time

	opts ProcessListOptions
	now  func() time.Time

	sg singleflight.Group
}

// NewProcessListService wires the broker and cache policy.
func NewProcessListService(log *zap.Logger, broker processSource, opts ProcessListOptions) *ProcessListService {
	opts.setDefaults()
	return &ProcessListService{
		log:    log.Named("process_list"),
		broker: broker,
		opts:   opts,
		now:    time.Now,
	}
}

// Get returns the cached snapshot or refreshes it when expired.
// Concurrent refreshes are coalesced.
func (s *ProcessListService) Get() ProcessListResult {
	if res, ok := s.fresh(); ok {
		return res
	}

	v, _, shared := s.sg.Do("process-list-refresh", func() (any, error) {
		// Double-check freshness after we won the flight
		if res, ok := s.fresh(); ok {
			return res, nil
		}

		start := s.now()
		data := s.broker.Processes()
		s.log.Debug("process list refreshed", zap.Int("count", len(data)))

		s.mu.Lock()
		s.cache = data
		s.expires = s.now().Add(s.opts.TTL)
		s.genAt = start
		s.mu.Unlock()

		return ProcessListResult{Data: cloneStatuses(data), GeneratedAt: start}, nil
	})
	res := v.(ProcessListResult)
	if shared {
		res.Data = cloneStatuses(res.Data)
	}
	return res
}

func (s *ProcessListService) fresh() (ProcessListResult, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cache != nil && s.now().Before(s.expires) {
		return ProcessListResult{Data: cloneStatuses(s.cache), CacheHit: true, GeneratedAt: s.genAt}, true
	}
	return ProcessListResult{}, false
}

// Invalidate drops the snapshot; the next Get refreshes.
func (s *ProcessListService) Invalidate() {
	s.mu.Lock()
	s.cache = nil
	s.expires = time.Time{}
	s.genAt = time.Time{}
	s.mu.Unlock()
}

func cloneStatuses(in []logbroker.ProcessStatus) []logbroker.ProcessStatus {
	out := make([]logbroker.ProcessStatus, len(in))
	copy(out, in)
	return out
}
