package loadbalance

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	strand "github.com/behrlich/go-strand"
	"github.com/behrlich/go-strand/internal/logging"
)

var sdLog = logging.Named("loadbalance")

// ServiceInfo describes one discovered backend instance.
type ServiceInfo struct {
	ID   uint64
	Host string
	Port int
	Data string
}

func (si ServiceInfo) String() string {
	return fmt.Sprintf("[Service id=%d addr=%s:%d]", si.ID, si.Host, si.Port)
}

// ServiceCallback receives discovery diffs: the previous and current
// instance sets for one (domain, service).
type ServiceCallback func(domain, service string, oldSet, newSet map[uint64]ServiceInfo)

// ServiceDiscovery is the subscription surface the SD balancer consumes.
// Implementations push full old/new sets on every change.
type ServiceDiscovery interface {
	AddServiceCallback(cb ServiceCallback)
	SetQueryServer(domains map[string]map[string]struct{})
	Start() error
	Stop() error
}

// StreamFactory opens a stream to one discovered instance. Returning nil
// skips the instance (logged, not fatal).
type StreamFactory func(domain, service string, info ServiceInfo) Stream

// SDLoadBalance wires service discovery into per-(domain, service)
// balancers: removed ids close their streams asynchronously on the worker,
// added ids open streams through the factory, and a periodic timer rebuilds
// the selection structures so fair weights track the statistics.
type SDLoadBalance struct {
	sd      ServiceDiscovery
	factory StreamFactory
	worker  *strand.IOManager

	mu    sync.RWMutex
	datas map[string]map[string]LoadBalance
	types map[string]map[string]Strategy

	timer      *strand.Timer
	refreshing atomic.Bool
}

// NewSDLoadBalance creates the balancer over a discovery source. The worker
// runs stream teardown and the periodic weight refresh; it is required.
func NewSDLoadBalance(sd ServiceDiscovery, worker *strand.IOManager, factory StreamFactory) *SDLoadBalance {
	s := &SDLoadBalance{
		sd:      sd,
		factory: factory,
		worker:  worker,
		datas:   make(map[string]map[string]LoadBalance),
		types:   make(map[string]map[string]Strategy),
	}
	sd.AddServiceCallback(s.onServiceChange)
	return s
}

// InitConf installs the domain -> service -> strategy mapping and points the
// discovery source at the same query set.
func (s *SDLoadBalance) InitConf(confs map[string]map[string]string) {
	types := make(map[string]map[string]Strategy, len(confs))
	query := make(map[string]map[string]struct{}, len(confs))
	for domain, services := range confs {
		for service, strategy := range services {
			if types[domain] == nil {
				types[domain] = make(map[string]Strategy)
				query[domain] = make(map[string]struct{})
			}
			types[domain][service] = ParseStrategy(strategy)
			query[domain][service] = struct{}{}
		}
	}
	s.sd.SetQueryServer(query)

	s.mu.Lock()
	s.types = types
	s.mu.Unlock()
}

// Start arms the periodic rebuild timer and starts discovery. Idempotent.
func (s *SDLoadBalance) Start() error {
	s.mu.Lock()
	if s.timer != nil {
		s.mu.Unlock()
		return nil
	}
	s.timer = s.worker.AddTimer(rebuildIntervalMS, s.refresh, true)
	s.mu.Unlock()
	return s.sd.Start()
}

// Stop cancels the rebuild timer and stops discovery. Idempotent.
func (s *SDLoadBalance) Stop() error {
	s.mu.Lock()
	t := s.timer
	s.timer = nil
	s.mu.Unlock()
	if t == nil {
		return nil
	}
	t.Cancel()
	return s.sd.Stop()
}

// Get returns the balancer for (domain, service); with autoCreate the
// balancer is created according to the configured strategy.
func (s *SDLoadBalance) Get(domain, service string, autoCreate bool) LoadBalance {
	s.mu.RLock()
	if services, ok := s.datas[domain]; ok {
		if lb, ok := services[service]; ok {
			s.mu.RUnlock()
			return lb
		}
	}
	s.mu.RUnlock()

	if !autoCreate {
		return nil
	}

	lb := NewLoadBalance(s.strategyFor(domain, service))
	if lb == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.datas[domain] == nil {
		s.datas[domain] = make(map[string]LoadBalance)
	}
	if existing, ok := s.datas[domain][service]; ok {
		return existing
	}
	s.datas[domain][service] = lb
	return lb
}

// GetConn picks a connected item for (domain, service). It distinguishes an
// unknown service (ErrNoService) from a known one with no healthy backend
// (ErrNoConnection).
func (s *SDLoadBalance) GetConn(domain, service string, seed uint64) (*Item, error) {
	lb := s.Get(domain, service, false)
	if lb == nil {
		return nil, ErrNoService
	}
	return lb.Get(seed)
}

// GetConnAs picks a connected item and returns its stream as T.
func GetConnAs[T Stream](s *SDLoadBalance, domain, service string, seed uint64) (T, error) {
	var zero T
	it, err := s.GetConn(domain, service, seed)
	if err != nil {
		return zero, err
	}
	t, ok := it.Stream().(T)
	if !ok {
		return zero, strand.NewError("LB_GET", strand.ErrCodeNoConnection,
			fmt.Sprintf("stream is %T", it.Stream()))
	}
	return t, nil
}

// strategyFor resolves the configured strategy, falling back to the
// domain-wide "all" entry.
func (s *SDLoadBalance) strategyFor(domain, service string) Strategy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	services, ok := s.types[domain]
	if !ok {
		return StrategyUnknown
	}
	if t, ok := services[service]; ok {
		return t
	}
	if t, ok := services["all"]; ok {
		return t
	}
	return StrategyUnknown
}

// onServiceChange applies one discovery diff.
func (s *SDLoadBalance) onServiceChange(domain, service string, oldSet, newSet map[uint64]ServiceInfo) {
	if s.strategyFor(domain, service) == StrategyUnknown {
		return
	}

	var dels []uint64
	for id := range oldSet {
		if _, ok := newSet[id]; !ok {
			dels = append(dels, id)
		}
	}

	adds := make(map[uint64]*Item)
	for id, info := range newSet {
		if _, ok := oldSet[id]; ok {
			continue
		}
		stream := s.factory(domain, service, info)
		if stream == nil {
			sdLog.Error("create stream failed", "info", info.String())
			continue
		}
		adds[id] = NewItem(id, stream)
	}

	if len(adds) == 0 && len(dels) == 0 {
		return
	}

	lb := s.Get(domain, service, true)
	if lb == nil {
		return
	}
	removed := lb.Update(adds, dels)
	s.closeAsync(removed)
}

// closeAsync tears removed streams down on the worker, fanning out so one
// slow peer does not serialize the rest.
func (s *SDLoadBalance) closeAsync(items []*Item) {
	if len(items) == 0 {
		return
	}
	err := s.worker.Schedule(func() {
		var g errgroup.Group
		for _, it := range items {
			stream := it.Stream()
			if stream == nil {
				continue
			}
			g.Go(func() error { return stream.Close() })
		}
		if err := g.Wait(); err != nil {
			sdLog.Warn("stream close failed", "error", err)
		}
	})
	if err != nil {
		// Worker is gone; close inline as the fallback.
		for _, it := range items {
			if stream := it.Stream(); stream != nil {
				_ = stream.Close()
			}
		}
	}
}

// refresh runs on the periodic timer: every balancer refreshes its selection
// structures if stale. A round already in flight is skipped.
func (s *SDLoadBalance) refresh() {
	if !s.refreshing.CompareAndSwap(false, true) {
		return
	}
	defer s.refreshing.Store(false)

	s.mu.RLock()
	lbs := make([]LoadBalance, 0)
	for _, services := range s.datas {
		for _, lb := range services {
			lbs = append(lbs, lb)
		}
	}
	s.mu.RUnlock()

	for _, lb := range lbs {
		lb.CheckRebuild()
	}
}

// StatusString renders every balancer's item set for operators.
func (s *SDLoadBalance) StatusString() string {
	s.mu.RLock()
	domains := make([]string, 0, len(s.datas))
	for d := range s.datas {
		domains = append(domains, d)
	}
	snapshot := make(map[string]map[string]LoadBalance, len(s.datas))
	for d, services := range s.datas {
		snapshot[d] = make(map[string]LoadBalance, len(services))
		for svc, lb := range services {
			snapshot[d][svc] = lb
		}
	}
	s.mu.RUnlock()

	sort.Strings(domains)
	var sb strings.Builder
	for _, d := range domains {
		sb.WriteString(d)
		sb.WriteString(":\n")
		services := make([]string, 0, len(snapshot[d]))
		for svc := range snapshot[d] {
			services = append(services, svc)
		}
		sort.Strings(services)
		for _, svc := range services {
			sb.WriteString("\t")
			sb.WriteString(svc)
			sb.WriteString(":\n")
			sb.WriteString(snapshot[d][svc].StatusString("\t\t"))
		}
	}
	return sb.String()
}
