package loadbalance

import (
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	strand "github.com/behrlich/go-strand"
)

// Strategy selects how a balancer picks among its items.
type Strategy int

const (
	// StrategyUnknown rejects lookups; used for unconfigured services.
	StrategyUnknown Strategy = iota
	// StrategyRoundRobin scans from seed % n for the first live item.
	StrategyRoundRobin
	// StrategyWeight picks by static weight prefix sums.
	StrategyWeight
	// StrategyFair is weighted selection over stats-derived weights.
	StrategyFair
)

// ParseStrategy maps a config string to a Strategy; unknown strings select
// the fair strategy, matching the config loader's permissive default.
func ParseStrategy(s string) Strategy {
	switch s {
	case "round_robin":
		return StrategyRoundRobin
	case "weight":
		return StrategyWeight
	case "fair":
		return StrategyFair
	default:
		return StrategyFair
	}
}

// AnySeed lets the balancer pick its own random starting point.
const AnySeed = ^uint64(0)

// initialWeight is assigned to freshly discovered items until the first fair
// rebuild replaces it.
const initialWeight = 10000

// rebuildIntervalMS bounds how often CheckRebuild refreshes the selection
// structures.
const rebuildIntervalMS = 500

// Sentinel errors callers use to distinguish lookup failures.
var (
	ErrNoService    = strand.NewError("LB_GET", strand.ErrCodeNoService, "no balancer for service")
	ErrNoConnection = strand.NewError("LB_GET", strand.ErrCodeNoConnection, "no connected item")
)

// LoadBalance is one (domain, service)'s connection set plus a selection
// strategy.
type LoadBalance interface {
	// Get picks a connected item; seed AnySeed randomizes the start.
	Get(seed uint64) (*Item, error)
	// GetByID returns the item with the given discovery id, nil if absent.
	GetByID(id uint64) *Item
	// Add inserts an item and rebuilds.
	Add(it *Item)
	// Del removes an item and rebuilds.
	Del(id uint64) *Item
	// Update applies a discovery diff: adds wins over dels on id clashes.
	// It returns the removed items so the caller can close their streams.
	Update(adds map[uint64]*Item, dels []uint64) []*Item
	// Rebuild refreshes the selection structures immediately.
	Rebuild()
	// CheckRebuild refreshes them if the last rebuild is older than the
	// rebuild interval.
	CheckRebuild()
	// StatusString renders the item set for operators.
	StatusString(prefix string) string
}

// lbCore is the strategy-independent item set. Strategies embed it and
// override rebuildLocked.
type lbCore struct {
	mu            sync.RWMutex
	datas         map[uint64]*Item
	lastInitTime  uint64 // ms epoch of the last Rebuild call; Add/Del/Update do not set it
	rebuildLocked func()
}

func newCore() lbCore {
	return lbCore{datas: make(map[uint64]*Item)}
}

func (c *lbCore) GetByID(id uint64) *Item {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.datas[id]
}

func (c *lbCore) Add(it *Item) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.datas[it.ID()] = it
	c.rebuildLocked()
}

func (c *lbCore) Del(id uint64) *Item {
	c.mu.Lock()
	defer c.mu.Unlock()
	it := c.datas[id]
	delete(c.datas, id)
	c.rebuildLocked()
	return it
}

func (c *lbCore) Update(adds map[uint64]*Item, dels []uint64) []*Item {
	c.mu.Lock()
	defer c.mu.Unlock()
	var removed []*Item
	for _, id := range dels {
		if it, ok := c.datas[id]; ok {
			removed = append(removed, it)
			delete(c.datas, id)
		}
	}
	for id, it := range adds {
		c.datas[id] = it
	}
	c.rebuildLocked()
	return removed
}

func (c *lbCore) Rebuild() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rebuildLocked()
	c.lastInitTime = uint64(time.Now().UnixMilli())
}

func (c *lbCore) CheckRebuild() {
	c.mu.RLock()
	last := c.lastInitTime
	c.mu.RUnlock()
	if uint64(time.Now().UnixMilli())-last > rebuildIntervalMS {
		c.Rebuild()
	}
}

func (c *lbCore) StatusString(prefix string) string {
	c.mu.RLock()
	items := make([]*Item, 0, len(c.datas))
	for _, it := range c.datas {
		items = append(items, it)
	}
	c.mu.RUnlock()

	sort.Slice(items, func(i, j int) bool { return items[i].ID() < items[j].ID() })
	var sb strings.Builder
	for _, it := range items {
		sb.WriteString(prefix)
		sb.WriteString(it.String())
		sb.WriteString("\n")
	}
	return sb.String()
}

// validItemsLocked snapshots the connected items in id order so selection is
// deterministic for a given set.
func (c *lbCore) validItemsLocked() []*Item {
	items := make([]*Item, 0, len(c.datas))
	for _, it := range c.datas {
		if it.IsValid() {
			items = append(items, it)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID() < items[j].ID() })
	return items
}

// RoundRobinLoadBalance scans from seed % n for the first connected item.
type RoundRobinLoadBalance struct {
	lbCore
	items []*Item
}

// NewRoundRobin creates an empty round-robin balancer.
func NewRoundRobin() *RoundRobinLoadBalance {
	lb := &RoundRobinLoadBalance{lbCore: newCore()}
	lb.rebuildLocked = func() { lb.items = lb.validItemsLocked() }
	return lb
}

// Get implements LoadBalance.
func (lb *RoundRobinLoadBalance) Get(seed uint64) (*Item, error) {
	lb.mu.RLock()
	defer lb.mu.RUnlock()
	if len(lb.items) == 0 {
		return nil, ErrNoConnection
	}
	start := seed
	if seed == AnySeed {
		start = uint64(rand.Int63())
	}
	n := uint64(len(lb.items))
	for i := uint64(0); i < n; i++ {
		it := lb.items[(start+i)%n]
		if it.IsValid() {
			return it, nil
		}
	}
	return nil, ErrNoConnection
}

// weightedBase shares the prefix-sum machinery between the static-weight and
// fair strategies.
type weightedBase struct {
	lbCore
	items   []*Item
	weights []int64 // prefix sums
}

// rebuildWeightsLocked collects the valid items and rebuilds the prefix-sum
// table from their current weights.
func (lb *weightedBase) rebuildWeightsLocked() {
	lb.items = lb.validItemsLocked()
	lb.weights = lb.weights[:0]
	var total int64
	for _, it := range lb.items {
		w := it.Weight()
		if w < 1 {
			w = 1
		}
		total += w
		lb.weights = append(lb.weights, total)
	}
}

// index binary-searches the prefix sums for seed % total.
func (lb *weightedBase) index(seed uint64) int {
	if len(lb.weights) == 0 {
		return -1
	}
	total := lb.weights[len(lb.weights)-1]
	v := seed
	if seed == AnySeed {
		v = uint64(rand.Int63())
	}
	dis := int64(v % uint64(total))
	return sort.Search(len(lb.weights), func(i int) bool {
		return lb.weights[i] > dis
	})
}

func (lb *weightedBase) get(seed uint64) (*Item, error) {
	lb.mu.RLock()
	defer lb.mu.RUnlock()
	idx := lb.index(seed)
	if idx < 0 {
		return nil, ErrNoConnection
	}
	n := len(lb.items)
	for i := 0; i < n; i++ {
		it := lb.items[(idx+i)%n]
		if it.IsValid() {
			return it, nil
		}
	}
	return nil, ErrNoConnection
}

// WeightLoadBalance picks proportionally to static item weights.
type WeightLoadBalance struct {
	weightedBase
}

// NewWeight creates an empty weighted balancer.
func NewWeight() *WeightLoadBalance {
	lb := &WeightLoadBalance{}
	lb.lbCore = newCore()
	lb.rebuildLocked = lb.rebuildWeightsLocked
	return lb
}

// Get implements LoadBalance.
func (lb *WeightLoadBalance) Get(seed uint64) (*Item, error) {
	return lb.get(seed)
}

// FairLoadBalance is weighted selection where every rebuild recomputes the
// weights from the sliding-window statistics.
type FairLoadBalance struct {
	weightedBase
}

// NewFair creates an empty fair balancer.
func NewFair() *FairLoadBalance {
	lb := &FairLoadBalance{}
	lb.lbCore = newCore()
	lb.rebuildLocked = func() {
		now := uint64(time.Now().Unix())
		items := lb.validItemsLocked()

		var totals Stats
		snapshots := make([]Stats, len(items))
		for i, it := range items {
			snapshots[i] = it.Stats().Total(now)
			totals.Add(snapshots[i])
		}
		for i, it := range items {
			it.SetWeight(fairWeight(snapshots[i], totals, it.DiscoveryTime()))
		}
		lb.rebuildWeightsLocked()
	}
	return lb
}

// Get implements LoadBalance.
func (lb *FairLoadBalance) Get(seed uint64) (*Item, error) {
	return lb.get(seed)
}

// fairWeight computes the adaptive weight, clamped into [1, 200]:
//
//	200 * cost * err * timeout * doing * time
//
// where cost = 2 - min(1.9, avg_cost/all_avg_cost), err = 1 - min(0.9,
// 5*errs/total), timeout = 1 - min(0.9, 2.5*timeouts/total), doing = 1 -
// min(0.9, doing/total), and time = min(0.1, age/180) during the 180-second
// warm-up. Items with fewer than 10 calls keep the stable default of 100.
func fairWeight(s Stats, totals Stats, discoveryTime int64) int64 {
	if s.Total < 10 {
		return 100
	}

	costFactor := 1.0
	if totals.Total > 0 && totals.UsedTime > 0 {
		allAvg := float64(totals.UsedTime) / float64(totals.Total)
		avg := float64(s.UsedTime) / float64(s.Total)
		costFactor = 2 - min64(1.9, avg/allAvg)
	}
	errFactor := 1 - min64(0.9, 5*float64(s.Errs)/float64(s.Total))
	timeoutFactor := 1 - min64(0.9, 2.5*float64(s.Timeouts)/float64(s.Total))
	doingFactor := 1 - min64(0.9, float64(s.Doing)/float64(s.Total))

	timeFactor := 1.0
	if age := time.Now().Unix() - discoveryTime; age < 180 {
		timeFactor = min64(0.1, float64(age)/180)
	}

	w := int64(200 * costFactor * errFactor * timeoutFactor * doingFactor * timeFactor)
	if w < 1 {
		return 1
	}
	if w > 200 {
		return 200
	}
	return w
}

func min64(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

// NewLoadBalance constructs a balancer for the given strategy, nil for
// StrategyUnknown.
func NewLoadBalance(s Strategy) LoadBalance {
	switch s {
	case StrategyRoundRobin:
		return NewRoundRobin()
	case StrategyWeight:
		return NewWeight()
	case StrategyFair:
		return NewFair()
	default:
		return nil
	}
}

func (s Strategy) String() string {
	switch s {
	case StrategyRoundRobin:
		return "round_robin"
	case StrategyWeight:
		return "weight"
	case StrategyFair:
		return "fair"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}
