package loadbalance

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	strand "github.com/behrlich/go-strand"
)

// fakeStream is a controllable Stream for tests.
type fakeStream struct {
	connected atomic.Bool
	closed    atomic.Bool
}

func newFakeStream(connected bool) *fakeStream {
	s := &fakeStream{}
	s.connected.Store(connected)
	return s
}

func (s *fakeStream) IsConnected() bool { return s.connected.Load() }

func (s *fakeStream) Close() error {
	s.closed.Store(true)
	s.connected.Store(false)
	return nil
}

func item(id uint64, connected bool, weight int64) *Item {
	it := NewItem(id, newFakeStream(connected))
	it.SetWeight(weight)
	return it
}

func TestRoundRobinScansFromSeed(t *testing.T) {
	lb := NewRoundRobin()
	a := item(1, true, 1)
	b := item(2, true, 1)
	c := item(3, true, 1)
	lb.Add(a)
	lb.Add(b)
	lb.Add(c)

	got, err := lb.Get(0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), got.ID())

	got, err = lb.Get(1)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), got.ID())

	got, err = lb.Get(4)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), got.ID())
}

func TestRoundRobinSkipsDisconnected(t *testing.T) {
	lb := NewRoundRobin()
	dead := item(1, true, 1)
	live := item(2, true, 1)
	lb.Add(dead)
	lb.Add(live)

	// Disconnect after the rebuild so the item list still contains it.
	dead.Stream().(*fakeStream).connected.Store(false)

	for seed := uint64(0); seed < 4; seed++ {
		got, err := lb.Get(seed)
		require.NoError(t, err)
		assert.Equal(t, uint64(2), got.ID())
	}
}

func TestRoundRobinEmpty(t *testing.T) {
	lb := NewRoundRobin()
	_, err := lb.Get(0)
	require.Error(t, err)
	assert.True(t, strand.IsCode(err, strand.ErrCodeNoConnection))
}

func TestWeightedSelectionDeterminism(t *testing.T) {
	// Items {A: weight 1, B: weight 3}; prefix sums [1, 4]. Seeds 0..7
	// must select A,B,B,B,A,B,B,B.
	lb := NewWeight()
	lb.Add(item(1, true, 1))
	lb.Add(item(2, true, 3))

	want := []uint64{1, 2, 2, 2, 1, 2, 2, 2}
	for seed, expect := range want {
		got, err := lb.Get(uint64(seed))
		require.NoError(t, err)
		assert.Equal(t, expect, got.ID(), "seed %d", seed)
	}
}

func TestWeightedDelRebuilds(t *testing.T) {
	lb := NewWeight()
	lb.Add(item(1, true, 1))
	lb.Add(item(2, true, 3))

	removed := lb.Del(2)
	require.NotNil(t, removed)
	for seed := uint64(0); seed < 4; seed++ {
		got, err := lb.Get(seed)
		require.NoError(t, err)
		assert.Equal(t, uint64(1), got.ID())
	}
}

func TestUpdateAppliesDiff(t *testing.T) {
	lb := NewRoundRobin()
	lb.Add(item(1, true, 1))
	lb.Add(item(2, true, 1))

	adds := map[uint64]*Item{3: item(3, true, 1)}
	removed := lb.Update(adds, []uint64{1})

	require.Len(t, removed, 1)
	assert.Equal(t, uint64(1), removed[0].ID())
	assert.Nil(t, lb.GetByID(1))
	assert.NotNil(t, lb.GetByID(2))
	assert.NotNil(t, lb.GetByID(3))
}

func TestStatsWindowRollsOver(t *testing.T) {
	var ss StatsSet
	ss.Bucket(10, func(s *Stats) { s.Total = 7; s.Oks = 7 })

	total := ss.Total(10)
	assert.Equal(t, uint64(7), total.Total)

	// Six seconds later the bucket fell out of the window.
	total = ss.Total(16)
	assert.Equal(t, uint64(0), total.Total)
}

func TestStatsWindowKeepsRecentBuckets(t *testing.T) {
	var ss StatsSet
	ss.Bucket(10, func(s *Stats) { s.Total = 1 })
	ss.Bucket(11, func(s *Stats) { s.Total = 2 })
	ss.Bucket(12, func(s *Stats) { s.Total = 4 })

	total := ss.Total(12)
	assert.Equal(t, uint64(7), total.Total)

	total = ss.Total(14)
	assert.Equal(t, uint64(7), total.Total, "buckets 10..12 still inside the 5s window")
}

func TestItemCallBookkeeping(t *testing.T) {
	it := item(1, true, 1)
	now := uint64(time.Now().Unix())

	it.StartCall(now)
	it.FinishCall(now, 12, true, false)
	it.StartCall(now)
	it.FinishCall(now, 30, false, false)
	it.StartCall(now)
	it.FinishCall(now, 50, false, true)

	total := it.Stats().Total(now)
	assert.Equal(t, uint64(3), total.Total)
	assert.Equal(t, uint64(1), total.Oks)
	assert.Equal(t, uint64(1), total.Errs)
	assert.Equal(t, uint64(1), total.Timeouts)
	assert.Equal(t, uint64(92), total.UsedTime)
	assert.Equal(t, uint64(0), total.Doing)
}

func TestFairWeightDefaultsAndClamp(t *testing.T) {
	old := time.Now().Unix() - 3600

	// Fewer than 10 calls: stable default.
	assert.Equal(t, int64(100), fairWeight(Stats{Total: 3}, Stats{Total: 3}, old))

	// A clean mature backend pushes toward the ceiling but never past it.
	clean := Stats{Total: 100, Oks: 100, UsedTime: 100}
	w := fairWeight(clean, clean, old)
	assert.GreaterOrEqual(t, w, int64(1))
	assert.LessOrEqual(t, w, int64(200))

	// A disastrous backend floors at 1, never 0 or negative.
	awful := Stats{Total: 100, Errs: 100, Timeouts: 100, Doing: 100, UsedTime: 100000}
	w = fairWeight(awful, awful, old)
	assert.Equal(t, int64(1), w)
}

func TestFairWeightWarmupAttenuates(t *testing.T) {
	stats := Stats{Total: 100, Oks: 100, UsedTime: 100}

	mature := fairWeight(stats, stats, time.Now().Unix()-3600)
	fresh := fairWeight(stats, stats, time.Now().Unix()-30)

	// During warm-up the time factor caps at 0.1, so the weight is at
	// most a tenth of the 200 ceiling (and never below the floor).
	assert.LessOrEqual(t, fresh, int64(20))
	assert.GreaterOrEqual(t, fresh, int64(1))
	assert.Greater(t, mature, fresh)
}

func TestFairRebuildAssignsWeights(t *testing.T) {
	lb := NewFair()
	good := item(1, true, 0)
	bad := item(2, true, 0)
	// Backdate discovery so the warm-up attenuation stays out of the way.
	good.SetDiscoveryTime(time.Now().Unix() - 3600)
	bad.SetDiscoveryTime(time.Now().Unix() - 3600)
	lb.Add(good)
	lb.Add(bad)

	now := uint64(time.Now().Unix())
	for i := 0; i < 50; i++ {
		good.StartCall(now)
		good.FinishCall(now, 5, true, false)
		bad.StartCall(now)
		bad.FinishCall(now, 200, false, false)
	}

	lb.Rebuild()

	assert.GreaterOrEqual(t, good.Weight(), int64(1))
	assert.LessOrEqual(t, good.Weight(), int64(200))
	assert.GreaterOrEqual(t, bad.Weight(), int64(1))
	assert.LessOrEqual(t, bad.Weight(), int64(200))
	assert.Greater(t, good.Weight(), bad.Weight(), "healthy backend outweighs failing one")
}

func TestParseStrategy(t *testing.T) {
	assert.Equal(t, StrategyRoundRobin, ParseStrategy("round_robin"))
	assert.Equal(t, StrategyWeight, ParseStrategy("weight"))
	assert.Equal(t, StrategyFair, ParseStrategy("fair"))
	assert.Equal(t, StrategyFair, ParseStrategy("anything-else"))
}

func TestNewLoadBalance(t *testing.T) {
	assert.NotNil(t, NewLoadBalance(StrategyRoundRobin))
	assert.NotNil(t, NewLoadBalance(StrategyWeight))
	assert.NotNil(t, NewLoadBalance(StrategyFair))
	assert.Nil(t, NewLoadBalance(StrategyUnknown))
}

func TestStatusString(t *testing.T) {
	lb := NewRoundRobin()
	lb.Add(item(7, true, 1))
	out := lb.StatusString("  ")
	assert.Contains(t, out, "id=7")
	assert.Contains(t, out, "  [Item")
}
