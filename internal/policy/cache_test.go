package policy

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/abelbrown/happyfeed/internal/filter"
	"github.com/abelbrown/happyfeed/internal/store"
)

type mockSource struct {
	mu       sync.Mutex
	groups   []string
	keywords []string
	err      error
	reads    atomic.Int32

	// When gate is set, BlockedGroups reads its result, signals entered
	// and holds until gate is closed.
	gate    chan struct{}
	entered chan struct{}
}

func (m *mockSource) BlockedGroups(ctx context.Context) ([]string, error) {
	m.reads.Add(1)
	m.mu.Lock()
	groups, err, gate := append([]string(nil), m.groups...), m.err, m.gate
	m.mu.Unlock()
	if gate != nil {
		m.entered <- struct{}{}
		<-gate
	}
	if err != nil {
		return nil, err
	}
	return groups, nil
}

func (m *mockSource) hold() chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gate = make(chan struct{})
	m.entered = make(chan struct{}, 4)
	return m.gate
}

func (m *mockSource) BlockedKeywords(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	return append([]string(nil), m.keywords...), nil
}

func (m *mockSource) set(groups, keywords []string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groups, m.keywords, m.err = groups, keywords, err
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestSnapshotServesWithinTTL(t *testing.T) {
	src := &mockSource{groups: []string{"wtf"}}
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	c := NewCache(src, WithClock(clock.Now), WithTTL(time.Minute))
	ctx := context.Background()

	p1, err := c.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	src.set([]string{"news"}, nil, nil)
	clock.Advance(30 * time.Second)

	p2, _ := c.Snapshot(ctx)
	if p1 != p2 {
		t.Error("snapshot within TTL should be reused")
	}
	if got := src.reads.Load(); got != 1 {
		t.Errorf("expected 1 store read, got %d", got)
	}

	clock.Advance(31 * time.Second)
	p3, _ := c.Snapshot(ctx)
	if p3 == p1 {
		t.Error("expired snapshot should be replaced")
	}
	if !p3.Evaluate(store.Item{SourceGroup: "news"}).Blocked {
		t.Error("refreshed snapshot should reflect the store")
	}
	if p1.Evaluate(store.Item{SourceGroup: "news"}).Blocked {
		t.Error("old snapshot must not change after a refresh")
	}
}

func TestInvalidateForcesReread(t *testing.T) {
	src := &mockSource{keywords: []string{"war"}}
	c := NewCache(src)
	ctx := context.Background()

	if _, err := c.Snapshot(ctx); err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	src.set(nil, []string{"war", "rape"}, nil)
	c.Invalidate()

	p, err := c.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if !p.Evaluate(store.Item{Title: "gang-rape survivors speak out"}).Blocked {
		t.Error("snapshot after Invalidate should include the new keyword")
	}
	if got := src.reads.Load(); got != 2 {
		t.Errorf("expected 2 store reads, got %d", got)
	}
}

func TestReadFailureKeepsLastSnapshot(t *testing.T) {
	src := &mockSource{groups: []string{"wtf"}}
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	c := NewCache(src, WithClock(clock.Now))
	ctx := context.Background()

	first, err := c.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}

	src.set(nil, nil, errors.New("disk gone"))
	c.Invalidate()
	if _, err := c.Snapshot(ctx); !errors.Is(err, ErrPolicyRead) {
		t.Fatalf("expected ErrPolicyRead, got %v", err)
	}
	if _, ok := c.Loaded(); !ok {
		t.Error("last snapshot should be retained after a failed read")
	}

	src.set([]string{"wtf"}, nil, nil)
	second, err := c.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot after recovery failed: %v", err)
	}
	if second == first {
		t.Error("recovered snapshot should be freshly read")
	}
}

func TestFirstReadFailure(t *testing.T) {
	src := &mockSource{err: errors.New("locked")}
	c := NewCache(src)
	if _, err := c.Snapshot(context.Background()); !errors.Is(err, ErrPolicyRead) {
		t.Errorf("expected ErrPolicyRead, got %v", err)
	}
	if _, ok := c.Loaded(); ok {
		t.Error("nothing should be loaded")
	}
}

func TestConcurrentSnapshots(t *testing.T) {
	src := &mockSource{groups: []string{"wtf"}, keywords: []string{"died"}}
	c := NewCache(src)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 64)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%8 == 0 {
				c.Invalidate()
			}
			p, err := c.Snapshot(ctx)
			if err != nil {
				errs <- err
				return
			}
			if !p.Evaluate(store.Item{SourceGroup: "wtf"}).Blocked {
				errs <- errors.New("snapshot lost its groups")
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func waitEntered(t *testing.T, src *mockSource) {
	t.Helper()
	select {
	case <-src.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("refresh never reached the store")
	}
}

func TestStaleSnapshotServedDuringRefresh(t *testing.T) {
	src := &mockSource{groups: []string{"wtf"}}
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	c := NewCache(src, WithClock(clock.Now), WithTTL(time.Minute))
	ctx := context.Background()

	stale, err := c.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	src.set([]string{"news"}, nil, nil)
	gate := src.hold()
	clock.Advance(2 * time.Minute)

	refreshed := make(chan *filter.Policy, 1)
	go func() {
		p, _ := c.Snapshot(ctx)
		refreshed <- p
	}()
	waitEntered(t, src)

	got := make(chan *filter.Policy, 1)
	go func() {
		p, _ := c.Snapshot(ctx)
		got <- p
	}()
	select {
	case p := <-got:
		if p != stale {
			t.Error("reader during a refresh should get the previous snapshot")
		}
	case <-time.After(time.Second):
		t.Fatal("reader blocked behind the refresh")
	}

	close(gate)
	p := <-refreshed
	if !p.Evaluate(store.Item{SourceGroup: "news"}).Blocked {
		t.Error("refresh should return the new policy")
	}
}

func TestInvalidateDuringRefreshSeesWrite(t *testing.T) {
	src := &mockSource{groups: []string{"wtf"}}
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	c := NewCache(src, WithClock(clock.Now), WithTTL(time.Minute))
	ctx := context.Background()

	if _, err := c.Snapshot(ctx); err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	gate := src.hold()
	clock.Advance(2 * time.Minute)

	// A TTL refresh that has already read the old groups.
	oldRefresh := make(chan struct{})
	go func() {
		defer close(oldRefresh)
		c.Snapshot(ctx)
	}()
	waitEntered(t, src)

	src.set([]string{"news"}, nil, nil)
	c.Invalidate()

	got := make(chan *filter.Policy, 1)
	go func() {
		p, _ := c.Snapshot(ctx)
		got <- p
	}()
	waitEntered(t, src)
	close(gate)

	p := <-got
	if !p.Evaluate(store.Item{SourceGroup: "news"}).Blocked {
		t.Error("snapshot after Invalidate must include the write")
	}
	<-oldRefresh

	latest, err := c.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if !latest.Evaluate(store.Item{SourceGroup: "news"}).Blocked {
		t.Error("an older refresh finishing late must not replace the newer snapshot")
	}
}
