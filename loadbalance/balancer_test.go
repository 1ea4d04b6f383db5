package loadbalance

import (
	"fmt"
	"sync"
	"testing"

	"prpc/registry"
	"prpc/rpcerr"
)

var testInstances = []registry.ServiceInstance{
	{Host: "127.0.0.1", Port: 8001, Weight: 10, Version: "1.0"},
	{Host: "127.0.0.1", Port: 8002, Weight: 5, Version: "1.0"},
	{Host: "127.0.0.1", Port: 8003, Weight: 10, Version: "1.0"},
}

func allBalancers(t *testing.T) []Balancer {
	t.Helper()
	var out []Balancer
	for name := range constructors {
		b, err := New(name, Options{VirtualNodes: 10, SourceAddr: "10.1.2.3"})
		if err != nil {
			t.Fatal(err)
		}
		out = append(out, b)
	}
	return out
}

func TestSingleInstanceAlwaysChosen(t *testing.T) {
	single := []registry.ServiceInstance{{Host: "10.0.0.9", Port: 7000}}
	for _, b := range allBalancers(t) {
		for i := 0; i < 5; i++ {
			inst, err := b.Pick(single)
			if err != nil {
				t.Fatalf("%s: %v", b.Name(), err)
			}
			if inst.Addr() != "10.0.0.9:7000" {
				t.Fatalf("%s: got %s", b.Name(), inst.Addr())
			}
		}
	}
}

func TestEmptyInstancesFail(t *testing.T) {
	for _, b := range allBalancers(t) {
		_, err := b.Pick(nil)
		if rpcerr.KindOf(err) != rpcerr.NoMoreInstance {
			t.Fatalf("%s: expect NoMoreInstance, got %v", b.Name(), err)
		}
	}
}

func TestNew(t *testing.T) {
	cases := map[string]string{
		"Random":          NameRandom,
		"polling":         NameRoundRobin,
		"ROUNDROBIN":      NameRoundRobin,
		"hash":            NameSourceHash,
		"consistentHash":  NameConsistentHash,
		"weighted_random": NameWeightedRandom,
	}
	for in, want := range cases {
		b, err := New(in, Options{})
		if err != nil {
			t.Fatalf("New(%q): %v", in, err)
		}
		if b.Name() != want {
			t.Errorf("New(%q) = %s, want %s", in, b.Name(), want)
		}
	}

	if _, err := New("leastconn", Options{}); rpcerr.KindOf(err) != rpcerr.UnknownLoadBalanceAlgorithm {
		t.Fatalf("expect UnknownLoadBalanceAlgorithm, got %v", err)
	}
}

func TestRoundRobin(t *testing.T) {
	b := &RoundRobinBalancer{}

	// Pick 3 times, should cycle through all instances in order
	for i := 0; i < 3; i++ {
		inst, err := b.Pick(testInstances)
		if err != nil {
			t.Fatal(err)
		}
		if inst.Addr() != testInstances[i].Addr() {
			t.Fatalf("pick %d: expect %s, got %s", i, testInstances[i].Addr(), inst.Addr())
		}
	}

	// Pick again, should wrap around to first
	inst, _ := b.Pick(testInstances)
	if inst.Addr() != testInstances[0].Addr() {
		t.Fatalf("expect wrap around to %s, got %s", testInstances[0].Addr(), inst.Addr())
	}
}

func TestRoundRobinConcurrent(t *testing.T) {
	b := &RoundRobinBalancer{}
	var mu sync.Mutex
	counts := map[string]int{}
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 300; i++ {
				inst, _ := b.Pick(testInstances)
				mu.Lock()
				counts[inst.Addr()]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	for _, inst := range testInstances {
		if counts[inst.Addr()] != 800 {
			t.Fatalf("uneven distribution: %v", counts)
		}
	}
}

func TestRandomCoversAllInstances(t *testing.T) {
	b := &RandomBalancer{}
	seen := map[string]bool{}
	for i := 0; i < 1000; i++ {
		inst, _ := b.Pick(testInstances)
		seen[inst.Addr()] = true
	}
	if len(seen) != len(testInstances) {
		t.Fatalf("expect all instances to be hit, got %v", seen)
	}
}

func TestWeightedRandom(t *testing.T) {
	b := &WeightedRandomBalancer{}

	counts := map[string]int{}
	n := 10000
	for i := 0; i < n; i++ {
		inst, err := b.Pick(testInstances)
		if err != nil {
			t.Fatal(err)
		}
		counts[inst.Addr()]++
	}

	// Weight ratio is 10:5:10, so :8001 and :8003 should be ~2x of :8002
	ratio := float64(counts["127.0.0.1:8001"]) / float64(counts["127.0.0.1:8002"])
	if ratio < 1.5 || ratio > 2.5 {
		t.Fatalf("weight ratio :8001/:8002 = %.2f, expect ~2.0", ratio)
	}
}

func TestWeightedRandomZeroWeights(t *testing.T) {
	b := &WeightedRandomBalancer{}
	insts := []registry.ServiceInstance{{Host: "a", Port: 1}, {Host: "b", Port: 1}}
	if _, err := b.Pick(insts); err != nil {
		t.Fatal(err)
	}
}

func TestSourceHash(t *testing.T) {
	// Hash("127.0.0.1") = 432544619, (432544619+1) % 3 = 0
	b := NewSourceHashBalancer("127.0.0.1")
	for i := 0; i < 3; i++ {
		inst, err := b.Pick(testInstances)
		if err != nil {
			t.Fatal(err)
		}
		if inst.Addr() != testInstances[0].Addr() {
			t.Fatalf("expect %s, got %s", testInstances[0].Addr(), inst.Addr())
		}
	}

	// (432544619+1) % 2 = 0, % 4 = 0, % 7 = 4
	seven := make([]registry.ServiceInstance, 7)
	for i := range seven {
		seven[i] = registry.ServiceInstance{Host: "10.0.0.1", Port: 9000 + i}
	}
	inst, _ := b.Pick(seven)
	if inst.Port != 9004 {
		t.Fatalf("expect slot 4, got port %d", inst.Port)
	}
}

func TestConsistentHashSticky(t *testing.T) {
	b := NewConsistentHashBalancer(100, "10.1.2.3")

	// Same caller should always map to the same instance
	inst1, _ := b.PickFor("Greeter:g1", testInstances)
	inst2, _ := b.PickFor("Greeter:g1", testInstances)
	if inst1.Addr() != inst2.Addr() {
		t.Fatalf("same key mapped to different instances: %s vs %s", inst1.Addr(), inst2.Addr())
	}

	// Different keys should (likely) map to different instances
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		inst, _ := b.PickByKey("Greeter:g1", fmt.Sprintf("key-%d", i), testInstances)
		seen[inst.Addr()] = true
	}

	// With 100 different keys and 3 nodes, we should hit at least 2
	if len(seen) < 2 {
		t.Fatalf("expect at least 2 different instances, got %d", len(seen))
	}
}

func TestConsistentHashResyncsRing(t *testing.T) {
	b := NewConsistentHashBalancer(50, "10.1.2.3")
	b.PickFor("Greeter:g1", testInstances)
	if got := len(b.Ring("Greeter:g1").Nodes()); got != 3 {
		t.Fatalf("expect 3 nodes, got %d", got)
	}

	inst, err := b.PickFor("Greeter:g1", testInstances[:2])
	if err != nil {
		t.Fatal(err)
	}
	if inst.Port == 8003 {
		t.Fatalf("removed instance must not be chosen")
	}
	ring := b.Ring("Greeter:g1")
	if ring.Has("127.0.0.1:8003") || len(ring.points) != 100 {
		t.Fatalf("ring not resynced: nodes %v, %d points", ring.Nodes(), len(ring.points))
	}

	if b.Ring("Other:g1") != nil {
		t.Fatalf("rings are per service")
	}
}

func TestConsistentHashConcurrent(t *testing.T) {
	b := NewConsistentHashBalancer(20, "10.1.2.3")
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				insts := testInstances[:1+(g+i)%3]
				inst, err := b.PickFor("Greeter:g1", insts)
				if err != nil {
					t.Error(err)
					return
				}
				found := false
				for _, in := range insts {
					found = found || in.Addr() == inst.Addr()
				}
				if !found {
					t.Errorf("picked %s outside %v", inst.Addr(), insts)
					return
				}
			}
		}(g)
	}
	wg.Wait()
}
