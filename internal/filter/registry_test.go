// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package filter

import (
	"sync"
	"testing"
	"time"

	"grimm.is/ptables/internal/errors"
	"grimm.is/ptables/internal/rules"
)

func TestRegistryOrderPreserved(t *testing.T) {
	r := NewRegistry(0)
	names := []string{"eth0", "eth1", "wlan0", "lo"}
	for _, n := range names {
		if _, err := r.Register(&Instance{adapter: n}); err != nil {
			t.Fatal(err)
		}
	}

	var visited []string
	r.ForEach(func(i *Instance) { visited = append(visited, i.adapter) })
	for idx, n := range names {
		if visited[idx] != n {
			t.Fatalf("visit order %v, want %v", visited, names)
		}
	}

	// Removal keeps relative order of the rest.
	inst, _ := r.Lookup("eth1")
	if err := r.Unregister(inst.ID()); err != nil {
		t.Fatal(err)
	}
	visited = visited[:0]
	r.ForEach(func(i *Instance) { visited = append(visited, i.adapter) })
	want := []string{"eth0", "wlan0", "lo"}
	for idx, n := range want {
		if visited[idx] != n {
			t.Fatalf("visit order after removal %v, want %v", visited, want)
		}
	}
	if r.Len() != 3 {
		t.Errorf("Len = %d, want 3", r.Len())
	}
}

func TestUnregisterRefusesOutstandingPackets(t *testing.T) {
	r := NewRegistry(0)
	inst := &Instance{adapter: "eth0"}
	id, _ := r.Register(inst)

	inst.pendingSend.Add(1)
	if err := r.Unregister(id); errors.GetKind(err) != errors.KindState {
		t.Fatalf("got %v, want state error", err)
	}
	inst.pendingSend.Add(-1)
	if err := r.Unregister(id); err != nil {
		t.Fatalf("Unregister after drain: %v", err)
	}
}

// TestPauseUnderLoad hammers the accept/complete path from several goroutines
// while pausing, asserting the core invariant: the pause completes, both
// counters end at zero, and no packet is left owned by the filter.
func TestPauseUnderLoad(t *testing.T) {
	p := newTestPipeline(t, nil, nil)
	id := mustAttachRunning(t, p, "eth0")
	inst, _ := p.Registry().Get(id)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				batch := Batch{
					NewPacket(nil, rules.PacketMetadata{DstPort: 80}),
					NewPacket(nil, rules.PacketMetadata{DstPort: 81}),
				}
				out, err := p.OutboundAccept(id, batch)
				if err != nil {
					t.Errorf("OutboundAccept: %v", err)
					return
				}
				if err := p.OutboundComplete(id, out); err != nil {
					t.Errorf("OutboundComplete: %v", err)
					return
				}
			}
		}()
	}

	time.Sleep(20 * time.Millisecond)
	done, err := p.Pause(id)
	if err != nil {
		t.Fatalf("Pause: %v", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("pause never completed under load")
	}
	close(stop)
	wg.Wait()

	if inst.State() != StatePaused {
		t.Fatalf("state = %s, want paused", inst.State())
	}
	if inst.PendingSend() != 0 || inst.PendingReceive() != 0 {
		t.Fatalf("pending send/receive = %d/%d after pause, want 0/0",
			inst.PendingSend(), inst.PendingReceive())
	}
}
