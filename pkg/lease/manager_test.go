package lease

import (
	"container/heap"
	"context"
	"testing"
	"time"
)

func TestWorkHeap_OrdersByActionTime(t *testing.T) {
	now := time.Now()
	items := &workHeap{}
	heap.Init(items)
	heap.Push(items, workItem{kind: kindLeaseRevoke, actionAt: now.Add(2 * time.Minute), leaseID: "later"})
	heap.Push(items, workItem{kind: kindLeaseRevoke, actionAt: now, leaseID: "first"})
	heap.Push(items, workItem{kind: kindLeaseRevoke, actionAt: now.Add(time.Minute), leaseID: "middle"})

	var order []string
	for items.Len() > 0 {
		item := heap.Pop(items).(workItem)
		order = append(order, item.leaseID)
	}

	want := []string{"first", "middle", "later"}
	for i, w := range want {
		if order[i] != w {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestNewManager_AppliesDefaults(t *testing.T) {
	m := NewManager(nil, nil, nil, nil, "owner-1", Config{})
	if m.pollInterval != 15*time.Second {
		t.Errorf("pollInterval = %v, want 15s", m.pollInterval)
	}
	if m.claimDuration != time.Minute {
		t.Errorf("claimDuration = %v, want 1m", m.claimDuration)
	}
	if m.maxAttempts != 5 {
		t.Errorf("maxAttempts = %d, want 5", m.maxAttempts)
	}
	if m.sweepBatchLimit != 100 {
		t.Errorf("sweepBatchLimit = %d, want 100", m.sweepBatchLimit)
	}
}

func TestNewManager_HonorsExplicitConfig(t *testing.T) {
	m := NewManager(nil, nil, nil, nil, "owner-1", Config{
		PollInterval:  5 * time.Second,
		MaxAttempts:   3,
		BackoffBaseMS: 100,
	})
	if m.pollInterval != 5*time.Second {
		t.Errorf("pollInterval = %v, want 5s", m.pollInterval)
	}
	if m.maxAttempts != 3 {
		t.Errorf("maxAttempts = %d, want 3", m.maxAttempts)
	}
	if m.backoffBaseMS != 100 {
		t.Errorf("backoffBaseMS = %d, want 100", m.backoffBaseMS)
	}
}

func TestNewOwnerID_IsUnique(t *testing.T) {
	a := NewOwnerID()
	b := NewOwnerID()
	if a == b {
		t.Error("NewOwnerID should produce distinct ids across calls")
	}
}

func TestRegisterRotator(t *testing.T) {
	m := NewManager(nil, nil, nil, nil, "owner-1", Config{})
	fake := fakeRotator{}
	m.RegisterRotator("transit_key", fake)
	if _, ok := m.rotators["transit_key"]; !ok {
		t.Error("expected rotator to be registered under transit_key")
	}
}

type fakeRotator struct{}

func (fakeRotator) Rotate(_ context.Context, _ string) error { return nil }
