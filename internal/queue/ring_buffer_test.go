package queue

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"guardpost/internal/schema"
)

func sample(source string) schema.MetricSample {
	return schema.MetricSample{
		SourceID:  source,
		Kind:      schema.MetricCPUUsage,
		Value:     50,
		Timestamp: time.Now().UTC(),
	}
}

func TestSampleQueue_PushDrainOrder(t *testing.T) {
	q := NewSampleQueue(8)
	for i := 0; i < 5; i++ {
		if err := q.Push(sample(fmt.Sprintf("host-%d", i))); err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
	}
	if q.Len() != 5 {
		t.Fatalf("len = %d, want 5", q.Len())
	}

	got := q.Drain(3)
	if len(got) != 3 {
		t.Fatalf("drained %d, want 3", len(got))
	}
	for i, s := range got {
		if want := fmt.Sprintf("host-%d", i); s.SourceID != want {
			t.Errorf("drain[%d] = %s, want %s (arrival order)", i, s.SourceID, want)
		}
	}

	rest := q.Drain(0)
	if len(rest) != 2 || rest[0].SourceID != "host-3" {
		t.Fatalf("remaining drain = %v", rest)
	}
	if q.Drain(10) != nil {
		t.Error("empty drain must return nil")
	}
}

func TestSampleQueue_FullRejectsNewest(t *testing.T) {
	q := NewSampleQueue(2)
	if err := q.Push(sample("a")); err != nil {
		t.Fatal(err)
	}
	if err := q.Push(sample("b")); err != nil {
		t.Fatal(err)
	}
	if err := q.Push(sample("c")); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("push to full queue: %v, want ErrQueueFull", err)
	}

	got := q.Drain(0)
	if len(got) != 2 || got[0].SourceID != "a" || got[1].SourceID != "b" {
		t.Fatalf("buffered samples = %v, oldest must survive", got)
	}
	if q.Metrics().Dropped != 1 {
		t.Errorf("dropped = %d, want 1", q.Metrics().Dropped)
	}
}

func TestSampleQueue_WrapAround(t *testing.T) {
	q := NewSampleQueue(4)
	for round := 0; round < 3; round++ {
		for i := 0; i < 4; i++ {
			if err := q.Push(sample(fmt.Sprintf("r%d-%d", round, i))); err != nil {
				t.Fatal(err)
			}
		}
		got := q.Drain(0)
		if len(got) != 4 {
			t.Fatalf("round %d: drained %d", round, len(got))
		}
		if got[0].SourceID != fmt.Sprintf("r%d-0", round) {
			t.Fatalf("round %d: first = %s", round, got[0].SourceID)
		}
	}
}

func TestSampleQueue_ClosedRejectsPushAllowsDrain(t *testing.T) {
	q := NewSampleQueue(4)
	if err := q.Push(sample("a")); err != nil {
		t.Fatal(err)
	}
	q.Close()

	if err := q.Push(sample("b")); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("push after close: %v, want ErrQueueClosed", err)
	}
	if got := q.Drain(0); len(got) != 1 {
		t.Fatalf("drain after close = %d samples, want 1", len(got))
	}
}

func TestSampleQueue_ConcurrentProducers(t *testing.T) {
	q := NewSampleQueue(1000)
	var wg sync.WaitGroup
	for p := 0; p < 10; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				_ = q.Push(sample(fmt.Sprintf("p%d", p)))
			}
		}(p)
	}
	wg.Wait()

	m := q.Metrics()
	if m.Pushed != 1000 {
		t.Fatalf("pushed = %d, want 1000", m.Pushed)
	}
	if got := q.Drain(0); len(got) != 1000 {
		t.Fatalf("drained = %d, want 1000", len(got))
	}
}
