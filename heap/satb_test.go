package heap

import (
	"sync"
	"testing"
)

func TestBarrierInactive(t *testing.T) {
	h := testHeap(t, 64, 2)
	m := h.NewMutator()
	a, _ := h.AllocateObject(KindRefs, 2)
	b, _ := h.AllocateObject(KindData, 1)

	m.Store(a, 0, b)
	m.Store(a, 0, 0)

	h.SATB().FlushAll()
	if _, ok := h.SATB().PopCompleted(); ok {
		t.Error("inactive barrier produced log entries")
	}
}

func TestBarrierLogsOldValues(t *testing.T) {
	h := testHeap(t, 64, 2)
	m := h.NewMutator()
	a, _ := h.AllocateObject(KindRefs, 2)
	b, _ := h.AllocateObject(KindData, 1)
	c, _ := h.AllocateObject(KindData, 1)
	h.InitField(a, 0, b)

	h.SATB().SetActive(true)

	// Overwriting b with c must log b; a null previous value logs nothing.
	m.Store(a, 0, c)
	m.Store(a, 1, b)

	h.SATB().FlushAll()
	buf, ok := h.SATB().PopCompleted()
	if !ok {
		t.Fatal("no completed buffer after flush")
	}
	if len(buf) != 1 || buf[0] != b {
		t.Errorf("logged entries = %v, want [%d]", buf, b)
	}
	if _, ok := h.SATB().PopCompleted(); ok {
		t.Error("more completed buffers than expected")
	}
}

func TestBarrierFillsBuffers(t *testing.T) {
	h := testHeap(t, 2048, 2)
	m := h.NewMutator()
	a, _ := h.AllocateObject(KindRefs, 1)
	b, _ := h.AllocateObject(KindData, 1)
	h.InitField(a, 0, b)

	h.SATB().SetActive(true)
	for i := 0; i < satbBufferEntries; i++ {
		m.Store(a, 0, b)
	}

	// The buffer filled exactly once and moved to the completed list
	// without an explicit flush.
	if !h.SATB().HasCompleted() {
		t.Fatal("full buffer did not reach the completed list")
	}
	buf, _ := h.SATB().PopCompleted()
	if len(buf) != satbBufferEntries {
		t.Errorf("completed buffer holds %d entries, want %d", len(buf), satbBufferEntries)
	}
	for i, ref := range buf {
		if ref != b {
			t.Fatalf("entry %d = %d, want %d", i, ref, b)
		}
	}
}

func TestSATBReset(t *testing.T) {
	h := testHeap(t, 64, 2)
	m := h.NewMutator()
	a, _ := h.AllocateObject(KindRefs, 1)
	b, _ := h.AllocateObject(KindData, 1)
	h.InitField(a, 0, b)

	h.SATB().SetActive(true)
	m.Store(a, 0, 0)
	h.SATB().Reset()

	h.SATB().FlushAll()
	if _, ok := h.SATB().PopCompleted(); ok {
		t.Error("reset left entries behind")
	}
}

func TestBarrierConcurrentMutators(t *testing.T) {
	const mutators = 8
	const stores = 1000

	h := testHeap(t, 4096, 4)
	objs := make([]Address, mutators)
	fill := make([]Address, mutators)
	for i := range objs {
		objs[i], _ = h.AllocateObject(KindRefs, 1)
		fill[i], _ = h.AllocateObject(KindData, 1)
		h.InitField(objs[i], 0, fill[i])
	}

	h.SATB().SetActive(true)

	var wg sync.WaitGroup
	for i := 0; i < mutators; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m := h.NewMutator()
			for j := 0; j < stores; j++ {
				m.Store(objs[i], 0, fill[i])
			}
		}(i)
	}
	wg.Wait()

	h.SATB().FlushAll()
	total := 0
	for {
		buf, ok := h.SATB().PopCompleted()
		if !ok {
			break
		}
		total += len(buf)
	}
	if total != mutators*stores {
		t.Errorf("logged %d old values, want %d", total, mutators*stores)
	}
}
