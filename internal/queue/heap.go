package queue

// record is the store's private view of a job: the job itself plus its
// position in whichever heap currently holds it.
type record struct {
	job     Job
	index   int // -1 when not in a heap
	delayed bool
}

// readyHeap orders eligible jobs by priority desc, then creation time asc,
// then insertion sequence asc.
type readyHeap []*record

func (h readyHeap) Len() int { return len(h) }

func (h readyHeap) Less(i, k int) bool {
	a, b := &h[i].job, &h[k].job
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.seq < b.seq
}

func (h readyHeap) Swap(i, k int) {
	h[i], h[k] = h[k], h[i]
	h[i].index = i
	h[k].index = k
}

func (h *readyHeap) Push(x any) {
	r := x.(*record)
	r.index = len(*h)
	*h = append(*h, r)
}

func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	r := old[n-1]
	old[n-1] = nil
	r.index = -1
	*h = old[:n-1]
	return r
}

// delayedHeap orders jobs waiting out a backoff by NotBefore asc.
type delayedHeap []*record

func (h delayedHeap) Len() int { return len(h) }

func (h delayedHeap) Less(i, k int) bool {
	a, b := &h[i].job, &h[k].job
	if !a.NotBefore.Equal(b.NotBefore) {
		return a.NotBefore.Before(b.NotBefore)
	}
	return a.seq < b.seq
}

func (h delayedHeap) Swap(i, k int) {
	h[i], h[k] = h[k], h[i]
	h[i].index = i
	h[k].index = k
}

func (h *delayedHeap) Push(x any) {
	r := x.(*record)
	r.index = len(*h)
	*h = append(*h, r)
}

func (h *delayedHeap) Pop() any {
	old := *h
	n := len(old)
	r := old[n-1]
	old[n-1] = nil
	r.index = -1
	*h = old[:n-1]
	return r
}
