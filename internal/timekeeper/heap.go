package timekeeper

// formationHeap is a container/heap.Interface ordering active formations by
// NextExecutionTime, grounded on the teacher's ingest.Batcher use of
// container/heap-style ordered delivery (adapted here to formation
// scheduling rather than batch flushing).
type formationHeap []*Formation

func (h formationHeap) Len() int { return len(h) }

func (h formationHeap) Less(i, j int) bool {
	return h[i].NextExecutionTime.Before(h[j].NextExecutionTime)
}

func (h formationHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}

func (h *formationHeap) Push(x any) {
	f := x.(*Formation)
	f.heapIndex = len(*h)
	*h = append(*h, f)
}

func (h *formationHeap) Pop() any {
	old := *h
	n := len(old)
	f := old[n-1]
	old[n-1] = nil
	f.heapIndex = -1
	*h = old[:n-1]
	return f
}
