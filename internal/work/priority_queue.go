package work

// priorityQueue implements heap.Interface for pending jobs.
// Higher priority jobs are popped first; equal priorities pop in id order,
// which is submission order.
type priorityQueue []*Job

func (pq priorityQueue) Len() int { return len(pq) }

func (pq priorityQueue) Less(i, j int) bool {
	if pq[i].Priority != pq[j].Priority {
		return pq[i].Priority > pq[j].Priority
	}
	return pq[i].ID < pq[j].ID
}

func (pq priorityQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].heapIndex = i
	pq[j].heapIndex = j
}

func (pq *priorityQueue) Push(x any) {
	job := x.(*Job)
	job.heapIndex = len(*pq)
	*pq = append(*pq, job)
}

func (pq *priorityQueue) Pop() any {
	old := *pq
	n := len(old)
	job := old[n-1]
	old[n-1] = nil     // avoid memory leak
	job.heapIndex = -1 // mark as removed
	*pq = old[0 : n-1]
	return job
}
