package utils

import (
	"container/heap"
	"time"
)

// FireItem is a job id ordered by its due time.
type FireItem struct {
	JobID    string
	FireTime time.Time
	Index    int
}

// FireQueue is a min-heap of FireItems, earliest fire time first.
type FireQueue []*FireItem

func (fq FireQueue) Len() int { return len(fq) }

func (fq FireQueue) Less(i, j int) bool {
	if fq[i].FireTime.Equal(fq[j].FireTime) {
		return fq[i].JobID < fq[j].JobID
	}
	return fq[i].FireTime.Before(fq[j].FireTime)
}

func (fq FireQueue) Swap(i, j int) {
	fq[i], fq[j] = fq[j], fq[i]
	fq[i].Index = i
	fq[j].Index = j
}

func (fq *FireQueue) Push(x interface{}) {
	n := len(*fq)
	item := x.(*FireItem)
	item.Index = n
	*fq = append(*fq, item)
}

func (fq *FireQueue) Pop() interface{} {
	old := *fq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*fq = old[0 : n-1]
	return item
}

// OrderByFireTime returns items sorted earliest first.
func OrderByFireTime(items []*FireItem) []*FireItem {
	fq := make(FireQueue, len(items))
	copy(fq, items)
	for i := range fq {
		fq[i].Index = i
	}
	heap.Init(&fq)

	ordered := make([]*FireItem, 0, len(items))
	for fq.Len() > 0 {
		ordered = append(ordered, heap.Pop(&fq).(*FireItem))
	}
	return ordered
}
