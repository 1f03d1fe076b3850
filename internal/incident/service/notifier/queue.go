package notifier

import "github.com/cureops/incidentd/internal/incident/model"

// deliveryQueue is a min-heap of scheduled notifications ordered by
// ScheduledAt, earliest first. It implements heap.Interface; all access goes
// through the dispatcher's mutex.
type deliveryQueue []*model.Notification

func (q deliveryQueue) Len() int { return len(q) }

func (q deliveryQueue) Less(i, j int) bool {
	return q[i].ScheduledAt.Before(q[j].ScheduledAt)
}

func (q deliveryQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *deliveryQueue) Push(x any) {
	*q = append(*q, x.(*model.Notification))
}

func (q *deliveryQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}
