package broker

import "container/heap"

// waitQueue orders queued tickets by (priority, enqueue sequence):
// numerically lower priority first, FIFO within equal priority so no
// request starves behind later arrivals of its own class.
type waitQueue []*Ticket

func (q waitQueue) Len() int { return len(q) }

func (q waitQueue) Less(i, j int) bool {
	if q[i].request.Priority != q[j].request.Priority {
		return q[i].request.Priority < q[j].request.Priority
	}
	return q[i].seq < q[j].seq
}

func (q waitQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *waitQueue) Push(x interface{}) { *q = append(*q, x.(*Ticket)) }

func (q *waitQueue) Pop() interface{} {
	old := *q
	n := len(old)
	ticket := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return ticket
}

// remove drops one ticket from the queue, wherever it sits.
func (q *waitQueue) remove(ticket *Ticket) {
	for i, queued := range *q {
		if queued == ticket {
			heap.Remove(q, i)
			return
		}
	}
}

// ordered returns the queue contents in grant order without disturbing
// the heap.
func (q waitQueue) ordered() []*Ticket {
	clone := make(waitQueue, len(q))
	copy(clone, q)
	heap.Init(&clone)
	var tickets []*Ticket
	for clone.Len() > 0 {
		tickets = append(tickets, heap.Pop(&clone).(*Ticket))
	}
	return tickets
}
