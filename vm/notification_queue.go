package vm

const initialQueueCapacity = 16

// NotificationQueue holds weak arrays that gained near-death elements. It is
// a circular buffer that doubles when full. An array in the queue has the
// queued bit set in its header so it is never queued twice.
//
// The queue is a strong root: a queued array survives until it is taken.
type NotificationQueue struct {
	h     *Heap
	buf   []Value
	first int
	n     int
}

func newNotificationQueue(h *Heap) *NotificationQueue {
	return &NotificationQueue{h: h, buf: make([]Value, initialQueueCapacity)}
}

// Len returns the number of queued arrays.
func (q *NotificationQueue) Len() int { return q.n }

// IsEmpty returns true if nothing is queued.
func (q *NotificationQueue) IsEmpty() bool { return q.n == 0 }

// Capacity returns the current buffer size.
func (q *NotificationQueue) Capacity() int { return len(q.buf) }

// Put appends obj and sets its queued bit.
func (q *NotificationQueue) Put(obj Value) {
	if q.n == len(q.buf) {
		q.grow()
	}
	q.buf[(q.first+q.n)%len(q.buf)] = obj
	q.n++
	q.h.setMark(obj, q.h.markOf(obj).SetQueued())
}

// PutIfAbsent appends obj unless it is already queued.
func (q *NotificationQueue) PutIfAbsent(obj Value) bool {
	if q.h.markOf(obj).IsQueued() {
		return false
	}
	q.Put(obj)
	return true
}

// Get removes and returns the oldest entry and clears its queued bit.
// Returns false if the queue is empty.
func (q *NotificationQueue) Get() (Value, bool) {
	if q.n == 0 {
		return 0, false
	}
	obj := q.buf[q.first]
	q.buf[q.first] = 0
	q.first = (q.first + 1) % len(q.buf)
	q.n--
	q.h.setMark(obj, q.h.markOf(obj).ClearQueued())
	return obj, true
}

// grow doubles the buffer, moving the entries to its start.
func (q *NotificationQueue) grow() {
	buf := make([]Value, 2*len(q.buf))
	for i := 0; i < q.n; i++ {
		buf[i] = q.buf[(q.first+i)%len(q.buf)]
	}
	q.buf = buf
	q.first = 0
}

// Do calls fn with every queued array, oldest first.
func (q *NotificationQueue) Do(fn func(obj Value)) {
	for i := 0; i < q.n; i++ {
		fn(q.buf[(q.first+i)%len(q.buf)])
	}
}

func (q *NotificationQueue) oopsDo(fn func(slot *Value)) {
	for i := 0; i < q.n; i++ {
		fn(&q.buf[(q.first+i)%len(q.buf)])
	}
}
