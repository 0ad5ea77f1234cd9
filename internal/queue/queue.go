// Package queue provides a small FIFO used to schedule function bodies
// for constraint generation.
package queue

import "errors"

type Queue[E any] struct {
	elements []E
	head     int
}

func (q *Queue[E]) Push(e E) {
	q.elements = append(q.elements, e)
}

func (q *Queue[E]) PushAll(es []E) {
	q.elements = append(q.elements, es...)
}

func (q *Queue[E]) Len() int {
	return len(q.elements) - q.head
}

func (q *Queue[E]) Empty() bool {
	return q.Len() == 0
}

var ErrEmpty = errors.New("queue is empty")

func (q *Queue[E]) Pop() E {
	if q.Empty() {
		panic(ErrEmpty)
	}

	e := q.elements[q.head]
	q.head++
	if q.head == len(q.elements) {
		// Reuse the backing array once drained.
		q.elements = q.elements[:0]
		q.head = 0
	}
	return e
}
