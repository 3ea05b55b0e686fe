package work

import "time"

// Batch is an ordered group of items sealed together by the windowing
// buffer. Items is never modified after sealing.
type Batch[In, Out any] struct {
	Seq      uint64
	SealedAt time.Time
	Items    []*Item[In, Out]
}

// Len returns the number of items in the batch.
func (b *Batch[In, Out]) Len() int {
	return len(b.Items)
}

// Pending returns the items that are still unresolved.
func (b *Batch[In, Out]) Pending() []*Item[In, Out] {
	pending := make([]*Item[In, Out], 0, len(b.Items))
	for _, it := range b.Items {
		if !it.Done() {
			pending = append(pending, it)
		}
	}
	return pending
}

// Payloads returns the payloads in batch order.
func (b *Batch[In, Out]) Payloads() []In {
	payloads := make([]In, len(b.Items))
	for i, it := range b.Items {
		payloads[i] = it.Payload
	}
	return payloads
}

// RejectPending resolves every unresolved item with err and returns how many
// were resolved by this call.
func (b *Batch[In, Out]) RejectPending(err error) int {
	n := 0
	for _, it := range b.Items {
		if it.Reject(err) {
			n++
		}
	}
	return n
}

// FailPending concludes every unresolved item with err and returns how many
// were resolved by this call.
func (b *Batch[In, Out]) FailPending(err error) int {
	n := 0
	for _, it := range b.Items {
		if it.Fail(err) {
			n++
		}
	}
	return n
}
