package bridge

import "context"

// Sink receives the events of one invocation.
type Sink interface {
	OnChunk(Delta)
	OnEnd(Completion)
	OnError(error)
}

// Drive forwards the events of inv to sink. Every delta reaches OnChunk before
// exactly one of OnEnd or OnError is called, and the invocation's temp files
// are already removed by then.
func Drive(inv *Invocation, sink Sink) {
	for d := range inv.Deltas() {
		sink.OnChunk(d)
	}
	completion, err := inv.Result()
	if err != nil {
		sink.OnError(err)
		return
	}
	sink.OnEnd(completion)
}

// Run starts req and drives sink until the invocation is over.
func (b *Bridge) Run(ctx context.Context, req Request, sink Sink) {
	Drive(b.Start(ctx, req), sink)
}

// Collect runs req to completion and returns the final result, dropping deltas.
func (b *Bridge) Collect(ctx context.Context, req Request) (Completion, error) {
	inv := b.Start(ctx, req)
	for range inv.Deltas() {
	}
	return inv.Result()
}
