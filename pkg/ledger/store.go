package ledger

import "context"

// Store is the durable keyed backing for the record store. Implementations
// must make AppendCAS atomic per stream: at most one event may occupy a given
// (stream_id, prev_hash) slot. Appends to different streams are independent.
type Store interface {
	// AppendCAS persists e if and only if the stream tip still equals
	// expectedTip; otherwise it returns a StreamConflictError carrying the
	// actual tip. No event is silently dropped or reordered.
	AppendCAS(ctx context.Context, e *Event, expectedTip string) error

	// Get returns the event with the given event_id, or ErrNotFound.
	Get(ctx context.Context, streamID, eventID string) (*Event, error)

	// GetBySeq returns the event at a sequence position, or ErrNotFound.
	GetBySeq(ctx context.Context, streamID string, seq uint64) (*Event, error)

	// Range returns events with fromSeq <= seq <= toSeq in sequence order.
	// toSeq == 0 means "to the end of the stream".
	Range(ctx context.Context, streamID string, fromSeq, toSeq uint64) ([]*Event, error)

	// Tip returns the stream's current tip hash and last sequence number.
	// An empty stream reports (GenesisHash, 0).
	Tip(ctx context.Context, streamID string) (string, uint64, error)

	// Streams lists every stream with at least one event.
	Streams(ctx context.Context) ([]string, error)
}
