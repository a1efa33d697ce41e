package notifications

import (
	"context"

	"github.com/nairabridge/nairabridge-server/internal/storage"
)

// EventingStore decorates a storage.Store so every successful status
// transition emits a transaction lifecycle event. Workers and handlers write
// through it unchanged; the emitter sees each transition exactly once, at the
// point the guarded write committed.
type EventingStore struct {
	storage.Store
	emitter *Emitter
}

// WrapStore returns the store decorated with lifecycle emission. A nil
// emitter returns the store unwrapped.
func WrapStore(store storage.Store, emitter *Emitter) storage.Store {
	if emitter == nil {
		return store
	}
	return &EventingStore{Store: store, emitter: emitter}
}

func (s *EventingStore) UpdateStatus(ctx context.Context, id string, from, to storage.TransactionStatus) error {
	if err := s.Store.UpdateStatus(ctx, id, from, to); err != nil {
		return err
	}
	s.emitTransition(ctx, id, from, to)
	return nil
}

func (s *EventingStore) UpdateStatusWithMetadata(ctx context.Context, id string, from, to storage.TransactionStatus, patch map[string]any) error {
	if err := s.Store.UpdateStatusWithMetadata(ctx, id, from, to, patch); err != nil {
		return err
	}
	s.emitTransition(ctx, id, from, to)
	return nil
}

// emitTransition enriches the event with the row's type and amount when the
// row is still readable. The read is best effort; the transition already
// committed and the event goes out either way.
func (s *EventingStore) emitTransition(ctx context.Context, id string, from, to storage.TransactionStatus) {
	event := TransactionEvent{
		EventType:     "transaction." + string(to),
		TransactionID: id,
		FromStatus:    string(from),
		ToStatus:      string(to),
	}
	if row, err := s.Store.GetTransaction(ctx, id); err == nil {
		event.Type = string(row.Type)
		event.Amount = row.FromAmount.String()
		event.Currency = row.FromCurrency
		event.Reason = row.ErrorMessage
	}
	s.emitter.Emit(ctx, event)
}
