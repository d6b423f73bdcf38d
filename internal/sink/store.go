package sink

import (
	"context"
	"errors"

	"github.com/banshee-data/vendpi/internal/framer"
)

// PacketStore persists packets. *db.DB implements it.
type PacketStore interface {
	RecordPacket(ctx context.Context, p framer.Packet) error
}

// StoreSink archives every packet locally.
type StoreSink struct {
	store PacketStore
}

func NewStoreSink(store PacketStore) (*StoreSink, error) {
	if store == nil {
		return nil, errors.New("store sink: nil store")
	}
	return &StoreSink{store: store}, nil
}

func (s *StoreSink) Name() string { return "store" }

func (s *StoreSink) Deliver(ctx context.Context, p framer.Packet) error {
	return s.store.RecordPacket(ctx, p)
}
