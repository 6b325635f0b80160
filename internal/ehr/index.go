package ehr

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// IndexService assigns structure identifiers to clinical documents and
// cleans them up when records go away. Backends that keep a structure
// index implement this; the local service just mints identifiers.
type IndexService interface {
	Connect(ctx context.Context) error
	Disconnect() error
	CreateEntry(ctx context.Context, doc Document) (string, error)
	DeleteEntry(ctx context.Context, structureID string) error
	// DropDatabase discards the whole index, for cleanup.
	DropDatabase(ctx context.Context) error
}

// LocalIndexService is an in-process IndexService with no external
// store. Entries are identified by fresh UUIDs and deletion is a no-op
// beyond logging.
type LocalIndexService struct {
	logger zerolog.Logger
}

func NewLocalIndexService(logger zerolog.Logger) *LocalIndexService {
	return &LocalIndexService{logger: logger.With().Str("index", "local").Logger()}
}

func (s *LocalIndexService) Connect(ctx context.Context) error { return nil }

func (s *LocalIndexService) Disconnect() error { return nil }

func (s *LocalIndexService) CreateEntry(ctx context.Context, doc Document) (string, error) {
	id := uuid.NewString()
	s.logger.Debug().Str("structure_id", id).Msg("indexed document structure")
	return id, nil
}

func (s *LocalIndexService) DeleteEntry(ctx context.Context, structureID string) error {
	s.logger.Debug().Str("structure_id", structureID).Msg("dropped structure entry")
	return nil
}

func (s *LocalIndexService) DropDatabase(ctx context.Context) error {
	s.logger.Debug().Msg("dropped structure index")
	return nil
}
