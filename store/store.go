// Package store persists character records. Every implementation is safe for
// concurrent use by the dispatch workers.
package store

import (
	"context"
	"errors"

	"github.com/cyberinferno/character-server/character"
)

var (
	// ErrNotFound is returned when no record has the requested id.
	ErrNotFound = errors.New("character not found")

	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("store closed")

	// ErrCorrupt is returned when a persisted value fails its checksum or
	// cannot be decoded.
	ErrCorrupt = errors.New("stored record is corrupt")
)

// Store is the persistence contract the request dispatcher relies on.
type Store interface {
	// Insert stores c under a freshly assigned id, ignoring c.ID.
	//
	// Returns:
	//   - The stored record with its new id
	//   - An error if the record could not be stored
	Insert(ctx context.Context, c character.Character) (character.Character, error)

	// Update replaces every field of the record with the given id.
	//
	// Returns:
	//   - ErrNotFound if no record has that id
	Update(ctx context.Context, id int32, c character.Character) error

	// Delete removes the record with the given id.
	//
	// Returns:
	//   - ErrNotFound if no record has that id
	Delete(ctx context.Context, id int32) error

	// GetAll returns every record ordered by ascending id.
	GetAll(ctx context.Context) ([]character.Character, error)

	// GetByID returns one record.
	//
	// Returns:
	//   - ErrNotFound if no record has that id
	GetByID(ctx context.Context, id int32) (character.Character, error)

	// Close releases the backend. Later calls return ErrClosed.
	Close() error
}
