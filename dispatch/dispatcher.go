// Package dispatch turns one framed request into exactly one response by
// calling the store.
package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/cyberinferno/character-server/character"
	"github.com/cyberinferno/character-server/logger"
	"github.com/cyberinferno/character-server/protocol"
	"github.com/cyberinferno/character-server/store"
)

// Result is the outcome of one request.
type Result struct {
	// Response is written to the client in request order.
	Response protocol.Frame

	// Close asks the session to close once Response has been written.
	Close bool

	// Err is the cause of an error response, for logging only.
	Err error
}

// Status labels the result for metrics.
func (r Result) Status() string {
	if r.Response.Command == protocol.RespError {
		return "error"
	}
	return "success"
}

func success(f protocol.Frame) Result {
	return Result{Response: f}
}

// failure answers RESP_ERROR and keeps the session open.
func failure(err error) Result {
	return Result{Response: protocol.ErrorFrame(), Err: err}
}

// fatal answers RESP_ERROR and closes the session afterwards.
func fatal(err error) Result {
	return Result{Response: protocol.ErrorFrame(), Close: true, Err: err}
}

// Dispatcher executes requests against a store. It holds no per-session
// state and is safe for concurrent use.
type Dispatcher struct {
	store store.Store
	log   logger.Logger
}

// New returns a Dispatcher over s. A nil log discards.
func New(s store.Store, log logger.Logger) *Dispatcher {
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &Dispatcher{store: s, log: log}
}

// Dispatch executes f.
//
// Outcomes by command:
//   - GET_ALL: the full list; a store error answers RESP_ERROR
//   - GET_ONE: the record whose id is the first four body bytes
//   - ADD_CHARACTER: RESP_SUCCESS once stored; a store failure closes the session
//   - UPDATE_CHARACTER: overwrites the record named by the body's id; a
//     store failure, including a missing id, closes the session
//   - REMOVE_CHARACTER: RESP_SUCCESS once deleted
//   - anything else: RESP_ERROR and the session closes
//
// A body that cannot be decoded answers RESP_ERROR and leaves the session
// open.
func (d *Dispatcher) Dispatch(ctx context.Context, f protocol.Frame) Result {
	switch f.Command {
	case protocol.CmdGetAll:
		return d.getAll(ctx)
	case protocol.CmdAddCharacter:
		return d.add(ctx, f)
	case protocol.CmdRemoveCharacter:
		return d.remove(ctx, f)
	case protocol.CmdGetOne:
		return d.getOne(ctx, f)
	case protocol.CmdUpdateCharacter:
		return d.update(ctx, f)
	default:
		return fatal(&protocol.ProtocolError{Command: f.Command, Err: protocol.ErrUnknownCommand})
	}
}

func (d *Dispatcher) getAll(ctx context.Context) Result {
	cs, err := d.store.GetAll(ctx)
	if err != nil {
		d.log.Error("failed to list characters", logger.Err(err))
		return failure(err)
	}

	return success(protocol.GetAllFrame(cs))
}

func (d *Dispatcher) getOne(ctx context.Context, f protocol.Frame) Result {
	id, err := protocol.DecodeID(f.Command, f.Body)
	if err != nil {
		return failure(err)
	}

	c, err := d.store.GetByID(ctx, id)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			d.log.Error("failed to get character", logger.Field{Key: "id", Value: id}, logger.Err(err))
		}
		return failure(err)
	}

	return success(protocol.GetOneFrame(c))
}

func (d *Dispatcher) remove(ctx context.Context, f protocol.Frame) Result {
	id, err := protocol.DecodeID(f.Command, f.Body)
	if err != nil {
		return failure(err)
	}

	if err := d.store.Delete(ctx, id); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			d.log.Error("failed to remove character", logger.Field{Key: "id", Value: id}, logger.Err(err))
		}
		return failure(err)
	}

	return success(protocol.SuccessFrame())
}

func (d *Dispatcher) add(ctx context.Context, f protocol.Frame) Result {
	c, err := decodeRecord(f)
	if err != nil {
		return failure(err)
	}

	stored, err := d.store.Insert(ctx, c)
	if err != nil {
		d.log.Warn("failed to add character, closing session", logger.Err(err))
		return fatal(err)
	}

	d.log.Debug("character added", logger.Field{Key: "id", Value: stored.ID})
	return success(protocol.SuccessFrame())
}

func (d *Dispatcher) update(ctx context.Context, f protocol.Frame) Result {
	c, err := decodeRecord(f)
	if err != nil {
		return failure(err)
	}

	if err := d.store.Update(ctx, c.ID, c); err != nil {
		d.log.Warn("failed to update character, closing session",
			logger.Field{Key: "id", Value: c.ID}, logger.Err(err))
		return fatal(err)
	}

	return success(protocol.SuccessFrame())
}

func decodeRecord(f protocol.Frame) (character.Character, error) {
	c, err := character.Unmarshal(f.Body)
	if err != nil {
		return c, &protocol.ProtocolError{Command: f.Command, Err: err}
	}

	if err := c.Validate(); err != nil {
		return c, &protocol.ProtocolError{Command: f.Command, Err: fmt.Errorf("invalid record: %w", err)}
	}

	return c, nil
}
