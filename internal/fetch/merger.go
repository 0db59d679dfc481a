// Package fetch merges concurrent requests for the same remote objects into few wire calls.
package fetch

import (
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// DefaultBatchSize is the batch size of kinds that can be fetched in bulk.
	DefaultBatchSize = 50
	// DefaultConcurrency is the default number of wire calls in flight per merger.
	DefaultConcurrency = 3
)

// Completion receives the outcome of the wire call that covered a requested id.
type Completion func(err error)

// Sender performs one wire call for batch. It runs on the worker, must not block, and has to call
// done exactly once on the worker after the response has been applied.
type Sender[ID comparable] func(callID uuid.UUID, batch []ID, done func(err error))

// Config configures a merger. Split, when set, reports whether a failed batch of several ids must be
// retried one id per call because the error may concern only some of them.
type Config[ID comparable] struct {
	Name          string
	MaxBatch      int
	MaxConcurrent int
	Send          Sender[ID]
	Split         func(err error) bool
	Logger        *zap.Logger
}

// Merger keeps at most one wire request in flight per id. It is not safe for concurrent use; the
// engine drives it from its worker.
type Merger[ID comparable] struct {
	name          string
	maxBatch      int
	maxConcurrent int
	send          Sender[ID]
	split         func(err error) bool
	logger        *zap.Logger

	waiters  map[ID][]Completion
	queue    []ID
	solo     []ID
	inFlight int
	calls    uint64
}

// NewMerger creates a merger. MaxBatch and MaxConcurrent default to 1.
func NewMerger[ID comparable](cfg Config[ID]) *Merger[ID] {
	maxBatch := cfg.MaxBatch
	if maxBatch <= 0 {
		maxBatch = 1
	}
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Merger[ID]{
		name:          cfg.Name,
		maxBatch:      maxBatch,
		maxConcurrent: maxConcurrent,
		send:          cfg.Send,
		split:         cfg.Split,
		logger:        logger.With(zap.String("merger", cfg.Name)),
		waiters:       make(map[ID][]Completion),
	}
}

// Request asks for id. A request for an id that is already queued or in flight is attached to it.
func (m *Merger[ID]) Request(id ID, done Completion) {
	waiters, pending := m.waiters[id]
	m.waiters[id] = append(waiters, done)
	if pending {
		return
	}
	m.queue = append(m.queue, id)
	m.pump()
}

// IsPending reports whether id is queued or in flight.
func (m *Merger[ID]) IsPending(id ID) bool {
	_, pending := m.waiters[id]
	return pending
}

// InFlight returns the number of running wire calls.
func (m *Merger[ID]) InFlight() int {
	return m.inFlight
}

// Queued returns the number of ids waiting for a free call slot.
func (m *Merger[ID]) Queued() int {
	return len(m.queue) + len(m.solo)
}

// Calls returns the number of wire calls started since creation.
func (m *Merger[ID]) Calls() uint64 {
	return m.calls
}

func (m *Merger[ID]) pump() {
	for m.inFlight < m.maxConcurrent && (len(m.solo) > 0 || len(m.queue) > 0) {
		batch := m.nextBatch()
		m.inFlight++
		m.calls++

		callID := uuid.New()
		m.logger.Debug("wire call started",
			zap.String("call_id", callID.String()),
			zap.Int("batch_size", len(batch)))

		finished := false
		m.send(callID, batch, func(err error) {
			if finished {
				m.logger.Error("wire call completed twice", zap.String("call_id", callID.String()))
				return
			}
			finished = true
			m.finish(callID, batch, err)
		})
	}
	if len(m.queue) == 0 {
		m.queue = nil
	}
	if len(m.solo) == 0 {
		m.solo = nil
	}
}

// nextBatch takes ids split out of a failed batch first, one per call.
func (m *Merger[ID]) nextBatch() []ID {
	if len(m.solo) > 0 {
		batch := []ID{m.solo[0]}
		m.solo = m.solo[1:]
		return batch
	}
	size := min(m.maxBatch, len(m.queue))
	batch := make([]ID, size)
	copy(batch, m.queue[:size])
	m.queue = m.queue[size:]
	return batch
}

func (m *Merger[ID]) finish(callID uuid.UUID, batch []ID, err error) {
	m.inFlight--
	if err != nil {
		m.logger.Debug("wire call failed",
			zap.String("call_id", callID.String()),
			zap.String("batch", fmt.Sprint(batch)),
			zap.Error(err))
		if len(batch) > 1 && m.split != nil && m.split(err) {
			m.logger.Debug("failed batch split into single requests",
				zap.String("call_id", callID.String()),
				zap.Int("batch_size", len(batch)))
			m.solo = append(m.solo, batch...)
			m.pump()
			return
		}
	}
	for _, id := range batch {
		waiters := m.waiters[id]
		delete(m.waiters, id)
		for _, waiter := range waiters {
			if waiter != nil {
				waiter(err)
			}
		}
	}
	m.pump()
}
