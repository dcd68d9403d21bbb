package store

import (
	"context"

	"github.com/FulgerX2007/chartsnap/pkg/model"
)

// writeOpType defines the type of write operation
type writeOpType int

const (
	opCreateJob writeOpType = iota
	opUpdateJob
	opDeleteJob
	opCreateRun
	opUpdateRun
)

// writeOp represents a single write operation with its response channel
type writeOp struct {
	opType   writeOpType
	data     interface{}
	response chan writeResult
}

// writeResult contains the result of a write operation
type writeResult struct {
	err error
	id  int64 // set by create operations
}

// writeQueue serializes database writes through one goroutine
type writeQueue struct {
	queue  chan writeOp
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// newWriteQueue creates and starts a new write queue
func newWriteQueue(db *Store) *writeQueue {
	ctx, cancel := context.WithCancel(context.Background())
	wq := &writeQueue{
		queue:  make(chan writeOp, 100),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go wq.processQueue(db)

	return wq
}

// processQueue is the single writer goroutine that processes all write operations sequentially
func (wq *writeQueue) processQueue(db *Store) {
	defer close(wq.done)

	for {
		select {
		case <-wq.ctx.Done():
			// Drain remaining operations before shutting down
			for {
				select {
				case op := <-wq.queue:
					wq.executeOp(db, op)
				default:
					db.logger.Debug("write queue shutdown complete")
					return
				}
			}

		case op := <-wq.queue:
			wq.executeOp(db, op)
		}
	}
}

// executeOp executes a single write operation
func (wq *writeQueue) executeOp(db *Store, op writeOp) {
	var result writeResult

	switch op.opType {
	case opCreateJob:
		job := op.data.(*model.SnapshotJob)
		result.err = db.createJobDirect(job)
		result.id = job.ID

	case opUpdateJob:
		result.err = db.updateJobDirect(op.data.(*model.SnapshotJob))

	case opDeleteJob:
		result.err = db.deleteJobDirect(op.data.(int64))

	case opCreateRun:
		run := op.data.(*model.Run)
		result.err = db.createRunDirect(run)
		result.id = run.ID

	case opUpdateRun:
		result.err = db.updateRunDirect(op.data.(*model.Run))
	}

	op.response <- result
}

// enqueue adds a write operation to the queue and waits for the result
func (wq *writeQueue) enqueue(opType writeOpType, data interface{}) error {
	response := make(chan writeResult, 1)

	op := writeOp{
		opType:   opType,
		data:     data,
		response: response,
	}

	select {
	case wq.queue <- op:
	case <-wq.ctx.Done():
		return wq.ctx.Err()
	}

	// Ops accepted before shutdown are drained and answered
	select {
	case result := <-response:
		return result.err
	case <-wq.done:
		select {
		case result := <-response:
			return result.err
		default:
			return context.Canceled
		}
	}
}

// shutdown gracefully shuts down the write queue
func (wq *writeQueue) shutdown() {
	wq.cancel()
	<-wq.done
}
