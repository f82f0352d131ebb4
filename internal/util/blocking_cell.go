package util

import (
	"context"
	"errors"
	"time"
)

// BlockingCell is a one-shot container: at most one Set succeeds, and the
// value is delivered to exactly one Get; any further Get blocks. Channel RPC
// slots use it to correlate a synchronous method call with the frame that
// answers it, including the case where the channel closes before a reply
// arrives.
type BlockingCell struct {
	valueChan chan interface{}
	set       bool
}

// NewBlockingCell creates an empty cell.
func NewBlockingCell() *BlockingCell {
	return &BlockingCell{
		valueChan: make(chan interface{}, 1),
	}
}

// Set stores value in the cell, waking one blocked Get. Returns an error if
// the cell was already set.
func (c *BlockingCell) Set(value interface{}) error {
	if c.set {
		return errors.New("cell already set")
	}
	c.set = true
	c.valueChan <- value
	return nil
}

// Get blocks until a value is set and returns it.
func (c *BlockingCell) Get() interface{} {
	return <-c.valueChan
}

// GetWithTimeout blocks until a value is set or timeout elapses.
func (c *BlockingCell) GetWithTimeout(timeout time.Duration) (interface{}, error) {
	select {
	case value := <-c.valueChan:
		return value, nil
	case <-time.After(timeout):
		return nil, errors.New("timeout")
	}
}

// GetWithContext blocks until a value is set or ctx is done. If ctx is
// cancelled concurrently with a Set, the set value still wins: a final
// non-blocking check after Done() catches the value that raced in, so a
// caller never sees ctx.Err() for a cell that was in fact set.
func (c *BlockingCell) GetWithContext(ctx context.Context) (interface{}, error) {
	select {
	case value := <-c.valueChan:
		return value, nil
	case <-ctx.Done():
		select {
		case value := <-c.valueChan:
			return value, nil
		default:
			return nil, ctx.Err()
		}
	}
}
