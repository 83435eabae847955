package server

import (
	"fmt"

	"github.com/pingcap/kvproto/pkg/errorpb"
	"github.com/pingcap/kvproto/pkg/kvrpcpb"

	"github.com/tidekv/tidekv/kv/transaction/mvcc"
	"github.com/tidekv/tidekv/kv/transaction/scheduler"
)

// ErrKeyTooLarge is returned before scheduling when a request carries a key
// over the configured limit.
type ErrKeyTooLarge struct {
	KeySize int
	Limit   int
}

func (e *ErrKeyTooLarge) Error() string {
	return fmt.Sprintf("key size %d exceeds limit %d", e.KeySize, e.Limit)
}

// ErrInvalidCf is returned by raw operations naming an unknown column family.
type ErrInvalidCf struct {
	Cf string
}

func (e *ErrInvalidCf) Error() string {
	return fmt.Sprintf("invalid column family: %s", e.Cf)
}

// convertToKeyError maps any error produced during command execution to a
// KeyError for the response. Errors without a dedicated representation abort
// the transaction.
func convertToKeyError(err error) *kvrpcpb.KeyError {
	if keyErr := mvcc.ToKeyError(err); keyErr != nil {
		return keyErr
	}
	return &kvrpcpb.KeyError{Abort: err.Error()}
}

// convertToPBError splits an error into the per-key and store-level parts of
// a response. Scheduler overload is a store-level condition: the client
// should back off rather than treat it as a transaction failure.
func convertToPBError(err error) (*kvrpcpb.KeyError, *errorpb.Error) {
	if regionErr := extractRegionError(err); regionErr != nil {
		return nil, regionErr
	}
	return convertToKeyError(err), nil
}

// rawRegionError wraps a storage-level failure for responses that have no
// per-key error field.
func rawRegionError(err error) *errorpb.Error {
	return &errorpb.Error{Message: err.Error()}
}

func extractRegionError(err error) *errorpb.Error {
	if err == scheduler.ErrSchedTooBusy {
		return &errorpb.Error{
			Message:      err.Error(),
			ServerIsBusy: &errorpb.ServerIsBusy{Reason: err.Error()},
		}
	}
	return nil
}
