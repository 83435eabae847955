package commands

import (
	"github.com/pingcap/kvproto/pkg/kvrpcpb"

	"github.com/tidekv/tidekv/kv/transaction/mvcc"
)

type Get struct {
	ReadOnly
	CommandBase
	request *kvrpcpb.GetRequest
}

func NewGet(request *kvrpcpb.GetRequest) Get {
	return Get{
		CommandBase: newBase(request.Context, request.Version, request),
		request:     request,
	}
}

func (g *Get) Read(txn *mvcc.RoTxn) (interface{}, [][]byte, error) {
	key := g.request.Key
	response := new(kvrpcpb.GetResponse)

	// Check for locks.
	lock, err := txn.GetLock(key)
	if err != nil {
		return nil, nil, err
	}
	if lock.IsLockedFor(key, txn.StartTS, response) {
		// Key is locked.
		return response, nil, nil
	}

	// Search writes for a committed value.
	value, err := txn.GetValue(key)
	if err != nil {
		return nil, nil, err
	}

	if value == nil {
		response.NotFound = true
	} else {
		response.Value = value
	}

	return response, nil, nil
}

// BatchGet reads several keys at a single timestamp. Missing keys are omitted
// from the response; locked keys are reported as per-pair errors.
type BatchGet struct {
	ReadOnly
	CommandBase
	request *kvrpcpb.BatchGetRequest
}

func NewBatchGet(request *kvrpcpb.BatchGetRequest) BatchGet {
	return BatchGet{
		CommandBase: newBase(request.Context, request.Version, request),
		request:     request,
	}
}

func (bg *BatchGet) Read(txn *mvcc.RoTxn) (interface{}, [][]byte, error) {
	response := new(kvrpcpb.BatchGetResponse)

	for _, key := range bg.request.Keys {
		lock, err := txn.GetLock(key)
		if err != nil {
			return nil, nil, err
		}
		if lock != nil && !lock.IsPessimistic() && lock.Ts <= txn.StartTS {
			pair := &kvrpcpb.KvPair{
				Error: &kvrpcpb.KeyError{Locked: lock.Info(key)},
				Key:   key,
			}
			response.Pairs = append(response.Pairs, pair)
			continue
		}

		value, err := txn.GetValue(key)
		if err != nil {
			return nil, nil, err
		}
		if value == nil {
			continue
		}
		response.Pairs = append(response.Pairs, &kvrpcpb.KvPair{Key: key, Value: value})
	}

	return response, nil, nil
}
