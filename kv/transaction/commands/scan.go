package commands

import (
	"github.com/pingcap/kvproto/pkg/kvrpcpb"

	"github.com/tidekv/tidekv/kv/engine_util"
	"github.com/tidekv/tidekv/kv/transaction/mvcc"
)

type Scan struct {
	ReadOnly
	CommandBase
	request *kvrpcpb.ScanRequest
}

func NewScan(request *kvrpcpb.ScanRequest) Scan {
	return Scan{
		CommandBase: newBase(request.Context, request.Version, request),
		request:     request,
	}
}

func (s *Scan) Read(txn *mvcc.RoTxn) (interface{}, [][]byte, error) {
	response := new(kvrpcpb.ScanResponse)

	scanner := mvcc.NewScannerWithOptions(s.request.StartKey, txn, mvcc.ScannerOptions{
		Reverse: s.request.Reverse,
		KeyOnly: s.request.KeyOnly,
	})
	defer scanner.Close()

	limit := s.request.Limit
	// sampleStep n keeps one of every n results.
	sampleStep := uint64(s.request.SampleStep)
	row := uint64(0)
	for {
		if limit == 0 {
			// We've scanned up to the requested limit.
			return response, nil, nil
		}

		key, value, err := scanner.Next()
		if err != nil {
			// Key error (e.g., key is locked) is saved as an error in the
			// scan for the client to handle.
			if locked, ok := err.(*mvcc.ErrLocked); ok {
				pair := new(kvrpcpb.KvPair)
				pair.Key = key
				pair.Error = mvcc.ToKeyError(locked)
				response.Pairs = append(response.Pairs, pair)
				limit -= 1
				continue
			}
			// Any other kind of error, we can't handle so quit the scan.
			return nil, nil, err
		}
		if key == nil {
			// Reached the end of the DB.
			return response, nil, nil
		}
		if s.pastEndKey(key) {
			return response, nil, nil
		}
		if sampleStep > 0 {
			row++
			if (row-1)%sampleStep != 0 {
				continue
			}
		}
		limit -= 1

		pair := kvrpcpb.KvPair{}
		pair.Key = key
		pair.Value = value
		response.Pairs = append(response.Pairs, &pair)
	}
}

func (s *Scan) pastEndKey(key []byte) bool {
	endKey := s.request.EndKey
	if len(endKey) == 0 {
		return false
	}
	if s.request.Reverse {
		return engine_util.ExceedEndKey(endKey, key)
	}
	return engine_util.ExceedEndKey(key, endKey)
}
