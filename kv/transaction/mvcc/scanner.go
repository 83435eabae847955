package mvcc

import (
	"bytes"

	"github.com/tidekv/tidekv/kv/engine_util"
	"github.com/tidekv/tidekv/kv/util/codec"
)

// Scanner is used for reading multiple sequential key/value pairs from the
// storage layer. It is aware of the implementation of storage over multiple
// CFs and returns results suitable for users. Invalid or mismatched key/value
// pairs are skipped; locked keys are surfaced as *ErrLocked from Next.
type Scanner struct {
	reverse bool
	keyOnly bool
	iter    engine_util.DBIterator
	txn     *RoTxn
	done    bool
}

// ScannerOptions control how a Scanner walks the key space.
type ScannerOptions struct {
	// Reverse walks keys in descending order starting from (and including)
	// the start key.
	Reverse bool
	// KeyOnly omits values from the results.
	KeyOnly bool
}

// NewScanner creates a new scanner ready to read from the snapshot in txn.
func NewScanner(startKey []byte, txn *RoTxn) *Scanner {
	return NewScannerWithOptions(startKey, txn, ScannerOptions{})
}

func NewScannerWithOptions(startKey []byte, txn *RoTxn, opts ScannerOptions) *Scanner {
	scanner := &Scanner{
		reverse: opts.Reverse,
		keyOnly: opts.KeyOnly,
		txn:     txn,
	}
	if opts.Reverse {
		scanner.iter = txn.Reader.IterReverseCF(engine_util.CfWrite)
		// Position on the oldest version of startKey: every version of a key
		// sorts before EncodeKey(key, 0) except a write at ts 0, which cannot
		// exist.
		scanner.iter.Seek(codec.EncodeKey(startKey, 0))
	} else {
		scanner.iter = txn.Reader.IterCF(engine_util.CfWrite)
		scanner.iter.Seek(codec.EncodeKey(startKey, TsMax))
	}
	return scanner
}

func (scan *Scanner) Close() {
	scan.iter.Close()
}

// Next gets the next key/value pair visible at the scanner's snapshot. It
// returns (nil, nil, nil) when the scan is exhausted. A non-nil error may be
// an *ErrLocked for the returned key, in which case the scanner remains
// usable and subsequent calls continue past the locked key.
func (scan *Scanner) Next() ([]byte, []byte, error) {
	for !scan.done && scan.iter.Valid() {
		item := scan.iter.Item()
		userKey := codec.DecodeUserKey(item.KeyCopy(nil))

		key, value, err := scan.visitKey(userKey)
		scan.skipKey(userKey)
		if err != nil {
			return key, nil, err
		}
		if key != nil {
			return key, value, nil
		}
	}
	return nil, nil, nil
}

// visitKey resolves the version of userKey visible at the snapshot, checking
// the key's lock first. It returns (nil, nil, nil) when no version is
// visible.
func (scan *Scanner) visitKey(userKey []byte) ([]byte, []byte, error) {
	lock, err := scan.txn.GetLock(userKey)
	if err != nil {
		return nil, nil, err
	}
	if lock != nil && !lock.IsPessimistic() && lock.Ts <= scan.txn.StartTS {
		return userKey, nil, &ErrLocked{Key: userKey, Lock: lock}
	}

	write, _, err := scan.txn.mostRecentWriteBefore(userKey, scan.txn.StartTS)
	if err != nil {
		return nil, nil, err
	}
	if write == nil || write.Kind != WriteKindPut {
		return nil, nil, nil
	}
	if scan.keyOnly {
		return userKey, nil, nil
	}
	value, err := scan.txn.valueOfWrite(userKey, write)
	if err != nil {
		return nil, nil, err
	}
	return userKey, value, nil
}

// skipKey moves the iterator past every remaining version of userKey, in the
// scan direction.
func (scan *Scanner) skipKey(userKey []byte) {
	if scan.reverse {
		// EncodeKey(userKey, TsMax) sorts before every stored version of
		// userKey, so a reverse seek to it lands on the previous user key.
		scan.iter.Seek(codec.EncodeKey(userKey, TsMax))
		for scan.iter.Valid() && bytes.Equal(codec.DecodeUserKey(scan.iter.Item().Key()), userKey) {
			scan.iter.Next()
		}
	} else {
		scan.iter.Seek(codec.EncodeKey(userKey, 0))
		for scan.iter.Valid() && bytes.Equal(codec.DecodeUserKey(scan.iter.Item().Key()), userKey) {
			scan.iter.Next()
		}
	}
	if !scan.iter.Valid() {
		scan.done = true
	}
}
