package commands

import (
	"reflect"

	"github.com/tidekv/tidekv/kv/transaction/mvcc"
)

// keyError is a helper for handling per-key errors. If err maps to a
// KeyError it is stored in resp (which must have an `Error` field) and the
// response is returned; otherwise keyError returns nil and the error so it
// propagates as fatal.
func keyError(err error, resp interface{}) (interface{}, error) {
	if keyErr := mvcc.ToKeyError(err); keyErr != nil {
		respValue := reflect.ValueOf(resp)
		reflect.Indirect(respValue).FieldByName("Error").Set(reflect.ValueOf(keyErr))
		return resp, nil
	}
	return nil, err
}
