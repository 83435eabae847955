package storage

// Modify is the smallest unit of mutation of the underlying storage.
type Modify struct {
	Data interface{}
}

type Put struct {
	Key   []byte
	Value []byte
	Cf    string
}

type Delete struct {
	Key []byte
	Cf  string
}

// DeleteRange removes [StartKey, EndKey) from one column family, or from
// every column family when Cf is empty. Removal of the physical data may be
// deferred, but the range is logically gone as soon as the batch containing
// it is durable.
type DeleteRange struct {
	StartKey []byte
	EndKey   []byte
	Cf       string
}

func (m *Modify) Key() []byte {
	switch data := m.Data.(type) {
	case Put:
		return data.Key
	case Delete:
		return data.Key
	case DeleteRange:
		return data.StartKey
	}
	return nil
}

func (m *Modify) Value() []byte {
	if putData, ok := m.Data.(Put); ok {
		return putData.Value
	}
	return nil
}

func (m *Modify) Cf() string {
	switch data := m.Data.(type) {
	case Put:
		return data.Cf
	case Delete:
		return data.Cf
	case DeleteRange:
		return data.Cf
	}
	return ""
}

// Size returns the approximate byte cost of the modification, used by the
// scheduler for backpressure accounting.
func (m *Modify) Size() int {
	switch data := m.Data.(type) {
	case Put:
		return len(data.Key) + len(data.Value)
	case Delete:
		return len(data.Key)
	case DeleteRange:
		return len(data.StartKey) + len(data.EndKey)
	}
	return 0
}
