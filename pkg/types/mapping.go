package types

import (
	"encoding/json"
	"time"
)

// Canonical timestamp slots. Each portal endpoint names its sample times
// differently so they are renamed to one of these when merged.
const (
	// TimeKey1 holds the sample times of the power curves and the panel view.
	// Its last element is the most recent sample the portal published.
	TimeKey1 = "time_1"
	// TimeKey2 holds the sample times of the five-minute energy buckets.
	TimeKey2 = "time_2"
)

// Field is one value of a Mapping: either a scalar or an ordered list of
// scalars. Scalars are kept as the text the portal sent.
type Field struct {
	Values []string
	List   bool
}

// Scalar returns a single-valued Field.
func Scalar(v string) Field {
	return Field{Values: []string{v}}
}

// List returns a list-valued Field.
func List(vs ...string) Field {
	return Field{Values: vs, List: true}
}

// Latest returns the most recent value: the only value of a scalar or the
// last element of a list. It returns false for an empty list.
func (f Field) Latest() (string, bool) {
	if len(f.Values) == 0 {
		return "", false
	}
	return f.Values[len(f.Values)-1], true
}

// MarshalJSON encodes scalars as strings and lists as arrays.
func (f Field) MarshalJSON() ([]byte, error) {
	if f.List {
		if f.Values == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(f.Values)
	}
	v, _ := f.Latest()
	return json.Marshal(v)
}

// Mapping is the merged result of one fetch cycle keyed by field name.
type Mapping map[string]Field

// Snapshot is the cached result of the last successful fetch cycle.
// A nil Mapping means the cycle returned no data.
type Snapshot struct {
	Mapping   Mapping   `json:"mapping"`
	FetchedAt time.Time `json:"fetchedAt"`
}

// Empty reports whether the snapshot carries no fields.
func (s Snapshot) Empty() bool {
	return len(s.Mapping) == 0
}
