package log

import (
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// logEncMode and logDecMode are package-wide CBOR modes shared by
// EncodeEvent/DecodeEvent and every FileLogger: building a fresh EncMode
// per call would re-validate the same options on every event, and MX
// jitter in replayed sessions is only distinguishable with nanosecond
// timestamps, so RFC3339Nano is mandatory rather than CBOR's default
// second-granularity time encoding.
var (
	logEncMode cbor.EncMode
	logDecMode cbor.DecMode
)

func buildEncMode() cbor.EncMode {
	opts := cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeRFC3339Nano,
	}
	mode, err := opts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("log: building CBOR encoder mode: %v", err))
	}
	return mode
}

func buildDecMode() cbor.DecMode {
	opts := cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyQuiet,
		IndefLength:       cbor.IndefLengthAllowed,
		ExtraReturnErrors: cbor.ExtraDecErrorNone,
	}
	mode, err := opts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("log: building CBOR decoder mode: %v", err))
	}
	return mode
}

func init() {
	logEncMode = buildEncMode()
	logDecMode = buildDecMode()
}

// EncodeEvent encodes event to CBOR bytes, using integer field keys
// (see Event's struct tags) to keep recorded sessions compact.
func EncodeEvent(event Event) ([]byte, error) {
	return logEncMode.Marshal(event)
}

// DecodeEvent decodes CBOR bytes produced by EncodeEvent back into an
// Event.
func DecodeEvent(data []byte) (Event, error) {
	var event Event
	if err := logDecMode.Unmarshal(data, &event); err != nil {
		return Event{}, err
	}
	return event, nil
}

// NewEncoder returns a CBOR encoder that writes Event records to w, for
// streaming multiple events to a file or socket without re-marshaling
// each one independently.
func NewEncoder(w io.Writer) *cbor.Encoder {
	return logEncMode.NewEncoder(w)
}

// NewDecoder returns a CBOR decoder that reads Event records from r.
func NewDecoder(r io.Reader) *cbor.Decoder {
	return logDecMode.NewDecoder(r)
}
