package events

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// Events are stored and spooled as deterministic CBOR so the same event
// always produces the same bytes.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	var err error
	encMode, err = opts.EncMode()
	if err != nil {
		panic("events: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("events: CBOR decoder initialization failed: " + err.Error())
	}
}

func marshalEvent(e *ExecutionEvent) ([]byte, error) {
	return encMode.Marshal(e)
}

func unmarshalEvent(data []byte) (*ExecutionEvent, error) {
	var e ExecutionEvent
	if err := decMode.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}
