package datasource

import "fmt"

// InvalidArgumentError is returned by New when the requested source
// cannot be constructed at all: an unknown type, or an MCS source on a
// machine without the vendor runtime.
type InvalidArgumentError struct {
	Msg string
}

func (e *InvalidArgumentError) Error() string {
	return e.Msg
}

// New constructs a source of the given type.
//
// typ selects the driver, one of "file", "hidens" or "mcs".  location is
// the path of the data file for file sources and the server address for
// HiDens sources (empty selects the default); MCS sources ignore it.
// readInterval is the interval in milliseconds between reads, typically
// 10.
func New(typ, location string, readInterval uint32) (Source, error) {
	switch typ {
	case "mcs":
		return NewMcsSource(readInterval)
	case "hidens":
		return NewHidensSource(location, readInterval), nil
	case "file":
		return NewFileSource(location, readInterval), nil
	}
	return nil, &InvalidArgumentError{Msg: fmt.Sprintf("Unknown source type: %s", typ)}
}
