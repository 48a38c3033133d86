package electrode

import (
	_ "embed"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
)

// The canonical HiDens electrode table.  One record per line, indexed by
// electrode number, with position fields separated by any run of
// whitespace or the characters 'x', 'y', 'p'.
//
//go:embed electrode-list.txt
var electrodeList string

var (
	tableOnce sync.Once
	table     []Electrode
	tableErr  error
)

// fieldSep splits a table record into its fields.  The characters x, y
// and p act as separators so that records may carry their historical
// "x<col> y<row> p<label>" markers.
var fieldSep = regexp.MustCompile(`[\sxyp]+`)

// ErrUnknownElectrode is generated when an electrode index has no entry
// in the embedded position table.
type ErrUnknownElectrode struct {
	Index uint32
}

func (e ErrUnknownElectrode) Error() string {
	return "no entry in the electrode table for electrode " + strconv.FormatUint(uint64(e.Index), 10)
}

func loadTable() {
	table, tableErr = parseTable(electrodeList)
}

// parseTable decodes the electrode table, one record per line.  The
// record's position in the table is its electrode index, so a malformed
// line is an error rather than a skip: dropping it would silently shift
// every later electrode.
func parseTable(data string) ([]Electrode, error) {
	lines := strings.Split(strings.TrimRight(data, "\n"), "\n")
	out := make([]Electrode, 0, len(lines))
	for i, line := range lines {
		fields := fieldSep.Split(strings.TrimSpace(line), -1)
		if len(fields) < 6 || len(fields[5]) == 0 {
			return nil, fmt.Errorf("malformed electrode record on line %d: %q", i+1, line)
		}
		xpos, err := strconv.ParseUint(fields[0], 10, 32)
		if err != nil {
			return nil, err
		}
		ypos, err := strconv.ParseUint(fields[1], 10, 32)
		if err != nil {
			return nil, err
		}
		x, err := strconv.ParseUint(fields[3], 10, 16)
		if err != nil {
			return nil, err
		}
		y, err := strconv.ParseUint(fields[4], 10, 16)
		if err != nil {
			return nil, err
		}
		out = append(out, Electrode{
			Index: uint32(i),
			Xpos:  uint32(xpos),
			X:     uint16(x),
			Ypos:  uint32(ypos),
			Y:     uint16(y),
			Label: fields[5][0],
		})
	}
	return out, nil
}

// Lookup returns the full electrode record for the given chip index,
// with positions taken from the embedded electrode table.
func Lookup(index uint32) (Electrode, error) {
	tableOnce.Do(loadTable)
	if tableErr != nil {
		return Electrode{}, tableErr
	}
	if int(index) >= len(table) {
		return Electrode{}, ErrUnknownElectrode{Index: index}
	}
	return table[index], nil
}

// TableSize returns the number of electrodes in the embedded table.
func TableSize() int {
	tableOnce.Do(loadTable)
	return len(table)
}
