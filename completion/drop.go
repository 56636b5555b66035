package completion

import (
	"github.com/schwarzpat/survival-analysis/duration"
)

// DropIncomplete keeps only the records with no missing values.
type DropIncomplete struct{}

// Complete implements Completer.
func (DropIncomplete) Complete(raw *RawTable, opts Options) (*duration.EventTable, error) {

	if err := raw.check(); err != nil {
		return nil, err
	}

	ix := raw.complete()
	return raw.build(ix, nil)
}
