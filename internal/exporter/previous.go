package exporter

import "github.com/rowjay/wxexp/internal/state"

// PreviousExport loads the state a prior run left in output. It returns
// state.ErrNoState when there was none.
func PreviousExport(output string) (*state.State, error) {
	return state.Load(statePath(output))
}
