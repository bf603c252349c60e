package dispatch

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"time"

	"github.com/msageha/autodispatch/internal/jsonfile"
	"github.com/msageha/autodispatch/internal/model"
)

// StateStore reads and rewrites DISPATCHER_STATE.json.
type StateStore struct {
	path      string
	workspace string
	clog      componentLog
}

func NewStateStore(path, workspace string, logger *log.Logger, logLevel LogLevel) *StateStore {
	return &StateStore{
		path:      path,
		workspace: workspace,
		clog:      componentLog{logger: logger, minLevel: logLevel, component: "state"},
	}
}

// Load returns the persisted state, or an empty one on first run.
// A corrupt file is moved to quarantine when quarantine is true and left in
// place otherwise; either way the run continues from an empty state.
func (s *StateStore) Load(quarantine bool, now time.Time) (*model.DispatchState, error) {
	st := &model.DispatchState{}
	err := jsonfile.Read(s.path, st)
	switch {
	case err == nil:
		for _, entry := range st.Dropped() {
			s.clog.log(LogLevelWarn, "state_entry_dropped path=%s entry=%s", s.path, entry)
		}
		st.Normalize()
		return st, nil
	case errors.Is(err, fs.ErrNotExist):
		return model.NewDispatchState(), nil
	}

	var pathErr *fs.PathError
	if errors.As(err, &pathErr) {
		return nil, fmt.Errorf("read dispatch state: %w", err)
	}

	if !quarantine {
		s.clog.log(LogLevelWarn, "state_corrupt path=%s error=%v (ignored in dry-run)", s.path, err)
		return model.NewDispatchState(), nil
	}
	dst, qerr := jsonfile.Quarantine(s.workspace, s.path, now)
	if qerr != nil {
		return nil, fmt.Errorf("quarantine corrupt dispatch state: %w", qerr)
	}
	s.clog.log(LogLevelWarn, "state_corrupt path=%s quarantined=%s error=%v", s.path, dst, err)
	return model.NewDispatchState(), nil
}

func (s *StateStore) Save(st *model.DispatchState) error {
	if err := jsonfile.AtomicWrite(s.path, st); err != nil {
		return fmt.Errorf("write dispatch state: %w", err)
	}
	return nil
}
