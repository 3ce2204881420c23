package service

import (
	"fmt"
	"strings"

	"github.com/timmy/scadarchive/internal/domain"
)

// Mode is a reconciliation update strategy. The set is closed: every
// implementation lives in this file and dispatch goes through ModeVisitor,
// so a new mode does not compile until each visitor handles it.
type Mode interface {
	String() string
	Visit(v ModeVisitor) error
	sealed()
}

// ModeVisitor has one handler per update strategy.
type ModeVisitor interface {
	Check() error
	Append() error
	ForceOverwrite() error
	ProcessExisting() error
	ProcessExistingExceptAlarms() error
}

type (
	CheckMode                       struct{}
	AppendMode                      struct{}
	ForceOverwriteMode              struct{}
	ProcessExistingMode             struct{}
	ProcessExistingExceptAlarmsMode struct{}
)

func (CheckMode) String() string                       { return "check" }
func (AppendMode) String() string                      { return "append" }
func (ForceOverwriteMode) String() string              { return "force_overwrite" }
func (ProcessExistingMode) String() string             { return "process_existing" }
func (ProcessExistingExceptAlarmsMode) String() string { return "process_existing_except_alarms" }

func (CheckMode) Visit(v ModeVisitor) error                       { return v.Check() }
func (AppendMode) Visit(v ModeVisitor) error                      { return v.Append() }
func (ForceOverwriteMode) Visit(v ModeVisitor) error              { return v.ForceOverwrite() }
func (ProcessExistingMode) Visit(v ModeVisitor) error             { return v.ProcessExisting() }
func (ProcessExistingExceptAlarmsMode) Visit(v ModeVisitor) error { return v.ProcessExistingExceptAlarms() }

func (CheckMode) sealed()                       {}
func (AppendMode) sealed()                      {}
func (ForceOverwriteMode) sealed()              {}
func (ProcessExistingMode) sealed()             {}
func (ProcessExistingExceptAlarmsMode) sealed() {}

// Modes returns every update strategy.
func Modes() []Mode {
	return []Mode{
		CheckMode{},
		AppendMode{},
		ForceOverwriteMode{},
		ProcessExistingMode{},
		ProcessExistingExceptAlarmsMode{},
	}
}

// ParseMode accepts the snake_case and kebab-case spellings. An empty string
// selects append.
func ParseMode(s string) (Mode, error) {
	name := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_")
	if name == "" {
		return AppendMode{}, nil
	}
	for _, m := range Modes() {
		if m.String() == name {
			return m, nil
		}
	}
	return nil, fmt.Errorf("%w: unknown mode %q", domain.ErrInvalidArgument, s)
}

// modeFunc adapts a set of closures to ModeVisitor.
type modeFunc struct {
	check, appendFn, force, existing, exceptAlarms func() error
}

func (f modeFunc) Check() error                       { return f.check() }
func (f modeFunc) Append() error                      { return f.appendFn() }
func (f modeFunc) ForceOverwrite() error              { return f.force() }
func (f modeFunc) ProcessExisting() error             { return f.existing() }
func (f modeFunc) ProcessExistingExceptAlarms() error { return f.exceptAlarms() }

// WritesArchive reports whether m may change the archive for dt.
func WritesArchive(m Mode, dt domain.DataType) bool {
	var writes bool
	_ = m.Visit(modeFunc{
		check:        func() error { writes = false; return nil },
		appendFn:     func() error { writes = true; return nil },
		force:        func() error { writes = true; return nil },
		existing:     func() error { writes = false; return nil },
		exceptAlarms: func() error { writes = dt == domain.DataTypeAlarm; return nil },
	})
	return writes
}
