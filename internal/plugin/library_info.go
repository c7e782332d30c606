package plugin

import (
	"context"

	"github.com/arkilian/courier/pkg/types"
)

// LibraryInfo stamps context.library with the emitting library's name and
// version. Values already set by the caller win.
type LibraryInfo struct {
	Name    string
	Version string
}

func (l *LibraryInfo) Type() Type         { return PreProcess }
func (l *LibraryInfo) Setup(*Chain) error { return nil }
func (l *LibraryInfo) Teardown()          {}

func (l *LibraryInfo) Intercept(_ context.Context, event *types.Event) *types.Event {
	if event.Context == nil {
		event.Context = make(map[string]any)
	}
	library, _ := event.Context["library"].(map[string]any)
	if library == nil {
		library = make(map[string]any)
	}
	if _, ok := library["name"]; !ok {
		library["name"] = l.Name
	}
	if _, ok := library["version"]; !ok {
		library["version"] = l.Version
	}
	event.Context["library"] = library
	return event
}
