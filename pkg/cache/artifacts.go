package cache

import (
	"path/filepath"

	"github.com/charmbracelet/log"
)

// Artifacts writes intermediate request artifacts for debugging. A nil or
// disabled Artifacts does nothing.
type Artifacts struct {
	Dir     string
	Enabled bool
}

func (a *Artifacts) JSON(name string, v any) {
	if a == nil || !a.Enabled {
		return
	}
	if err := SaveJSON(filepath.Join(a.Dir, name), v); err != nil {
		log.Warn("write debug artifact failed", "name", name, "err", err)
	}
}

func (a *Artifacts) Text(name, text string) {
	if a == nil || !a.Enabled {
		return
	}
	if err := SaveText(filepath.Join(a.Dir, name), text); err != nil {
		log.Warn("write debug artifact failed", "name", name, "err", err)
	}
}
