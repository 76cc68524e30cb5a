package session

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/parcadei/ouros/models"
	"github.com/parcadei/ouros/storage"
	"github.com/parcadei/ouros/vm"
)

// sessionFileExt is the on-disk extension for a C7 dump written by
// SaveSession. The dump's own header carries the format version (§7
// "persisted state layout"); the extension is purely a filesystem
// convenience.
const sessionFileExt = ".ouros"

// sessionPath resolves id to a path under the manager's storage directory,
// rejecting anything that is not a bare filesystem-safe name (§4.8 "names
// are filesystem-safe or rejected") — no path separators, no "." or "..".
func (m *Manager) sessionPath(id string) (string, error) {
	if id == "" || id == "." || id == ".." || id != filepath.Base(id) || strings.ContainsAny(id, "/\\") {
		return "", fmt.Errorf("save_session: %q is not a filesystem-safe session name", id)
	}
	return filepath.Join(m.storageDir, id+sessionFileExt), nil
}

// SaveSession writes id's current VM state to storageDir/id.ouros via the
// C7 dump format (§4.8 "save_session(id)").
func (m *Manager) SaveSession(id string) error {
	s, err := m.lookup(id)
	if err != nil {
		return err
	}
	path, err := m.sessionPath(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.vm == nil {
		return models.ErrInvalidInput
	}
	snap := s.vm.Snapshot()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("save_session: %w", err)
	}
	defer f.Close()
	return storage.Dump(f, snap)
}

// LoadSession restores id's VM state from storageDir/id.ouros (§4.8
// "load_session(id)"), replacing whatever VM and history the session
// already held. id must already be a registered session; load does not
// implicitly create one.
func (m *Manager) LoadSession(id string) error {
	s, err := m.lookup(id)
	if err != nil {
		return err
	}
	path, err := m.sessionPath(id)
	if err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("load_session: %w", err)
	}
	defer f.Close()
	snap, err := storage.Load(f)
	if err != nil {
		return err
	}
	restored, err := vm.NewVMFromSnapshot(snap)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vm = restored
	s.history = nil
	return nil
}
