package quarantine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const ledgerName = "ledger.json"

type ledgerFile struct {
	Records []*Record `json:"records"`
}

func (m *Manager) ledgerPath() string {
	return filepath.Join(m.dir, ledgerName)
}

func (m *Manager) loadLedger() error {
	data, err := os.ReadFile(m.ledgerPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var lf ledgerFile
	if err := json.Unmarshal(data, &lf); err != nil {
		return fmt.Errorf("malformed ledger: %w", err)
	}
	m.mu.Lock()
	for _, r := range lf.Records {
		m.records[r.ID] = r
	}
	m.mu.Unlock()
	return nil
}

// saveLedgerLocked writes the ledger atomically via a temp file rename.
// Caller holds m.mu.
func (m *Manager) saveLedgerLocked() error {
	lf := ledgerFile{Records: make([]*Record, 0, len(m.records))}
	for _, r := range m.records {
		lf.Records = append(lf.Records, r)
	}
	data, err := json.MarshalIndent(lf, "", "  ")
	if err != nil {
		return err
	}

	tmp := m.ledgerPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, m.ledgerPath())
}
