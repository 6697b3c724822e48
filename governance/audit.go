package governance

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// AuditRow is one hash-chained entry in the governance audit log.
// Every field participates in the hash except Hash itself, so none of
// them is omitted from the JSON even when empty.
type AuditRow struct {
	// At is when the row was written (UTC, second precision).
	At string `json:"at"`

	// Actor is who triggered the action.
	Actor string `json:"actor"`

	// Action names the command or checkpoint.
	Action string `json:"action"`

	// Target is the acted-on scope: a task id, approval id, or abort target.
	Target string `json:"target"`

	// Result is "allow", "deny:<reason>", "ok", or an error summary.
	Result string `json:"result"`

	// PrevHash is the previous row's hash, empty for the first row.
	PrevHash string `json:"prevHash"`

	// Hash is the SHA-256 of the canonical JSON of this row minus Hash.
	Hash string `json:"hash"`
}

// hashable returns the row's canonical hashing payload.
func (r AuditRow) hashable() map[string]any {
	return map[string]any{
		"at":       r.At,
		"actor":    r.Actor,
		"action":   r.Action,
		"target":   r.Target,
		"result":   r.Result,
		"prevHash": r.PrevHash,
	}
}

// ComputeHash returns the SHA-256 hex digest of the row's canonical
// form without the hash field.
func (r AuditRow) ComputeHash() (string, error) {
	canonical, err := CanonicalJSON(r.hashable())
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Audit appends hash-chained rows to the governance audit log.
// Callers must hold the board lock around Append so the chain stays
// strictly sequential.
type Audit struct {
	path   string
	logger *slog.Logger
}

// NewAudit creates an audit writer for the given JSONL path.
func NewAudit(path string, logger *slog.Logger) *Audit {
	if logger == nil {
		logger = slog.Default()
	}
	return &Audit{path: path, logger: logger}
}

// Append chains and writes one row. PrevHash and Hash are filled in
// from the current tail of the log.
func (a *Audit) Append(row AuditRow) (AuditRow, error) {
	prev, err := a.lastHash()
	if err != nil {
		return row, fmt.Errorf("read audit tail: %w", err)
	}
	row.PrevHash = prev

	hash, err := row.ComputeHash()
	if err != nil {
		return row, fmt.Errorf("hash audit row: %w", err)
	}
	row.Hash = hash

	if err := os.MkdirAll(filepath.Dir(a.path), 0o755); err != nil {
		return row, err
	}
	data, err := json.Marshal(row)
	if err != nil {
		return row, err
	}
	f, err := os.OpenFile(a.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return row, fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()
	if _, err := fmt.Fprintf(f, "%s\n", data); err != nil {
		return row, fmt.Errorf("append audit row: %w", err)
	}
	return row, nil
}

// lastHash returns the hash of the final row, or "" for an empty log.
func (a *Audit) lastHash() (string, error) {
	rows, err := a.Rows()
	if err != nil {
		return "", err
	}
	if len(rows) == 0 {
		return "", nil
	}
	return rows[len(rows)-1].Hash, nil
}

// Rows reads every audit row in order.
func (a *Audit) Rows() ([]AuditRow, error) {
	f, err := os.Open(a.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var rows []AuditRow
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var row AuditRow
		if err := json.Unmarshal(raw, &row); err != nil {
			return nil, fmt.Errorf("parse audit row: %w", err)
		}
		rows = append(rows, row)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return rows, nil
}

// VerifyReport is the outcome of an audit chain verification.
type VerifyReport struct {
	// Rows is the number of rows checked.
	Rows int `json:"rows"`

	// Valid is true when every hash and link held.
	Valid bool `json:"valid"`

	// BrokenAt is the zero-based index of the first bad row, -1 if none.
	BrokenAt int `json:"brokenAt"`

	// Detail explains the first failure.
	Detail string `json:"detail,omitempty"`
}

// Verify walks the chain: every row's hash must match its canonical
// form, and every row's prevHash must equal its predecessor's hash.
func (a *Audit) Verify() (*VerifyReport, error) {
	rows, err := a.Rows()
	if err != nil {
		return nil, err
	}

	report := &VerifyReport{Rows: len(rows), Valid: true, BrokenAt: -1}
	for i, row := range rows {
		want, err := row.ComputeHash()
		if err != nil {
			return nil, err
		}
		if row.Hash != want {
			report.Valid = false
			report.BrokenAt = i
			report.Detail = fmt.Sprintf("row %d hash mismatch", i)
			return report, nil
		}
		if i > 0 && row.PrevHash != rows[i-1].Hash {
			report.Valid = false
			report.BrokenAt = i
			report.Detail = fmt.Sprintf("row %d prevHash does not link to row %d", i, i-1)
			return report, nil
		}
	}
	return report, nil
}
