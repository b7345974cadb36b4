package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
)

// CallStore is the append-only call log. Records are JSON-encoded with
// indexed columns for the common query axes.
type CallStore struct {
	db *sql.DB
}

// Filters narrows a List query. Zero values mean "no constraint".
type Filters struct {
	FunctionName string
	ProcessKey   string
	Limit        int
}

// Record appends one completed call.
func (s *CallStore) Record(rec *CallRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode call record: %w", err)
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin call write: %w", err)
	}
	defer tx.Rollback()
	_, err = tx.Exec(
		`INSERT INTO calls (function_name, timestamp, process_key, record_json) VALUES (?, ?, ?, ?)`,
		rec.MethodName, rec.StartedAt, rec.ProcessKey, string(b))
	if err != nil {
		return fmt.Errorf("insert call record: %w", err)
	}
	return tx.Commit()
}

// List returns records in insertion order (timestamp, tie-broken by the
// insertion counter).
func (s *CallStore) List(f Filters) ([]*CallRecord, error) {
	query := `SELECT record_json FROM calls WHERE 1=1`
	args := []any{}
	if f.FunctionName != "" {
		query += ` AND function_name = ?`
		args = append(args, f.FunctionName)
	}
	if f.ProcessKey != "" {
		query += ` AND process_key = ?`
		args = append(args, f.ProcessKey)
	}
	query += ` ORDER BY timestamp, id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	return s.queryRecords(query, args...)
}

// Get returns the record with the given call id, or nil when absent.
func (s *CallStore) Get(callID string) (*CallRecord, error) {
	recs, err := s.queryRecords(
		`SELECT record_json FROM calls WHERE json_extract(record_json, '$.call_id') = ?`, callID)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, nil
	}
	return recs[0], nil
}

// FilterByFunction returns all records for one function name.
func (s *CallStore) FilterByFunction(name string) ([]*CallRecord, error) {
	return s.List(Filters{FunctionName: name})
}

// SearchByArgs returns records whose pretty kwargs contain partial as a
// submap, matching nested maps recursively.
func (s *CallStore) SearchByArgs(partial map[string]any) ([]*CallRecord, error) {
	all, err := s.List(Filters{})
	if err != nil {
		return nil, err
	}
	matched := make([]*CallRecord, 0)
	for _, rec := range all {
		if submapMatch(rec.PrettyKwargs, partial) {
			matched = append(matched, rec)
		}
	}
	return matched, nil
}

// ExportAll serializes the whole log as a JSON array.
func (s *CallStore) ExportAll() ([]byte, error) {
	all, err := s.List(Filters{})
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(all, "", "  ")
}

func (s *CallStore) queryRecords(query string, args ...any) ([]*CallRecord, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query calls: %w", err)
	}
	defer rows.Close()

	out := make([]*CallRecord, 0)
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan call row: %w", err)
		}
		var rec CallRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("decode call record: %w", err)
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// submapMatch reports whether every key of partial appears in m with an
// equal value; map values recurse so nested dict queries work.
func submapMatch(m map[string]any, partial map[string]any) bool {
	for key, want := range partial {
		got, ok := m[key]
		if !ok {
			return false
		}
		wantMap, wOK := want.(map[string]any)
		gotMap, gOK := got.(map[string]any)
		if wOK && gOK {
			if !submapMatch(gotMap, wantMap) {
				return false
			}
			continue
		}
		if !jsonEqual(got, want) {
			return false
		}
	}
	return true
}

// jsonEqual compares values modulo JSON round-trip type drift (int vs
// float64 and friends).
func jsonEqual(a, b any) bool {
	ab, errA := json.Marshal(a)
	bb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(ab) == string(bb)
}
