package storage

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/cideldill/cideldill/internal/codec"
)

// CidMismatch pairs a claimed CID with the digest its bytes actually hash to.
type CidMismatch struct {
	ProvidedCID string `json:"provided_cid"`
	ExpectedCID string `json:"expected_cid"`
}

// CidMismatchError rejects a whole PutMany batch when any entry's bytes do
// not hash to its claimed CID.
type CidMismatchError struct {
	Mismatches []CidMismatch
}

func (e *CidMismatchError) Error() string {
	cids := make([]string, len(e.Mismatches))
	for i, m := range e.Mismatches {
		cids[i] = m.ProvidedCID
	}
	return fmt.Sprintf("cid mismatch for %s", strings.Join(cids, ", "))
}

// BlobStore is the content-addressed byte-blob table. Writes are idempotent
// and a stored blob is never replaced with different bytes.
type BlobStore struct {
	db *sql.DB
}

// PutMany verifies and stores a batch of blobs. Any hash mismatch fails the
// whole batch before anything is written.
func (s *BlobStore) PutMany(blobs map[string][]byte) error {
	var mismatches []CidMismatch
	for cid, b := range blobs {
		if actual := codec.ComputeCID(b); actual != cid {
			mismatches = append(mismatches, CidMismatch{ProvidedCID: cid, ExpectedCID: actual})
		}
	}
	if len(mismatches) > 0 {
		return &CidMismatchError{Mismatches: mismatches}
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin blob write: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT OR IGNORE INTO blobs (cid, bytes) VALUES (?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare blob insert: %w", err)
	}
	defer stmt.Close()

	for cid, b := range blobs {
		if _, err := stmt.Exec(cid, b); err != nil {
			return fmt.Errorf("insert blob %s: %w", cid, err)
		}
	}
	return tx.Commit()
}

// GetMany returns the stored bytes for each present CID. Absent CIDs are
// simply omitted.
func (s *BlobStore) GetMany(cids []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(cids))
	for _, cid := range cids {
		var b []byte
		err := s.db.QueryRow(`SELECT bytes FROM blobs WHERE cid = ?`, cid).Scan(&b)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get blob %s: %w", cid, err)
		}
		out[cid] = b
	}
	return out, nil
}

// Missing returns the subset of cids that are not stored.
func (s *BlobStore) Missing(cids []string) ([]string, error) {
	missing := make([]string, 0)
	for _, cid := range cids {
		var one int
		err := s.db.QueryRow(`SELECT 1 FROM blobs WHERE cid = ?`, cid).Scan(&one)
		if err == sql.ErrNoRows {
			missing = append(missing, cid)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("check blob %s: %w", cid, err)
		}
	}
	return missing, nil
}

// Stats reports blob count and total stored bytes.
func (s *BlobStore) Stats() (count int64, totalSize int64, err error) {
	err = s.db.QueryRow(
		`SELECT COUNT(*), COALESCE(SUM(LENGTH(bytes)), 0) FROM blobs`).Scan(&count, &totalSize)
	if err != nil {
		return 0, 0, fmt.Errorf("blob stats: %w", err)
	}
	return count, totalSize, nil
}
