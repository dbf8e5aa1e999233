package store

import (
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// Store is the single-writer SQLite persistence layer for the sealed event
// log and its supporting tables. Go's database/sql pool combined with
// SQLite's own file lock already serializes writers; callers above this
// layer (internal/sealedlog) additionally hold an in-process mutex so a
// single kernel instance never issues two concurrent appends.
type Store struct {
	db *sql.DB
}

// Open opens or creates the SQLite database at path and applies all
// pending migrations.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := MigrateDB(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	if err := os.Chmod(path, 0600); err != nil {
		db.Close()
		return nil, fmt.Errorf("set database permissions: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// InsertDevice registers a device identity.
func (s *Store) InsertDevice(d *DeviceRow) error {
	_, err := s.db.Exec(`
		INSERT INTO devices (device_id, created_at, signing_pubkey, hostname)
		VALUES (?, ?, ?, ?)`,
		d.DeviceID[:], d.CreatedAtNs, d.SigningPubkey[:], d.Hostname,
	)
	if err != nil {
		return fmt.Errorf("insert device: %w", err)
	}
	return nil
}

// GetDevice retrieves a device by ID.
func (s *Store) GetDevice(id [16]byte) (*DeviceRow, error) {
	var d DeviceRow
	var deviceID, pubkey []byte

	err := s.db.QueryRow(`
		SELECT device_id, created_at, signing_pubkey, hostname
		FROM devices WHERE device_id = ?`, id[:],
	).Scan(&deviceID, &d.CreatedAtNs, &pubkey, &d.Hostname)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get device: %w", err)
	}

	copy(d.DeviceID[:], deviceID)
	copy(d.SigningPubkey[:], pubkey)
	return &d, nil
}

// AppendSealedEvent inserts the next entry in the sealed log. Callers are
// responsible for computing EntryHash/PrevHash/Signature correctly before
// calling; this method does not itself enforce chain integrity, since doing
// so requires holding the append lock, which belongs to internal/sealedlog.
func (s *Store) AppendSealedEvent(e *SealedEventRow) (int64, error) {
	result, err := s.db.Exec(`
		INSERT INTO sealed_events (device_id, event_type, zone, canonical_payload, payload_hash, ruleset_hash, prev_hash, entry_hash, signature, correlation_token, created_at_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.DeviceID[:], e.EventType, e.Zone, e.CanonicalPayload, e.PayloadHash[:], e.RulesetHash[:], e.PrevHash[:], e.EntryHash[:], e.Signature, e.CorrelationToken, e.CreatedAtNs,
	)
	if err != nil {
		return 0, fmt.Errorf("append sealed event: %w", err)
	}

	seq, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get last insert id: %w", err)
	}
	return seq, nil
}

// GetSealedEvent retrieves an entry by sequence number.
func (s *Store) GetSealedEvent(seq int64) (*SealedEventRow, error) {
	row := s.db.QueryRow(`
		SELECT seq, device_id, event_type, zone, canonical_payload, payload_hash, ruleset_hash, prev_hash, entry_hash, signature, correlation_token, created_at_ns
		FROM sealed_events WHERE seq = ?`, seq,
	)
	return scanSealedEvent(row)
}

// GetLastSealedEvent retrieves the most recently appended entry, or nil if
// the log is empty.
func (s *Store) GetLastSealedEvent() (*SealedEventRow, error) {
	row := s.db.QueryRow(`
		SELECT seq, device_id, event_type, zone, canonical_payload, payload_hash, ruleset_hash, prev_hash, entry_hash, signature, correlation_token, created_at_ns
		FROM sealed_events ORDER BY seq DESC LIMIT 1`,
	)
	e, err := scanSealedEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

// GetSealedEventsByZone retrieves all entries for a zone in sequence order.
func (s *Store) GetSealedEventsByZone(zone string) ([]SealedEventRow, error) {
	rows, err := s.db.Query(`
		SELECT seq, device_id, event_type, zone, canonical_payload, payload_hash, ruleset_hash, prev_hash, entry_hash, signature, correlation_token, created_at_ns
		FROM sealed_events WHERE zone = ? ORDER BY seq ASC`, zone,
	)
	if err != nil {
		return nil, fmt.Errorf("query sealed events by zone: %w", err)
	}
	defer rows.Close()
	return scanSealedEvents(rows)
}

// GetSealedEventRange retrieves entries with seq in [fromSeq, toSeq].
func (s *Store) GetSealedEventRange(fromSeq, toSeq int64) ([]SealedEventRow, error) {
	rows, err := s.db.Query(`
		SELECT seq, device_id, event_type, zone, canonical_payload, payload_hash, ruleset_hash, prev_hash, entry_hash, signature, correlation_token, created_at_ns
		FROM sealed_events WHERE seq >= ? AND seq <= ? ORDER BY seq ASC`, fromSeq, toSeq,
	)
	if err != nil {
		return nil, fmt.Errorf("query sealed event range: %w", err)
	}
	defer rows.Close()
	return scanSealedEvents(rows)
}

// CountSealedEvents returns the total number of entries in the log.
func (s *Store) CountSealedEvents() (int64, error) {
	var count int64
	err := s.db.QueryRow(`SELECT COUNT(*) FROM sealed_events`).Scan(&count)
	return count, err
}

func scanSealedEvent(row *sql.Row) (*SealedEventRow, error) {
	var e SealedEventRow
	var deviceID, payloadHash, rulesetHash, prevHash, entryHash []byte

	err := row.Scan(&e.Seq, &deviceID, &e.EventType, &e.Zone, &e.CanonicalPayload, &payloadHash, &rulesetHash, &prevHash, &entryHash, &e.Signature, &e.CorrelationToken, &e.CreatedAtNs)
	if err != nil {
		return nil, err
	}

	copy(e.DeviceID[:], deviceID)
	copy(e.PayloadHash[:], payloadHash)
	copy(e.RulesetHash[:], rulesetHash)
	copy(e.PrevHash[:], prevHash)
	copy(e.EntryHash[:], entryHash)
	return &e, nil
}

func scanSealedEvents(rows *sql.Rows) ([]SealedEventRow, error) {
	var events []SealedEventRow
	for rows.Next() {
		var e SealedEventRow
		var deviceID, payloadHash, rulesetHash, prevHash, entryHash []byte

		if err := rows.Scan(&e.Seq, &deviceID, &e.EventType, &e.Zone, &e.CanonicalPayload, &payloadHash, &rulesetHash, &prevHash, &entryHash, &e.Signature, &e.CorrelationToken, &e.CreatedAtNs); err != nil {
			return nil, fmt.Errorf("scan sealed event: %w", err)
		}
		copy(e.DeviceID[:], deviceID)
		copy(e.PayloadHash[:], payloadHash)
		copy(e.RulesetHash[:], rulesetHash)
		copy(e.PrevHash[:], prevHash)
		copy(e.EntryHash[:], entryHash)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sealed events: %w", err)
	}
	return events, nil
}

// InsertCheckpoint records a new checkpoint.
func (s *Store) InsertCheckpoint(c *CheckpointRow) (int64, error) {
	result, err := s.db.Exec(`
		INSERT INTO checkpoints (covers_through_seq, covers_through_hash, mmr_root, signature, created_at_ns)
		VALUES (?, ?, ?, ?, ?)`,
		c.CoversThroughSeq, c.CoversThroughHash[:], c.MMRRoot[:], c.Signature, c.CreatedAtNs,
	)
	if err != nil {
		return 0, fmt.Errorf("insert checkpoint: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get last insert id: %w", err)
	}
	return id, nil
}

// GetLatestCheckpoint returns the most recent checkpoint, or nil if none
// has been written yet.
func (s *Store) GetLatestCheckpoint() (*CheckpointRow, error) {
	var c CheckpointRow
	var coversHash, mmrRoot []byte

	err := s.db.QueryRow(`
		SELECT id, covers_through_seq, covers_through_hash, mmr_root, signature, created_at_ns
		FROM checkpoints ORDER BY id DESC LIMIT 1`,
	).Scan(&c.ID, &c.CoversThroughSeq, &coversHash, &mmrRoot, &c.Signature, &c.CreatedAtNs)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get latest checkpoint: %w", err)
	}
	copy(c.CoversThroughHash[:], coversHash)
	copy(c.MMRRoot[:], mmrRoot)
	return &c, nil
}

// InsertPolicy appends a new policy version. version must be exactly one
// greater than the previous highest version (enforced by the caller, which
// holds the policy lock).
func (s *Store) InsertPolicy(p *PolicyRow) error {
	if len(p.TrusteeIDs) != len(p.TrusteeKeys) {
		return fmt.Errorf("insert policy: %d trustee ids but %d keys", len(p.TrusteeIDs), len(p.TrusteeKeys))
	}
	idsJSON, err := json.Marshal(p.TrusteeIDs)
	if err != nil {
		return fmt.Errorf("marshal trustee ids: %w", err)
	}
	keysJSON, err := json.Marshal(hexKeys(p.TrusteeKeys))
	if err != nil {
		return fmt.Errorf("marshal trustee keys: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO policies (version, threshold, total_of_m, trustee_ids, trustee_keys, vault_crypto_mode, created_at_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.Version, p.Threshold, p.TotalOfM, string(idsJSON), string(keysJSON), p.VaultCryptoMode, p.CreatedAtNs,
	)
	if err != nil {
		return fmt.Errorf("insert policy: %w", err)
	}
	return nil
}

// GetLatestPolicy returns the highest-versioned policy, or nil if none has
// been set.
func (s *Store) GetLatestPolicy() (*PolicyRow, error) {
	var p PolicyRow
	var idsJSON, keysJSON string

	err := s.db.QueryRow(`
		SELECT version, threshold, total_of_m, trustee_ids, trustee_keys, vault_crypto_mode, created_at_ns
		FROM policies ORDER BY version DESC LIMIT 1`,
	).Scan(&p.Version, &p.Threshold, &p.TotalOfM, &idsJSON, &keysJSON, &p.VaultCryptoMode, &p.CreatedAtNs)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get latest policy: %w", err)
	}

	if err := json.Unmarshal([]byte(idsJSON), &p.TrusteeIDs); err != nil {
		return nil, fmt.Errorf("unmarshal trustee ids: %w", err)
	}
	var hexed []string
	if err := json.Unmarshal([]byte(keysJSON), &hexed); err != nil {
		return nil, fmt.Errorf("unmarshal trustee keys: %w", err)
	}
	keys, err := unhexKeys(hexed)
	if err != nil {
		return nil, fmt.Errorf("decode trustee keys: %w", err)
	}
	p.TrusteeKeys = keys
	return &p, nil
}

// InsertBreakGlassRequest records a new break-glass export request.
func (s *Store) InsertBreakGlassRequest(r *BreakGlassRequestRow) (int64, error) {
	result, err := s.db.Exec(`
		INSERT INTO break_glass_requests
			(envelope_id, requested_by, justification, policy_version, request_hash, ruleset_hash, bucket, created_at_ns, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.EnvelopeID, r.RequestedBy, r.Justification, r.PolicyVersion,
		r.RequestHash[:], r.RulesetHash[:], r.Bucket, r.CreatedAtNs, r.Status,
	)
	if err != nil {
		return 0, fmt.Errorf("insert break-glass request: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get last insert id: %w", err)
	}
	return id, nil
}

// UpdateBreakGlassRequestStatus transitions a request's status (e.g. to
// "authorized" or "denied").
func (s *Store) UpdateBreakGlassRequestStatus(id int64, status string) error {
	_, err := s.db.Exec(`UPDATE break_glass_requests SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("update break-glass request status: %w", err)
	}
	return nil
}

// ConsumeBreakGlassRequest atomically transitions a request from
// "authorized" to "consumed", the one-shot enforcement point for unsealing
// a break-glass token. Returns false (no error) if the request was not in
// the "authorized" state, so the caller can distinguish "already consumed
// or never authorized" from a storage failure.
func (s *Store) ConsumeBreakGlassRequest(id int64, consumedAtNs int64) (bool, error) {
	result, err := s.db.Exec(
		`UPDATE break_glass_requests SET status = 'consumed', consumed_at_ns = ? WHERE id = ? AND status = 'authorized'`,
		consumedAtNs, id,
	)
	if err != nil {
		return false, fmt.Errorf("consume break-glass request: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("consume break-glass request: rows affected: %w", err)
	}
	return n == 1, nil
}

// GetBreakGlassRequest retrieves a request by ID.
func (s *Store) GetBreakGlassRequest(id int64) (*BreakGlassRequestRow, error) {
	var r BreakGlassRequestRow
	var requestHash, rulesetHash []byte
	err := s.db.QueryRow(`
		SELECT id, envelope_id, requested_by, justification, policy_version, request_hash, ruleset_hash, bucket, created_at_ns, status, consumed_at_ns
		FROM break_glass_requests WHERE id = ?`, id,
	).Scan(&r.ID, &r.EnvelopeID, &r.RequestedBy, &r.Justification, &r.PolicyVersion,
		&requestHash, &rulesetHash, &r.Bucket, &r.CreatedAtNs, &r.Status, &r.ConsumedAtNs)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get break-glass request: %w", err)
	}
	copy(r.RequestHash[:], requestHash)
	copy(r.RulesetHash[:], rulesetHash)
	return &r, nil
}

// InsertBreakGlassApproval records one trustee's signed approval. The
// composite primary key (request_id, trustee_id) makes a duplicate
// approval from the same trustee a no-op failure rather than silently
// inflating the quorum count.
func (s *Store) InsertBreakGlassApproval(a *BreakGlassApprovalRow) error {
	_, err := s.db.Exec(`
		INSERT INTO break_glass_approvals (request_id, trustee_id, signature, created_at_ns)
		VALUES (?, ?, ?, ?)`,
		a.RequestID, a.TrusteeID, a.Signature, a.CreatedAtNs,
	)
	if err != nil {
		return fmt.Errorf("insert break-glass approval: %w", err)
	}
	return nil
}

// CountBreakGlassApprovals returns the number of distinct trustee approvals
// recorded for a request.
func (s *Store) CountBreakGlassApprovals(requestID int64) (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM break_glass_approvals WHERE request_id = ?`, requestID).Scan(&count)
	return count, err
}

// GetBreakGlassApprovals returns every approval recorded for a request.
func (s *Store) GetBreakGlassApprovals(requestID int64) ([]BreakGlassApprovalRow, error) {
	rows, err := s.db.Query(`
		SELECT request_id, trustee_id, signature, created_at_ns
		FROM break_glass_approvals WHERE request_id = ?`, requestID,
	)
	if err != nil {
		return nil, fmt.Errorf("query break-glass approvals: %w", err)
	}
	defer rows.Close()

	var approvals []BreakGlassApprovalRow
	for rows.Next() {
		var a BreakGlassApprovalRow
		if err := rows.Scan(&a.RequestID, &a.TrusteeID, &a.Signature, &a.CreatedAtNs); err != nil {
			return nil, fmt.Errorf("scan break-glass approval: %w", err)
		}
		approvals = append(approvals, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate break-glass approvals: %w", err)
	}
	return approvals, nil
}

// InsertBreakGlassReceipt appends a chained receipt.
func (s *Store) InsertBreakGlassReceipt(r *BreakGlassReceiptRow) (int64, error) {
	result, err := s.db.Exec(`
		INSERT INTO break_glass_receipts (request_id, prev_hash, receipt_hash, signature, created_at_ns)
		VALUES (?, ?, ?, ?, ?)`,
		r.RequestID, r.PrevHash[:], r.ReceiptHash[:], r.Signature, r.CreatedAtNs,
	)
	if err != nil {
		return 0, fmt.Errorf("insert break-glass receipt: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get last insert id: %w", err)
	}
	return id, nil
}

// GetLatestBreakGlassReceipt returns the most recently issued receipt
// across all requests, used as the prev_hash anchor for the next one.
func (s *Store) GetLatestBreakGlassReceipt() (*BreakGlassReceiptRow, error) {
	var r BreakGlassReceiptRow
	var prevHash, receiptHash []byte

	err := s.db.QueryRow(`
		SELECT id, request_id, prev_hash, receipt_hash, signature, created_at_ns
		FROM break_glass_receipts ORDER BY id DESC LIMIT 1`,
	).Scan(&r.ID, &r.RequestID, &prevHash, &receiptHash, &r.Signature, &r.CreatedAtNs)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get latest break-glass receipt: %w", err)
	}
	copy(r.PrevHash[:], prevHash)
	copy(r.ReceiptHash[:], receiptHash)
	return &r, nil
}

// GetBreakGlassReceipts returns every receipt issued for a request.
func (s *Store) GetBreakGlassReceipts(requestID int64) ([]BreakGlassReceiptRow, error) {
	rows, err := s.db.Query(`
		SELECT id, request_id, prev_hash, receipt_hash, signature, created_at_ns
		FROM break_glass_receipts WHERE request_id = ? ORDER BY id ASC`, requestID,
	)
	if err != nil {
		return nil, fmt.Errorf("query break-glass receipts: %w", err)
	}
	defer rows.Close()

	var receipts []BreakGlassReceiptRow
	for rows.Next() {
		var r BreakGlassReceiptRow
		var prevHash, receiptHash []byte
		if err := rows.Scan(&r.ID, &r.RequestID, &prevHash, &receiptHash, &r.Signature, &r.CreatedAtNs); err != nil {
			return nil, fmt.Errorf("scan break-glass receipt: %w", err)
		}
		copy(r.PrevHash[:], prevHash)
		copy(r.ReceiptHash[:], receiptHash)
		receipts = append(receipts, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate break-glass receipts: %w", err)
	}
	return receipts, nil
}

// GetAllBreakGlassReceipts returns the full receipts chain across every
// request, ordered by id ascending, for break_glass receipts to validate
// end to end.
func (s *Store) GetAllBreakGlassReceipts() ([]BreakGlassReceiptRow, error) {
	rows, err := s.db.Query(`
		SELECT id, request_id, prev_hash, receipt_hash, signature, created_at_ns
		FROM break_glass_receipts ORDER BY id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("query all break-glass receipts: %w", err)
	}
	defer rows.Close()

	var receipts []BreakGlassReceiptRow
	for rows.Next() {
		var r BreakGlassReceiptRow
		var prevHash, receiptHash []byte
		if err := rows.Scan(&r.ID, &r.RequestID, &prevHash, &receiptHash, &r.Signature, &r.CreatedAtNs); err != nil {
			return nil, fmt.Errorf("scan break-glass receipt: %w", err)
		}
		copy(r.PrevHash[:], prevHash)
		copy(r.ReceiptHash[:], receiptHash)
		receipts = append(receipts, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate break-glass receipts: %w", err)
	}
	return receipts, nil
}

// InsertConformanceAlarm records a forbidden-action attempt. Alarms are
// append-only and never pruned by retention sweeps.
func (s *Store) InsertConformanceAlarm(a *ConformanceAlarmRow) error {
	_, err := s.db.Exec(`
		INSERT INTO conformance_alarms (category, detail, created_at_ns)
		VALUES (?, ?, ?)`,
		a.Category, a.Detail, a.CreatedAtNs,
	)
	if err != nil {
		return fmt.Errorf("insert conformance alarm: %w", err)
	}
	return nil
}

// CountConformanceAlarms returns the number of alarms recorded for a
// category.
func (s *Store) CountConformanceAlarms(category string) (int64, error) {
	var count int64
	err := s.db.QueryRow(`SELECT COUNT(*) FROM conformance_alarms WHERE category = ?`, category).Scan(&count)
	return count, err
}

// DeleteSealedEventsBefore removes entries with seq < beforeSeq, used by
// internal/retention after a checkpoint has made them provably unnecessary
// for future verification. It does not itself check the latest
// checkpoint's covers_through_seq; the caller enforces that bound.
func (s *Store) DeleteSealedEventsBefore(beforeSeq int64) (int64, error) {
	result, err := s.db.Exec(`DELETE FROM sealed_events WHERE seq < ?`, beforeSeq)
	if err != nil {
		return 0, fmt.Errorf("delete sealed events before %d: %w", beforeSeq, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}
	return n, nil
}

func hexKeys(keys [][32]byte) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = hex.EncodeToString(k[:])
	}
	return out
}

func unhexKeys(hexed []string) ([][32]byte, error) {
	out := make([][32]byte, len(hexed))
	for i, h := range hexed {
		b, err := hex.DecodeString(h)
		if err != nil {
			return nil, fmt.Errorf("decode trustee key %d: %w", i, err)
		}
		if len(b) != 32 {
			return nil, fmt.Errorf("trustee key %d: expected 32 bytes, got %d", i, len(b))
		}
		copy(out[i][:], b)
	}
	return out, nil
}
