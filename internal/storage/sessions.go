package storage

// CreateSession opens a new persisted session record and returns its id.
func (d *DB) CreateSession(name string, startedAt int64) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	res, err := d.db.Exec(`INSERT INTO sessions (name, started_at) VALUES (?, ?)`, name, startedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// EndSession marks a session record as ended. Safe to call repeatedly —
// the first end timestamp wins.
func (d *DB) EndSession(id int64, endedAt int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.db.Exec(`UPDATE sessions SET ended_at = ? WHERE id = ? AND ended_at = 0`, endedAt, id)
	return err
}

// SetExternalSessionRef stores the relay-side session id on the local record.
func (d *DB) SetExternalSessionRef(id int64, ref string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.db.Exec(`UPDATE sessions SET external_ref = ? WHERE id = ?`, ref, id)
	return err
}
