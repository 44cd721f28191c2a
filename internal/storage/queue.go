package storage

import (
	"fmt"
	"strings"
)

// QueuedMessage is one durably queued outbound envelope.
type QueuedMessage struct {
	ID         int64
	EnqueuedAt int64
	Envelope   []byte
}

// Enqueue appends an envelope to the durable FIFO queue.
func (d *DB) Enqueue(envelope []byte, enqueuedAt int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.db.Exec(`INSERT INTO outbox_queue (enqueued_at, envelope) VALUES (?, ?)`,
		enqueuedAt, string(envelope))
	return err
}

// QueueAll returns every queued message in enqueue order.
func (d *DB) QueueAll() ([]QueuedMessage, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	rows, err := d.db.Query(`SELECT id, enqueued_at, envelope FROM outbox_queue ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []QueuedMessage
	for rows.Next() {
		var m QueuedMessage
		var env string
		if err := rows.Scan(&m.ID, &m.EnqueuedAt, &env); err != nil {
			return nil, err
		}
		m.Envelope = []byte(env)
		out = append(out, m)
	}
	return out, rows.Err()
}

// DeleteQueued removes the given messages from the durable queue.
// Called only with ids whose send was confirmed.
func (d *DB) DeleteQueued(ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	_, err := d.db.Exec(fmt.Sprintf("DELETE FROM outbox_queue WHERE id IN (%s)", placeholders), args...)
	return err
}

// ClearQueue drops all queued messages. Used when a session ends.
func (d *DB) ClearQueue() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.db.Exec(`DELETE FROM outbox_queue`)
	return err
}
