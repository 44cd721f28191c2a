package storage

import (
	"database/sql"
	"fmt"
	"strings"
)

// Track is the durable identity of one (artist, title) pair, plus whatever
// enrichment data has been looked up for it.
type Track struct {
	ID       int64
	Key      string
	Artist   string
	Title    string
	FilePath string
	BPM      float64
	KeySig   string
	Genre    string
	Analyzed bool
}

// TrackKey normalizes (artist, title) to the indexed lookup key.
func TrackKey(artist, title string) string {
	return strings.ToLower(strings.TrimSpace(artist)) + "|" + strings.ToLower(strings.TrimSpace(title))
}

// FindTrackByKey looks a track up by its normalized key.
// Returns (nil, nil) when no track matches.
func (d *DB) FindTrackByKey(key string) (*Track, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	t := Track{}
	var analyzed int
	err := d.db.QueryRow(`
		SELECT id, track_key, artist, title, file_path, bpm, key_sig, genre, analyzed
		FROM tracks WHERE track_key = ?`, key).
		Scan(&t.ID, &t.Key, &t.Artist, &t.Title, &t.FilePath, &t.BPM, &t.KeySig, &t.Genre, &analyzed)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	t.Analyzed = analyzed != 0
	return &t, nil
}

// InsertTrack stores a new track identity and returns its id.
func (d *DB) InsertTrack(t Track) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if t.Key == "" {
		t.Key = TrackKey(t.Artist, t.Title)
	}
	res, err := d.db.Exec(`
		INSERT INTO tracks (track_key, artist, title, file_path) VALUES (?, ?, ?, ?)`,
		t.Key, t.Artist, t.Title, t.FilePath)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// SetTrackAnalysis stores enrichment results and marks the track analyzed.
func (d *DB) SetTrackAnalysis(id int64, bpm float64, keySig, genre string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.db.Exec(`
		UPDATE tracks SET bpm = ?, key_sig = ?, genre = ?, analyzed = 1 WHERE id = ?`,
		bpm, keySig, genre, id)
	return err
}

// AnalyzedTracksForSession returns the analyzed tracks played in a session,
// in play order, for the post-session enrichment sync.
func (d *DB) AnalyzedTracksForSession(sessionID int64) ([]Track, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	rows, err := d.db.Query(`
		SELECT DISTINCT t.id, t.track_key, t.artist, t.title, t.file_path, t.bpm, t.key_sig, t.genre
		FROM plays p JOIN tracks t ON t.id = p.track_id
		WHERE p.session_id = ? AND t.analyzed = 1
		ORDER BY t.id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Track
	for rows.Next() {
		t := Track{Analyzed: true}
		if err := rows.Scan(&t.ID, &t.Key, &t.Artist, &t.Title, &t.FilePath, &t.BPM, &t.KeySig, &t.Genre); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Play reactions.
const (
	ReactionNeutral = "neutral"
	ReactionPeak    = "peak"
	ReactionBrick   = "brick"
)

// AddPlay records that a track started playing in a session.
func (d *DB) AddPlay(sessionID, trackID int64, playedAt int64) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	res, err := d.db.Exec(`
		INSERT INTO plays (session_id, track_id, played_at) VALUES (?, ?, ?)`,
		sessionID, trackID, playedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// UpdatePlayReaction sets the DJ's reaction on a play.
func (d *DB) UpdatePlayReaction(playID int64, reaction string) error {
	switch reaction {
	case ReactionNeutral, ReactionPeak, ReactionBrick:
	default:
		return fmt.Errorf("invalid reaction: %s", reaction)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.db.Exec(`UPDATE plays SET reaction = ? WHERE id = ?`, reaction, playID)
	return err
}

// UpdatePlayNotes sets the free-text note on a play.
func (d *DB) UpdatePlayNotes(playID int64, notes string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.db.Exec(`UPDATE plays SET notes = ? WHERE id = ?`, notes, playID)
	return err
}

// IncrementLikesBy adds n audience likes to a play's cumulative counter.
func (d *DB) IncrementLikesBy(playID int64, n int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.db.Exec(`UPDATE plays SET likes = likes + ? WHERE id = ?`, n, playID)
	return err
}

// PlayLikes returns the cumulative like count for a play.
func (d *DB) PlayLikes(playID int64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var n int
	err := d.db.QueryRow(`SELECT likes FROM plays WHERE id = ?`, playID).Scan(&n)
	return n, err
}
