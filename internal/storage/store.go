package storage

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// RoundRow is one finished round in the ledger.
type RoundRow struct {
	ID         int64       `json:"id"`
	TableID    string      `json:"tableId"` // identifies the server run; round numbers restart with it
	Number     int         `json:"number"`
	DealerID   string      `json:"dealerId"`
	Stake      int         `json:"stake"`
	FinishedAt time.Time   `json:"finishedAt"`
	Results    []ResultRow `json:"results"`
}

// ResultRow is one player's outcome in a round, in turn order.
type ResultRow struct {
	Seat      int    `json:"seat"`
	PlayerID  string `json:"playerId"`
	Name      string `json:"name"`
	Status    string `json:"status"` // PLAYING for a push
	HandValue int    `json:"handValue"`
	Tokens    int    `json:"tokens"` // balance after settlement
}

// PlayerStats totals a player's recorded results.
type PlayerStats struct {
	PlayerID string `json:"playerId"`
	Rounds   int    `json:"rounds"`
	Wins     int    `json:"wins"`
	Losses   int    `json:"losses"`
	Pushes   int    `json:"pushes"`
}

// Store is the append-only round ledger. It is history for reporting; table
// state is never restored from it.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the database and runs migrations.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// An in-memory database exists per connection.
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	// WAL mode for better concurrent reads
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS rounds (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			table_id    TEXT NOT NULL,
			number      INTEGER NOT NULL,
			dealer_id   TEXT NOT NULL,
			stake       INTEGER NOT NULL,
			finished_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (table_id, number)
		);
		CREATE TABLE IF NOT EXISTS round_results (
			round_id   INTEGER NOT NULL REFERENCES rounds(id),
			seat       INTEGER NOT NULL,
			player_id  TEXT NOT NULL,
			name       TEXT NOT NULL,
			status     TEXT NOT NULL,
			hand_value INTEGER NOT NULL,
			tokens     INTEGER NOT NULL,
			PRIMARY KEY (round_id, seat)
		);
		CREATE INDEX IF NOT EXISTS round_results_player ON round_results(player_id);
	`)
	return err
}

// RecordRound inserts a finished round with its results and returns its ID.
func (s *Store) RecordRound(r RoundRow) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		"INSERT INTO rounds (table_id, number, dealer_id, stake) VALUES (?, ?, ?, ?)",
		r.TableID, r.Number, r.DealerID, r.Stake,
	)
	if err != nil {
		return 0, fmt.Errorf("insert round: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	for _, rr := range r.Results {
		if _, err := tx.Exec(`
			INSERT INTO round_results (round_id, seat, player_id, name, status, hand_value, tokens)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, id, rr.Seat, rr.PlayerID, rr.Name, rr.Status, rr.HandValue, rr.Tokens); err != nil {
			return 0, fmt.Errorf("insert result: %w", err)
		}
	}
	return id, tx.Commit()
}

// GetRound retrieves a round and its results.
func (s *Store) GetRound(id int64) (*RoundRow, error) {
	row := s.db.QueryRow("SELECT id, table_id, number, dealer_id, stake, finished_at FROM rounds WHERE id = ?", id)
	var r RoundRow
	if err := row.Scan(&r.ID, &r.TableID, &r.Number, &r.DealerID, &r.Stake, &r.FinishedAt); err != nil {
		return nil, err
	}
	results, err := s.results(r.ID)
	if err != nil {
		return nil, err
	}
	r.Results = results
	return &r, nil
}

// ListRounds returns up to limit rounds, newest first, with their results.
func (s *Store) ListRounds(limit int) ([]RoundRow, error) {
	rows, err := s.db.Query("SELECT id, table_id, number, dealer_id, stake, finished_at FROM rounds ORDER BY id DESC LIMIT ?", limit)
	if err != nil {
		return nil, err
	}
	var out []RoundRow
	for rows.Next() {
		var r RoundRow
		if err := rows.Scan(&r.ID, &r.TableID, &r.Number, &r.DealerID, &r.Stake, &r.FinishedAt); err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for i := range out {
		results, err := s.results(out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Results = results
	}
	return out, nil
}

func (s *Store) results(roundID int64) ([]ResultRow, error) {
	rows, err := s.db.Query(`
		SELECT seat, player_id, name, status, hand_value, tokens
		FROM round_results WHERE round_id = ? ORDER BY seat
	`, roundID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ResultRow
	for rows.Next() {
		var rr ResultRow
		if err := rows.Scan(&rr.Seat, &rr.PlayerID, &rr.Name, &rr.Status, &rr.HandValue, &rr.Tokens); err != nil {
			return nil, err
		}
		out = append(out, rr)
	}
	return out, rows.Err()
}

// PlayerStats totals the recorded outcomes for playerID.
func (s *Store) PlayerStats(playerID string) (PlayerStats, error) {
	st := PlayerStats{PlayerID: playerID}
	err := s.db.QueryRow(`
		SELECT COUNT(*),
			COALESCE(SUM(status = 'WINNER'), 0),
			COALESCE(SUM(status = 'LOSER'), 0),
			COALESCE(SUM(status = 'PLAYING'), 0)
		FROM round_results WHERE player_id = ?
	`, playerID).Scan(&st.Rounds, &st.Wins, &st.Losses, &st.Pushes)
	return st, err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
