package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
)

// SetValue stores a setting, replacing the previous value.
func (s *Store) SetValue(key, value string) error {
	if s == nil {
		return errors.New("store not initialized")
	}
	if strings.TrimSpace(key) == "" {
		return errors.New("setting key is required")
	}
	_, err := s.DB.Exec(`INSERT INTO settings (key, value) VALUES (?, ?)
        ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=CURRENT_TIMESTAMP;`, key, value)
	return err
}

// GetValue returns the stored setting or def when the key is unset.
func (s *Store) GetValue(key, def string) (string, error) {
	if s == nil {
		return def, errors.New("store not initialized")
	}
	var v string
	err := s.DB.QueryRow(`SELECT value FROM settings WHERE key=?;`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return def, nil
	}
	if err != nil {
		return def, err
	}
	return v, nil
}

// Settings returns every stored key/value pair.
func (s *Store) Settings() (map[string]string, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT key, value FROM settings ORDER BY key;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

// Position lists.
const (
	ListRecents   = "recents"
	ListFavorites = "favorites"
)

// Position is a named observing site.
type Position struct {
	Name string  `json:"name"`
	Lat  float64 `json:"lat"`
	Lon  float64 `json:"lon"`
}

// Validate checks the coordinate range.
func (p Position) Validate() error {
	if math.IsNaN(p.Lat) || p.Lat < -90 || p.Lat > 90 {
		return fmt.Errorf("latitude out of range: %v", p.Lat)
	}
	if math.IsNaN(p.Lon) || p.Lon < -180 || p.Lon > 180 {
		return fmt.Errorf("longitude out of range: %v", p.Lon)
	}
	return nil
}

func checkList(list string) error {
	if list != ListRecents && list != ListFavorites {
		return fmt.Errorf("unknown position list %q", list)
	}
	return nil
}

// LoadPositions returns a list in insertion order.
func (s *Store) LoadPositions(list string) ([]Position, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	if err := checkList(list); err != nil {
		return nil, err
	}
	rows, err := s.DB.Query(`SELECT name, lat, lon FROM positions WHERE list=? ORDER BY id;`, list)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	positions := []Position{}
	for rows.Next() {
		var p Position
		if err := rows.Scan(&p.Name, &p.Lat, &p.Lon); err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// SavePositions replaces the whole list.
func (s *Store) SavePositions(list string, positions []Position) error {
	if s == nil {
		return errors.New("store not initialized")
	}
	if err := checkList(list); err != nil {
		return err
	}
	for _, p := range positions {
		if err := p.Validate(); err != nil {
			return err
		}
	}
	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`DELETE FROM positions WHERE list=?;`, list); err != nil {
		return err
	}
	for _, p := range positions {
		if _, err := tx.Exec(`INSERT INTO positions (list, name, lat, lon) VALUES (?, ?, ?, ?);`, list, p.Name, p.Lat, p.Lon); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// AddPositionIfNew appends pos to list unless an entry with the same lat/lon
// is already there. It reports whether pos was added.
func (s *Store) AddPositionIfNew(pos Position, list string) (bool, error) {
	if s == nil {
		return false, errors.New("store not initialized")
	}
	if err := checkList(list); err != nil {
		return false, err
	}
	if err := pos.Validate(); err != nil {
		return false, err
	}
	var n int
	if err := s.DB.QueryRow(`SELECT COUNT(*) FROM positions WHERE list=? AND lat=? AND lon=?;`, list, pos.Lat, pos.Lon).Scan(&n); err != nil {
		return false, err
	}
	if n > 0 {
		return false, nil
	}
	_, err := s.DB.Exec(`INSERT INTO positions (list, name, lat, lon) VALUES (?, ?, ?, ?);`, list, pos.Name, pos.Lat, pos.Lon)
	return err == nil, err
}
