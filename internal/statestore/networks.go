package statestore

import (
	"database/sql"
	"encoding/json"
	"time"
)

// Network is the persistent record for one Docker-semantics network.
type Network struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Driver    string            `json:"driver"`
	Subnet    string            `json:"subnet"`
	Gateway   string            `json:"gateway"`
	Options   map[string]string `json:"options"`
	Labels    map[string]string `json:"labels"`
	IsDefault bool              `json:"is_default"`
	CreatedAt time.Time         `json:"created_at"`
}

// SaveNetwork inserts or replaces a network record.
func (d *DB) SaveNetwork(n *Network) error {
	optsJSON, _ := json.Marshal(n.Options)
	labelsJSON, _ := json.Marshal(n.Labels)

	_, err := d.db.Exec(`
		INSERT INTO networks (id, name, driver, subnet, gateway, options, labels, is_default, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			driver = excluded.driver,
			subnet = excluded.subnet,
			gateway = excluded.gateway,
			options = excluded.options,
			labels = excluded.labels,
			is_default = excluded.is_default
	`, n.ID, n.Name, n.Driver, n.Subnet, n.Gateway, string(optsJSON), string(labelsJSON),
		boolToInt(n.IsDefault), n.CreatedAt.Format(time.RFC3339))
	return err
}

// GetNetwork retrieves a network by id.
func (d *DB) GetNetwork(id string) (*Network, error) {
	row := d.db.QueryRow(networkSelect+` WHERE id = ?`, id)
	n, err := scanNetwork(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return n, err
}

// GetNetworkByName retrieves a network by name.
func (d *DB) GetNetworkByName(name string) (*Network, error) {
	row := d.db.QueryRow(networkSelect+` WHERE name = ?`, name)
	n, err := scanNetwork(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return n, err
}

// ListNetworks returns every persisted network.
func (d *DB) ListNetworks() ([]*Network, error) {
	rows, err := d.db.Query(networkSelect + ` ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Network
	for rows.Next() {
		var n Network
		var optsJSON, labelsJSON, createdStr string
		var isDefault int
		if err := rows.Scan(&n.ID, &n.Name, &n.Driver, &n.Subnet, &n.Gateway, &optsJSON, &labelsJSON,
			&isDefault, &createdStr); err != nil {
			return nil, err
		}
		json.Unmarshal([]byte(optsJSON), &n.Options)
		json.Unmarshal([]byte(labelsJSON), &n.Labels)
		n.CreatedAt, _ = time.Parse(time.RFC3339, createdStr)
		n.IsDefault = isDefault != 0
		out = append(out, &n)
	}
	return out, rows.Err()
}

// DeleteNetwork removes a network record.
func (d *DB) DeleteNetwork(id string) error {
	_, err := d.db.Exec(`DELETE FROM networks WHERE id = ?`, id)
	return err
}

const networkSelect = `
	SELECT id, name, driver, subnet, gateway, options, labels, is_default, created_at
	FROM networks`

func scanNetwork(row *sql.Row) (*Network, error) {
	var n Network
	var optsJSON, labelsJSON, createdStr string
	var isDefault int
	err := row.Scan(&n.ID, &n.Name, &n.Driver, &n.Subnet, &n.Gateway, &optsJSON, &labelsJSON,
		&isDefault, &createdStr)
	if err != nil {
		return nil, err
	}
	json.Unmarshal([]byte(optsJSON), &n.Options)
	json.Unmarshal([]byte(labelsJSON), &n.Labels)
	n.CreatedAt, _ = time.Parse(time.RFC3339, createdStr)
	n.IsDefault = isDefault != 0
	return &n, nil
}
