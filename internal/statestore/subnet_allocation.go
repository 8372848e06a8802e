package statestore

import "fmt"

// NextAutoSubnetOctet atomically claims and advances the monotonic counter
// tracking the next free third octet in the 172.x.0.0/16 auto-range
// (172.18 through 172.31; 172.17 is the fixed default bridge). The value
// returned keeps climbing past 31 and is never wrapped; callers treat a
// value above 31 as an exhausted range, and also check the used set
// returned by GetUsedSubnets, since an octet can already be taken by a
// network created with an explicit 172.x subnet.
func (d *DB) NextAutoSubnetOctet() (int, error) {
	tx, err := d.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var octet int
	if err := tx.QueryRow(`SELECT next_octet FROM subnet_allocation WHERE id = 1`).Scan(&octet); err != nil {
		return 0, err
	}
	if _, err := tx.Exec(`UPDATE subnet_allocation SET next_octet = next_octet + 1 WHERE id = 1`); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return octet, nil
}

// GetUsedSubnets returns the set of third octets already claimed by a
// persisted 172.x.0.0/16 network, used to skip taken slots during
// auto-allocation. Explicit subnet requests are checked for overlap
// against ListNetworks instead.
func (d *DB) GetUsedSubnets() (map[int]bool, error) {
	rows, err := d.db.Query(`SELECT subnet FROM networks WHERE subnet LIKE '172.%.0.0/16'`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	used := make(map[int]bool)
	for rows.Next() {
		var subnet string
		if err := rows.Scan(&subnet); err != nil {
			return nil, err
		}
		var octet int
		if _, err := fmt.Sscanf(subnet, "172.%d.0.0/16", &octet); err == nil {
			used[octet] = true
		}
	}
	return used, rows.Err()
}
