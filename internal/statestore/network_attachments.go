package statestore

import "database/sql"

// Attachment is the persistent record binding one container to one network.
type Attachment struct {
	ContainerID     string `json:"container_id"`
	NetworkID       string `json:"network_id"`
	DeviceName      string `json:"device_name"`
	IPv4            string `json:"ipv4"`
	MAC             string `json:"mac"`
	HostVsockPort   int    `json:"host_vsock_port"`
	HelperVsockPort int    `json:"helper_vsock_port"`
}

// SaveAttachment inserts or replaces an attachment record.
func (d *DB) SaveAttachment(a *Attachment) error {
	_, err := d.db.Exec(`
		INSERT INTO network_attachments (container_id, network_id, device_name, ipv4, mac, host_vsock_port, helper_vsock_port)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(container_id, network_id) DO UPDATE SET
			device_name = excluded.device_name,
			ipv4 = excluded.ipv4,
			mac = excluded.mac,
			host_vsock_port = excluded.host_vsock_port,
			helper_vsock_port = excluded.helper_vsock_port
	`, a.ContainerID, a.NetworkID, a.DeviceName, a.IPv4, a.MAC, a.HostVsockPort, a.HelperVsockPort)
	return err
}

// GetAttachment retrieves one attachment by (containerID, networkID).
func (d *DB) GetAttachment(containerID, networkID string) (*Attachment, error) {
	row := d.db.QueryRow(attachmentSelect+` WHERE container_id = ? AND network_id = ?`, containerID, networkID)
	a, err := scanAttachment(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return a, err
}

// ListAttachmentsForContainer returns every network this container is attached to.
func (d *DB) ListAttachmentsForContainer(containerID string) ([]*Attachment, error) {
	return d.queryAttachments(attachmentSelect+` WHERE container_id = ? ORDER BY device_name ASC`, containerID)
}

// ListAttachmentsForNetwork returns every container attached to this network.
func (d *DB) ListAttachmentsForNetwork(networkID string) ([]*Attachment, error) {
	return d.queryAttachments(attachmentSelect+` WHERE network_id = ?`, networkID)
}

// ListAttachments returns every attachment record. The startup IPAM
// replay does not use it; it lists attachments per network through
// ListAttachmentsForNetwork.
func (d *DB) ListAttachments() ([]*Attachment, error) {
	return d.queryAttachments(attachmentSelect)
}

// DeleteAttachment removes one attachment record.
func (d *DB) DeleteAttachment(containerID, networkID string) error {
	_, err := d.db.Exec(`DELETE FROM network_attachments WHERE container_id = ? AND network_id = ?`,
		containerID, networkID)
	return err
}

const attachmentSelect = `
	SELECT container_id, network_id, device_name, ipv4, mac, host_vsock_port, helper_vsock_port
	FROM network_attachments`

func (d *DB) queryAttachments(query string, args ...interface{}) ([]*Attachment, error) {
	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Attachment
	for rows.Next() {
		var a Attachment
		if err := rows.Scan(&a.ContainerID, &a.NetworkID, &a.DeviceName, &a.IPv4, &a.MAC,
			&a.HostVsockPort, &a.HelperVsockPort); err != nil {
			return nil, err
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

func scanAttachment(row *sql.Row) (*Attachment, error) {
	var a Attachment
	err := row.Scan(&a.ContainerID, &a.NetworkID, &a.DeviceName, &a.IPv4, &a.MAC,
		&a.HostVsockPort, &a.HelperVsockPort)
	if err != nil {
		return nil, err
	}
	return &a, nil
}
