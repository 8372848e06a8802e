package statestore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Container is the persistent record backing one ContainerManager entry.
type Container struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	Image          string            `json:"image"`
	Command        []string          `json:"command"`
	Env            map[string]string `json:"env"`
	Labels         map[string]string `json:"labels"`
	Binds          []string          `json:"binds"`
	RestartPolicy  string            `json:"restart_policy"`
	NetworkMode    string            `json:"network_mode"`
	Phase          string            `json:"phase"`
	ExitCode       *int              `json:"exit_code,omitempty"`
	StoppedByUser  bool              `json:"stopped_by_user"`
	RestartCount   int               `json:"restart_count"`
	MemoryMB       int               `json:"memory_mb"`
	VCPUs          int               `json:"vcpus"`
	CreatedAt      time.Time         `json:"created_at"`
}

// Internal reports whether this container carries the reserved
// internal=true label (the helper VM and any future reserved containers).
func (c *Container) Internal() bool {
	return c.Labels["internal"] == "true"
}

// SaveContainer inserts or replaces a container record.
func (d *DB) SaveContainer(c *Container) error {
	cmdJSON, _ := json.Marshal(c.Command)
	envJSON, _ := json.Marshal(c.Env)
	labelsJSON, _ := json.Marshal(c.Labels)
	bindsJSON, _ := json.Marshal(c.Binds)

	_, err := d.db.Exec(`
		INSERT INTO containers (id, name, image, command, env, labels, binds, restart_policy, network_mode,
			phase, exit_code, stopped_by_user, restart_count, memory_mb, vcpus, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			image = excluded.image,
			command = excluded.command,
			env = excluded.env,
			labels = excluded.labels,
			binds = excluded.binds,
			restart_policy = excluded.restart_policy,
			network_mode = excluded.network_mode,
			phase = excluded.phase,
			exit_code = excluded.exit_code,
			stopped_by_user = excluded.stopped_by_user,
			restart_count = excluded.restart_count,
			memory_mb = excluded.memory_mb,
			vcpus = excluded.vcpus
	`, c.ID, c.Name, c.Image, string(cmdJSON), string(envJSON), string(labelsJSON), string(bindsJSON),
		c.RestartPolicy, c.NetworkMode, c.Phase, nullableInt(c.ExitCode), boolToInt(c.StoppedByUser),
		c.RestartCount, c.MemoryMB, c.VCPUs, c.CreatedAt.Format(time.RFC3339))
	return err
}

// GetContainer retrieves a container by id.
func (d *DB) GetContainer(id string) (*Container, error) {
	row := d.db.QueryRow(containerSelect+` WHERE id = ?`, id)
	return scanContainer(row)
}

// ListContainers returns every persisted container.
func (d *DB) ListContainers() ([]*Container, error) {
	rows, err := d.db.Query(containerSelect + ` ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Container
	for rows.Next() {
		c, err := scanContainerRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpdatePhase updates a container's phase, exit code, and stopped-by-user
// flag in one transaction — the commit point for exit handling and for
// user-initiated Stop.
func (d *DB) UpdatePhase(id, phase string, exitCode *int, stoppedByUser bool) error {
	res, err := d.db.Exec(`
		UPDATE containers SET phase = ?, exit_code = ?, stopped_by_user = ? WHERE id = ?
	`, phase, nullableInt(exitCode), boolToInt(stoppedByUser), id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("container %s not found", id)
	}
	return nil
}

// IncrementRestartCount bumps the on-failure retry counter.
func (d *DB) IncrementRestartCount(id string) error {
	_, err := d.db.Exec(`UPDATE containers SET restart_count = restart_count + 1 WHERE id = ?`, id)
	return err
}

// DeleteContainer removes a container record.
func (d *DB) DeleteContainer(id string) error {
	_, err := d.db.Exec(`DELETE FROM containers WHERE id = ?`, id)
	return err
}

// GetContainersToRestart returns containers eligible for restart-policy
// reapplication on startup, per the three-way policy rule in spec §4.7.
func (d *DB) GetContainersToRestart(maxOnFailureRetries int) ([]*Container, error) {
	rows, err := d.db.Query(containerSelect+`
		WHERE phase = 'exited' AND (
			restart_policy = 'always'
			OR (restart_policy = 'unless-stopped' AND stopped_by_user = 0)
			OR (restart_policy = 'on-failure' AND exit_code IS NOT NULL AND exit_code != 0 AND restart_count < ?)
		)
		ORDER BY created_at ASC
	`, maxOnFailureRetries)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Container
	for rows.Next() {
		c, err := scanContainerRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

const containerSelect = `
	SELECT id, name, image, command, env, labels, binds, restart_policy, network_mode,
		phase, exit_code, stopped_by_user, restart_count, memory_mb, vcpus, created_at
	FROM containers`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanContainer(row *sql.Row) (*Container, error) {
	c, err := scanRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

func scanContainerRow(rows *sql.Rows) (*Container, error) {
	return scanRow(rows)
}

func scanRow(s rowScanner) (*Container, error) {
	var c Container
	var cmdJSON, envJSON, labelsJSON, bindsJSON, createdStr string
	var exitCode sql.NullInt64
	var stoppedByUser int

	err := s.Scan(&c.ID, &c.Name, &c.Image, &cmdJSON, &envJSON, &labelsJSON, &bindsJSON,
		&c.RestartPolicy, &c.NetworkMode, &c.Phase, &exitCode, &stoppedByUser,
		&c.RestartCount, &c.MemoryMB, &c.VCPUs, &createdStr)
	if err != nil {
		return nil, err
	}

	json.Unmarshal([]byte(cmdJSON), &c.Command)
	json.Unmarshal([]byte(envJSON), &c.Env)
	json.Unmarshal([]byte(labelsJSON), &c.Labels)
	json.Unmarshal([]byte(bindsJSON), &c.Binds)
	c.CreatedAt, _ = time.Parse(time.RFC3339, createdStr)
	c.StoppedByUser = stoppedByUser != 0
	if exitCode.Valid {
		ec := int(exitCode.Int64)
		c.ExitCode = &ec
	}
	return &c, nil
}

func nullableInt(v *int) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
