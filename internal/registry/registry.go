// Package registry mirrors SA database snapshots into rqlite so that the
// service and multicast state of every SA instance can be queried centrally.
package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/rqlite/gorqlite"
	"github.com/rs/zerolog/log"

	"github.com/yuuki/ibsa/internal/subnet"
)

// ServiceRow is a mirrored service record
type ServiceRow struct {
	ID           string
	GID          string
	PKey         uint16
	Name         string
	Lease        uint32
	ModifiedTime uint32
}

// GroupRow is a mirrored multicast group
type GroupRow struct {
	MGID      string
	MLID      uint16
	PKey      uint16
	QKey      uint32
	WellKnown bool
	Members   int
}

// SAMirror writes SA snapshots to rqlite
type SAMirror struct {
	conn *gorqlite.Connection
}

// NewSAMirror connects to rqlite and creates the mirror tables
func NewSAMirror(dbURI string) (*SAMirror, error) {
	log.Info().Str("dbURI", dbURI).Msg("Initializing SA mirror with rqlite")

	conn, err := gorqlite.Open(dbURI)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rqlite: %w", err)
	}

	m := &SAMirror{conn: conn}
	if err := m.initializeSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return m, nil
}

func (m *SAMirror) initializeSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sa_services (
			instance TEXT NOT NULL,
			service_id TEXT NOT NULL,
			gid TEXT NOT NULL,
			pkey INTEGER NOT NULL,
			name TEXT NOT NULL,
			lease INTEGER NOT NULL,
			modified_time INTEGER NOT NULL,
			last_updated TEXT NOT NULL,
			PRIMARY KEY (instance, service_id, gid, pkey)
		)`,
		`CREATE TABLE IF NOT EXISTS sa_mcast_groups (
			instance TEXT NOT NULL,
			mgid TEXT NOT NULL,
			mlid INTEGER NOT NULL,
			pkey INTEGER NOT NULL,
			qkey INTEGER NOT NULL,
			well_known INTEGER NOT NULL,
			members INTEGER NOT NULL,
			last_updated TEXT NOT NULL,
			PRIMARY KEY (instance, mgid)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sa_services_name ON sa_services (name)`,
		`CREATE INDEX IF NOT EXISTS idx_sa_mcast_groups_mlid ON sa_mcast_groups (mlid)`,
	}
	if _, err := m.conn.Write(stmts); err != nil {
		return fmt.Errorf("failed to create mirror tables: %w", err)
	}
	return nil
}

// Close closes the connection
func (m *SAMirror) Close() error {
	if m.conn != nil {
		m.conn.Close()
	}
	return nil
}

// Mirror replaces the rows of instance with the current content of sn. The
// subnet is read under its shared lock; the rows are written in one request.
func (m *SAMirror) Mirror(ctx context.Context, instance string, sn *subnet.Subnet) error {
	services, groups := snapshot(sn)
	stmts := mirrorStatements(instance, services, groups, time.Now().UTC().Format(time.RFC3339))

	if _, err := m.conn.WriteParameterizedContext(ctx, stmts); err != nil {
		return fmt.Errorf("failed to mirror SA database: %w", err)
	}
	log.Debug().
		Str("instance", instance).
		Int("services", len(services)).
		Int("groups", len(groups)).
		Msg("Mirrored SA database")
	return nil
}

func snapshot(sn *subnet.Subnet) ([]ServiceRow, []GroupRow) {
	sn.RLock()
	defer sn.RUnlock()

	var services []ServiceRow
	for _, r := range sn.Services() {
		services = append(services, ServiceRow{
			ID:           fmt.Sprintf("0x%016x", r.ID),
			GID:          r.GID.String(),
			PKey:         r.PKey,
			Name:         r.Name,
			Lease:        r.Lease,
			ModifiedTime: r.ModifiedTime,
		})
	}
	var groups []GroupRow
	for _, g := range sn.Groups() {
		groups = append(groups, GroupRow{
			MGID:      g.Rec.MGID.String(),
			MLID:      g.MLID,
			PKey:      g.Rec.PKey,
			QKey:      g.Rec.QKey,
			WellKnown: g.WellKnown,
			Members:   len(g.Members()),
		})
	}
	return services, groups
}

func mirrorStatements(instance string, services []ServiceRow, groups []GroupRow, now string) []gorqlite.ParameterizedStatement {
	stmts := []gorqlite.ParameterizedStatement{
		{Query: `DELETE FROM sa_services WHERE instance = ?`, Arguments: []interface{}{instance}},
		{Query: `DELETE FROM sa_mcast_groups WHERE instance = ?`, Arguments: []interface{}{instance}},
	}
	for _, s := range services {
		stmts = append(stmts, gorqlite.ParameterizedStatement{
			Query: `INSERT OR REPLACE INTO sa_services
			(instance, service_id, gid, pkey, name, lease, modified_time, last_updated)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			Arguments: []interface{}{instance, s.ID, s.GID, s.PKey, s.Name, s.Lease, s.ModifiedTime, now},
		})
	}
	for _, g := range groups {
		stmts = append(stmts, gorqlite.ParameterizedStatement{
			Query: `INSERT OR REPLACE INTO sa_mcast_groups
			(instance, mgid, mlid, pkey, qkey, well_known, members, last_updated)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			Arguments: []interface{}{instance, g.MGID, g.MLID, g.PKey, g.QKey, b2i(g.WellKnown), g.Members, now},
		})
	}
	return stmts
}

func b2i(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Services lists the mirrored service records of instance
func (m *SAMirror) Services(ctx context.Context, instance string) ([]ServiceRow, error) {
	result, err := m.conn.QueryOneParameterizedContext(ctx, gorqlite.ParameterizedStatement{
		Query: `SELECT service_id, gid, pkey, name, lease, modified_time
		FROM sa_services WHERE instance = ? ORDER BY service_id, gid`,
		Arguments: []interface{}{instance},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query services: %w", err)
	}

	var rows []ServiceRow
	for result.Next() {
		var r ServiceRow
		var pkey, lease, modifiedTime int64
		if err := result.Scan(&r.ID, &r.GID, &pkey, &r.Name, &lease, &modifiedTime); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		r.PKey, r.Lease, r.ModifiedTime = uint16(pkey), uint32(lease), uint32(modifiedTime)
		rows = append(rows, r)
	}
	return rows, nil
}

// Groups lists the mirrored multicast groups of instance
func (m *SAMirror) Groups(ctx context.Context, instance string) ([]GroupRow, error) {
	result, err := m.conn.QueryOneParameterizedContext(ctx, gorqlite.ParameterizedStatement{
		Query: `SELECT mgid, mlid, pkey, qkey, well_known, members
		FROM sa_mcast_groups WHERE instance = ? ORDER BY mlid`,
		Arguments: []interface{}{instance},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query multicast groups: %w", err)
	}

	var rows []GroupRow
	for result.Next() {
		var g GroupRow
		var mlid, pkey, qkey, wk, members int64
		if err := result.Scan(&g.MGID, &mlid, &pkey, &qkey, &wk, &members); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		g.MLID, g.PKey, g.QKey, g.WellKnown, g.Members = uint16(mlid), uint16(pkey), uint32(qkey), wk != 0, int(members)
		rows = append(rows, g)
	}
	return rows, nil
}

// CleanupStaleInstances removes rows of instances that have not mirrored
// for longer than maxAge
func (m *SAMirror) CleanupStaleInstances(ctx context.Context, maxAge time.Duration) error {
	cutoff := time.Now().UTC().Add(-maxAge).Format(time.RFC3339)
	results, err := m.conn.WriteParameterizedContext(ctx, []gorqlite.ParameterizedStatement{
		{Query: `DELETE FROM sa_services WHERE last_updated < ?`, Arguments: []interface{}{cutoff}},
		{Query: `DELETE FROM sa_mcast_groups WHERE last_updated < ?`, Arguments: []interface{}{cutoff}},
	})
	if err != nil {
		return fmt.Errorf("failed to cleanup stale entries: %w", err)
	}

	var removed int64
	for _, r := range results {
		removed += r.RowsAffected
	}
	log.Info().Int64("removed", removed).Msg("Cleaned up stale SA mirror entries")
	return nil
}
