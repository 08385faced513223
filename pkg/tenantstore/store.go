// Package tenantstore owns the relational authorization data: tenants, VM
// membership, per-datastore privileges, the volume usage ledger and the
// schema version. Backed by sqlite through database/sql, whose connection
// pool checks a connection out per call so no connection is ever shared
// mutably across request workers.
package tenantstore

import (
	"database/sql"
	"errors"
	"fmt"
	"os"

	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/hostvol/hostvol/pkg/datastore"
	"github.com/hostvol/hostvol/pkg/log"
	"github.com/hostvol/hostvol/pkg/types"
)

// Schema version expected by this build. A store created by a different
// version is refused at open time; there is no automatic migration.
const (
	SchemaMajor = 1
	SchemaMinor = 2
)

// RemoveVolumeFunc deletes one volume's backing object and metadata. It is
// injected by the wiring layer so tenant removal can cascade to volumes
// without this package depending on the lifecycle controller.
type RemoveVolumeFunc func(tenantID, tenantName, datastoreURL, volName string) error

// Store is the tenant/authorization store. A Store opened against a missing
// file runs in allow-all mode: reads synthesize the default tenant, mutations
// fail with ErrNotInitialized, and authorization short-circuits to permit.
type Store struct {
	db         *sql.DB
	path       string
	configured bool

	datastores   *datastore.Registry
	resolver     *datastore.Resolver
	removeVolume RemoveVolumeFunc

	logger zerolog.Logger
}

// Open connects to the store at path. A missing file is not an error; the
// returned store is in allow-all mode until Init is called.
func Open(path string, registry *datastore.Registry, resolver *datastore.Resolver) (*Store, error) {
	s := &Store{
		path:       path,
		datastores: registry,
		resolver:   resolver,
		logger:     log.WithComponent("tenantstore"),
	}

	if _, err := os.Lstat(path); err != nil {
		if os.IsNotExist(err) {
			s.logger.Info().Str("path", path).Msg("tenant store missing, allowing all access")
			return s, nil
		}
		return nil, fmt.Errorf("failed to stat tenant store %s: %w", path, err)
	}

	if err := s.connect(); err != nil {
		return nil, err
	}
	if err := s.checkVersion(); err != nil {
		s.db.Close()
		return nil, err
	}

	s.configured = true
	return s, nil
}

func (s *Store) connect() error {
	db, err := sql.Open("sqlite3", "file:"+s.path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("failed to open tenant store %s: %w", s.path, err)
	}
	s.db = db
	return nil
}

func (s *Store) checkVersion() error {
	var major, minor int
	err := s.db.QueryRow("SELECT major_ver, minor_ver FROM versions WHERE id = 0").Scan(&major, &minor)
	if err != nil {
		return fmt.Errorf("failed to read schema version from %s: %w", s.path, err)
	}

	if major != SchemaMajor || minor != SchemaMinor {
		return fmt.Errorf("%w: store %s has schema %d.%d, this build expects %d.%d; "+
			"remove the store file and recreate the configuration",
			types.ErrVersionMismatch, s.path, major, minor, SchemaMajor, SchemaMinor)
	}
	return nil
}

// Close closes the database. Safe on an unconfigured store.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Configured reports whether a store has been initialized. False means
// allow-all mode.
func (s *Store) Configured() bool {
	return s.configured
}

// SetRemoveVolumeFunc injects the volume purge callback used by RemoveTenant.
func (s *Store) SetRemoveVolumeFunc(fn RemoveVolumeFunc) {
	s.removeVolume = fn
}

// requireConfigured guards every configuration mutation.
func (s *Store) requireConfigured() error {
	if !s.configured {
		return types.ErrNotInitialized
	}
	return nil
}

// withTx runs fn inside one transaction so a failure mid-sequence never
// leaves a mutation half applied.
func (s *Store) withTx(fn func(*sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func isConstraintViolation(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			serr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
