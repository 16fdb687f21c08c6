// Package storage opens and owns the embedded bbolt database backing the
// coordinator: one file per repository, one bucket per table. It performs no
// domain logic of its own — callers (pkg/queue and pkg/registry, which run
// transactions through it, and pkg/recovery, which opens it) are
// responsible for transaction boundaries and schema semantics.
package storage

import (
	"fmt"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

// Bucket names, one per table in the store schema, plus three
// implementation-detail indexes (workspace, dedupe key, stack children) that
// keep pkg/queue's lookups and get_children off a full-table scan without
// changing any externally visible table shape.
var (
	BucketSchemaVersion  = []byte("schema_version")
	BucketQueueEntries   = []byte("queue_entries")
	BucketQueueEvents    = []byte("queue_events")
	BucketProcessingLock = []byte("processing_lock")
	BucketWorkspaces     = []byte("workspaces")
	BucketAgents         = []byte("agents")

	BucketWorkspaceIndex = []byte("idx_workspace")
	BucketDedupeIndex    = []byte("idx_dedupe")
	BucketChildrenIndex  = []byte("idx_children")
)

var allBuckets = [][]byte{
	BucketSchemaVersion,
	BucketQueueEntries,
	BucketQueueEvents,
	BucketProcessingLock,
	BucketWorkspaces,
	BucketAgents,
	BucketWorkspaceIndex,
	BucketDedupeIndex,
	BucketChildrenIndex,
}

// SchemaVersion is the single supported schema version. A mismatch on open
// is fatal; there is no in-place migration in the core.
const SchemaVersion = 1

var schemaVersionKey = []byte("version")

// DBFileName is the fixed file name for the embedded store within a
// repository's state directory.
const DBFileName = "state.db"

// Store owns the bbolt handle.
type Store struct {
	db   *bolt.DB
	path string
}

// ErrSchemaMismatch is returned by Open when an existing store's
// schema_version row does not equal SchemaVersion.
type ErrSchemaMismatch struct {
	Found int
	Want  int
}

func (e *ErrSchemaMismatch) Error() string {
	return fmt.Sprintf("schema version mismatch: found %d, want %d", e.Found, e.Want)
}

// Open opens (creating if absent) the bbolt database at
// filepath.Join(dataDir, DBFileName), ensures every bucket exists, and
// validates/sets the schema_version row. It performs no permission
// pre-flight and no corruption recovery of its own — pkg/recovery wraps
// Open to apply the configured recovery policy.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DBFileName)
	db, err := bolt.Open(dbPath, 0o600, &bolt.Options{Timeout: 0})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return ensureSchemaVersion(tx)
	}); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, path: dbPath}, nil
}

func ensureSchemaVersion(tx *bolt.Tx) error {
	b := tx.Bucket(BucketSchemaVersion)
	existing := b.Get(schemaVersionKey)
	if existing == nil {
		return b.Put(schemaVersionKey, []byte{byte(SchemaVersion)})
	}
	found := int(existing[0])
	if found != SchemaVersion {
		return &ErrSchemaMismatch{Found: found, Want: SchemaVersion}
	}
	return nil
}

// DB returns the underlying bbolt handle. pkg/queue uses this to run its
// multi-bucket transactions and pkg/registry to read and write the agents
// bucket.
func (s *Store) DB() *bolt.DB { return s.db }

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }
