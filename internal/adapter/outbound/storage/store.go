package storage

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/policyd/policyd/internal/domain/policy"
)

const (
	bucketIndexFile = "buckets"
	checksumFile    = "checksum"
	guardFile       = "guard"
	stagedSuffix    = "~"
)

// FileStore persists a policy.Database under a single directory in the
// layout described by §6: db/buckets, db/_, db/_<id>, db/checksum,
// db/guard. dir is that directory itself (callers join their data
// directory with "db").
//
// Uses an in-process mutex plus a cross-process flock, atomic
// tmp-write-fsync-rename per file, generalized from a single state file
// to the multi-file bucket/policy/checksum set with a guard file
// selecting which generation is authoritative after a crash (§6 "Crash
// model").
type FileStore struct {
	dir    string
	mu     sync.Mutex
	logger *slog.Logger

	// saveTotal and loadFailures may be nil, in which case Save/Load skip
	// recording. Plain prometheus.Counter rather than *service.Metrics so
	// this package does not have to import the service layer that wires
	// storage and dispatch together.
	saveTotal    prometheus.Counter
	loadFailures prometheus.Counter
}

// NewFileStore returns a FileStore rooted at dir, creating it if absent.
// saveTotal and loadFailures are optional Prometheus counters (pass nil to
// skip); callers typically hand in service.Metrics.StorageSaveTotal and
// service.Metrics.StorageLoadFailures.
func NewFileStore(dir string, logger *slog.Logger, saveTotal, loadFailures prometheus.Counter) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("storage: create database directory: %w", err)
	}
	return &FileStore{dir: dir, logger: logger, saveTotal: saveTotal, loadFailures: loadFailures}, nil
}

func (s *FileStore) path(name string) string { return filepath.Join(s.dir, name) }

// Load reads the database from disk. When a guard file is present (a Save
// was interrupted), each file is read under its staged "~" name if that
// still exists, and under its primary name if the interrupted Save had
// already renamed it. A checksum mismatch, a malformed record, or a bucket
// index entry whose policy file is missing is reported as ErrCorrupted,
// wrapping a more specific message (§6, §7 band 4: fatal to the
// service). types validates plugin-defined result types found in the
// loaded records.
func (s *FileStore) Load(rootDefault policy.Result, types policy.TypeValidator) (*policy.Database, error) {
	db, err := s.load(rootDefault, types)
	if err != nil && s.loadFailures != nil {
		s.loadFailures.Inc()
	}
	return db, err
}

func (s *FileStore) load(rootDefault policy.Result, types policy.TypeValidator) (*policy.Database, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	useBackup := s.exists(guardFile)
	if useBackup {
		s.logger.Warn("guard file present at startup, loading backup generation", "dir", s.dir)
	}
	suffixFor := func(name string) string {
		if useBackup && s.exists(name+stagedSuffix) {
			return stagedSuffix
		}
		return ""
	}

	if !s.exists(bucketIndexFile + suffixFor(bucketIndexFile)) {
		s.logger.Info("no database on disk, starting empty", "dir", s.dir)
		return policy.NewDatabase(rootDefault), nil
	}

	sums, err := s.readChecksums(suffixFor(checksumFile))
	if err != nil {
		return nil, err
	}

	indexData, err := s.readVerified(bucketIndexFile+suffixFor(bucketIndexFile), sums)
	if err != nil {
		return nil, err
	}
	ids, defaults, err := decodeBucketIndex(indexData)
	if err != nil {
		return nil, err
	}

	db := policy.NewDatabase(rootDefault)
	if def, ok := defaults[policy.RootBucketID]; ok {
		if err := db.InsertOrUpdateBucket(policy.RootBucketID, def, types); err != nil {
			return nil, fmt.Errorf("%w: root bucket default: %v", ErrCorrupted, err)
		}
	}
	for _, id := range ids {
		if id == policy.RootBucketID {
			continue
		}
		if err := db.InsertOrUpdateBucket(id, defaults[id], types); err != nil {
			return nil, fmt.Errorf("%w: bucket %q: %v", ErrCorrupted, id, err)
		}
	}

	upsert := make(map[string][]policy.Policy, len(ids)+1)
	for _, id := range append([]string{policy.RootBucketID}, ids...) {
		name := policyFileName(id) + suffixFor(policyFileName(id))
		if !s.exists(name) {
			if id == policy.RootBucketID {
				continue
			}
			return nil, fmt.Errorf("%w: bucket %q referenced by index but its policy file is missing", ErrCorrupted, id)
		}
		data, err := s.readVerified(name, sums)
		if err != nil {
			return nil, err
		}
		policies, err := decodePolicies(data)
		if err != nil {
			return nil, err
		}
		upsert[id] = policies
	}
	if err := db.SetPolicies(policy.SetPoliciesRequest{Upsert: upsert}, types); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}

	return db, nil
}

func (s *FileStore) exists(name string) bool {
	_, err := os.Stat(s.path(name))
	return err == nil
}

func (s *FileStore) readChecksums(suffix string) (map[string]string, error) {
	data, err := os.ReadFile(s.path(checksumFile + suffix))
	if err != nil {
		return nil, fmt.Errorf("%w: read checksum file: %v", ErrCorrupted, err)
	}
	return decodeChecksums(data)
}

// readVerified reads name and checks its digest against sums, failing
// as ErrCorrupted on mismatch or a missing checksum entry (§6 "Checksum
// mismatch is fatal for that file").
func (s *FileStore) readVerified(name string, sums map[string]string) ([]byte, error) {
	data, err := os.ReadFile(s.path(name))
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrCorrupted, name, err)
	}
	// Checksum records are keyed by the primary (unsuffixed) filename even
	// when verifying the staged generation, since checksum~ was computed
	// against the same staged bytes before the rename that would have
	// dropped the suffix.
	primaryName := strings.TrimSuffix(name, stagedSuffix)
	want, ok := sums[primaryName]
	if !ok {
		return nil, fmt.Errorf("%w: no checksum recorded for %s", ErrCorrupted, name)
	}
	if got := digest(data); got != want {
		return nil, fmt.Errorf("%w: checksum mismatch for %s", ErrCorrupted, name)
	}
	return data, nil
}

// Save persists db to disk following §6's crash-safe swap: every file is
// written with a "~" suffix and fsynced, then checksum~ is written and
// fsynced, then a zero-byte guard file is created and fsynced, then each
// "~" file (including checksum~) is renamed over its primary, the
// directory is fsynced, and finally the guard is removed and the
// directory fsynced again. A crash after guard creation and before guard
// removal leaves each file of the new generation either still under its
// "~" name or already renamed over its primary, and Load reads each from
// whichever name holds it; a crash before guard creation leaves no guard,
// so Load uses the previous primaries; after guard removal, the primaries
// hold the new generation and are used directly.
func (s *FileStore) Save(db *policy.Database) error {
	if err := s.save(db); err != nil {
		return err
	}
	if s.saveTotal != nil {
		s.saveTotal.Inc()
	}
	return nil
}

func (s *FileStore) save(db *policy.Database) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lockFile, err := os.OpenFile(s.path(".lock"), os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("%w: open lock file: %v", ErrLocked, err)
	}
	defer func() { _ = lockFile.Close() }()
	if err := flockLock(lockFile.Fd()); err != nil {
		return fmt.Errorf("%w: %v", ErrLocked, err)
	}
	defer flockUnlock(lockFile.Fd()) //nolint:errcheck

	ids := db.BucketIDs()
	files := make(map[string][]byte, len(ids)+2)

	defaults := make(map[string]policy.Result, len(ids))
	for _, id := range ids {
		b := db.Bucket(id)
		defaults[id] = b.Default
		files[policyFileName(id)] = encodePolicies(b.Policies())
	}
	files[bucketIndexFile] = encodeBucketIndex(ids, defaults)

	sums := make(map[string]string, len(files))
	order := make([]string, 0, len(files))
	for name, data := range files {
		sums[name] = digest(data)
		order = append(order, name)
	}
	files[checksumFile] = encodeChecksums(order, sums)

	staged := make([]string, 0, len(files)+1)
	for name, data := range files {
		if name == checksumFile {
			continue
		}
		stagedName := name + stagedSuffix
		if err := s.writeFileFsync(stagedName, data); err != nil {
			s.cleanupStaged(staged, stagedName)
			return err
		}
		staged = append(staged, stagedName)
	}
	checksumStaged := checksumFile + stagedSuffix
	if err := s.writeFileFsync(checksumStaged, files[checksumFile]); err != nil {
		s.cleanupStaged(staged, checksumStaged)
		return err
	}
	staged = append(staged, checksumStaged)

	guardPath := s.path(guardFile)
	guard, err := os.OpenFile(guardPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		s.cleanupStaged(staged, "")
		return fmt.Errorf("storage: create guard file: %w", err)
	}
	if err := guard.Sync(); err != nil {
		_ = guard.Close()
		s.cleanupStaged(staged, "")
		return fmt.Errorf("storage: fsync guard file: %w", err)
	}
	if err := guard.Close(); err != nil {
		s.cleanupStaged(staged, "")
		return fmt.Errorf("storage: close guard file: %w", err)
	}

	for name := range files {
		if err := os.Rename(s.path(name+stagedSuffix), s.path(name)); err != nil {
			return fmt.Errorf("storage: rename %s over primary: %w", name, err)
		}
	}
	if err := s.fsyncDir(); err != nil {
		return err
	}

	if err := os.Remove(guardPath); err != nil {
		return fmt.Errorf("storage: remove guard file: %w", err)
	}
	if err := s.fsyncDir(); err != nil {
		return err
	}

	s.logger.Debug("database saved", "dir", s.dir, "buckets", len(ids))
	return nil
}

func (s *FileStore) writeFileFsync(name string, data []byte) error {
	f, err := os.OpenFile(s.path(name), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("storage: create %s: %w", name, err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("storage: write %s: %w", name, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("storage: fsync %s: %w", name, err)
	}
	return f.Close()
}

func (s *FileStore) cleanupStaged(staged []string, lastAttempted string) {
	for _, name := range staged {
		_ = os.Remove(s.path(name))
	}
	if lastAttempted != "" {
		_ = os.Remove(s.path(lastAttempted))
	}
}

func (s *FileStore) fsyncDir() error {
	d, err := os.Open(s.dir)
	if err != nil {
		return fmt.Errorf("storage: open database directory: %w", err)
	}
	defer func() { _ = d.Close() }()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("storage: fsync database directory: %w", err)
	}
	return nil
}
