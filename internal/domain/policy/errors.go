package policy

import "errors"

var (
	// ErrBucketNotFound is returned when an operation names a bucket that
	// does not exist in the database.
	ErrBucketNotFound = errors.New("policy: bucket not found")
	// ErrRootBucketInvalidDefault is returned when the root bucket's
	// default result type is NONE, which §3 forbids.
	ErrRootBucketInvalidDefault = errors.New("policy: root bucket default must not be NONE")
	// ErrCannotRemoveRoot is returned when an admin attempts to remove the
	// root bucket.
	ErrCannotRemoveRoot = errors.New("policy: root bucket cannot be removed")
	// ErrDanglingBucketLink is returned when set_policies would introduce a
	// BUCKET policy pointing at a bucket that does not exist.
	ErrDanglingBucketLink = errors.New("policy: BUCKET result names a nonexistent bucket")
	// ErrPluginNotRegistered is returned when a policy names a plugin type
	// with no registered plugin.
	ErrPluginNotRegistered = errors.New("policy: plugin type not registered")
	// ErrResultMetadataNotEmpty is returned when a DENY or ALLOW result
	// carries non-empty metadata.
	ErrResultMetadataNotEmpty = errors.New("policy: DENY/ALLOW metadata must be empty")
	// ErrDeleteNotStorable is returned when a caller attempts to store a
	// policy whose result type is DELETE; DELETE is an admin-only marker,
	// never a stored value (§3).
	ErrDeleteNotStorable = errors.New("policy: DELETE is not a storable result type")
)
