// Package storage implements the on-disk policy database layout of §6:
// a flat-file, checksum-sealed, crash-safe snapshot of a policy.Database.
package storage

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/policyd/policyd/internal/domain/policy"
)

// encodeBucketIndex renders db/buckets: one "id;0xTYPE;metadata" record
// per bucket, LF-separated (§6).
func encodeBucketIndex(ids []string, defaults map[string]policy.Result) []byte {
	var b strings.Builder
	for _, id := range ids {
		def := defaults[id]
		b.WriteString(id)
		b.WriteByte(';')
		b.WriteString(typeToken(def.Type))
		b.WriteByte(';')
		b.WriteString(def.Metadata)
		b.WriteByte('\n')
	}
	return []byte(b.String())
}

// decodeBucketIndex parses db/buckets into ordered ids and their default
// results.
func decodeBucketIndex(data []byte) (ids []string, defaults map[string]policy.Result, err error) {
	defaults = make(map[string]policy.Result)
	for _, line := range splitLines(data) {
		fields := strings.SplitN(line, ";", 3)
		if len(fields) != 3 {
			return nil, nil, fmt.Errorf("%w: bucket index record %q", ErrCorrupted, line)
		}
		t, terr := tokenToType(fields[1])
		if terr != nil {
			return nil, nil, fmt.Errorf("%w: bucket index record %q: %v", ErrCorrupted, line, terr)
		}
		ids = append(ids, fields[0])
		defaults[fields[0]] = policy.Result{Type: t, Metadata: fields[2]}
	}
	return ids, defaults, nil
}

// encodePolicies renders a bucket's policy file: one
// "client;user;privilege;0xTYPE;metadata" record per policy (§6).
func encodePolicies(policies []policy.Policy) []byte {
	var b strings.Builder
	for _, p := range policies {
		b.WriteString(p.Key.Client.String())
		b.WriteByte(';')
		b.WriteString(p.Key.User.String())
		b.WriteByte(';')
		b.WriteString(p.Key.Privilege.String())
		b.WriteByte(';')
		b.WriteString(typeToken(p.Result.Type))
		b.WriteByte(';')
		b.WriteString(p.Result.Metadata)
		b.WriteByte('\n')
	}
	return []byte(b.String())
}

// decodePolicies parses a bucket's policy file.
func decodePolicies(data []byte) ([]policy.Policy, error) {
	var out []policy.Policy
	for _, line := range splitLines(data) {
		fields := strings.SplitN(line, ";", 5)
		if len(fields) != 5 {
			return nil, fmt.Errorf("%w: policy record %q", ErrCorrupted, line)
		}
		t, err := tokenToType(fields[3])
		if err != nil {
			return nil, fmt.Errorf("%w: policy record %q: %v", ErrCorrupted, line, err)
		}
		key := policy.Key{
			Client:    policy.ParseFeature(fields[0]),
			User:      policy.ParseFeature(fields[1]),
			Privilege: policy.ParseFeature(fields[2]),
		}
		out = append(out, policy.Policy{Key: key, Result: policy.Result{Type: t, Metadata: fields[4]}})
	}
	return out, nil
}

func splitLines(data []byte) []string {
	s := strings.TrimSuffix(string(data), "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

// typeToken renders a policy.Type as the "0xTYPE" hex token used in
// every on-disk record (§6), regardless of whether the type is
// predefined or plugin-defined.
func typeToken(t policy.Type) string {
	return fmt.Sprintf("0x%04X", uint16(t))
}

// tokenToType is typeToken's inverse.
func tokenToType(s string) (policy.Type, error) {
	s = strings.TrimPrefix(s, "0x")
	s = strings.TrimPrefix(s, "0X")
	v, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return 0, err
	}
	return policy.Type(v), nil
}

// policyFileName returns the bucket's policy file name: "_" for root,
// "_<id>" otherwise (§6).
func policyFileName(bucketID string) string {
	if bucketID == policy.RootBucketID {
		return "_"
	}
	return "_" + bucketID
}
