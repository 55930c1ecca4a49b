// Package checksum computes and compares the content hashes used by the
// diff engine's equality predicate and the executor's verify-after-copy
// step (spec.md §4.5, §4.6, §6).
package checksum

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"

	"github.com/mergefs/vfsd/internal/model"
)

// Algorithm names recognized by sync_engine.checksum_algorithm.
const (
	MD5     = "md5"
	SHA256  = "sha256"
	XXHash64 = "xxhash64"
)

// newHasher returns the hash.Hash for a configured algorithm name.
func newHasher(algorithm string) (hash.Hash, error) {
	switch algorithm {
	case MD5:
		return md5.New(), nil
	case SHA256:
		return sha256.New(), nil
	case XXHash64:
		return xxhash.New(), nil
	default:
		return nil, errors.Errorf("unknown checksum algorithm %q", algorithm)
	}
}

// Of streams r through the configured algorithm and returns the resulting
// Checksum, lower-cased hex per spec.md's case-insensitive-hex comparison
// rule.
func Of(algorithm string, r io.Reader) (*model.Checksum, error) {
	h, err := newHasher(algorithm)
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(h, r); err != nil {
		return nil, errors.Wrap(err, "hashing content")
	}
	return &model.Checksum{
		Algorithm: algorithm,
		Hex:       hex.EncodeToString(h.Sum(nil)),
	}, nil
}

// OfFile is a convenience wrapper around Of for a path on disk.
func OfFile(algorithm, path string) (*model.Checksum, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s for checksum", path)
	}
	defer f.Close()
	return Of(algorithm, f)
}

// Equal compares two checksums case-insensitively, per spec.md §4.5's
// "case-insensitive hex" equality rule. Checksums of different algorithms
// are never considered equal.
func Equal(a, b *model.Checksum) bool {
	if a == nil || b == nil {
		return false
	}
	if a.Algorithm != b.Algorithm {
		return false
	}
	return strings.EqualFold(a.Hex, b.Hex)
}

// String renders a checksum as "algorithm:hex" for logs and audit events.
func String(c *model.Checksum) string {
	if c == nil {
		return "none"
	}
	return fmt.Sprintf("%s:%s", c.Algorithm, c.Hex)
}
