package sync

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/cuemby/docbase/pkg/values"
)

// ResultHash is the digest of a query's last-sent result (or the
// error it failed with) plus its log lines, used to deduplicate
// transitions for queries whose output hasn't actually changed.
type ResultHash struct {
	Digest  [32]byte
	IsError bool
}

// HashResult hashes a successful query result, per udf_result_sha256.
func HashResult(value values.Value, logLines []string) ResultHash {
	h := sha256.New()
	h.Write(values.EncodeIndexKey([]values.Value{value}))
	hashLogLines(h, logLines)
	var out ResultHash
	copy(out.Digest[:], h.Sum(nil))
	return out
}

// HashError hashes a failed query's error message and log lines.
func HashError(message string, logLines []string) ResultHash {
	h := sha256.New()
	writeLengthPrefixed(h, []byte(message))
	hashLogLines(h, logLines)
	var out ResultHash
	copy(out.Digest[:], h.Sum(nil))
	return ResultHash{Digest: out.Digest, IsError: true}
}

// hashLogLines writes each line's length before its contents, so a
// sequence of log lines that differ only in where they're split never
// collides with a sequence that concatenates the same bytes
// differently. Ported verbatim from hash_log_lines in state.rs.
func hashLogLines(h interface{ Write([]byte) (int, error) }, logLines []string) {
	for _, line := range logLines {
		writeLengthPrefixed(h, []byte(line))
	}
}

func writeLengthPrefixed(h interface{ Write([]byte) (int, error) }, b []byte) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(len(b)))
	h.Write(buf[:])
	h.Write(b)
}
