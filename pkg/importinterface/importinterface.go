// Package importinterface is the Snapshot Import boundary: sniffing
// an uploaded blob's format, walking a component/table/storage path
// layout, and rejecting the inputs spec.md names as invalid, all
// without specifying how a table's documents actually get scheduled
// for ingest once produced. That scheduling (a higher-level ingest
// job consuming Source/StorageFile streams exactly once, in order) is
// explicitly out of scope; this package stops at the interface.
//
// Grounded on
// _examples/original_source/crates/application/src/snapshot_import/parse.rs
// (read in full): ImportFormat's four-way dispatch, the UTF-8 BOM and
// oversized-array rejections, the system-table allowlist, and the
// COMPONENT_NAME_PATTERN / DOCUMENTS_PATTERN / STORAGE_FILE_PATTERN
// path regexes this port reimplements with Go's regexp package
// instead of translating line-for-line.
package importinterface

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/cuemby/docbase/pkg/dberrors"
	"github.com/cuemby/docbase/pkg/txn"
)

// Format identifies the shape of an import blob.
type Format int

const (
	FormatUnknown Format = iota
	FormatCSV
	FormatJSONLines
	FormatJSONArray
	FormatZip
)

func (f Format) String() string {
	switch f {
	case FormatCSV:
		return "csv"
	case FormatJSONLines:
		return "jsonlines"
	case FormatJSONArray:
		return "jsonarray"
	case FormatZip:
		return "zip"
	default:
		return "unknown"
	}
}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}
var zipMagic = []byte{'P', 'K', 0x03, 0x04}

// HasUTF8BOM reports whether data opens with a UTF-8 byte-order mark.
// A BOM-prefixed JSON/JSON-lines import is rejected outright rather
// than silently stripped, matching ImportError::Utf8BomNotSupported.
func HasUTF8BOM(data []byte) bool {
	return bytes.HasPrefix(data, utf8BOM)
}

// MaxJSONArrayBytes bounds a JSON-array import the same way a single
// transaction's user-visible write volume is bounded: a JSON-array
// import materializes the whole array in memory before streaming its
// elements out, so it is held to the same limit as the write path
// that will eventually consume it.
const MaxJSONArrayBytes = txn.DefaultMaxUserWriteBytes

// Detect sniffs an import blob's format from an optional declared
// content type and the blob's leading bytes, mirroring
// parse_import_file's ImportFormat dispatch without requiring a
// caller to have already classified the upload.
func Detect(contentType string, head []byte) Format {
	switch strings.ToLower(strings.TrimSpace(contentType)) {
	case "text/csv":
		return FormatCSV
	case "application/x-ndjson", "application/jsonlines", "application/jsonl":
		return FormatJSONLines
	case "application/zip", "application/x-zip-compressed":
		return FormatZip
	}
	return detectFromBytes(head)
}

func detectFromBytes(head []byte) Format {
	if bytes.HasPrefix(head, zipMagic) {
		return FormatZip
	}
	trimmed := bytes.TrimPrefix(head, utf8BOM)
	trimmed = bytes.TrimLeft(trimmed, " \t\r\n")
	if len(trimmed) == 0 {
		return FormatUnknown
	}
	switch trimmed[0] {
	case '[':
		return FormatJSONArray
	case '{':
		return FormatJSONLines
	}
	if bytes.ContainsRune(firstLine(head), ',') {
		return FormatCSV
	}
	return FormatUnknown
}

func firstLine(data []byte) []byte {
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		return data[:i]
	}
	return data
}

// allowedSystemTables are the only system tables an import is allowed
// to target; every other `_`-prefixed table name is rejected.
var allowedSystemTables = map[string]bool{
	"_tables":       true,
	"_file_storage": true,
}

// ValidateTableName rejects a system table write other than the
// allowlist, matching parse.rs's table_name.is_system() guard on ZIP
// entries.
func ValidateTableName(name string) error {
	if strings.HasPrefix(name, "_") && !allowedSystemTables[name] {
		return dberrors.BadRequest("ImportSystemTableNotAllowed", fmt.Sprintf("cannot import into system table %q", name))
	}
	return nil
}

// ValidateJSONArrayImport checks a whole-blob JSON-array import's
// size and BOM before it is unmarshaled, matching parse_import_file's
// JsonArray arm: the (limit+1)-byte read plus explicit size check
// exists so an oversized upload fails with a clear error rather than
// an unbounded in-memory allocation.
func ValidateJSONArrayImport(data []byte) error {
	if HasUTF8BOM(data) {
		return dberrors.BadRequest("Utf8BomNotSupported", "JSON array import must not start with a UTF-8 BOM")
	}
	if len(data) > MaxJSONArrayBytes {
		return dberrors.BadRequest("JsonArrayTooLarge", fmt.Sprintf("JSON array import is %d bytes, over the %d byte limit", len(data), MaxJSONArrayBytes))
	}
	return nil
}

// ValidateJSONLinesLine checks one line of a JSON-lines import; lineno
// is 1-based, matching the BOM check applying only to the first line.
func ValidateJSONLinesLine(lineno int, line []byte) error {
	if lineno == 1 && HasUTF8BOM(line) {
		return dberrors.BadRequest("Utf8BomNotSupported", "JSON lines import must not start with a UTF-8 BOM")
	}
	return nil
}

// Source streams one table's documents in commit order. Callers
// consume it exactly once, in order; a Source does not support
// re-iteration or random access.
type Source interface {
	// Next returns the next document, io.EOF when exhausted.
	Next(ctx context.Context) (json.RawMessage, error)
	TableName() string
	Close() error
}

// StorageFile streams one `_storage/{id}` blob's bytes.
type StorageFile interface {
	ID() string
	Read(ctx context.Context, p []byte) (int, error)
	Close() error
}

var (
	componentNamePattern   = regexp.MustCompile(`^(.*/)?_components/([^/]+)/$`)
	generatedSchemaPattern = regexp.MustCompile(`^(.*/)?([^/]+)/generated_schema\.jsonl$`)
	documentsPattern       = regexp.MustCompile(`^(.*/)?([^/]+)/documents\.jsonl$`)
	storageFilePattern     = regexp.MustCompile(`(.*/)?_storage/([^/.]+)(?:\.[^/]+)?$`)
)

// ComponentPath is a slash-joined sequence of component names nested
// from the snapshot's root, e.g. "" for the root component or
// "billing/invoicing" for a nested one.
type ComponentPath struct {
	Names []string
}

func (p ComponentPath) String() string {
	return strings.Join(p.Names, "/")
}

// ParseComponentPath strips every trailing `_components/<name>/`
// segment off filename and returns the resulting component path,
// innermost-first in the path but returned outermost-first, matching
// parse_component_path's reverse-then-push accumulation.
func ParseComponentPath(filename string, base ComponentPath) (ComponentPath, string) {
	var names []string
	rest := filename
	for {
		m := componentNamePattern.FindStringSubmatch(rest)
		if m == nil {
			break
		}
		rest = m[1]
		names = append(names, m[2])
	}
	for i, j := 0, len(names)-1; i < j; i, j = i+1, j-1 {
		names[i], names[j] = names[j], names[i]
	}
	path := ComponentPath{Names: append(append([]string{}, base.Names...), names...)}
	return path, rest
}

// MalformedPathError reports a ZIP entry this import cannot place.
type MalformedPathError struct {
	Path string
}

func (e *MalformedPathError) Error() string {
	return fmt.Sprintf("importinterface: malformed zip entry path %q", e.Path)
}

// ZipEntryKind classifies one ZIP archive entry by path shape.
type ZipEntryKind int

const (
	ZipEntryIgnored ZipEntryKind = iota
	ZipEntryDocuments
	ZipEntryGeneratedSchema
	ZipEntryStorageFile
)

// ZipEntry is one classified ZIP archive entry, ready for its
// consumer to open the corresponding stream.
type ZipEntry struct {
	Kind          ZipEntryKind
	ComponentPath ComponentPath
	TableName     string // set for ZipEntryDocuments/ZipEntryGeneratedSchema
	StorageID     string // set for ZipEntryStorageFile
}

// ClassifyZipEntry matches name (a ZIP archive entry's full path)
// against the documents/generated-schema/storage-file patterns a
// snapshot export produces, in that priority order, the same order
// parse_import_file tries them in.
func ClassifyZipEntry(name string, base ComponentPath) (ZipEntry, error) {
	if m := documentsPattern.FindStringSubmatch(name); m != nil {
		table := m[2]
		if ValidateTableName(table) != nil {
			// A disallowed system table inside a ZIP is skipped, not a
			// fatal error for the whole import: parse_import_file logs
			// and continues past these entries rather than bailing.
			return ZipEntry{Kind: ZipEntryIgnored}, nil
		}
		path, prefix := ParseComponentPath(m[1], base)
		if prefix != "" {
			return ZipEntry{}, &MalformedPathError{Path: name}
		}
		return ZipEntry{Kind: ZipEntryDocuments, ComponentPath: path, TableName: table}, nil
	}
	if m := generatedSchemaPattern.FindStringSubmatch(name); m != nil {
		path, prefix := ParseComponentPath(m[1], base)
		if prefix != "" {
			return ZipEntry{}, &MalformedPathError{Path: name}
		}
		return ZipEntry{Kind: ZipEntryGeneratedSchema, ComponentPath: path, TableName: m[2]}, nil
	}
	if m := storageFilePattern.FindStringSubmatch(name); m != nil {
		if m[2] == "documents" {
			return ZipEntry{Kind: ZipEntryIgnored}, nil
		}
		path, prefix := ParseComponentPath(m[1], base)
		if prefix != "" {
			return ZipEntry{}, &MalformedPathError{Path: name}
		}
		return ZipEntry{Kind: ZipEntryStorageFile, ComponentPath: path, StorageID: m[2]}, nil
	}
	return ZipEntry{Kind: ZipEntryIgnored}, nil
}
