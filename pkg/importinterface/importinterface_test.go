package importinterface

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDetectByContentType(t *testing.T) {
	require.Equal(t, FormatCSV, Detect("text/csv", nil))
	require.Equal(t, FormatJSONLines, Detect("application/x-ndjson", nil))
	require.Equal(t, FormatZip, Detect("application/zip", nil))
}

func TestDetectByLeadingBytes(t *testing.T) {
	require.Equal(t, FormatZip, Detect("", []byte("PK\x03\x04rest")))
	require.Equal(t, FormatJSONArray, Detect("", []byte("  [1,2,3]")))
	require.Equal(t, FormatJSONLines, Detect("", []byte(`{"a":1}`+"\n"+`{"a":2}`)))
	require.Equal(t, FormatCSV, Detect("", []byte("a,b,c\n1,2,3\n")))
	require.Equal(t, FormatUnknown, Detect("", nil))
}

func TestDetectSkipsBOMBeforeSniffingJSON(t *testing.T) {
	data := append(append([]byte{}, utf8BOM...), []byte("[1,2]")...)
	require.Equal(t, FormatJSONArray, Detect("", data))
}

func TestValidateTableNameRejectsNonAllowlistedSystemTables(t *testing.T) {
	require.NoError(t, ValidateTableName("_tables"))
	require.NoError(t, ValidateTableName("_file_storage"))
	require.NoError(t, ValidateTableName("users"))
	require.Error(t, ValidateTableName("_secret_internal"))
}

func TestValidateJSONArrayImportRejectsBOM(t *testing.T) {
	data := append(append([]byte{}, utf8BOM...), []byte("[1]")...)
	require.Error(t, ValidateJSONArrayImport(data))
}

func TestValidateJSONArrayImportRejectsOversized(t *testing.T) {
	data := bytes.Repeat([]byte("a"), MaxJSONArrayBytes+1)
	require.Error(t, ValidateJSONArrayImport(data))
}

func TestValidateJSONArrayImportAcceptsNormalInput(t *testing.T) {
	require.NoError(t, ValidateJSONArrayImport([]byte(`[{"a":1}]`)))
}

func TestValidateJSONLinesLineOnlyChecksFirstLine(t *testing.T) {
	bomLine := append(append([]byte{}, utf8BOM...), []byte(`{"a":1}`)...)
	require.Error(t, ValidateJSONLinesLine(1, bomLine))
	require.NoError(t, ValidateJSONLinesLine(2, bomLine))
}

func TestParseComponentPathStripsComponentsSegments(t *testing.T) {
	path, rest := ParseComponentPath("snapshot/_components/billing/_components/invoicing/", ComponentPath{})
	require.Equal(t, []string{"billing", "invoicing"}, path.Names)
	require.Equal(t, "snapshot/", rest)
}

func TestParseComponentPathAppendsToBase(t *testing.T) {
	base := ComponentPath{Names: []string{"root"}}
	path, rest := ParseComponentPath("_components/child/", base)
	require.Equal(t, []string{"root", "child"}, path.Names)
	require.Equal(t, "", rest)
}

func TestClassifyZipEntryDocuments(t *testing.T) {
	entry, err := ClassifyZipEntry("users/documents.jsonl", ComponentPath{})
	require.NoError(t, err)
	require.Equal(t, ZipEntryDocuments, entry.Kind)
	require.Equal(t, "users", entry.TableName)
}

func TestClassifyZipEntrySkipsDisallowedSystemTable(t *testing.T) {
	entry, err := ClassifyZipEntry("_scheduled_jobs/documents.jsonl", ComponentPath{})
	require.NoError(t, err)
	require.Equal(t, ZipEntryIgnored, entry.Kind)
}

func TestClassifyZipEntryAllowsFileStorageSystemTable(t *testing.T) {
	entry, err := ClassifyZipEntry("_file_storage/documents.jsonl", ComponentPath{})
	require.NoError(t, err)
	require.Equal(t, ZipEntryDocuments, entry.Kind)
	require.Equal(t, "_file_storage", entry.TableName)
}

func TestClassifyZipEntryGeneratedSchema(t *testing.T) {
	entry, err := ClassifyZipEntry("users/generated_schema.jsonl", ComponentPath{})
	require.NoError(t, err)
	require.Equal(t, ZipEntryGeneratedSchema, entry.Kind)
	require.Equal(t, "users", entry.TableName)
}

func TestClassifyZipEntryStorageFile(t *testing.T) {
	entry, err := ClassifyZipEntry("_storage/abc123.png", ComponentPath{})
	require.NoError(t, err)
	require.Equal(t, ZipEntryStorageFile, entry.Kind)
	require.Equal(t, "abc123", entry.StorageID)
}

func TestClassifyZipEntryIgnoresStorageDocumentsMarker(t *testing.T) {
	entry, err := ClassifyZipEntry("_storage/documents.jsonl", ComponentPath{})
	require.NoError(t, err)
	require.Equal(t, ZipEntryIgnored, entry.Kind)
}

func TestClassifyZipEntryWithComponentPrefix(t *testing.T) {
	entry, err := ClassifyZipEntry("_components/billing/invoices/documents.jsonl", ComponentPath{})
	require.NoError(t, err)
	require.Equal(t, ZipEntryDocuments, entry.Kind)
	require.Equal(t, []string{"billing"}, entry.ComponentPath.Names)
	require.Equal(t, "invoices", entry.TableName)
}

func TestClassifyZipEntryUnrelatedPathIsIgnored(t *testing.T) {
	entry, err := ClassifyZipEntry("README.md", ComponentPath{})
	require.NoError(t, err)
	require.Equal(t, ZipEntryIgnored, entry.Kind)
}
