// Package fault defines the stable error codes recorded in the device error
// log. Codes are grouped by stage: 21xx for ingestion, 22xx for assembly and
// finalization. Device-reported capture errors keep the device's own code.
package fault

import "strconv"

// Code is a numeric error-log code.
type Code int

const (
	AnnouncementFailed  Code = 2100
	ParseFailed         Code = 2101
	ChunkPayloadMissing Code = 2102
	ChunkDecodeFailed   Code = 2103
	ChunkOutOfRange     Code = 2104

	FinalizeFailed     Code = 2200
	AssemblyTimeout    Code = 2201
	SizeMismatch       Code = 2202
	MarkerMismatch     Code = 2203
	UploadFailed       Code = 2204
	RecordUpdateFailed Code = 2205
	RegistryEvicted    Code = 2206
)

// Severity is the error-log severity column.
type Severity string

const (
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "error"
)

// Message returns the short machine-readable message stored with the code.
func (c Code) Message() string {
	switch c {
	case AnnouncementFailed:
		return "metadata_processing_failed"
	case ParseFailed:
		return "data_parse_error"
	case ChunkPayloadMissing:
		return "chunk_missing_payload"
	case ChunkDecodeFailed:
		return "chunk_b64_decode_error"
	case ChunkOutOfRange:
		return "chunk_index_out_of_range"
	case FinalizeFailed:
		return "finalization_failed"
	case AssemblyTimeout:
		return "assembly_timeout"
	case SizeMismatch:
		return "size_mismatch"
	case MarkerMismatch:
		return "invalid_jpeg_signature"
	case UploadFailed:
		return "storage_upload_failed"
	case RecordUpdateFailed:
		return "capture_update_failed"
	case RegistryEvicted:
		return "assembly_evicted"
	default:
		return "device_reported_error"
	}
}

// Severity returns the severity the code is logged with.
func (c Code) Severity() Severity {
	switch c {
	case ChunkPayloadMissing, SizeMismatch, MarkerMismatch:
		return SeverityWarn
	default:
		return SeverityError
	}
}

// Fatal reports whether the code aborts a finalization attempt.
func (c Code) Fatal() bool {
	switch c {
	case FinalizeFailed, UploadFailed, RecordUpdateFailed:
		return true
	default:
		return false
	}
}

func (c Code) String() string {
	return strconv.Itoa(int(c)) + ":" + c.Message()
}
