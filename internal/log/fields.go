// SPDX-License-Identifier: MIT

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldItemID    = "item_id"
	FieldRequestID = "request_id"
	FieldJobID     = "job_id"
	FieldEncoderID = "encoder_id"
	FieldTMDBID    = "tmdb_id"

	// Process / pipeline fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldStep      = "step"
	FieldService   = "service"
	FieldAttempts  = "attempts"

	// State fields
	FieldOldState  = "old_state"
	FieldNewState  = "new_state"
	FieldStatus    = "status"
	FieldErrorType = "error_type"

	// Fleet fields
	FieldGPUDevice = "gpu_device"
	FieldHostname  = "hostname"
	FieldProgress  = "progress"
	FieldRemote    = "remote_addr"

	// Path fields
	FieldInputPath  = "input_path"
	FieldOutputPath = "output_path"
)
