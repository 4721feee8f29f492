package etsimport

import "errors"

// Sentinel errors for ETS import operations.
var (
	// ErrInvalidFile indicates the file is not a valid ETS export.
	ErrInvalidFile = errors.New("invalid ETS project file")

	// ErrCorruptArchive indicates the ZIP archive is corrupted.
	ErrCorruptArchive = errors.New("corrupt archive")

	// ErrNoGroupAddresses indicates no usable group addresses were found.
	ErrNoGroupAddresses = errors.New("no group addresses found in project")

	// ErrFileTooLarge indicates the file exceeds the size limit.
	ErrFileTooLarge = errors.New("file exceeds maximum size limit")
)

// Warning codes for skipped or altered group addresses.
const (
	WarnDPTUnknown    = "DPT_UNKNOWN"
	WarnMissingDPT    = "MISSING_DPT"
	WarnDuplicateGA   = "DUPLICATE_GA"
	WarnDuplicateName = "DUPLICATE_NAME"
	WarnInvalidGA     = "INVALID_GA"
)
