package etsimport

import "github.com/nerrad567/knx-process/internal/process"

// Export formats.
const (
	FormatKNXProj = "knxproj"
	FormatXML     = "xml"
	FormatCSV     = "csv"
)

// Result is the outcome of parsing one ETS export.
type Result struct {
	// SourceFile is the base name of the parsed file.
	SourceFile string `json:"source_file"`

	// Format is one of FormatKNXProj, FormatXML or FormatCSV.
	Format string `json:"format"`

	// Datapoints holds one entry per usable group address, in file order.
	Datapoints []process.Datapoint `json:"datapoints"`

	// Warnings lists group addresses that were skipped or renamed.
	Warnings []Warning `json:"warnings,omitempty"`
}

// Warning describes a non-fatal problem with one group address.
type Warning struct {
	Code    string `json:"code"`
	Address string `json:"address,omitempty"`
	Message string `json:"message"`
}

// entry is a group address as read from the export, before validation.
type entry struct {
	address string
	name    string
	dpt     string
}
