package etsimport

import (
	"archive/zip"
	"bytes"
	"encoding/csv"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/nerrad567/knx-process/internal/knx"
	"github.com/nerrad567/knx-process/internal/process"
)

// MaxFileSize is the maximum allowed file size (50MB).
const MaxFileSize = 50 * 1024 * 1024

var (
	reDPTComplete = regexp.MustCompile(`^\d+\.\d{3}$`)
	reDPST        = regexp.MustCompile(`DPST-(\d+)-(\d+)`)
	reDPT         = regexp.MustCompile(`DPT-?(\d+)$`)
	reDPTPartial  = regexp.MustCompile(`^(\d+)\.(\d+)$`)
)

// ParseFile reads and parses an ETS export from disk.
func ParseFile(filename string) (*Result, error) {
	info, err := os.Stat(filename)
	if err != nil {
		return nil, fmt.Errorf("reading ETS export: %w", err)
	}
	if info.Size() > MaxFileSize {
		return nil, ErrFileTooLarge
	}
	data, err := os.ReadFile(filename) //nolint:gosec // operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("reading ETS export: %w", err)
	}
	return Parse(data, filename)
}

// Parse parses an ETS export. The format is taken from the file extension,
// falling back to content detection.
func Parse(data []byte, filename string) (*Result, error) {
	if len(data) > MaxFileSize {
		return nil, ErrFileTooLarge
	}

	result := &Result{SourceFile: filepath.Base(filename)}

	var (
		entries []entry
		err     error
	)
	switch ext := strings.ToLower(filepath.Ext(filename)); {
	case ext == ".knxproj" || (ext != ".xml" && ext != ".csv" && isZipFile(data)):
		result.Format = FormatKNXProj
		entries, err = parseKNXProj(data)
	case ext == ".xml" || (ext != ".csv" && isXMLFile(data)):
		result.Format = FormatXML
		entries, err = parseXML(data)
	case ext == ".csv":
		result.Format = FormatCSV
		entries, err = parseCSV(data)
	default:
		return nil, ErrInvalidFile
	}
	if err != nil {
		return nil, err
	}

	result.build(entries)
	if len(result.Datapoints) == 0 {
		return nil, ErrNoGroupAddresses
	}
	return result, nil
}

// build validates entries into datapoints, recording a warning for each
// entry that is skipped or renamed.
func (r *Result) build(entries []entry) {
	seenGA := make(map[knx.GroupAddress]bool, len(entries))
	seenName := make(map[string]bool, len(entries))

	for _, e := range entries {
		ga, err := knx.ParseGroupAddress(e.address)
		if err != nil {
			r.warn(WarnInvalidGA, e.address, err.Error())
			continue
		}
		addr := ga.String()

		if seenGA[ga] {
			r.warn(WarnDuplicateGA, addr, "group address listed more than once")
			continue
		}

		dpt := normaliseDPT(e.dpt)
		if dpt == "" {
			r.warn(WarnMissingDPT, addr, "no datapoint type assigned")
			continue
		}

		name := strings.TrimSpace(e.name)
		if name == "" {
			name = addr
		}
		if seenName[name] {
			renamed := fmt.Sprintf("%s (%s)", name, addr)
			if seenName[renamed] {
				r.warn(WarnDuplicateName, addr, fmt.Sprintf("name %q already used", name))
				continue
			}
			r.warn(WarnDuplicateName, addr, fmt.Sprintf("renamed %q to %q", name, renamed))
			name = renamed
		}

		dp, err := process.NewDatapoint(addr, dpt, name)
		if err != nil {
			r.warn(WarnDPTUnknown, addr, err.Error())
			continue
		}

		seenGA[ga] = true
		seenName[name] = true
		r.Datapoints = append(r.Datapoints, dp)
	}
}

func (r *Result) warn(code, address, message string) {
	r.Warnings = append(r.Warnings, Warning{Code: code, Address: address, Message: message})
}

// parseKNXProj extracts group addresses from the project data file inside
// a .knxproj archive. Password-protected projects keep their data in a
// nested encrypted archive and are rejected.
func parseKNXProj(data []byte) ([]entry, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptArchive, err)
	}

	for _, f := range zr.File {
		if path.Base(f.Name) != "0.xml" || path.Dir(f.Name) == "." {
			continue
		}
		xmlData, err := readZipFile(f)
		if err != nil {
			return nil, err
		}
		return parseXML(xmlData)
	}

	return nil, fmt.Errorf("%w: no project data found (protected projects are not supported)", ErrInvalidFile)
}

// parseXML walks any ETS XML document collecting GroupAddress elements.
// This covers both the GroupAddresses.xml export and the project 0.xml.
func parseXML(data []byte) ([]entry, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	var entries []entry

	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidFile, err)
		}

		el, ok := tok.(xml.StartElement)
		if !ok || el.Name.Local != "GroupAddress" {
			continue
		}
		address := attr(el, "Address")
		if address == "" {
			continue
		}
		entries = append(entries, entry{
			address: address,
			name:    attr(el, "Name"),
			dpt:     attr(el, "DatapointType"),
		})
	}

	if len(entries) == 0 {
		return nil, ErrNoGroupAddresses
	}
	return entries, nil
}

// parseCSV reads an ETS group address CSV export. The header row selects
// the columns; rows for group ranges ("1/-/-") are skipped.
func parseCSV(data []byte) ([]entry, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))

	r := csv.NewReader(bytes.NewReader(data))
	r.Comma = detectSeparator(data)
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	r.TrimLeadingSpace = true

	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidFile, err)
	}
	if len(records) < 2 {
		return nil, ErrNoGroupAddresses
	}

	colIndex := make(map[string]int, len(records[0]))
	for i, col := range records[0] {
		colIndex[strings.ToLower(strings.TrimSpace(col))] = i
	}

	addrCol := findColumn(colIndex, "address", "groupaddress", "group address", "ga")
	if addrCol == -1 {
		return nil, fmt.Errorf("%w: no address column", ErrInvalidFile)
	}
	nameCol := findColumn(colIndex, "name", "group name", "description", "bezeichnung")
	dptCol := findColumn(colIndex, "datapointtype", "datapoint type", "dpt", "datapoint")

	var entries []entry
	for _, fields := range records[1:] {
		addr := field(fields, addrCol)
		if addr == "" || strings.Contains(addr, "-") {
			continue
		}
		entries = append(entries, entry{
			address: addr,
			name:    field(fields, nameCol),
			dpt:     field(fields, dptCol),
		})
	}

	if len(entries) == 0 {
		return nil, ErrNoGroupAddresses
	}
	return entries, nil
}

// normaliseDPT converts ETS datapoint type notations to "main.sub".
// Multi-valued attributes ("DPST-1-1 DPST-1-8") use the first value.
func normaliseDPT(dpt string) string {
	dpt = strings.TrimSpace(dpt)
	if fields := strings.Fields(dpt); len(fields) > 1 {
		dpt = fields[0]
	}
	if dpt == "" {
		return ""
	}

	if reDPTComplete.MatchString(dpt) {
		return dpt
	}
	if m := reDPST.FindStringSubmatch(dpt); m != nil {
		return m[1] + "." + padSub(m[2])
	}
	if m := reDPT.FindStringSubmatch(dpt); m != nil {
		return m[1] + ".001"
	}
	if m := reDPTPartial.FindStringSubmatch(dpt); m != nil {
		return m[1] + "." + padSub(m[2])
	}
	return dpt
}

func padSub(sub string) string {
	for len(sub) < 3 {
		sub = "0" + sub
	}
	return sub
}

func detectSeparator(data []byte) rune {
	header, _, _ := bytes.Cut(data, []byte("\n"))
	switch {
	case bytes.Count(header, []byte("\t")) > bytes.Count(header, []byte(",")):
		return '\t'
	case bytes.Count(header, []byte(";")) > bytes.Count(header, []byte(",")):
		return ';'
	default:
		return ','
	}
}

func findColumn(index map[string]int, names ...string) int {
	for _, name := range names {
		if idx, ok := index[name]; ok {
			return idx
		}
	}
	return -1
}

func field(fields []string, col int) string {
	if col < 0 || col >= len(fields) {
		return ""
	}
	return strings.TrimSpace(fields[col])
}

func attr(el xml.StartElement, name string) string {
	for _, a := range el.Attr {
		if a.Name.Local == name {
			return a.Value
		}
	}
	return ""
}

func readZipFile(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptArchive, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, MaxFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptArchive, err)
	}
	if len(data) > MaxFileSize {
		return nil, ErrFileTooLarge
	}
	return data, nil
}

func isZipFile(data []byte) bool {
	return len(data) >= 4 && bytes.Equal(data[:4], []byte("PK\x03\x04"))
}

func isXMLFile(data []byte) bool {
	trimmed := bytes.TrimSpace(bytes.TrimPrefix(data, []byte("\xef\xbb\xbf")))
	return bytes.HasPrefix(trimmed, []byte("<"))
}
