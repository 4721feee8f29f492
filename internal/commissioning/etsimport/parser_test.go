package etsimport

import (
	"archive/zip"
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

const testGroupAddressesXML = `<?xml version="1.0" encoding="utf-8"?>
<GroupAddresses xmlns="http://knx.org/xml/ga-export/01">
  <GroupRange Name="Lighting" RangeStart="2048" RangeEnd="4095">
    <GroupRange Name="Hall" RangeStart="2048" RangeEnd="2303">
      <GroupAddress Name="Hall light" Address="1/0/1" DatapointType="DPST-1-1" />
      <GroupAddress Name="Hall dimmer" Address="1/0/2" DatapointType="DPST-5-1" />
      <GroupAddress Name="Hall scene" Address="1/0/3" />
    </GroupRange>
  </GroupRange>
  <GroupRange Name="Climate" RangeStart="6144" RangeEnd="8191">
    <GroupAddress Name="Hall temperature" Address="3/0/1" DatapointType="DPT-9" />
  </GroupRange>
</GroupAddresses>`

const testProjectXML = `<?xml version="1.0" encoding="utf-8"?>
<KNX xmlns="http://knx.org/xml/project/21">
  <Project Id="P-0001">
    <Installations>
      <Installation Name="">
        <GroupAddresses>
          <GroupRanges>
            <GroupRange Id="P-0001-0_GR-1" Name="Lighting">
              <GroupAddress Id="P-0001-0_GA-1" Address="2049" Name="Kitchen light" DatapointType="DPST-1-1 DPST-1-8" />
              <GroupAddress Id="P-0001-0_GA-2" Address="2050" Name="Kitchen light" DatapointType="DPST-1-1" />
            </GroupRange>
          </GroupRanges>
        </GroupAddresses>
      </Installation>
    </Installations>
  </Project>
</KNX>`

func TestNormaliseDPT(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"DPST-1-1", "1.001"},
		{"DPST-5-1", "5.001"},
		{"DPST-14-68", "14.068"},
		{"DPST-1-1 DPST-1-8", "1.001"},
		{"DPT-1", "1.001"},
		{"DPT9", "9.001"},
		{"1.001", "1.001"},
		{"9.1", "9.001"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := normaliseDPT(tt.input); got != tt.expected {
				t.Errorf("normaliseDPT(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestParse_GroupAddressesXML(t *testing.T) {
	result, err := Parse([]byte(testGroupAddressesXML), "export.xml")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if result.Format != FormatXML {
		t.Errorf("Format = %q, want %q", result.Format, FormatXML)
	}

	want := []struct{ addr, dpt, name string }{
		{"1/0/1", "1.001", "Hall light"},
		{"1/0/2", "5.001", "Hall dimmer"},
		{"3/0/1", "9.001", "Hall temperature"},
	}
	if len(result.Datapoints) != len(want) {
		t.Fatalf("got %d datapoints, want %d", len(result.Datapoints), len(want))
	}
	for i, w := range want {
		dp := result.Datapoints[i]
		if dp.Address.String() != w.addr || string(dp.DPT) != w.dpt || dp.Name != w.name {
			t.Errorf("Datapoints[%d] = %s %s %q, want %s %s %q", i, dp.Address, dp.DPT, dp.Name, w.addr, w.dpt, w.name)
		}
	}

	if len(result.Warnings) != 1 || result.Warnings[0].Code != WarnMissingDPT || result.Warnings[0].Address != "1/0/3" {
		t.Errorf("Warnings = %+v, want one %s for 1/0/3", result.Warnings, WarnMissingDPT)
	}
}

func TestParse_KNXProj(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range map[string]string{
		"knx_master.xml": `<KNX />`,
		"P-0001/0.xml":   testProjectXML,
	} {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("zip create: %v", err)
		}
		if _, err := w.Write([]byte(body)); err != nil {
			t.Fatalf("zip write: %v", err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}

	result, err := Parse(buf.Bytes(), "home.knxproj")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if result.Format != FormatKNXProj {
		t.Errorf("Format = %q, want %q", result.Format, FormatKNXProj)
	}
	if len(result.Datapoints) != 2 {
		t.Fatalf("got %d datapoints, want 2", len(result.Datapoints))
	}
	if got := result.Datapoints[0].Address.String(); got != "1/0/1" {
		t.Errorf("raw address 2049 = %s, want 1/0/1", got)
	}
	if got := result.Datapoints[1].Name; got != "Kitchen light (1/0/2)" {
		t.Errorf("duplicate name = %q, want %q", got, "Kitchen light (1/0/2)")
	}
	if len(result.Warnings) != 1 || result.Warnings[0].Code != WarnDuplicateName {
		t.Errorf("Warnings = %+v, want one %s", result.Warnings, WarnDuplicateName)
	}
}

func TestParse_KNXProjProtected(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, _ := zw.Create("P-0001.zip")
	_, _ = w.Write([]byte("encrypted"))
	_ = zw.Close()

	_, err := Parse(buf.Bytes(), "home.knxproj")
	if !errors.Is(err, ErrInvalidFile) {
		t.Errorf("Parse() error = %v, want ErrInvalidFile", err)
	}
}

func TestParse_CSV(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{
			name: "ets semicolon export",
			data: "\"Group name\";\"Address\";\"Central\";\"Unfiltered\";\"Description\";\"DatapointType\";\"Security\"\n" +
				"\"Lighting\";\"1/-/-\";\"\";\"\";\"\";\"\";\"Auto\"\n" +
				"\"Hall light\";\"1/0/1\";\"\";\"\";\"\";\"DPST-1-1\";\"Auto\"\n" +
				"\"Hall temperature\";\"3/0/1\";\"\";\"\";\"\";\"DPST-9-1\";\"Auto\"\n",
		},
		{
			name: "comma export",
			data: "Name,Address,DPT\nHall light,1/0/1,1.001\nHall temperature,3/0/1,9.001\n",
		},
		{
			name: "tab export with bom",
			data: "\xef\xbb\xbfAddress\tName\tDatapointType\n1/0/1\tHall light\tDPT-1\n3/0/1\tHall temperature\t9.001\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := Parse([]byte(tt.data), "export.csv")
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			if len(result.Datapoints) != 2 {
				t.Fatalf("got %d datapoints, want 2: %+v", len(result.Datapoints), result.Warnings)
			}
			if result.Datapoints[0].Name != "Hall light" || string(result.Datapoints[0].DPT) != "1.001" {
				t.Errorf("Datapoints[0] = %+v", result.Datapoints[0])
			}
			if result.Datapoints[1].Address.String() != "3/0/1" || string(result.Datapoints[1].DPT) != "9.001" {
				t.Errorf("Datapoints[1] = %+v", result.Datapoints[1])
			}
		})
	}
}

func TestParse_Warnings(t *testing.T) {
	data := "Name,Address,DPT\n" +
		"light,1/0/1,1.001\n" +
		"again,1/0/1,1.001\n" +
		"energy,1/0/2,13.010\n" +
		"broken,99/9/999,1.001\n" +
		",1/0/3,1.001\n"

	result, err := Parse([]byte(data), "export.csv")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	codes := make(map[string]int)
	for _, w := range result.Warnings {
		codes[w.Code]++
	}
	for _, code := range []string{WarnDuplicateGA, WarnDPTUnknown, WarnInvalidGA} {
		if codes[code] != 1 {
			t.Errorf("warnings with code %s = %d, want 1 (all: %+v)", code, codes[code], result.Warnings)
		}
	}

	if len(result.Datapoints) != 2 {
		t.Fatalf("got %d datapoints, want 2", len(result.Datapoints))
	}
	if result.Datapoints[1].Name != "1/0/3" {
		t.Errorf("unnamed address name = %q, want 1/0/3", result.Datapoints[1].Name)
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name     string
		data     string
		filename string
		want     error
	}{
		{"unknown format", "hello", "notes.txt", ErrInvalidFile},
		{"csv without address column", "Name,DPT\nlight,1.001\n", "export.csv", ErrInvalidFile},
		{"csv header only", "Name,Address,DPT\n", "export.csv", ErrNoGroupAddresses},
		{"xml without addresses", "<GroupAddresses></GroupAddresses>", "export.xml", ErrNoGroupAddresses},
		{"malformed xml", "<GroupAddresses><GroupRange>", "export.xml", ErrInvalidFile},
		{"corrupt archive", "PK\x03\x04garbage", "home.knxproj", ErrCorruptArchive},
		{"nothing usable", "Name,Address,DPT\nlight,1/0/1,\n", "export.csv", ErrNoGroupAddresses},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data), tt.filename)
			if !errors.Is(err, tt.want) {
				t.Errorf("Parse() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestParse_DetectsFormat(t *testing.T) {
	result, err := Parse([]byte(testGroupAddressesXML), "export")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if result.Format != FormatXML {
		t.Errorf("Format = %q, want %q", result.Format, FormatXML)
	}
}

func TestParseFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "export.xml")
	if err := os.WriteFile(path, []byte(testGroupAddressesXML), 0o600); err != nil {
		t.Fatal(err)
	}

	result, err := ParseFile(path)
	if err != nil {
		t.Fatalf("ParseFile() error = %v", err)
	}
	if result.SourceFile != "export.xml" {
		t.Errorf("SourceFile = %q, want export.xml", result.SourceFile)
	}

	if _, err := ParseFile(filepath.Join(t.TempDir(), "missing.xml")); err == nil {
		t.Error("ParseFile(missing) error = nil")
	}
}
