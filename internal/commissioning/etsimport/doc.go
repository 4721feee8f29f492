// Package etsimport reads group address definitions from KNX ETS exports
// and turns them into process datapoints.
//
// ETS (Engineering Tool Software) is the standard configuration tool for KNX
// installations. The daemon uses this package to seed its datapoint catalog
// from the installation's own project data instead of hand-written config.
//
// # Supported Formats
//
//   - .knxproj: Native ETS project file (ZIP archive with XML, unencrypted)
//   - .xml: ETS group address XML export
//   - .csv: ETS group address CSV export (comma, semicolon or tab separated)
//
// # Usage
//
//	result, err := etsimport.ParseFile("project.knxproj")
//	if err != nil {
//	    return err
//	}
//	for _, w := range result.Warnings {
//	    log.Warn("ets import", "code", w.Code, "address", w.Address, "message", w.Message)
//	}
//	catalog, err := process.NewCatalog(result.Datapoints...)
//
// Group addresses without a datapoint type, or with a type the codec does
// not support, are skipped with a warning. Names are made unique by
// appending the group address.
package etsimport
