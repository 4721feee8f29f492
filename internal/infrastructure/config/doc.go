// Package config handles loading and validating the KNX process daemon
// configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with KNXPROC_* environment variables
//   - Validation of link, process and datapoint settings
//   - Default value handling
//
// Security Considerations:
//   - Sensitive values (MQTT password, InfluxDB token) should be set via
//     environment variables
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load(config.Path())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Process.ResponseTimeout)
package config
