package influxdb

import "errors"

// Errors returned by Connect and HealthCheck. Batch write failures are
// reported through Stats and SetOnError instead.
var (
	ErrNotConnected     = errors.New("influxdb: client closed")
	ErrConnectionFailed = errors.New("influxdb: connection failed")
	ErrDisabled         = errors.New("influxdb: disabled in configuration")
)
