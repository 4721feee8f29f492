// Package influxdb writes the group events observed by the KNX process
// daemon to an InfluxDB v2 bucket.
//
// Each event becomes a knx_group_event point tagged by group address,
// event kind, direction, source and datapoint type, with the raw payload
// and, where the type is known, the decoded value as fields. Points go
// through the batching write API of influxdb-client-go, so writers never
// wait on the server; failed batches show up in Stats and the SetOnError
// callback.
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.WriteGroupEvent(influxdb.GroupEventPoint{GroupAddress: "1/0/1", Kind: "group.write", Raw: "01"})
package influxdb
