// Package mqtt connects the KNX process daemon to an MQTT broker.
//
// Client wraps paho.mqtt.golang. It reconnects with backoff, restores its
// subscriptions on every new session and keeps knxproc/status current: a
// retained "online" on connect, "offline" on Close and a Last Will for
// everything else. Stats exposes connection and traffic counters for the
// metrics endpoints.
//
// The daemon publishes the group events it observes and the last known
// value of each group address, and accepts write commands on
// knxproc/command/#. See Topics for the layout. Anything that can publish
// to the command topics can write to the bus, so restrict them with broker
// ACLs and enable TLS outside a trusted network.
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Publish(mqtt.Topics{}.State("1/2/3"), []byte(`{"value":"on"}`), 1, true)
//
// Tests that need a broker run only when KNXPROC_MQTT_TEST_BROKER is set
// (for example "127.0.0.1:1883").
package mqtt
