// Package mqtt provides MQTT client connectivity for RobotLink Core.
//
// When the pub/sub backend is "mqtt", group messages (per-robot groups and
// the dashboard fan-out group) travel through the broker so that several
// RobotLink instances can share one set of dashboards.
//
//	RobotLink instance ↔ MQTT Broker ↔ RobotLink instance
//
// This package manages:
//   - Connection with auto-reconnect and subscription restoration
//   - Publishing with QoS and a payload size limit
//   - Last Will and Testament on the system status topic
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT, mqtt.Topics{Prefix: "robotlink"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	err = client.Subscribe(client.Topics().AllGroups(), 1,
//	    func(topic string, payload []byte) error {
//	        return nil
//	    })
//
// TLS should be enabled (cfg.Broker.TLS) whenever the broker is not local.
package mqtt
