// Package mqtt publishes shake reports to an MQTT telemetry feed such
// as Adafruit IO.
//
// Each report is its own short session: [Publisher.Connect] opens a
// connection with Eclipse Paho v2's [autopaho] package and waits for
// the CONNACK, [Session.Publish] sends one message, and [Session.Close]
// disconnects. Nothing is kept open between reports, so a device that
// shakes once a day holds no idle broker connection. All three calls
// take a context; the caller bounds them with a deadline.
package mqtt
