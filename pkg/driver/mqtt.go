/*
 * Copyright 2025 GrowBridge Contributors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/growbridge/growbridge/pkg/logger"
	"github.com/growbridge/growbridge/pkg/models"
	"github.com/growbridge/growbridge/pkg/registry"
)

const (
	mqttConnectTimeout   = 10 * time.Second
	mqttDisconnectMillis = 250
	mqttInboundBuffer    = 256
	mqttDefaultQoS       = 1
)

type mqttDevice struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	Topic string `json:"topic"`
}

type mqttConfig struct {
	Broker      string       `json:"broker"`
	ClientID    string       `json:"client_id"`
	Username    string       `json:"username"`
	Password    string       `json:"password"`
	TopicPrefix string       `json:"topic_prefix"`
	Devices     []mqttDevice `json:"devices"`
}

// mqttDriver bridges devices that publish readings over an MQTT broker.
// Inbound messages land in a bounded channel so a slow consumer sheds
// load instead of backing up the broker connection.
type mqttDriver struct {
	conf    mqttConfig
	client  mqtt.Client
	logger  logger.Logger
	last    *deviceValues
	inbound chan models.DataPoint

	// topic -> device, for inbound routing
	byTopic map[string]mqttDevice
}

func newMQTTDriver(cfg map[string]interface{}, log logger.Logger) (Driver, error) {
	var conf mqttConfig
	if err := decodeConfig(cfg, &conf); err != nil {
		return nil, err
	}

	if conf.Broker == "" {
		return nil, fmt.Errorf("mqtt driver requires a broker address")
	}

	if conf.ClientID == "" {
		conf.ClientID = "growbridge-agent"
	}

	if conf.TopicPrefix == "" {
		conf.TopicPrefix = "growbridge"
	}

	d := &mqttDriver{
		conf:    conf,
		logger:  log,
		last:    newDeviceValues(),
		inbound: make(chan models.DataPoint, mqttInboundBuffer),
		byTopic: make(map[string]mqttDevice, len(conf.Devices)),
	}

	for i, dev := range conf.Devices {
		if dev.Name == "" {
			return nil, fmt.Errorf("mqtt device %d has no name", i)
		}

		topic := dev.Topic
		if topic == "" {
			topic = conf.TopicPrefix + "/" + dev.Name + "/state"
		}

		d.byTopic[topic] = dev
	}

	return d, nil
}

func (d *mqttDriver) Name() string { return "mqtt" }

func (d *mqttDriver) Connect(_ context.Context) error {
	opts := mqtt.NewClientOptions().
		AddBroker(d.conf.Broker).
		SetClientID(d.conf.ClientID).
		SetConnectTimeout(mqttConnectTimeout).
		SetAutoReconnect(true)

	if d.conf.Username != "" {
		opts.SetUsername(d.conf.Username)
		opts.SetPassword(d.conf.Password)
	}

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		for topic := range d.byTopic {
			if token := client.Subscribe(topic, mqttDefaultQoS, d.handleMessage); token.Wait() && token.Error() != nil {
				d.logger.Error().Err(token.Error()).Str("topic", topic).Msg("MQTT subscribe failed")
			}
		}
	})

	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		d.logger.Warn().Err(err).Msg("MQTT connection lost")
	})

	d.client = mqtt.NewClient(opts)

	if token := d.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("connect to mqtt broker %s: %w", d.conf.Broker, token.Error())
	}

	d.logger.Info().Str("broker", d.conf.Broker).Int("devices", len(d.byTopic)).
		Msg("Connected to MQTT broker")

	return nil
}

func (d *mqttDriver) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	dev, ok := d.byTopic[msg.Topic()]
	if !ok {
		return
	}

	value := parseMQTTPayload(msg.Payload())
	d.last.set(dev.Name, value)

	point := models.DataPoint{
		"sensor": dev.Name,
		"type":   dev.Type,
		"value":  value,
	}
	point.SetTimestamp(models.NowMillis())

	select {
	case d.inbound <- point:
	default:
		d.logger.Warn().Str("sensor", dev.Name).Msg("MQTT inbound buffer full, reading dropped")
	}
}

// parseMQTTPayload accepts either a bare number or a JSON object with a
// "value" field, which covers the firmware variants in the field.
func parseMQTTPayload(payload []byte) interface{} {
	if v, err := strconv.ParseFloat(string(payload), 64); err == nil {
		return v
	}

	var body struct {
		Value interface{} `json:"value"`
	}

	if err := json.Unmarshal(payload, &body); err == nil && body.Value != nil {
		return body.Value
	}

	return string(payload)
}

func (d *mqttDriver) Disconnect(_ context.Context) error {
	if d.client != nil && d.client.IsConnected() {
		d.client.Disconnect(mqttDisconnectMillis)
	}

	return nil
}

func (d *mqttDriver) Devices() []registry.Device {
	devices := make([]registry.Device, 0, len(d.conf.Devices))

	for _, dev := range d.conf.Devices {
		devices = append(devices, registry.Device{Name: dev.Name, Type: dev.Type})
	}

	return devices
}

// ReceiveData drains whatever the broker has delivered since the last
// collection tick.
func (d *mqttDriver) ReceiveData(_ context.Context) ([]models.DataPoint, error) {
	var points []models.DataPoint

	for {
		select {
		case point := <-d.inbound:
			points = append(points, point)
		default:
			return points, nil
		}
	}
}

// SendData publishes a command to the target's command topic.
func (d *mqttDriver) SendData(_ context.Context, target, action string, payload map[string]interface{}) error {
	if _, ok := d.deviceByName(target); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTarget, target)
	}

	if d.client == nil || !d.client.IsConnected() {
		return fmt.Errorf("mqtt client is not connected")
	}

	body := map[string]interface{}{"action": action}
	for k, v := range payload {
		body[k] = v
	}

	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode mqtt command: %w", err)
	}

	topic := d.conf.TopicPrefix + "/" + target + "/set"

	if token := d.client.Publish(topic, mqttDefaultQoS, false, data); token.Wait() && token.Error() != nil {
		return fmt.Errorf("publish to %s: %w", topic, token.Error())
	}

	d.logger.Info().Str("topic", topic).Str("action", action).Msg("Command published")

	return nil
}

func (d *mqttDriver) deviceByName(name string) (mqttDevice, bool) {
	for _, dev := range d.conf.Devices {
		if dev.Name == name {
			return dev, true
		}
	}

	return mqttDevice{}, false
}

func (d *mqttDriver) DeviceData() map[string]interface{} {
	return d.last.snapshot()
}
