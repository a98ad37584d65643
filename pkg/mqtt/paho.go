// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package mqtt

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

const publishQoS = 1

// pahoConnection adapts the paho client to the connection interface. Auto
// reconnect is disabled: the Client's connection manager owns that policy.
type pahoConnection struct {
	client  pahomqtt.Client
	timeout time.Duration
}

func newPahoConnection(opts Options, onMessage Handler, onLost func(error)) *pahoConnection {
	co := pahomqtt.NewClientOptions().
		AddBroker(opts.BrokerURL).
		SetClientID(opts.ClientID).
		SetUsername(opts.Username).
		SetPassword(opts.Password).
		SetAutoReconnect(false).
		SetCleanSession(true).
		SetConnectTimeout(opts.ConnectTimeout).
		SetKeepAlive(30 * time.Second).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			onLost(err)
		}).
		SetDefaultPublishHandler(func(_ pahomqtt.Client, m pahomqtt.Message) {
			onMessage(m.Topic(), m.Payload())
		})

	if tlsCfg := tlsConfig(opts); tlsCfg != nil {
		co.SetTLSConfig(tlsCfg)
	}

	return &pahoConnection{
		client:  pahomqtt.NewClient(co),
		timeout: opts.ConnectTimeout,
	}
}

func tlsConfig(opts Options) *tls.Config {
	if opts.CACertPath == "" && opts.VerifyCertificate {
		return nil
	}
	cfg := &tls.Config{InsecureSkipVerify: !opts.VerifyCertificate} //nolint:gosec
	if opts.CACertPath != "" {
		if pem, err := os.ReadFile(opts.CACertPath); err == nil {
			pool := x509.NewCertPool()
			pool.AppendCertsFromPEM(pem)
			cfg.RootCAs = pool
		}
	}
	return cfg
}

func (p *pahoConnection) wait(token pahomqtt.Token, op string) error {
	if !token.WaitTimeout(p.timeout) {
		return fmt.Errorf("mqtt %s timed out after %s", op, p.timeout)
	}
	return token.Error()
}

func (p *pahoConnection) Connect() error {
	return p.wait(p.client.Connect(), "connect")
}

func (p *pahoConnection) Disconnect() {
	p.client.Disconnect(250)
}

func (p *pahoConnection) Publish(topic string, payload []byte) error {
	return p.wait(p.client.Publish(topic, publishQoS, false, payload), "publish")
}

func (p *pahoConnection) Subscribe(filter string, h Handler) error {
	token := p.client.Subscribe(filter, publishQoS, func(_ pahomqtt.Client, m pahomqtt.Message) {
		h(m.Topic(), m.Payload())
	})
	return p.wait(token, "subscribe")
}

func (p *pahoConnection) IsConnected() bool {
	return p.client.IsConnected()
}
