//go:build e2e

package mqtt

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	tc "github.com/testcontainers/testcontainers-go"
	tcwait "github.com/testcontainers/testcontainers-go/wait"

	"github.com/i474232898/meteo-dashboard/internal/config"
)

func startMosquitto(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	port := nat.Port("1883/tcp")
	c, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: tc.ContainerRequest{
			// 1.6 accepts anonymous clients without a config file.
			Image:        "eclipse-mosquitto:1.6",
			ExposedPorts: []string{string(port)},
			WaitingFor:   tcwait.ForListeningPort(port).WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("start mosquitto container: %v", err)
	}
	t.Cleanup(func() {
		_ = c.Terminate(ctx)
	})

	host, err := c.Host(ctx)
	if err != nil {
		t.Fatalf("container host: %v", err)
	}
	mapped, err := c.MappedPort(ctx, port)
	if err != nil {
		t.Fatalf("mapped port: %v", err)
	}
	return fmt.Sprintf("tcp://%s:%s", host, mapped.Port())
}

func connect(t *testing.T, broker, clientID string) *Client {
	t.Helper()
	c, err := NewClient(config.MQTTConfig{BrokerURL: broker, ClientID: clientID}, nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(c.Disconnect)

	deadline := time.Now().Add(5 * time.Second)
	for !c.IsConnected() {
		if time.Now().After(deadline) {
			t.Fatal("client never reported connected")
		}
		time.Sleep(20 * time.Millisecond)
	}
	return c
}

func TestBroker_ConfirmationRoundTrip(t *testing.T) {
	broker := startMosquitto(t)
	dashboard := connect(t, broker, "dashboard-e2e")
	device := connect(t, broker, "device-e2e")

	got := make(chan []byte, 1)
	unsub, err := dashboard.Subscribe(context.Background(), "devices/st-e2e/data", func(p []byte) {
		select {
		case got <- p:
		default:
		}
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer unsub()

	if err := device.Publish(context.Background(), "devices/st-e2e/data", []byte(`{"claimed":true}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case p := <-got:
		if string(p) != `{"claimed":true}` {
			t.Fatalf("payload = %s", p)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("confirmation not delivered")
	}
}
