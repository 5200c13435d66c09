package teleop

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/gwillem/legbot/pkg/protocol"
	"github.com/gwillem/legbot/pkg/transport"
)

// ChannelConfig addresses the command and observation channels. The host
// listens on both ports; the client dials both at Host.
type ChannelConfig struct {
	Host            string        `yaml:"host"`
	CommandPort     int           `yaml:"command_port"`
	ObservationPort int           `yaml:"observation_port"`
	DialAttempts    int           `yaml:"dial_attempts"`
	RetryInterval   time.Duration `yaml:"retry_interval"`
}

// DefaultChannelConfig returns the standard ports on localhost.
func DefaultChannelConfig() ChannelConfig {
	return ChannelConfig{
		Host:            "127.0.0.1",
		CommandPort:     5555,
		ObservationPort: 5556,
		DialAttempts:    5,
		RetryInterval:   time.Second,
	}
}

func (c ChannelConfig) endpoint(name, host string, port int, logger *slog.Logger) transport.EndpointConfig {
	return transport.EndpointConfig{
		Name:          name,
		Addr:          net.JoinHostPort(host, strconv.Itoa(port)),
		DialAttempts:  c.DialAttempts,
		RetryInterval: c.RetryInterval,
		Logger:        logger,
	}
}

// ListenCommands binds the command port on all interfaces. The latest command
// is dropped when the client disconnects so a vanished client stops the robot.
func ListenCommands(ctx context.Context, cfg ChannelConfig, logger *slog.Logger) (*transport.Channel[protocol.Command], error) {
	ep := cfg.endpoint("commands", "", cfg.CommandPort, logger)
	ep.ClearOnDisconnect = true
	return transport.Listen[protocol.Command](ctx, ep, transport.JSONCodec[protocol.Command]{})
}

// ListenObservations binds the observation port on all interfaces.
func ListenObservations(ctx context.Context, cfg ChannelConfig, logger *slog.Logger) (*transport.Channel[protocol.Observation], error) {
	return transport.Listen[protocol.Observation](ctx, cfg.endpoint("observations", "", cfg.ObservationPort, logger), observationCodec{})
}

// observationCodec writes observations with null for absent fields.
type observationCodec struct{}

func (observationCodec) Encode(o protocol.Observation) ([]byte, error) {
	return protocol.MarshalObservation(o)
}

func (observationCodec) Decode(data []byte) (protocol.Observation, error) {
	return protocol.UnmarshalObservation(data)
}
