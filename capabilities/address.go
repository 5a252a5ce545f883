package capabilities

import (
	"encoding/json"
	"fmt"

	"github.com/kbukum/capdir/errors"
)

// Address is a transport address a participant can be reached at.
type Address interface {
	// TypeName identifies the concrete address type on the wire.
	TypeName() string
}

// Address type names.
const (
	TypeMqttAddress      = "joynr.system.RoutingTypes.MqttAddress"
	TypeChannelAddress   = "joynr.system.RoutingTypes.ChannelAddress"
	TypeWebSocketAddress = "joynr.system.RoutingTypes.WebSocketAddress"
	TypeUdsAddress       = "joynr.system.RoutingTypes.UdsAddress"
)

// MqttAddress addresses a participant behind an MQTT broker. BrokerURI
// carries the GBID of the backend the broker belongs to.
type MqttAddress struct {
	BrokerURI string `json:"brokerUri"`
	Topic     string `json:"topic"`
}

func (MqttAddress) TypeName() string { return TypeMqttAddress }

// ChannelAddress addresses a participant behind an HTTP long-polling bounce proxy.
type ChannelAddress struct {
	MessagingEndpointURL string `json:"messagingEndpointUrl"`
	ChannelID            string `json:"channelId"`
}

func (ChannelAddress) TypeName() string { return TypeChannelAddress }

// WebSocketAddress addresses a participant behind a WebSocket server.
type WebSocketAddress struct {
	Protocol string `json:"protocol"`
	Host     string `json:"host"`
	Port     int32  `json:"port"`
	Path     string `json:"path"`
}

func (WebSocketAddress) TypeName() string { return TypeWebSocketAddress }

// UdsAddress addresses a participant over a unix domain socket.
type UdsAddress struct {
	Path string `json:"path"`
}

func (UdsAddress) TypeName() string { return TypeUdsAddress }

type addressEnvelope struct {
	TypeName string `json:"_typeName"`
}

// EncodeAddress serializes address into the string form stored in
// GlobalDiscoveryEntry.Address.
func EncodeAddress(address Address) (string, error) {
	if address == nil {
		return "", errors.InvalidInput("address", "address is nil")
	}
	body, err := json.Marshal(address)
	if err != nil {
		return "", errors.Internal(err)
	}
	var fields map[string]any
	if err := json.Unmarshal(body, &fields); err != nil {
		return "", errors.Internal(err)
	}
	fields["_typeName"] = address.TypeName()
	out, err := json.Marshal(fields)
	if err != nil {
		return "", errors.Internal(err)
	}
	return string(out), nil
}

// DecodeAddress parses an address produced by EncodeAddress.
func DecodeAddress(serialized string) (Address, error) {
	var env addressEnvelope
	if err := json.Unmarshal([]byte(serialized), &env); err != nil {
		return nil, errors.InvalidFormat("address", "JSON object with _typeName").WithCause(err)
	}

	var (
		address Address
		err     error
	)
	switch env.TypeName {
	case TypeMqttAddress:
		var a MqttAddress
		err = json.Unmarshal([]byte(serialized), &a)
		address = a
	case TypeChannelAddress:
		var a ChannelAddress
		err = json.Unmarshal([]byte(serialized), &a)
		address = a
	case TypeWebSocketAddress:
		var a WebSocketAddress
		err = json.Unmarshal([]byte(serialized), &a)
		address = a
	case TypeUdsAddress:
		var a UdsAddress
		err = json.Unmarshal([]byte(serialized), &a)
		address = a
	default:
		return nil, errors.InvalidInput("address", fmt.Sprintf("unknown address type %q", env.TypeName))
	}
	if err != nil {
		return nil, errors.InvalidFormat("address", env.TypeName).WithCause(err)
	}
	return address, nil
}

// GbidsForAddress derives the backends a provider with the given address is
// registered in. MQTT addresses carry their GBID in the broker URI; every
// other address type belongs to the default backend.
func GbidsForAddress(address Address, knownGbids []string) []string {
	if mqtt, ok := address.(MqttAddress); ok {
		return []string{mqtt.BrokerURI}
	}
	if len(knownGbids) == 0 {
		return nil
	}
	return []string{knownGbids[0]}
}

// EntryInGbids reports whether a globally looked-up entry belongs to one of
// gbids. Only MQTT addresses can be attributed to a backend; entries with
// other address types always match. Undecodable addresses never match.
func EntryInGbids(entry GlobalDiscoveryEntry, gbids map[string]struct{}) bool {
	address, err := entry.DecodedAddress()
	if err != nil {
		return false
	}
	if mqtt, ok := address.(MqttAddress); ok {
		_, found := gbids[mqtt.BrokerURI]
		return found
	}
	return true
}
