package codec

import (
	"fmt"
	"strconv"
	"strings"
)

// ProtocolVersion is the protocol the packet table below describes.
const ProtocolVersion = 769

// State is the protocol state of a connection.
type State int32

const (
	Handshaking State = iota
	Login
	Configuration
	Play
)

func (s State) String() string {
	switch s {
	case Handshaking:
		return "handshaking"
	case Login:
		return "login"
	case Configuration:
		return "configuration"
	case Play:
		return "play"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Direction is the flow a packet travels in.
type Direction int

const (
	Clientbound Direction = iota
	Serverbound
)

func (d Direction) String() string {
	if d == Clientbound {
		return "clientbound"
	}
	return "serverbound"
}

// Packet ids used during the handshake and login.
const (
	HandshakeID int32 = 0x00

	LoginDisconnectID        int32 = 0x00
	LoginEncryptionRequestID int32 = 0x01
	LoginSuccessID           int32 = 0x02
	LoginSetCompressionID    int32 = 0x03
	LoginPluginRequestID     int32 = 0x04
	LoginCookieRequestID     int32 = 0x05

	LoginStartID              int32 = 0x00
	LoginEncryptionResponseID int32 = 0x01
	LoginPluginResponseID     int32 = 0x02
	LoginAcknowledgedID       int32 = 0x03
	LoginCookieResponseID     int32 = 0x04
)

// Packets after login whose ids drive state changes.
const (
	ConfigFinishID          int32 = 0x03 // both directions
	PlayStartConfigID       int32 = 0x70 // clientbound
	PlayConfigAcknowledgeID int32 = 0x0e // serverbound
)

type packetKey struct {
	state State
	dir   Direction
	id    int32
}

type nameKey struct {
	state State
	dir   Direction
	name  string
}

var (
	packetNames = map[packetKey]string{}
	packetIDs   = map[nameKey]int32{}
)

func register(state State, dir Direction, names map[int32]string) {
	for id, name := range names {
		packetNames[packetKey{state, dir, id}] = name
		packetIDs[nameKey{state, dir, name}] = id
	}
}

func init() {
	register(Handshaking, Serverbound, map[int32]string{0x00: "set_protocol"})
	register(Login, Clientbound, map[int32]string{
		0x00: "disconnect",
		0x01: "encryption_begin",
		0x02: "success",
		0x03: "compress",
		0x04: "login_plugin_request",
		0x05: "cookie_request",
	})
	register(Login, Serverbound, map[int32]string{
		0x00: "login_start",
		0x01: "encryption_begin",
		0x02: "login_plugin_response",
		0x03: "login_acknowledged",
		0x04: "cookie_response",
	})
	register(Configuration, Clientbound, map[int32]string{
		0x00: "cookie_request",
		0x01: "custom_payload",
		0x02: "disconnect",
		0x03: "finish_configuration",
		0x04: "keep_alive",
		0x05: "ping",
		0x06: "reset_chat",
		0x07: "registry_data",
		0x08: "remove_resource_pack",
		0x09: "add_resource_pack",
		0x0a: "store_cookie",
		0x0b: "transfer",
		0x0c: "feature_flags",
		0x0d: "tags",
		0x0e: "select_known_packs",
		0x0f: "custom_report_details",
		0x10: "server_links",
	})
	register(Configuration, Serverbound, map[int32]string{
		0x00: "settings",
		0x01: "cookie_response",
		0x02: "custom_payload",
		0x03: "finish_configuration",
		0x04: "keep_alive",
		0x05: "pong",
		0x06: "resource_pack_receive",
		0x07: "select_known_packs",
	})
	register(Play, Clientbound, map[int32]string{
		0x1d: "kick_disconnect",
		0x27: "keep_alive",
		0x2c: "login",
		0x70: "start_configuration",
	})
	register(Play, Serverbound, map[int32]string{
		0x00: "teleport_confirm",
		0x0e: "configuration_acknowledged",
		0x1a: "keep_alive",
	})
}

// PacketName names packet id for state and direction. Ids without a name
// are rendered in hex.
func PacketName(state State, dir Direction, id int32) string {
	if name, ok := packetNames[packetKey{state, dir, id}]; ok {
		return name
	}
	return fmt.Sprintf("0x%02x", id)
}

// PacketID resolves a name produced by PacketName.
func PacketID(state State, dir Direction, name string) (int32, bool) {
	if id, ok := packetIDs[nameKey{state, dir, name}]; ok {
		return id, true
	}
	if hex, ok := strings.CutPrefix(name, "0x"); ok && hex != "" {
		id, err := strconv.ParseInt(hex, 16, 32)
		if err == nil && id >= 0 {
			return int32(id), true
		}
	}
	return 0, false
}
