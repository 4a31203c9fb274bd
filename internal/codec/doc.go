// Package codec is the protocol codec adapter between the relay and the
// Java edition game protocol.
//
// Framing, compression and AES/CFB8 encryption are handled by go-mc's
// net.Conn. This package tracks the connection state (handshaking, login,
// configuration, play) and maps each wire packet to a named structural
// proto.Packet and back:
//
//   - the name comes from the protocol 769 packet table for the current
//     state and direction, or is the hex id ("0x3a") for packets the table
//     does not name;
//   - data holds typed fields for the few packets with a schema here
//     (keep alives, pings) and {"payload": "<base64>"} for everything else.
//
// A packet decoded here and encoded again produces the same bytes.
package codec
