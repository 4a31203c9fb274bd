package proto

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDecodePacket(t *testing.T) {
	msg, err := Decode([]byte(`{"name":"keep_alive","data":{"id":1}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Kind != KindPacket {
		t.Fatalf("kind = %s, want packet", msg.Kind)
	}
	want := Packet{Name: "keep_alive", Data: Map(map[string]Value{"id": Int(1)})}
	if !msg.Packet.Equal(want) {
		t.Fatalf("packet = %+v, want %+v", msg.Packet, want)
	}
}

func TestDecodeConnect(t *testing.T) {
	cases := []struct {
		raw    string
		direct bool
	}{
		{`{"sessionId":"abc123","host":"play.example.com","port":25565}`, false},
		{`{"host":"play.example.com","port":25565,"username":"Steve","token":"tok"}`, true},
	}
	for _, tc := range cases {
		msg, err := Decode([]byte(tc.raw))
		if err != nil {
			t.Fatalf("%s: %v", tc.raw, err)
		}
		if msg.Kind != KindConnect {
			t.Fatalf("%s: kind = %s", tc.raw, msg.Kind)
		}
		if msg.Connect.Host != "play.example.com" || msg.Connect.Port != 25565 {
			t.Errorf("%s: connect = %+v", tc.raw, msg.Connect)
		}
		if msg.Connect.Direct() != tc.direct {
			t.Errorf("%s: direct = %v", tc.raw, msg.Connect.Direct())
		}
	}
}

func TestDecodeMalformed(t *testing.T) {
	for _, raw := range []string{
		`not json`,
		`{"name":"chat"}`,
		`{"data":{"message":"hi"}}`,
		`{"name":"chat","data":null}`,
		`{"name":7,"data":{}}`,
		`[1,2,3]`,
	} {
		if _, err := Decode([]byte(raw)); !errors.Is(err, ErrMalformedMessage) {
			t.Errorf("%s: err = %v, want ErrMalformedMessage", raw, err)
		}
	}
}

func TestDecodeControl(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"ping"}`))
	if err != nil {
		t.Fatal(err)
	}
	if msg.Kind != KindControl {
		t.Fatalf("kind = %s, want control", msg.Kind)
	}
}

func TestPacketJSONExact(t *testing.T) {
	p := Packet{Name: "keep_alive", Data: Map(map[string]Value{"id": Int(1)})}
	b, err := json.Marshal(p)
	if err != nil {
		t.Fatal(err)
	}
	if got := string(b); got != `{"name":"keep_alive","data":{"id":1}}` {
		t.Fatalf("json = %s", got)
	}
}

func TestErrorMessageJSON(t *testing.T) {
	b, _ := json.Marshal(ErrorMessage{Error: "Invalid session"})
	if string(b) != `{"error":"Invalid session"}` {
		t.Fatalf("json = %s", b)
	}
}
