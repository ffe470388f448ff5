package framing

import "testing"

func TestClassify(t *testing.T) {
	tests := []struct {
		name  string
		byte0 byte
		want  MqttPacketKind
	}{
		{"connect", 0x10, Connect},
		{"connect with flags", 0x1F, Connect},
		{"publish", 0x30, Publish},
		{"publish with flags", 0x3D, Publish},
		{"pingreq", 0xC0, Other},
		{"connack", 0x20, Other},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.byte0); got != tt.want {
				t.Errorf("Classify(%#x) = %v, want %v", tt.byte0, got, tt.want)
			}
		})
	}
}

func TestDecodeRemainingLength(t *testing.T) {
	tests := []struct {
		name       string
		in         []byte
		wantValue  int
		wantUsed   int
		wantStatus RLStatus
	}{
		{"zero", []byte{0x00}, 0, 1, RLOk},
		{"single byte", []byte{0x0F}, 15, 1, RLOk},
		{"two bytes", []byte{0x80, 0x01}, 128, 2, RLOk},
		{"max legal value", []byte{0xFF, 0xFF, 0xFF, 0x7F}, MaxRemainingLength, 4, RLOk},
		{"incomplete empty", nil, 0, 0, RLIncomplete},
		{"incomplete one byte", []byte{0x80}, 0, 0, RLIncomplete},
		{"incomplete three bytes", []byte{0xFF, 0xFF, 0xFF}, 0, 0, RLIncomplete},
		{"malformed four continuation bytes", []byte{0xFF, 0xFF, 0xFF, 0xFF}, 0, 0, RLMalformed},
		{"malformed five bytes", []byte{0xFF, 0xFF, 0xFF, 0xFF, 0x01}, 0, 0, RLMalformed},
		{"extra trailing bytes ignored", []byte{0x0F, 0xAB, 0xCD}, 15, 1, RLOk},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			value, used, status := DecodeRemainingLength(tt.in)
			if status != tt.wantStatus {
				t.Fatalf("status = %v, want %v", status, tt.wantStatus)
			}
			if status != RLOk {
				return
			}
			if value != tt.wantValue || used != tt.wantUsed {
				t.Errorf("got (%d, %d), want (%d, %d)", value, used, tt.wantValue, tt.wantUsed)
			}
		})
	}
}

func TestDecodeRemainingLengthRoundTrip(t *testing.T) {
	for _, v := range []int{0, 1, 127, 128, 16383, 16384, 2097151, 2097152, MaxRemainingLength} {
		encoded := EncodeRemainingLength(v)
		if len(encoded) > 4 {
			t.Fatalf("EncodeRemainingLength(%d) used %d bytes, want <=4", v, len(encoded))
		}
		gotValue, gotUsed, status := DecodeRemainingLength(encoded)
		if status != RLOk {
			t.Fatalf("DecodeRemainingLength(encode(%d)) status = %v, want RLOk", v, status)
		}
		if gotValue != v || gotUsed != len(encoded) {
			t.Errorf("round-trip(%d) = (%d, %d), want (%d, %d)", v, gotValue, gotUsed, v, len(encoded))
		}
	}
}

func TestDecodeRemainingLengthNeverExceedsInput(t *testing.T) {
	inputs := [][]byte{
		{0x00},
		{0x80, 0x80, 0x80, 0x01},
		{0x80, 0x80},
		{},
	}
	for _, in := range inputs {
		_, used, status := DecodeRemainingLength(in)
		if status == RLOk && used > len(in) {
			t.Errorf("used %d bytes decoding %v of length %d", used, in, len(in))
		}
	}
}
