package mqtt

import "testing"

func TestValidateFlags(t *testing.T) {
	tests := []struct {
		pt     PacketType
		flags  byte
		expect bool
	}{
		{CONNECT, 0x00, true},   // 合法
		{CONNECT, 0x01, false},  // 非法
		{PUBREL, 0x02, true},    // 合法
		{PUBREL, 0x03, false},   // 非法
		{PUBREL, 0x00, false},   // 固定值必须为 0010
		{PUBLISH, 0x0F, true},   // 允许所有标志位
		{SUBSCRIBE, 0x02, true}, // 合法
	}

	for _, tt := range tests {
		result := ValidateFlags(tt.pt, tt.flags)
		if result != tt.expect {
			t.Errorf("类型=%X 标志=%04b 期望=%v 实际=%v",
				tt.pt, tt.flags, tt.expect, result)
		}
	}
}

func TestMinQoS(t *testing.T) {
	if MinQoS(AtLeastOnce, AtMostOnce) != AtMostOnce {
		t.Fatal("expected QoS 0")
	}
	if MinQoS(ExactlyOnce, AtLeastOnce) != AtLeastOnce {
		t.Fatal("expected QoS 1")
	}
	if QoS(3).Valid() {
		t.Fatal("QoS 3 must be invalid")
	}
}

func TestMessageClone(t *testing.T) {
	original := &Message{Topic: "a/b", Payload: []byte("on"), QoS: AtLeastOnce}
	clone := original.Clone()
	clone.Payload[0] = 'x'
	if string(original.Payload) != "on" {
		t.Fatalf("clone shares payload with original: %q", original.Payload)
	}
}
