package transport

import "testing"

func TestChatTargetRecipient(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   ChatTarget
		want string
		zero bool
	}{
		{ChatTarget{ChatID: 123}, "123", false},
		{ChatTarget{ChatID: -100500, Username: "ignored"}, "-100500", false},
		{ChatTarget{Username: "vpn_user"}, "@vpn_user", false},
		{ChatTarget{Username: "@vpn_user"}, "@vpn_user", false},
		{ChatTarget{Username: "  "}, "", true},
		{ChatTarget{}, "", true},
	}
	for _, tt := range tests {
		if got := tt.in.Recipient(); got != tt.want {
			t.Errorf("%+v.Recipient() = %q, want %q", tt.in, got, tt.want)
		}
		if got := tt.in.IsZero(); got != tt.zero {
			t.Errorf("%+v.IsZero() = %v, want %v", tt.in, got, tt.zero)
		}
	}
}
