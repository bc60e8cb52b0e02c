package bus

import "testing"

func TestChannels_RoundTrip(t *testing.T) {
	tests := []struct {
		channel string
		kind    string
		id      string
		ok      bool
	}{
		{ProjectChannel("p1"), "project", "p1", true},
		{RunChannel("r-9"), "run", "r-9", true},
		{"project:", "", "", false},
		{"session:abc", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.channel, func(t *testing.T) {
			kind, id, ok := ParseChannel(tt.channel)
			if kind != tt.kind || id != tt.id || ok != tt.ok {
				t.Fatalf("ParseChannel(%q) = %q, %q, %v", tt.channel, kind, id, ok)
			}
		})
	}
}

func TestMatches(t *testing.T) {
	tests := []struct {
		pattern, topic string
		want           bool
	}{
		{"", "run:r1", true},
		{"run:", "run:r1", true},
		{"run:r1", "run:r1", true},
		{"run:r1", "run:r12", false},
		{"project:", "run:r1", false},
	}
	for _, tt := range tests {
		if got := matches(tt.pattern, tt.topic); got != tt.want {
			t.Errorf("matches(%q, %q) = %v, want %v", tt.pattern, tt.topic, got, tt.want)
		}
	}
}
