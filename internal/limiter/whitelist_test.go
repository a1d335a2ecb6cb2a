package limiter

import "testing"

func TestCompileWhitelistRejectsBadPatterns(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		patterns []string
	}{
		{name: "bad CIDR", patterns: []string{"10.0.0.0/99"}},
		{name: "malformed glob", patterns: []string{"10.[0.*"}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if _, err := compileWhitelist(tt.patterns); err == nil {
				t.Errorf("expected error for %v", tt.patterns)
			}
		})
	}
}

func TestWhitelistMatch(t *testing.T) {
	t.Parallel()

	m, err := compileWhitelist([]string{
		"127.0.0.1",
		"192.168.1.*",
		"10.0.0.0/8",
		"  ", // blanks are ignored
	})
	if err != nil {
		t.Fatalf("compileWhitelist: %v", err)
	}

	tests := []struct {
		addr string
		want bool
	}{
		{addr: "127.0.0.1", want: true},
		{addr: "127.0.0.2", want: false},
		{addr: "192.168.1.55", want: true},
		{addr: "192.168.2.55", want: false},
		{addr: "10.200.3.4", want: true},
		{addr: "11.0.0.1", want: false},
		{addr: "unknown", want: false},
		{addr: "", want: false},
	}

	for _, tt := range tests {
		if got := m.Match(tt.addr); got != tt.want {
			t.Errorf("Match(%q) = %v, want %v", tt.addr, got, tt.want)
		}
	}
}
