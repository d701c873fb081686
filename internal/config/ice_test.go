package config

import "testing"

func TestParseICEServers(t *testing.T) {
	t.Parallel()

	servers, err := ParseICEServers(
		"stun:stun.example.com:3478",
		"turn:turn.example.com:3478?transport=udp",
		"user",
		"pass",
	)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("expected 2 servers, got %d", len(servers))
	}
	if servers[0].Username != "" || servers[0].Credential != nil {
		t.Fatalf("stun server should not have creds: %#v", servers[0])
	}
	if servers[1].Username != "user" {
		t.Fatalf("unexpected turn username: %q", servers[1].Username)
	}
	if servers[1].Credential.(string) != "pass" {
		t.Fatalf("unexpected turn credential: %#v", servers[1].Credential)
	}
}

func TestParseICEServers_MultipleSTUNURLs(t *testing.T) {
	t.Parallel()

	servers, err := ParseICEServers("stun:a.example.com:3478, stun:b.example.com:3478", "", "", "")
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if len(servers) != 1 {
		t.Fatalf("expected 1 server, got %d", len(servers))
	}
	if got := servers[0].URLs; len(got) != 2 || got[1] != "stun:b.example.com:3478" {
		t.Fatalf("unexpected urls: %#v", got)
	}
}

func TestParseICEServers_RejectsTURNWithoutCreds(t *testing.T) {
	t.Parallel()

	_, err := ParseICEServers("", "turn:turn.example.com:3478?transport=udp", "", "")
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestParseICEServers_RejectsUnknownScheme(t *testing.T) {
	t.Parallel()

	_, err := ParseICEServers("https://stun.example.com", "", "", "")
	if err == nil {
		t.Fatal("expected error")
	}
}
