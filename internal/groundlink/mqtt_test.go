package groundlink

import "testing"

func TestClientOptionsFromURL(t *testing.T) {
	cases := []struct {
		url        string
		wantPrefix string
	}{
		{"mqtt://broker:1883/rocket", "rocket"},
		{"tcp://broker:1883", ""},
		{"ws://broker:9001/rocket/av", "rocket/av"},
	}
	for _, tc := range cases {
		opts, prefix, err := clientOptionsFromURL(tc.url)
		if err != nil {
			t.Fatalf("%s: %v", tc.url, err)
		}
		if prefix != tc.wantPrefix {
			t.Errorf("%s: prefix = %q, want %q", tc.url, prefix, tc.wantPrefix)
		}
		if len(opts.Servers) != 1 {
			t.Errorf("%s: %d servers, want 1", tc.url, len(opts.Servers))
		}
	}
}

func TestClientOptionsFromURL_DefaultsToTCP(t *testing.T) {
	opts, _, err := clientOptionsFromURL("mqtt://broker:1883")
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if got := opts.Servers[0].Scheme; got != "tcp" {
		t.Fatalf("scheme = %q, want tcp", got)
	}
}
