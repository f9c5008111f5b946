package render

import (
	"testing"

	"github.com/chromedp/cdproto/network"
)

func TestNavigationOK(t *testing.T) {
	tests := []struct {
		name string
		resp *network.Response
		want bool
	}{
		{"ok", &network.Response{Status: 200}, true},
		{"created", &network.Response{Status: 201}, true},
		{"redirect already followed is not success", &network.Response{Status: 301}, false},
		{"not found", &network.Response{Status: 404}, false},
		{"server error", &network.Response{Status: 503}, false},
		{"missing response", nil, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := navigationOK(tc.resp); got != tc.want {
				t.Fatalf("navigationOK(%+v) = %v, want %v", tc.resp, got, tc.want)
			}
		})
	}
}

func TestResponseStatus(t *testing.T) {
	if got := responseStatus(&network.Response{Status: 418}); got != 418 {
		t.Fatalf("status = %d", got)
	}
	if got := responseStatus(nil); got != 0 {
		t.Fatalf("nil status = %d", got)
	}
}

func TestChromeDefaults(t *testing.T) {
	c := &Chrome{}
	if c.settle() <= 0 {
		t.Fatal("settle delay must default to a positive duration")
	}
	if c.timeout() <= c.settle() {
		t.Fatal("render timeout must exceed the settle delay")
	}
}
