package security

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateEndpointURL(t *testing.T) {
	orig := lookupHost
	t.Cleanup(func() { lookupHost = orig })
	lookupHost = func(host string) ([]string, error) {
		switch host {
		case "notify.carebid.test":
			return []string{"203.0.113.10"}, nil
		case "internal.carebid.test":
			return []string{"10.0.0.5"}, nil
		}
		return nil, &net.DNSError{Err: "no such host", Name: host}
	}

	tests := []struct {
		name    string
		url     string
		tls     bool
		wantErr bool
	}{
		{"public https", "https://notify.carebid.test/hook", true, false},
		{"http allowed outside production", "http://notify.carebid.test/hook", false, false},
		{"http rejected in production", "http://notify.carebid.test/hook", true, true},
		{"resolves to private", "https://internal.carebid.test/hook", false, true},
		{"unresolvable", "https://nowhere.carebid.test", false, true},
		{"loopback literal", "http://127.0.0.1:9000", false, true},
		{"metadata host", "http://metadata.google.internal/", false, true},
		{"localhost", "http://localhost:8080", false, true},
		{"bad scheme", "ftp://notify.carebid.test", false, true},
		{"no host", "https://", false, true},
		{"public literal", "https://203.0.113.7/hook", true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateEndpointURL(tt.url, tt.tls)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
