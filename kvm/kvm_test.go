package kvm

import (
	"testing"

	"github.com/kvmgate/kvmgate/config"
)

func TestParseCiphers(t *testing.T) {
	ciphers, err := parseCiphers("")
	if err != nil || ciphers != nil {
		t.Fatalf("Expected library defaults for an empty list, got %v %v", ciphers, err)
	}

	ciphers, err = parseCiphers("TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256, TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384")
	if err != nil {
		t.Fatal(err)
	}
	if len(ciphers) != 2 {
		t.Fatalf("Expected 2 ciphers, got %v", ciphers)
	}

	if _, err = parseCiphers("NOT_A_CIPHER"); err == nil {
		t.Fatal("Expected an unknown cipher name to be rejected")
	}
}

func TestAuthorizeUserpass(t *testing.T) {
	se := &session{server: &Server{
		Options: Options{Config: config.VNC{
			Users: map[string]string{"admin": "adminpass"},
		}},
	}}

	allow, err := se.AuthorizeUserpass("admin", "adminpass")
	if err != nil || !allow {
		t.Fatalf("Expected access granted, got %t %v", allow, err)
	}

	allow, err = se.AuthorizeUserpass("admin", "wrong")
	if err != nil || allow {
		t.Fatalf("Expected access denied, got %t %v", allow, err)
	}

	allow, err = se.AuthorizeUserpass("nobody", "adminpass")
	if err != nil || allow {
		t.Fatalf("Expected access denied for an unknown user, got %t %v", allow, err)
	}
}
