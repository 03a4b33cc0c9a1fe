package vncauth

import (
	"os"
	"path/filepath"
	"testing"
)

func writePasswdFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vncpasswd")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestReadCredentials(t *testing.T) {
	path := writePasswdFile(t, `
# comment
vncpass1 -> admin:adminpass

	vncpass2 -> user:with:colons
`)

	credentials, ok := NewManager(path, true).ReadCredentials()
	if !ok {
		t.Fatal("Expected a readable passwd file")
	}
	if len(credentials) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(credentials))
	}
	if c := credentials["vncpass1"]; c.User != "admin" || c.Passwd != "adminpass" {
		t.Fatalf("Expected admin:adminpass, got %+v", c)
	}
	// only the first ':' splits, the password may contain more
	if c := credentials["vncpass2"]; c.User != "user" || c.Passwd != "with:colons" {
		t.Fatalf("Expected user:with:colons, got %+v", c)
	}
}

func TestReadCredentialsDisabled(t *testing.T) {
	credentials, ok := NewManager("/nonexistent", false).ReadCredentials()
	if !ok || len(credentials) != 0 {
		t.Fatalf("Expected an empty enabled result, got %v %t", credentials, ok)
	}
}

func TestReadCredentialsBrokenFile(t *testing.T) {
	check := func(content string) {
		path := writePasswdFile(t, content)
		if _, ok := NewManager(path, true).ReadCredentials(); ok {
			t.Fatalf("Expected %q to disable VNCAuth", content)
		}
	}

	check("missing arrow")
	check("vncpass -> nocolon")
	check("vncpass ->  :emptyuser")
	check("dup -> a:b\ndup -> c:d")
}

func TestReadCredentialsMissingFile(t *testing.T) {
	if _, ok := NewManager("/nonexistent", true).ReadCredentials(); ok {
		t.Fatal("Expected a missing file to disable VNCAuth")
	}
}
