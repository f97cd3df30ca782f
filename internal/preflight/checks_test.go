package preflight

import "testing"

func TestShellResolves(t *testing.T) {
	checks, ok := CheckAll("/bin/sh")
	if !ok {
		t.Fatal("/bin/sh did not resolve")
	}
	if checks[0].Name != "shell" || !checks[0].OK {
		t.Fatalf("shell check = %+v", checks[0])
	}
}

func TestMissingShell(t *testing.T) {
	_, ok := CheckAll("/no/such/shell-binary")
	if ok {
		t.Fatal("nonexistent shell reported as usable")
	}
}
