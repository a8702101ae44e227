package native

import "testing"

func TestCString(t *testing.T) {
	buf := make([]byte, 16)
	copy(buf, "koe")
	if got := CString(buf); got != "koe" {
		t.Fatalf("expected koe, got %q", got)
	}
	if got := CString([]byte("full")); got != "full" {
		t.Fatalf("expected unterminated buffer to be returned whole, got %q", got)
	}
}

func TestCopyBytesNil(t *testing.T) {
	if CopyBytes(0, 10) != nil {
		t.Fatal("expected nil for null pointer")
	}
}

func TestOpenMissingLibrary(t *testing.T) {
	if _, err := Open("/nonexistent/libAquesTalk.so"); err == nil {
		t.Fatal("expected error opening missing library")
	}
}
