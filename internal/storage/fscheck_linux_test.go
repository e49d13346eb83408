//go:build linux

package storage

import "testing"

func TestDetectFilesystemTypeLinux(t *testing.T) {
	fsType, err := detectFilesystemType(t.TempDir())
	if err != nil {
		t.Fatalf("detectFilesystemType() error = %v", err)
	}
	if fsType == "" {
		t.Fatalf("detectFilesystemType() returned an empty type")
	}

	if _, err := detectFilesystemType("/definitely/not/here"); err == nil {
		t.Fatalf("detectFilesystemType(missing) expected error")
	}
}
