//go:build profile

package prof

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func TestCPU(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cpu.prof")

	if err := StartCPU(path); err != nil {
		t.Fatalf("StartCPU() error = %v", err)
	}
	if err := StartCPU(filepath.Join(t.TempDir(), "again.prof")); !errors.Is(err, ErrCPUProfileActive) {
		t.Errorf("second StartCPU() error = %v, want %v", err, ErrCPUProfileActive)
	}
	if err := StopCPU(); err != nil {
		t.Fatalf("StopCPU() error = %v", err)
	}
	if err := StopCPU(); err != nil {
		t.Errorf("StopCPU() when stopped error = %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() == 0 {
		t.Error("CPU profile is empty")
	}
}

func TestCPU_InvalidPath(t *testing.T) {
	if err := StartCPU("/nonexistent/directory/cpu.prof"); err == nil {
		StopCPU()
		t.Error("StartCPU() error = nil for an invalid path")
	}
}

func TestWrite(t *testing.T) {
	for _, p := range []Profile{ProfileHeap, ProfileAllocs, ProfileGoroutine, ProfileBlock, ProfileMutex} {
		t.Run(string(p), func(t *testing.T) {
			path := filepath.Join(t.TempDir(), string(p)+".prof")
			if err := Write(p, path); err != nil {
				t.Fatalf("Write(%s) error = %v", p, err)
			}
			if _, err := os.Stat(path); err != nil {
				t.Error(err)
			}
		})
	}

	if err := Write("cpu", filepath.Join(t.TempDir(), "cpu.prof")); !errors.Is(err, ErrInvalidProfile) {
		t.Errorf("Write(cpu) error = %v, want %v", err, ErrInvalidProfile)
	}
}

func TestRegister(t *testing.T) {
	mux := http.NewServeMux()
	Register(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("GET /debug/pprof/ = %d, want %d", rec.Code, http.StatusOK)
	}
}
