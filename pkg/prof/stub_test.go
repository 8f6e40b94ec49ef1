//go:build !profile

package prof

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func TestStub(t *testing.T) {
	if Enabled {
		t.Fatal("Enabled = true without the profile tag")
	}

	path := filepath.Join(t.TempDir(), "cpu.prof")
	if err := StartCPU(path); err != nil {
		t.Errorf("StartCPU() error = %v", err)
	}
	if err := StopCPU(); err != nil {
		t.Errorf("StopCPU() error = %v", err)
	}
	if err := Write(ProfileHeap, path); err != nil {
		t.Errorf("Write() error = %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("stub created %s", path)
	}

	mux := http.NewServeMux()
	Register(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("GET /debug/pprof/ = %d, want %d", rec.Code, http.StatusNotFound)
	}
}
