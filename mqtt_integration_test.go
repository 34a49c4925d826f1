package main

import (
	"bytes"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// buildBinary compiles the corrnet binary into dir
func buildBinary(t *testing.T, dir string) string {
	t.Helper()
	binaryPath := filepath.Join(dir, "corrnet-test")
	buildCmd := exec.Command("go", "build", "-o", binaryPath, ".")
	if output, err := buildCmd.CombinedOutput(); err != nil {
		t.Fatalf("Failed to build binary: %v\n%s", err, output)
	}
	return binaryPath
}

// TestServiceSignalHandling starts the service against a local broker and
// checks it shuts down on SIGINT
func TestServiceSignalHandling(t *testing.T) {
	if os.Getenv("RUN_INTEGRATION_TESTS") != "1" {
		t.Skip("Skipping integration test (set RUN_INTEGRATION_TESTS=1 to run)")
	}

	tmpDir := t.TempDir()
	configYAML := smallNetworkYAML + `mqtt:
  broker: "tcp://localhost:1883"
  publishPrefix: "corrnet-test"
sources:
  - id: rig
    topic: "test/rig/matches"
`
	configPath := writeFile(t, tmpDir, "config.yaml", configYAML)
	binaryPath := buildBinary(t, tmpDir)

	var output bytes.Buffer
	cmd := exec.Command(binaryPath, "serve", "--http-port", "18080", "--config", configPath)
	cmd.Stdout = &output
	cmd.Stderr = &output
	if err := cmd.Start(); err != nil {
		t.Fatalf("Failed to start service: %v", err)
	}

	time.Sleep(2 * time.Second)
	if err := cmd.Process.Signal(os.Interrupt); err != nil {
		t.Logf("Failed to send SIGINT (process may have already exited): %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	select {
	case <-done:
		for _, expected := range []string{"starting corrnet service", "connecting to MQTT broker", "service stopped"} {
			if !strings.Contains(output.String(), expected) {
				t.Errorf("Expected output to contain %q.\nFull output:\n%s", expected, output.String())
			}
		}
	case <-time.After(10 * time.Second):
		t.Error("Service did not shut down within timeout")
		if err := cmd.Process.Kill(); err != nil {
			t.Logf("Failed to kill process: %v", err)
		}
	}
}

// TestServiceMissingConfig checks that an explicit missing config fails fast
func TestServiceMissingConfig(t *testing.T) {
	if os.Getenv("RUN_INTEGRATION_TESTS") != "1" {
		t.Skip("Skipping integration test (set RUN_INTEGRATION_TESTS=1 to run)")
	}

	tmpDir := t.TempDir()
	binaryPath := buildBinary(t, tmpDir)
	output, err := exec.Command(binaryPath, "serve", "--config", filepath.Join(tmpDir, "nonexistent.yaml")).CombinedOutput()
	if err == nil {
		t.Fatal("Expected command to fail, but it succeeded")
	}
	if !strings.Contains(string(output), "config file not found") {
		t.Errorf("Expected missing config error.\nFull output:\n%s", output)
	}
}
