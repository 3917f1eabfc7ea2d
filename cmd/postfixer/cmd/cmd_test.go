package cmd

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestCommandsRegistered(t *testing.T) {
	want := []string{"serve", "stop", "version", "hash-key", "init-config"}
	registered := make(map[string]bool)
	for _, cmd := range rootCmd.Commands() {
		registered[cmd.Name()] = true
	}
	for _, name := range want {
		if !registered[name] {
			t.Errorf("%s command not registered with rootCmd", name)
		}
	}
}

func TestServeCmd_FlagDefaults(t *testing.T) {
	host, err := serveCmd.Flags().GetString("host")
	if err != nil {
		t.Fatalf("failed to get host flag: %v", err)
	}
	if host != "" {
		t.Errorf("host default = %q, want empty (config decides)", host)
	}

	port, err := serveCmd.Flags().GetInt("port")
	if err != nil {
		t.Fatalf("failed to get port flag: %v", err)
	}
	if port != 0 {
		t.Errorf("port default = %d, want 0 (config decides)", port)
	}

	store, err := serveCmd.Flags().GetString("store")
	if err != nil {
		t.Fatalf("failed to get store flag: %v", err)
	}
	if store != "" {
		t.Errorf("store default = %q, want empty (config decides)", store)
	}
}

func TestPIDFilePath(t *testing.T) {
	orig := pidFile
	defer func() { pidFile = orig }()

	pidFile = ""
	if got := pidFilePath(); got != "postfixer.pid" {
		t.Errorf("pidFilePath() = %q, want postfixer.pid", got)
	}

	pidFile = "/var/run/postfixer/custom.pid"
	if got := pidFilePath(); got != "/var/run/postfixer/custom.pid" {
		t.Errorf("pidFilePath() = %q, want the flag value", got)
	}
}

func TestWriteAndReadPIDFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "postfixer.pid")

	if err := writePIDFile(path); err != nil {
		t.Fatalf("writePIDFile() error: %v", err)
	}
	if got := readPIDFile(path); got != os.Getpid() {
		t.Errorf("readPIDFile() = %d, want own pid %d", got, os.Getpid())
	}
}

func TestReadPIDFile_Unreadable(t *testing.T) {
	dir := t.TempDir()

	if got := readPIDFile(filepath.Join(dir, "absent.pid")); got != 0 {
		t.Errorf("readPIDFile(missing) = %d, want 0", got)
	}

	garbage := filepath.Join(dir, "garbage.pid")
	if err := os.WriteFile(garbage, []byte("not-a-pid\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if got := readPIDFile(garbage); got != 0 {
		t.Errorf("readPIDFile(garbage) = %d, want 0", got)
	}

	negative := filepath.Join(dir, "negative.pid")
	if err := os.WriteFile(negative, []byte("-4\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if got := readPIDFile(negative); got != 0 {
		t.Errorf("readPIDFile(negative) = %d, want 0", got)
	}

	padded := filepath.Join(dir, "padded.pid")
	if err := os.WriteFile(padded, []byte("  4242 \n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if got := readPIDFile(padded); got != 4242 {
		t.Errorf("readPIDFile(padded) = %d, want 4242", got)
	}
}

func TestInitConfig(t *testing.T) {
	origOutput, origForce := initConfigOutput, initConfigForce
	defer func() { initConfigOutput, initConfigForce = origOutput, origForce }()

	initConfigOutput = filepath.Join(t.TempDir(), "postfixer.yaml")
	initConfigForce = false

	if err := runInitConfig(initConfigCmd, nil); err != nil {
		t.Fatalf("runInitConfig() error: %v", err)
	}

	raw, err := os.ReadFile(initConfigOutput)
	if err != nil {
		t.Fatalf("read generated config: %v", err)
	}
	for _, want := range []string{"policy_server:", "port: 5002", "inquiry_ttl: 24h0m0s", "level: info"} {
		if !strings.Contains(string(raw), want) {
			t.Errorf("generated config missing %q", want)
		}
	}

	// A second run must refuse to clobber the file.
	if err := runInitConfig(initConfigCmd, nil); err == nil {
		t.Fatal("runInitConfig() overwrote an existing file without --force")
	}

	initConfigForce = true
	if err := runInitConfig(initConfigCmd, nil); err != nil {
		t.Fatalf("runInitConfig() with --force error: %v", err)
	}
}
