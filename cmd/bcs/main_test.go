package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bobg/bcs/testutil"
)

func writeConfig(t *testing.T, dir string) string {
	t.Helper()
	conf := filepath.Join(dir, "bcsconf.yaml")
	content := fmt.Sprintf("type: file\nroot: %s\n", filepath.Join(dir, "store"))
	if err := os.WriteFile(conf, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return conf
}

func runCmd(t *testing.T, args ...string) string {
	t.Helper()
	out := new(bytes.Buffer)
	if err := run(context.Background(), args, out); err != nil {
		t.Fatalf("%v: %s", args, err)
	}
	return out.String()
}

func TestPutGet(t *testing.T) {
	var (
		dir  = t.TempDir()
		conf = writeConfig(t, dir)
		in   = filepath.Join(dir, "in.txt")
	)
	if err := os.WriteFile(in, []byte("hello world"), 0644); err != nil {
		t.Fatal(err)
	}

	key := strings.TrimSpace(runCmd(t, "--config", conf, "put", in))
	if key != string(testutil.HelloWorldKey) {
		t.Fatalf("got key %s, want %s", key, testutil.HelloWorldKey)
	}
	if got := runCmd(t, "--config", conf, "get", key); got != "hello world" {
		t.Errorf("got %q", got)
	}
	if got := runCmd(t, "--config", conf, "len", key); got != "11\n" {
		t.Errorf("got length %q", got)
	}
	if got := runCmd(t, "--config", conf, "ls"); got != key+"\n" {
		t.Errorf("got listing %q", got)
	}
	if got := runCmd(t, "--config", conf, "exists", key); got != key+" true\n" {
		t.Errorf("got %q", got)
	}

	runCmd(t, "--config", conf, "rm", key)
	if got := runCmd(t, "--config", conf, "exists", key); got != key+" false\n" {
		t.Errorf("got %q after rm", got)
	}
}

func TestSync(t *testing.T) {
	var (
		dir1  = t.TempDir()
		dir2  = t.TempDir()
		conf1 = writeConfig(t, dir1)
		conf2 = writeConfig(t, dir2)
		in    = filepath.Join(dir1, "in.txt")
	)
	if err := os.WriteFile(in, []byte("synced"), 0644); err != nil {
		t.Fatal(err)
	}
	key := strings.TrimSpace(runCmd(t, "--config", conf1, "put", in))

	runCmd(t, "--config", conf1, "sync", conf2)
	if got := runCmd(t, "--config", conf2, "get", key); got != "synced" {
		t.Errorf("got %q", got)
	}
}

func TestBadLogLevel(t *testing.T) {
	if err := run(context.Background(), []string{"-log-level", "loud", "kinds"}, new(bytes.Buffer)); err == nil {
		t.Error("expected error for bad log level")
	}
}

func TestKinds(t *testing.T) {
	got := runCmd(t, "kinds")
	for _, want := range []string{"file", "mem", "rpc", "s3"} {
		if !strings.Contains(got, want+"\n") {
			t.Errorf("kind %s missing from %q", want, got)
		}
	}
}

func TestUnknownSubcommand(t *testing.T) {
	if err := run(context.Background(), []string{"frobnicate"}, new(bytes.Buffer)); err == nil {
		t.Error("expected error for unknown subcommand")
	}
}
