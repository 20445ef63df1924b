package main

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/victorarias/relayd/internal/daemon"
	"github.com/victorarias/relayd/internal/protocol"
)

func TestParseMetadata(t *testing.T) {
	got, err := parseMetadata([]string{"repo=relayd", "branch=main=x"})
	if err != nil {
		t.Fatalf("parseMetadata: %v", err)
	}
	if got["repo"] != "relayd" || got["branch"] != "main=x" {
		t.Errorf("metadata = %v", got)
	}
	if _, err := parseMetadata([]string{"novalue"}); err == nil {
		t.Error("expected error for missing =")
	}
	if got, _ := parseMetadata(nil); got != nil {
		t.Errorf("empty metadata = %v, want nil", got)
	}
}

func TestRun_UnknownCommand(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := run([]string{"frobnicate"}, &stdout, &stderr); code != 2 {
		t.Errorf("exit code = %d, want 2", code)
	}
	if !strings.Contains(stderr.String(), "unknown command") {
		t.Errorf("stderr = %q", stderr.String())
	}
	if code := run(nil, &stdout, &stderr); code != 2 {
		t.Errorf("no args exit code = %d, want 2", code)
	}
}

func TestRun_ClientCommands(t *testing.T) {
	d := daemon.NewForTesting()
	srv := httptest.NewServer(d.Handler())
	defer func() {
		srv.Close()
		d.Stop()
	}()

	var stdout, stderr bytes.Buffer
	code := run([]string{"create", "--url", srv.URL, "--meta", "repo=relayd", "fix", "the", "bug"}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("create exit code = %d, stderr = %s", code, stderr.String())
	}
	var sess protocol.Session
	if err := json.Unmarshal(stdout.Bytes(), &sess); err != nil {
		t.Fatalf("decode create output: %v", err)
	}
	if sess.ID == "" {
		t.Fatal("create printed no session id")
	}

	stdout.Reset()
	if code := run([]string{"messages", "--url", srv.URL, sess.ID}, &stdout, &stderr); code != 0 {
		t.Fatalf("messages exit code = %d, stderr = %s", code, stderr.String())
	}
	var msgs []protocol.SessionMessage
	json.Unmarshal(stdout.Bytes(), &msgs)
	if len(msgs) != 1 || msgs[0].Content != "fix the bug" || msgs[0].Metadata["repo"] != "relayd" {
		t.Errorf("messages = %+v", msgs)
	}

	stdout.Reset()
	if code := run([]string{"resolve", "--url", srv.URL, sess.ID, "req", "maybe"}, &stdout, &stderr); code != 1 {
		t.Errorf("invalid decision exit code = %d, want 1", code)
	}
	if code := run([]string{"get", "--url", srv.URL}, &stdout, &stderr); code != 1 {
		t.Errorf("missing argument exit code = %d, want 1", code)
	}

	stdout.Reset()
	if code := run([]string{"stop", "--url", srv.URL, sess.ID}, &stdout, &stderr); code != 0 {
		t.Fatalf("stop exit code = %d, stderr = %s", code, stderr.String())
	}
	var stopped protocol.Session
	json.Unmarshal(stdout.Bytes(), &stopped)
	if !stopped.Status.IsTerminal() {
		t.Errorf("status after stop = %s", stopped.Status)
	}
}
