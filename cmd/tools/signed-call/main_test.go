package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"bbb-stream-controller/internal/checksum"
)

func TestRunSignsAndPrintsReply(t *testing.T) {
	var received map[string]any
	var verifyErr error
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/openChannel", r.URL.Path)
		decoder := json.NewDecoder(r.Body)
		decoder.UseNumber()
		_ = decoder.Decode(&received)
		verifyErr = checksum.NewVerifier("edge-secret", time.Minute).Verify(received, "openChannel")
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"success":true,"message":"","content":{"streaming_key":"a2V5"}}`)
	}))
	defer srv.Close()

	var stdout bytes.Buffer
	code := run(context.Background(), []string{
		"--url", srv.URL,
		"--role", "frontend",
		"--secret", "edge-secret",
		"--endpoint", "openChannel",
		"-p", "meetingId=m1",
		"--json", `{"record":true}`,
	}, &stdout, io.Discard)

	require.Equal(t, 0, code)
	require.NoError(t, verifyErr)
	require.Equal(t, "m1", received["meetingId"])
	require.Equal(t, true, received["record"])
	require.Contains(t, stdout.String(), "outcome: ok")
	require.Contains(t, stdout.String(), `"streaming_key": "a2V5"`)
}

func TestRunReportsRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"success":false,"message":"no such meeting"}`)
	}))
	defer srv.Close()

	var stdout bytes.Buffer
	code := run(context.Background(), []string{"--url", srv.URL, "--secret", "s", "--endpoint", "stopStream"}, &stdout, io.Discard)
	require.Equal(t, 1, code)
	require.Contains(t, stdout.String(), "no such meeting")
}

func TestRunValidatesFlags(t *testing.T) {
	t.Setenv("BBB_CONTROLLER_PEER_SECRET", "")
	require.Equal(t, 2, run(context.Background(), []string{"--endpoint", "x"}, io.Discard, io.Discard))
	require.Equal(t, 2, run(context.Background(), []string{"--url", "http://x", "--secret", "s", "--endpoint", "x", "--role", "bogus"}, io.Discard, io.Discard))
	require.Equal(t, 2, run(context.Background(), []string{"--url", "http://x", "--secret", "s", "--endpoint", "x", "-p", "novalue"}, io.Discard, io.Discard))
}

func TestBuildParamsPrefersFlags(t *testing.T) {
	values, err := buildParams(`{"meetingId":"json","n":3}`, []string{"meetingId=flag"})
	require.NoError(t, err)
	require.Equal(t, "flag", values["meetingId"])
	require.Equal(t, json.Number("3"), values["n"])
}
