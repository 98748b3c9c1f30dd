// Command signed-call signs one request with a peer's shared secret, sends
// it and prints the reply. Operators use it to probe peers by hand.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"bbb-stream-controller/internal/observability/logging"
	"bbb-stream-controller/internal/observability/metrics"
	"bbb-stream-controller/internal/peers"
	"bbb-stream-controller/internal/rpc"
)

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := pflag.NewFlagSet("signed-call", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	peerURL := fs.String("url", "", "peer base URL")
	role := fs.String("role", string(peers.RoleEncoder), "peer role; frontends are addressed under /api/v1")
	secret := fs.String("secret", "", "peer shared secret (defaults to $BBB_CONTROLLER_PEER_SECRET)")
	endpoint := fs.String("endpoint", "", "endpoint name, e.g. startStream")
	params := fs.StringArrayP("param", "p", nil, "request parameter as key=value (repeatable)")
	body := fs.String("json", "", "request parameters as a JSON object; merged under --param values")
	timeout := fs.Duration("timeout", 10*time.Second, "per-call timeout")
	insecure := fs.Bool("insecure", false, "skip TLS certificate verification")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}

	if *secret == "" {
		*secret = strings.TrimSpace(os.Getenv("BBB_CONTROLLER_PEER_SECRET"))
	}
	peer := peers.Peer{ID: "cli", Role: peers.Role(strings.TrimSpace(*role)), URL: strings.TrimSpace(*peerURL), Secret: *secret}
	if peer.URL == "" || peer.Secret == "" || strings.TrimSpace(*endpoint) == "" {
		fmt.Fprintln(stderr, "--url, --secret and --endpoint are required")
		return 2
	}
	if !peer.Role.Valid() {
		fmt.Fprintf(stderr, "unknown role %q\n", peer.Role)
		return 2
	}

	values, err := buildParams(*body, *params)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}

	client := rpc.NewClient(rpc.Config{
		InsecureSkipVerify: *insecure,
		Timeout:            *timeout,
		Logger:             logging.Discard(),
		Metrics:            metrics.New(),
	})
	result := client.Call(ctx, peer, strings.TrimSpace(*endpoint), values)

	fmt.Fprintf(stdout, "POST %s/%s\n", peer.APIURL(), strings.TrimSpace(*endpoint))
	fmt.Fprintf(stdout, "outcome: %s\n", result.Outcome)
	if result.StatusCode != 0 {
		fmt.Fprintf(stdout, "status: %d\n", result.StatusCode)
	}
	if result.Message != "" {
		fmt.Fprintf(stdout, "message: %s\n", result.Message)
	}
	switch {
	case len(result.Content) > 0 && string(result.Content) != "null":
		fmt.Fprintln(stdout, prettyJSON(string(result.Content)))
	case result.RawBody != "":
		fmt.Fprintln(stdout, result.RawBody)
	}
	if !result.OK() {
		return 1
	}
	return 0
}

func buildParams(body string, pairs []string) (map[string]any, error) {
	values := make(map[string]any)
	if strings.TrimSpace(body) != "" {
		decoder := json.NewDecoder(strings.NewReader(body))
		decoder.UseNumber()
		if err := decoder.Decode(&values); err != nil {
			return nil, fmt.Errorf("parse --json: %w", err)
		}
	}
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --param %q, expected key=value", pair)
		}
		values[key] = value
	}
	return values, nil
}

func prettyJSON(raw string) string {
	var out bytes.Buffer
	if err := json.Indent(&out, []byte(raw), "", "  "); err != nil {
		return raw
	}
	return out.String()
}
