package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"strata/internal/config"
	"strata/internal/protocol"
	"strata/internal/server"
)

func freeAddress(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	return ln.Addr().String()
}

func TestConfigValidateCommand(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "strata.yaml")
	if err := os.WriteFile(path, []byte("data_dir: "+dir+"\ndispatch: { shards: 0 }\n"), 0644); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"config", "validate", "--config", path})
	err := rootCmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "dispatch.shards") {
		t.Errorf("err = %v, want a dispatch.shards validation error", err)
	}

	if err := os.WriteFile(path, []byte("data_dir: "+dir+"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	out.Reset()
	rootCmd.SetArgs([]string{"config", "validate", "--config", path})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if !strings.Contains(out.String(), "configuration is valid") {
		t.Errorf("output = %q", out.String())
	}
}

// TestServe starts the full stack, writes through TCP, shuts down and starts
// again to check the data survived.
func TestServe(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.TCP.Address = freeAddress(t)
	cfg.HTTP.Enabled = false
	cfg.Metrics.IncludeGoCollector = false
	cfg.Metrics.IncludeProcessCollector = false
	cfg.MessageSaver.Interval = config.Duration(50 * time.Millisecond)

	run := func(t *testing.T, body func(c *server.Client)) {
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- serve(ctx, cfg, logger) }()

		var c *server.Client
		deadline := time.Now().Add(5 * time.Second)
		for {
			dialCtx, dialCancel := context.WithTimeout(context.Background(), time.Second)
			var err error
			c, err = server.Dial(dialCtx, cfg.TCP.Address)
			dialCancel()
			if err == nil {
				break
			}
			if time.Now().After(deadline) {
				cancel()
				t.Fatalf("server never came up: %v", err)
			}
			time.Sleep(20 * time.Millisecond)
		}

		body(c)
		c.Close()

		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("serve returned %v", err)
			}
		case <-time.After(10 * time.Second):
			t.Fatal("serve did not stop")
		}
	}

	reqCtx := func() context.Context {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		t.Cleanup(cancel)
		return ctx
	}

	run(t, func(c *server.Client) {
		if _, err := c.Do(reqCtx(), protocol.CreateStream{Name: "logs"}); err != nil {
			t.Fatalf("CreateStream failed: %v", err)
		}
		if _, err := c.Do(reqCtx(), protocol.CreateTopic{
			StreamID: protocol.MustNamedID("logs"), PartitionsCount: 1, ReplicationFactor: 1, Name: "app",
		}); err != nil {
			t.Fatalf("CreateTopic failed: %v", err)
		}
		if _, err := c.Do(reqCtx(), protocol.SendMessages{
			StreamID:     protocol.MustNamedID("logs"),
			TopicID:      protocol.MustNamedID("app"),
			Partitioning: protocol.BalancedPartitioning(),
			Messages:     []protocol.Message{{ID: uuid.New(), Payload: []byte("started")}},
		}); err != nil {
			t.Fatalf("SendMessages failed: %v", err)
		}
	})

	run(t, func(c *server.Client) {
		payload, err := c.Do(reqCtx(), protocol.PollMessages{
			StreamID:    protocol.MustNamedID("logs"),
			TopicID:     protocol.MustNamedID("app"),
			PartitionID: 1,
			Strategy:    protocol.FirstStrategy(),
			Count:       10,
		})
		if err != nil {
			t.Fatalf("PollMessages after restart failed: %v", err)
		}
		msgs, err := protocol.DecodeMessages(payload)
		if err != nil || len(msgs) != 1 || string(msgs[0].Payload) != "started" {
			t.Errorf("polled after restart = %+v, %v", msgs, err)
		}
	})
}

func TestClientCommands(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.TCP.Address = freeAddress(t)
	cfg.HTTP.Enabled = false
	cfg.Metrics.IncludeGoCollector = false
	cfg.Metrics.IncludeProcessCollector = false

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, cfg, logger) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	deadline := time.Now().Add(5 * time.Second)
	for {
		conn, err := net.Dial("tcp", cfg.TCP.Address)
		if err == nil {
			conn.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server never came up: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	run := func(args ...string) string {
		t.Helper()
		var out bytes.Buffer
		rootCmd.SetOut(&out)
		rootCmd.SetArgs(append(args, "--address", cfg.TCP.Address))
		if err := rootCmd.Execute(); err != nil {
			t.Fatalf("%v failed: %v", args, err)
		}
		return out.String()
	}

	if out := run("ping"); !strings.HasPrefix(out, "pong from") {
		t.Errorf("ping output = %q", out)
	}
	if out := run("create-stream", "Payments"); !strings.Contains(out, `created stream 1 "payments"`) {
		t.Errorf("create-stream output = %q", out)
	}
	if out := run("create-topic", "payments", "orders", "--partitions", "2"); !strings.Contains(out, "created topic 1") {
		t.Errorf("create-topic output = %q", out)
	}
	if out := run("send", "payments", "orders", "first", "second", "--partition", "2"); !strings.Contains(out, "partition 2 at offset 0") {
		t.Errorf("send output = %q", out)
	}
	if out := run("streams"); !strings.Contains(out, "payments") {
		t.Errorf("streams output = %q", out)
	}

	out := run("poll", "1", "orders", "--partition", "2", "--offset", "1", "-o", "json")
	var polled []map[string]any
	if err := json.Unmarshal([]byte(out), &polled); err != nil {
		t.Fatalf("poll output is not JSON: %v\n%s", err, out)
	}
	if len(polled) != 1 || polled[0]["payload"] != "second" {
		t.Errorf("polled = %v", polled)
	}

	out = run("bench", "payments", "orders", "--batches", "4", "--batch", "10", "--concurrency", "2", "--size", "16")
	if !strings.Contains(out, "Total Messages:     40") || !strings.Contains(out, "Error Count:        0") {
		t.Errorf("bench output = %q", out)
	}

	if _, err := os.Stat(filepath.Join(cfg.DataDir, "streams")); err != nil {
		t.Errorf("stream data missing: %v", err)
	}
}
