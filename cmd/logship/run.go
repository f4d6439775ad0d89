package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cuemby/logship/pkg/agent"
	"github.com/cuemby/logship/pkg/api"
	"github.com/cuemby/logship/pkg/types"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Ship log lines read from stdin",
	Long: `Run an agent that reads one log entry per line from stdin and ships it.

Lines may be plain text, recorded at the --stdin-level level, or JSON
objects with "level" and "message" keys; any other keys are kept as
structured fields. On unix, SIGUSR1 triggers an immediate push cycle. SIGINT,
SIGTERM or the end of input close the agent after a final push.

Examples:
  # Ship a service's output
  myservice 2>&1 | logship run --endpoint https://logs.example.com/ingest

  # Serve /metrics, /health and /ready
  logship run -c /etc/logship.yaml --metrics-addr :9464`,
	RunE: runAgent,
}

func init() {
	runCmd.Flags().String("stdin-level", "info", "Level for plain text lines")
	runCmd.Flags().String("metrics-addr", "", "Serve metrics and health on this address (overrides config)")
	runCmd.Flags().Bool("print", false, "Mirror accepted entries to stdout")
	runCmd.Flags().Duration("shutdown-timeout", 30*time.Second, "Bound on the final push at shutdown")
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	levelName, _ := cmd.Flags().GetString("stdin-level")
	plainLevel, err := types.ParseLevel(levelName)
	if err != nil {
		return err
	}
	if addr, _ := cmd.Flags().GetString("metrics-addr"); addr != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Address = addr
	}
	if cmd.Flags().Changed("print") {
		cfg.PrintToStdout, _ = cmd.Flags().GetBool("print")
	}

	a, err := agent.New(cfg, agent.Dependencies{})
	if err != nil {
		return fmt.Errorf("failed to start agent: %v", err)
	}
	defer a.CrashHook()

	var health *api.HealthServer
	if cfg.Metrics.Enabled {
		health = api.NewHealthServer()
		addr, err := health.Start(cfg.Metrics.Address)
		if err != nil {
			return fmt.Errorf("failed to start metrics server: %v", err)
		}
		fmt.Fprintf(os.Stderr, "Serving metrics on http://%s/metrics\n", addr)
	}

	lines := make(chan string, 256)
	go readLines(cmd.InOrStdin(), lines)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, watchedSignals()...)
	defer signal.Stop(sigCh)

loop:
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				break loop
			}
			a.Log(func(b *types.Builder) { parseLine(b, line, plainLevel) })
		case sig := <-sigCh:
			if isPushSignal(sig) {
				a.NotifyBackground()
				continue
			}
			fmt.Fprintln(os.Stderr, "Shutting down...")
			break loop
		}
	}

	timeout, _ := cmd.Flags().GetDuration("shutdown-timeout")
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if health != nil {
		_ = health.Stop(ctx)
	}
	return a.Close(ctx)
}

// watchedSignals lists the signals run listens for, including the push
// signal where the platform has one
func watchedSignals() []os.Signal {
	signals := []os.Signal{os.Interrupt, syscall.SIGTERM}
	if pushSignal != nil {
		signals = append(signals, pushSignal)
	}
	return signals
}

func isPushSignal(sig os.Signal) bool {
	return pushSignal != nil && sig == pushSignal
}

func readLines(r io.Reader, out chan<- string) {
	defer close(out)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		out <- line
	}
}

// parseLine fills b from a JSON object line, or treats the line as plain
// text at plainLevel
func parseLine(b *types.Builder, line string, plainLevel types.Level) {
	var doc map[string]any
	if !strings.HasPrefix(line, "{") || json.Unmarshal([]byte(line), &doc) != nil {
		b.Level(plainLevel).Message(line)
		return
	}

	level := plainLevel
	if s, ok := doc["level"].(string); ok {
		if parsed, err := types.ParseLevel(s); err == nil {
			level = parsed
		}
	}
	b.Level(level)
	delete(doc, "level")

	if msg, ok := doc["message"].(string); ok {
		b.Message(msg)
		delete(doc, "message")
	}
	if msg, ok := doc["error"].(string); ok {
		b.Err(errorString(msg))
		delete(doc, "error")
	}
	b.Fields(doc)
}

type errorString string

func (e errorString) Error() string { return string(e) }
