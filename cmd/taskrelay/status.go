package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/taskrelay/internal/config"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon health (/healthz)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStatus(cmd.Context(), cmd.OutOrStdout())
	},
}

func runStatus(ctx context.Context, out io.Writer) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config load: %w", err)
	}

	req, cancel, err := healthRequest(ctx, cfg.BindAddr)
	if err != nil {
		return err
	}
	defer cancel()

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("daemon not reachable: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	_, _ = out.Write(body)
	if len(body) == 0 || body[len(body)-1] != '\n' {
		_, _ = out.Write([]byte("\n"))
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("daemon unhealthy: %s", resp.Status)
	}
	return nil
}

func healthRequest(ctx context.Context, addr string) (*http.Request, context.CancelFunc, error) {
	addr = strings.TrimSpace(addr)
	var healthURL string
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		healthURL = strings.TrimRight(addr, "/") + "/healthz"
	} else {
		// A wildcard bind is reached through loopback.
		if host, port, err := net.SplitHostPort(addr); err == nil {
			if host == "" || host == "0.0.0.0" || host == "::" {
				host = "127.0.0.1"
			}
			addr = net.JoinHostPort(host, port)
		}
		healthURL = "http://" + addr + "/healthz"
	}

	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, healthURL, nil)
	if err != nil {
		cancel()
		return nil, nil, fmt.Errorf("request: %w", err)
	}
	return req, cancel, nil
}

// daemonAnswers reports whether a daemon responds on addr. Any HTTP answer
// counts, healthy or not.
func daemonAnswers(ctx context.Context, addr string) bool {
	req, cancel, err := healthRequest(ctx, addr)
	if err != nil {
		return false
	}
	defer cancel()
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return true
}
