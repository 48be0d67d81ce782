package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net"
	"os"
	"os/exec"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentmux/agentmux/pkg/client"
)

var launchCmd = &cobra.Command{
	Use:   "launch",
	Short: "Reserve a port, mint an auth token, and spawn a gateway",
	Long: `Launch a gateway on a reserved loopback port with a freshly
minted auth token, then wait for it to accept connections. The control
address and token are printed for the client process.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		retryWindow, _ := cmd.Flags().GetDuration("retry-window")
		retryDelay, _ := cmd.Flags().GetDuration("retry-delay")

		controlAddr, err := reserveLoopbackPort()
		if err != nil {
			return err
		}
		token, err := mintToken()
		if err != nil {
			return err
		}

		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("failed to resolve executable: %w", err)
		}

		gwArgs := []string{"gateway", "--control-addr", controlAddr}
		if configPath != "" {
			gwArgs = append(gwArgs, "--config", configPath)
		}
		gw := exec.Command(exe, gwArgs...)
		gw.Env = append(os.Environ(), "AGENTMUX_AUTH_TOKEN="+token)
		gw.Stdout = os.Stdout
		gw.Stderr = os.Stderr
		if err := gw.Start(); err != nil {
			return fmt.Errorf("failed to spawn gateway: %w", err)
		}

		if err := waitForGateway(controlAddr, token, retryWindow, retryDelay); err != nil {
			_ = gw.Process.Kill()
			return err
		}

		fmt.Printf("Gateway ready.\n")
		fmt.Printf("  Address: %s\n", controlAddr)
		fmt.Printf("  Token: %s\n", token)
		fmt.Printf("  PID: %d\n", gw.Process.Pid)
		return nil
	},
}

func init() {
	launchCmd.Flags().String("config", "", "Path to yaml config file passed to the gateway")
	launchCmd.Flags().Duration("retry-window", 10*time.Second, "How long to wait for the gateway to accept")
	launchCmd.Flags().Duration("retry-delay", 100*time.Millisecond, "Delay between connection attempts")
}

// reserveLoopbackPort binds port 0, records the assigned address, and
// releases it for the gateway to rebind.
func reserveLoopbackPort() (string, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", fmt.Errorf("failed to reserve port: %w", err)
	}
	addr := l.Addr().String()
	_ = l.Close()
	return addr, nil
}

func mintToken() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to mint token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// waitForGateway retries an authenticated connection until the window
// elapses.
func waitForGateway(addr, token string, window, delay time.Duration) error {
	deadline := time.Now().Add(window)
	for {
		ctx, cancel := context.WithTimeout(context.Background(), delay*10)
		c, err := client.Dial(ctx, addr, token)
		cancel()
		if err == nil {
			_ = c.Close()
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("gateway did not become ready: %w", err)
		}
		time.Sleep(delay)
	}
}
