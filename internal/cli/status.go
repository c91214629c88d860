package cli

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/harun/cadence/internal/daemon"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Long:  `Show whether the cadence daemon is running and whether its gateway answers.`,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	pidFile := daemon.PIDFilePath(cfg.DataDir)
	if !daemon.IsRunning(pidFile) {
		cmd.Println("Status: stopped")
		return nil
	}

	pid, err := daemon.ReadPID(pidFile)
	if err != nil {
		return err
	}

	cmd.Println("Status: running")
	cmd.Printf("PID: %d\n", pid)
	if info, err := os.Stat(pidFile); err == nil {
		cmd.Printf("Uptime: %s\n", formatDuration(time.Since(info.ModTime())))
	}

	addr := fmt.Sprintf("http://%s:%d/healthz", cfg.Gateway.Host, cfg.Gateway.Port)
	if gatewayHealthy(addr) {
		cmd.Printf("Gateway: healthy (%s:%d)\n", cfg.Gateway.Host, cfg.Gateway.Port)
	} else {
		cmd.Printf("Gateway: unreachable (%s:%d)\n", cfg.Gateway.Host, cfg.Gateway.Port)
	}
	return nil
}

func gatewayHealthy(url string) bool {
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
