package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Toggle recording on a running server",
	Long: `Start recording on both devices of a running DualCapture server, or stop
it if a recording is under way.`,
	Example: `  # Toggle recording on the local server
  dualcapture record

  # Toggle recording on another host
  dualcapture record --addr http://rig.local:8080`,
	RunE: runRecord,
}

var recordAddr string

func init() {
	rootCmd.AddCommand(recordCmd)

	recordCmd.Flags().StringVar(&recordAddr, "addr", "", "server address (default is http://localhost:<server_port>)")
}

func runRecord(cmd *cobra.Command, args []string) error {
	addr := recordAddr
	if addr == "" {
		configMgr, err := loadConfig()
		if err != nil {
			return err
		}
		addr = fmt.Sprintf("http://localhost:%d", configMgr.GetPort())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	recording, err := toggleRecording(ctx, addr)
	if err != nil {
		return err
	}
	if recording {
		fmt.Fprintln(cmd.OutOrStdout(), "🔴 Recording started")
	} else {
		fmt.Fprintln(cmd.OutOrStdout(), "⏹  Recording stopped")
	}
	return nil
}

// toggleRecording calls the server's toggle endpoint and returns the new state.
func toggleRecording(ctx context.Context, addr string) (bool, error) {
	url := strings.TrimSuffix(addr, "/") + "/api/recording/toggle"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return false, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("failed to reach server at %s: %w", addr, err)
	}
	defer resp.Body.Close()

	var body struct {
		Recording bool   `json:"recording"`
		Error     string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, fmt.Errorf("unexpected response (%s): %w", resp.Status, err)
	}
	if resp.StatusCode != http.StatusOK {
		return body.Recording, fmt.Errorf("toggle failed (%s): %s", resp.Status, body.Error)
	}
	return body.Recording, nil
}
