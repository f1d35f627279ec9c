package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"teleclaude/internal/controlplane"
	"teleclaude/internal/controlplane/api"
)

var (
	sessionsState string
	sessionsJSON  bool
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List sessions known to the running daemon",
	Long: `List sessions via the daemon's unix socket.

Identity is taken from TELECLAUDE_SESSION_ID (set inside agent sessions)
and the socket path from TELECLAUDE_SOCKET or the config file.

Examples:
  # List active sessions
  teleclaude sessions

  # Include closed sessions in a given state
  teleclaude sessions --state closed

  # Machine-readable output
  teleclaude sessions --json | jq '.sessions[].session_id'`,
	RunE: runSessions,
}

func init() {
	sessionsCmd.Flags().StringVar(&sessionsState, "state", "", "Filter by session state (working, idle, active, closed)")
	sessionsCmd.Flags().BoolVar(&sessionsJSON, "json", false, "Print the raw JSON response")
	rootCmd.AddCommand(sessionsCmd)
}

func runSessions(cmd *cobra.Command, _ []string) error {
	body, err := daemonGet(cmd.Context(), sessionsPath())
	if err != nil {
		return err
	}

	if sessionsJSON {
		_, err := os.Stdout.Write(body)
		return err
	}

	var resp api.ListSessionsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tCOMPUTER\tSTATE\tROLE\tTITLE\tLAST ACTIVITY")
	for _, s := range resp.Sessions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			s.SessionID, s.Computer, s.State, s.SystemRole, s.Title,
			s.LastActivityAt.Format("2006-01-02 15:04"))
	}
	return w.Flush()
}

func sessionsPath() string {
	if sessionsState != "" {
		return "/sessions?state=" + sessionsState
	}
	return "/sessions"
}

// daemonGet performs an authenticated GET against the daemon socket.
func daemonGet(ctx context.Context, path string) ([]byte, error) {
	socket := os.Getenv("TELECLAUDE_SOCKET")
	if socket == "" {
		socket = cfg.SocketPath
	}

	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", socket)
			},
		},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://teleclaude"+path, nil)
	if err != nil {
		return nil, err
	}
	if id := os.Getenv("TELECLAUDE_SESSION_ID"); id != "" {
		req.Header.Set(controlplane.HeaderCallerSession, id)
	}
	if muxName := os.Getenv("TMUX_SESSION"); muxName != "" {
		req.Header.Set(controlplane.HeaderMuxSession, muxName)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("daemon not reachable at %s: %w", socket, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("daemon returned %d: %s", resp.StatusCode, body)
	}
	return body, nil
}
