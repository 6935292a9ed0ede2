package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/roverlink/roverlink/internal/config"
	"github.com/roverlink/roverlink/internal/discovery"
	"github.com/roverlink/roverlink/internal/hub"
	"github.com/roverlink/roverlink/internal/planner"
	"github.com/roverlink/roverlink/internal/types"
)

var version = "dev"

// NewRootCmd constructs the root command and all subcommands.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "roverlink",
		Short:         "Real-time message hub for rover devices and viewers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().String("hub", "http://127.0.0.1:8800", "hub URL for client commands")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newDevicesCmd())
	rootCmd.AddCommand(newSendCmd())
	rootCmd.AddCommand(newStopCmd())
	rootCmd.AddCommand(newClearCmd())
	rootCmd.AddCommand(newPlanCmd())

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("roverlink %s\n", version)
		},
	}
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the hub server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			log := zerolog.New(os.Stderr).With().Timestamp().Logger()

			// A broken grid disables route planning but not the hub.
			var grid planner.Grid
			if g, err := planner.LoadGrid(cfg.Server.GridFile); err != nil {
				log.Error().Err(err).Str("file", cfg.Server.GridFile).
					Msg("grid load failed, route planning disabled")
			} else {
				grid = g
				log.Info().Int("rows", g.Rows()).Int("cols", g.Cols()).Msg("grid loaded")
			}

			pois, err := parsePOIs(cfg.Server.POIs)
			if err != nil {
				return err
			}

			var disc hub.Discovery
			var tracker *discovery.Tracker
			if cfg.Discovery.Enabled {
				tracker = discovery.NewTracker(log, cfg.Discovery.Port)
				if err := tracker.Start(); err != nil {
					return err
				}
				disc = tracker
			}

			registry := hub.NewRegistry()
			router := hub.NewRouter(log, registry, grid, pois, cfg.Server.PrimaryDevice)
			server := hub.NewServer(log, cfg.Server.Port, registry, router, disc)

			errCh := make(chan error, 1)
			go func() {
				errCh <- server.Start()
			}()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			select {
			case err := <-errCh:
				return err
			case sig := <-sigCh:
				log.Info().Str("signal", sig.String()).Msg("shutting down")
			}

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if tracker != nil {
				tracker.Stop()
			}
			return server.Shutdown(ctx)
		},
	}
}

func newDevicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List known and connected devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			hubURL, _ := cmd.Flags().GetString("hub")
			var devices []types.DeviceSnapshot
			if err := getJSON(hubURL+"/api/v1/devices", &devices); err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "DEVICE\tROLE\tAVAILABLE\tEMERGENCY\tLAST SEEN")
			for _, d := range devices {
				fmt.Fprintf(w, "%s\t%s\t%t\t%t\t%s\n",
					d.DeviceID, d.Role, d.Available, d.Emergency,
					d.LastSeen.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
}

func newSendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send <target> <type> [payload-json]",
		Short: "Send a control message to a device (target \"all\" broadcasts to every pi)",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			hubURL, _ := cmd.Flags().GetString("hub")
			req := types.SendRequest{Target: args[0], Type: args[1]}
			if len(args) == 3 {
				if err := json.Unmarshal([]byte(args[2]), &req.Payload); err != nil {
					return fmt.Errorf("payload is not valid JSON: %w", err)
				}
			}
			var resp map[string]any
			if err := postJSON(hubURL+"/api/v1/send", req, &resp); err != nil {
				return err
			}
			fmt.Println(formatJSON(resp))
			return nil
		},
	}
	return cmd
}

func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Broadcast an emergency stop to every pi device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			hubURL, _ := cmd.Flags().GetString("hub")
			var resp types.EmergencyResponse
			if err := postJSON(hubURL+"/api/v1/emergency", map[string]any{}, &resp); err != nil {
				return err
			}
			fmt.Printf("emergency stop reached %d of %d devices\n", resp.DevicesReached, resp.DevicesTotal)
			return nil
		},
	}
}

func newClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear [device-id]",
		Short: "Clear emergency status for one device, or all",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hubURL, _ := cmd.Flags().GetString("hub")
			req := types.ClearEmergencyRequest{}
			if len(args) == 1 {
				req.DeviceID = args[0]
			}
			var resp map[string]any
			if err := postJSON(hubURL+"/api/v1/emergency/clear", req, &resp); err != nil {
				return err
			}
			fmt.Println(formatJSON(resp))
			return nil
		},
	}
}

func newPlanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan <grid-file>",
		Short: "Run the path planner offline against a grid file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			grid, err := planner.LoadGrid(args[0])
			if err != nil {
				return err
			}

			startFlag, _ := cmd.Flags().GetString("start")
			goalFlag, _ := cmd.Flags().GetString("goal")
			start, err := parseCoord(startFlag, planner.Node{})
			if err != nil {
				return err
			}
			goal, err := parseCoord(goalFlag, planner.Node{Row: grid.Rows() - 1, Col: grid.Cols() - 1})
			if err != nil {
				return err
			}

			fmt.Printf("grid %dx%d, start (%d,%d), goal (%d,%d)\n",
				grid.Rows(), grid.Cols(), start.Row, start.Col, goal.Row, goal.Col)

			waypoints, err := planner.PlanWithHeadings(grid, start, goal)
			if err != nil {
				return err
			}
			if len(waypoints) == 0 {
				fmt.Println("no path found")
				return nil
			}
			fmt.Printf("path length %d:\n", len(waypoints))
			for _, wp := range waypoints {
				fmt.Printf("  (%d,%d) %s\n", wp.Row, wp.Col, wp.Heading)
			}
			return nil
		},
	}
	cmd.Flags().String("start", "", "start cell as r,c (default 0,0)")
	cmd.Flags().String("goal", "", "goal cell as r,c (default bottom-right)")
	return cmd
}

// parseCoord parses "r,c" into a node, returning def when s is empty.
func parseCoord(s string, def planner.Node) (planner.Node, error) {
	if s == "" {
		return def, nil
	}
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return planner.Node{}, fmt.Errorf("invalid coordinate %q, expected r,c", s)
	}
	row, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return planner.Node{}, fmt.Errorf("invalid coordinate %q: %w", s, err)
	}
	col, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return planner.Node{}, fmt.Errorf("invalid coordinate %q: %w", s, err)
	}
	return planner.Node{Row: row, Col: col}, nil
}

// parsePOIs converts the config's name -> [row, col] table into nodes.
func parsePOIs(raw map[string][]int) (map[string]planner.Node, error) {
	pois := make(map[string]planner.Node, len(raw))
	for name, coords := range raw {
		if len(coords) != 2 {
			return nil, fmt.Errorf("poi %q: expected [row, col], got %v", name, coords)
		}
		pois[name] = planner.Node{Row: coords[0], Col: coords[1]}
	}
	return pois, nil
}

func getJSON(url string, out any) error {
	resp, err := http.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return httpError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func postJSON(url string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return httpError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func httpError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	var errResp struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &errResp) == nil && errResp.Error != "" {
		return fmt.Errorf("hub returned %d: %s", resp.StatusCode, errResp.Error)
	}
	return fmt.Errorf("hub returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
}

func formatJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

func main() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
