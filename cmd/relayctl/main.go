package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/matheus3301/wpprelay/internal/config"
	"github.com/matheus3301/wpprelay/internal/daemon"
	"github.com/matheus3301/wpprelay/internal/identity"
	"github.com/matheus3301/wpprelay/internal/lock"
	"github.com/matheus3301/wpprelay/internal/notify"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

var (
	configPath string
	addrFlag   string
	jsonOut    bool
)

func main() {
	root := &cobra.Command{
		Use:           "relayctl",
		Short:         "Inspect and drive a running relayd",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath(), "path to config.toml")
	root.PersistentFlags().StringVar(&addrFlag, "addr", "", "daemon HTTP address (default: read from the data directory lock)")
	root.PersistentFlags().BoolVar(&jsonOut, "json", false, "output in JSON format")

	root.AddCommand(
		initCmd(),
		statusCmd(),
		healthCmd(),
		normalizeCmd(),
		conversationsCmd(),
		sendCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func initCmd() *cobra.Command {
	var (
		instances []string
		gateway   string
		force     bool
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := os.Stat(configPath); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", configPath)
			}
			cfg := config.Default()
			cfg.Gateway.Driver = gateway
			for _, name := range instances {
				cfg.Instances = append(cfg.Instances, config.InstanceConfig{Name: name})
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := config.Save(configPath, cfg); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", configPath)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&instances, "instance", nil, "instance name (repeatable)")
	cmd.Flags().StringVar(&gateway, "gateway", config.GatewayDisabled, "gateway driver: http, embedded or disabled")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show which process owns the data directory",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			owner, err := lock.Read(cfg.DataDir)
			if err != nil {
				return err
			}
			if jsonOut {
				return outputJSON(owner)
			}
			if owner == nil {
				fmt.Println("Daemon: not running")
				return nil
			}
			fmt.Printf("Daemon:  pid %d\n", owner.PID)
			fmt.Printf("Listen:  %s\n", owner.Listen)
			fmt.Printf("Started: %s\n", humanize.Time(owner.Started))
			return nil
		},
	}
}

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Query the daemon and instance health over the control socket",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			conn, err := grpc.NewClient(
				"unix://"+cfg.SocketPath(),
				grpc.WithTransportCredentials(insecure.NewCredentials()),
			)
			if err != nil {
				return fmt.Errorf("cannot connect to daemon: %w", err)
			}
			defer func() { _ = conn.Close() }()

			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()
			client := healthpb.NewHealthClient(conn)

			services := []string{""}
			for _, inst := range cfg.Instances {
				services = append(services, daemon.HealthService(inst.Name))
			}
			result := make(map[string]string, len(services))
			for _, svc := range services {
				resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: svc})
				if err != nil {
					return fmt.Errorf("check %q: %w", svc, err)
				}
				name := svc
				if name == "" {
					name = "relayd"
				}
				result[name] = resp.Status.String()
			}
			if jsonOut {
				return outputJSON(result)
			}
			for _, svc := range services {
				name := svc
				if name == "" {
					name = "relayd"
				}
				fmt.Printf("%-24s %s\n", name, result[name])
			}
			return nil
		},
	}
}

func normalizeCmd() *cobra.Command {
	var group bool
	cmd := &cobra.Command{
		Use:   "normalize <identity>...",
		Short: "Print the canonical form of WhatsApp identities",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			type row struct {
				Input     string `json:"input"`
				Canonical string `json:"canonical"`
				Class     string `json:"class"`
			}
			rows := make([]row, 0, len(args))
			for _, raw := range args {
				id := identity.Canonicalize(raw, group)
				rows = append(rows, row{Input: raw, Canonical: id.JID, Class: id.Class.String()})
			}
			if jsonOut {
				return outputJSON(rows)
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			for _, r := range rows {
				fmt.Fprintf(w, "%s\t%s\t%s\n", r.Input, r.Canonical, r.Class)
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&group, "group", false, "treat bare identities as groups")
	return cmd
}

func conversationsCmd() *cobra.Command {
	var (
		limit    int
		archived bool
	)
	cmd := &cobra.Command{
		Use:   "conversations <instance>",
		Short: "List an instance's conversations, most recent first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			q.Set("limit", fmt.Sprint(limit))
			if cmd.Flags().Changed("archived") {
				q.Set("archived", fmt.Sprint(archived))
			}
			var out struct {
				Conversations []notify.ConversationView `json:"conversations"`
				HasMore       bool                      `json:"hasMore"`
			}
			path := "/instances/" + url.PathEscape(args[0]) + "/conversations?" + q.Encode()
			if err := call(cmd.Context(), http.MethodGet, path, nil, &out); err != nil {
				return err
			}
			if jsonOut {
				return outputJSON(out)
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tCONTACT\tUNREAD\tLAST MESSAGE\tWHEN")
			for _, c := range out.Conversations {
				name := c.Name
				if name == "" {
					name = c.RemoteJID
				}
				when := ""
				if c.LastMessageAt > 0 {
					when = humanize.Time(time.UnixMilli(c.LastMessageAt))
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", c.ID, name, humanize.Comma(int64(c.UnreadCount)), c.LastMessage, when)
			}
			if out.HasMore {
				fmt.Fprintln(w, "...\t\t\t\t")
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum conversations to list")
	cmd.Flags().BoolVar(&archived, "archived", false, "list only archived (true) or unarchived (false) conversations")
	return cmd
}

func sendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send <instance> <to> <text>",
		Short: "Queue a text message",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out struct {
				ClientMsgID string `json:"clientMsgId"`
				Status      string `json:"status"`
			}
			body := map[string]string{"to": args[1], "text": args[2]}
			path := "/instances/" + url.PathEscape(args[0]) + "/messages"
			if err := call(cmd.Context(), http.MethodPost, path, body, &out); err != nil {
				return err
			}
			if jsonOut {
				return outputJSON(out)
			}
			fmt.Printf("Queued %s (%s)\n", out.ClientMsgID, out.Status)
			return nil
		},
	}
}

// baseURL returns the daemon's HTTP base URL from --addr or the lock file.
func baseURL() (string, error) {
	addr := addrFlag
	if addr == "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			return "", err
		}
		owner, err := lock.Read(cfg.DataDir)
		if err != nil {
			return "", err
		}
		if owner == nil || owner.Listen == "" {
			return "", errors.New("daemon is not running (no lock in data directory)")
		}
		addr = owner.Listen
	}
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return strings.TrimRight(addr, "/"), nil
}

func call(ctx context.Context, method, path string, in, out any) error {
	base, err := baseURL()
	if err != nil {
		return err
	}
	var body *bytes.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	} else {
		body = bytes.NewReader(nil)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, method, base+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if e.Error == "" {
			e.Error = resp.Status
		}
		return fmt.Errorf("%s %s: %s", method, path, e.Error)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func outputJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
