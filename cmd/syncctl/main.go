// Package main provides syncctl, a command line client for a consultation
// sync hub: connect as a device, submit events, list and kick devices,
// resolve conflicts and mint development tokens.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/maoxiaohua/tcm-ai-sub001/internal/auth"
	"github.com/maoxiaohua/tcm-ai-sub001/internal/client"
	"github.com/maoxiaohua/tcm-ai-sub001/internal/logger"
	"github.com/maoxiaohua/tcm-ai-sub001/internal/models"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type rootFlags struct {
	serverURL string
	userID    string
	token     string
	storePath string
	logLevel  string
}

func rootCmd() *cobra.Command {
	flags := &rootFlags{}

	cmd := &cobra.Command{
		Use:           "syncctl",
		Short:         "Command line client for the consultation sync hub",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return logger.InitLogger(flags.logLevel, "console")
		},
	}

	cmd.PersistentFlags().StringVar(&flags.serverURL, "server", "ws://localhost:8080/sync", "Hub endpoint")
	cmd.PersistentFlags().StringVar(&flags.userID, "user", "", "User id")
	cmd.PersistentFlags().StringVar(&flags.token, "token", "", "Bearer token (required when the hub enforces auth)")
	cmd.PersistentFlags().StringVar(&flags.storePath, "store", "", "SQLite store path; empty means in-memory with a fresh device id")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")

	cmd.AddCommand(tokenCmd(flags))
	cmd.AddCommand(connectCmd(flags))
	cmd.AddCommand(submitCmd(flags))
	cmd.AddCommand(devicesCmd(flags))
	cmd.AddCommand(disconnectCmd(flags))
	cmd.AddCommand(resolveCmd(flags))
	return cmd
}

func tokenCmd(flags *rootFlags) *cobra.Command {
	var secret, deviceID string
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a development token for --user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if flags.userID == "" {
				return fmt.Errorf("--user is required")
			}
			if secret == "" {
				return fmt.Errorf("--secret is required")
			}
			device := uuid.New()
			if deviceID != "" {
				parsed, err := uuid.Parse(deviceID)
				if err != nil {
					return fmt.Errorf("invalid --device: %w", err)
				}
				device = parsed
			}
			token, err := auth.NewJWTAuthenticator(secret).IssueToken(flags.userID, device, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}

	cmd.Flags().StringVar(&secret, "secret", "", "JWT secret shared with the hub")
	cmd.Flags().StringVar(&deviceID, "device", "", "Device id to embed; random when empty")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	return cmd
}

func connectCmd(flags *rootFlags) *cobra.Command {
	var deviceName, deviceType, strategy string

	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Connect as a device and print sync traffic until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, store, err := buildClient(flags, deviceName, deviceType, strategy)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			fmt.Printf("device %s connecting to %s\n", c.DeviceID(), flags.serverURL)
			c.Start(ctx)
			<-ctx.Done()
			c.Close()
			return nil
		},
	}

	cmd.Flags().StringVar(&deviceName, "name", "syncctl", "Device name to register")
	cmd.Flags().StringVar(&deviceType, "type", "cli", "Device type to register")
	cmd.Flags().StringVar(&strategy, "strategy", "ask_user", "Default conflict strategy")
	return cmd
}

func submitCmd(flags *rootFlags) *cobra.Command {
	var eventType, recordType, recordKey, data string
	var wait time.Duration

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit one event and wait for the acknowledgement",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !json.Valid([]byte(data)) {
				return fmt.Errorf("--data is not valid JSON")
			}

			c, store, err := buildClient(flags, "syncctl", "cli", "ask_user")
			if err != nil {
				return err
			}
			defer store.Close()

			ctx, cancel := context.WithTimeout(context.Background(), wait)
			defer cancel()

			c.Start(ctx)
			defer c.Close()

			eventID, err := c.Submit(ctx, models.EventType(eventType), recordType, recordKey, json.RawMessage(data))
			if err != nil {
				return err
			}
			fmt.Printf("event %s queued\n", eventID)

			if err := waitDrained(ctx, c); err != nil {
				return err
			}
			record, err := c.Record(ctx, models.RecordKey{RecordType: recordType, RecordKey: recordKey})
			if err != nil {
				return err
			}
			fmt.Printf("accepted at version %d\n", record.Version)
			return nil
		},
	}

	cmd.Flags().StringVar(&eventType, "type", "state_change", "Event type")
	cmd.Flags().StringVar(&recordType, "record-type", "", "Record type")
	cmd.Flags().StringVar(&recordKey, "record-key", "", "Record key")
	cmd.Flags().StringVar(&data, "data", "", "Event payload (JSON)")
	cmd.Flags().DurationVar(&wait, "wait", 15*time.Second, "How long to wait for the ack")
	cmd.MarkFlagRequired("record-type")
	cmd.MarkFlagRequired("record-key")
	cmd.MarkFlagRequired("data")
	return cmd
}

func devicesCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List the user's registered devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			if flags.userID == "" {
				return fmt.Errorf("--user is required")
			}
			base, err := httpBase(flags.serverURL)
			if err != nil {
				return err
			}

			resp, err := http.Get(fmt.Sprintf("%s/api/v1/users/%s/devices", base, url.PathEscape(flags.userID)))
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("hub answered %s", resp.Status)
			}

			var payload struct {
				Devices []models.DeviceSession `json:"devices"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
				return err
			}

			for _, device := range payload.Devices {
				primary := " "
				if device.IsPrimary {
					primary = "*"
				}
				fmt.Printf("%s %s  %-12s %-8s %-12s last active %s\n",
					primary, device.DeviceID, device.DeviceName, device.DeviceType,
					device.Status, device.LastActivityAt.Format(time.RFC3339))
			}
			return nil
		},
	}
}

func disconnectCmd(flags *rootFlags) *cobra.Command {
	var deviceID string

	cmd := &cobra.Command{
		Use:   "disconnect",
		Short: "Force-disconnect one of the user's devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			if flags.userID == "" {
				return fmt.Errorf("--user is required")
			}
			device, err := uuid.Parse(deviceID)
			if err != nil {
				return fmt.Errorf("invalid --device: %w", err)
			}
			base, err := httpBase(flags.serverURL)
			if err != nil {
				return err
			}

			resp, err := http.Post(fmt.Sprintf("%s/api/v1/users/%s/devices/%s/disconnect",
				base, url.PathEscape(flags.userID), device), "application/json", nil)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("hub answered %s", resp.Status)
			}
			fmt.Println("disconnected")
			return nil
		},
	}

	cmd.Flags().StringVar(&deviceID, "device", "", "Device id to disconnect")
	cmd.MarkFlagRequired("device")
	return cmd
}

func resolveCmd(flags *rootFlags) *cobra.Command {
	var conflictID, strategy, data string
	var wait time.Duration

	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Resolve a stored conflict (requires --store from the conflicted session)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if flags.storePath == "" {
				return fmt.Errorf("--store is required so the conflict can be found")
			}
			conflict, err := uuid.Parse(conflictID)
			if err != nil {
				return fmt.Errorf("invalid --conflict: %w", err)
			}
			var payload json.RawMessage
			if data != "" {
				if !json.Valid([]byte(data)) {
					return fmt.Errorf("--data is not valid JSON")
				}
				payload = json.RawMessage(data)
			}

			c, store, err := buildClient(flags, "syncctl", "cli", "ask_user")
			if err != nil {
				return err
			}
			defer store.Close()

			ctx, cancel := context.WithTimeout(context.Background(), wait)
			defer cancel()

			c.Start(ctx)
			defer c.Close()

			if err := c.Resolve(ctx, conflict, models.ResolutionStrategy(strategy), payload); err != nil {
				return err
			}
			if err := waitDrained(ctx, c); err != nil {
				return err
			}
			fmt.Println("resolved")
			return nil
		},
	}

	cmd.Flags().StringVar(&conflictID, "conflict", "", "Conflict id to resolve")
	cmd.Flags().StringVar(&strategy, "strategy", "", "Strategy (server_wins, client_wins, merge)")
	cmd.Flags().StringVar(&data, "data", "", "User-authored winning payload (JSON)")
	cmd.Flags().DurationVar(&wait, "wait", 15*time.Second, "How long to wait for the hub")
	cmd.MarkFlagRequired("conflict")
	return cmd
}

func buildClient(flags *rootFlags, deviceName, deviceType, strategy string) (*client.Client, client.Store, error) {
	if flags.userID == "" {
		return nil, nil, fmt.Errorf("--user is required")
	}

	var store client.Store
	var err error
	if flags.storePath == "" {
		store = client.NewMemoryStore()
	} else {
		store, err = client.OpenSQLiteStore(flags.storePath)
		if err != nil {
			return nil, nil, err
		}
	}

	handlers := client.Handlers{
		OnStatus: func(status models.ConnectionStatus) {
			fmt.Printf("-- %s\n", status)
		},
		OnRecord: func(record *models.VersionedRecord) {
			fmt.Printf("record %s v%d: %s\n", record.Key(), record.Version, record.Payload)
		},
		OnConflict: func(conflict *models.ConflictCase) {
			fmt.Printf("conflict %s on %s (local v%d vs server v%d)\n",
				conflict.ConflictID, conflict.Key(), conflict.ClientVersion, conflict.ServerVersion)
			fmt.Printf("  resolve with: syncctl resolve --store <path> --conflict %s --strategy client_wins|server_wins|merge\n",
				conflict.ConflictID)
		},
	}

	c, err := client.New(client.Config{
		ServerURL:       flags.serverURL,
		UserID:          flags.userID,
		Token:           flags.token,
		DeviceName:      deviceName,
		DeviceType:      deviceType,
		DefaultStrategy: models.ResolutionStrategy(strategy),
	}, store, handlers)
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	return c, store, nil
}

// waitDrained polls until every buffered event is acknowledged.
func waitDrained(ctx context.Context, c *client.Client) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("timed out waiting for acknowledgement")
		case <-ticker.C:
			pending, err := c.PendingCount(ctx)
			if err != nil {
				return err
			}
			if pending == 0 {
				return nil
			}
		}
	}
}

func httpBase(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("invalid server url: %w", err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}
	u.Path = ""
	u.RawQuery = ""
	return u.String(), nil
}
