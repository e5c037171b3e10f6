package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/chatrelay/internal/config"
)

var apiAddr string

func tenantsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenants",
		Short: "Inspect and manage tenant connections on a running server",
	}
	cmd.PersistentFlags().StringVar(&apiAddr, "addr", "", "server address (default from config)")

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List configured tenants and their connection state",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := adminRequest(http.MethodGet, "/api/tenants", nil)
			if err != nil {
				return err
			}
			return printJSON(body)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "evict <tenant-id>",
		Short: "Close a tenant's cached data-store connection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := adminRequest(http.MethodPost, "/api/tenants/"+args[0]+"/evict", nil)
			if err != nil {
				return err
			}
			return printJSON(body)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "conversations <tenant-id>",
		Short: "List a tenant's most recent conversations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := adminRequest(http.MethodGet, "/api/conversations?tenant="+args[0], nil)
			if err != nil {
				return err
			}
			return printJSON(body)
		},
	})
	return cmd
}

func adminBase() (string, error) {
	if apiAddr != "" {
		return "http://" + apiAddr, nil
	}
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return "", fmt.Errorf("load config: %w", err)
	}
	host := cfg.Gateway.Host
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s:%d", host, cfg.Gateway.Port), nil
}

func adminRequest(method, path string, body io.Reader) ([]byte, error) {
	base, err := adminBase()
	if err != nil {
		return nil, err
	}
	token := os.Getenv("CHATRELAY_ADMIN_TOKEN")
	if token == "" {
		return nil, fmt.Errorf("CHATRELAY_ADMIN_TOKEN is not set")
	}

	req, err := http.NewRequest(method, base+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("is the server running at %s? %w", base, err)
	}
	defer resp.Body.Close()

	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, out)
	}
	return out, nil
}

func printJSON(raw []byte) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		fmt.Println(string(raw))
		return nil
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
