package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/lukw00heck/av-service/internal/config"
	"github.com/lukw00heck/av-service/internal/node"
	"github.com/lukw00heck/av-service/internal/replication"
	"github.com/spf13/cobra"
)

const defaultAPIPort = "8080"

var (
	serverAddr  string
	clientToken string
	inputFile   string
	outputFile  string
	updateFile  bool
)

// normalizeServerURL turns host, host:port or a URL into a base URL with
// scheme and port.
func normalizeServerURL(raw string) (string, error) {
	if raw == "" {
		return "", fmt.Errorf("server address is required")
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid server address: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("server address has no host")
	}
	if u.Path != "" && u.Path != "/" {
		return "", fmt.Errorf("server address should not include path: %s", u.Path)
	}
	if u.Port() == "" {
		u.Host = net.JoinHostPort(u.Hostname(), defaultAPIPort)
	}
	return u.Scheme + "://" + u.Host, nil
}

// apiClient talks to one node's file API.
type apiClient struct {
	base   string
	token  string
	client *http.Client
}

func newAPIClient(server, token string) (*apiClient, error) {
	base, err := normalizeServerURL(server)
	if err != nil {
		return nil, err
	}
	if token == "" {
		return nil, fmt.Errorf("auth token is required (--token, AVSTORE_TOKEN or auth_token in --config)")
	}
	return &apiClient{
		base:   base,
		token:  token,
		client: &http.Client{Timeout: 5 * time.Minute},
	}, nil
}

func filePath(owner, filename string) string {
	return "/api/files/" + url.PathEscape(owner) + "/" + url.PathEscape(filename)
}

func (c *apiClient) do(ctx context.Context, method, path string, body []byte, want int) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/octet-stream")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != want {
		var apiErr node.ErrorResponse
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("%s (HTTP %d)", apiErr.Message, resp.StatusCode)
		}
		return nil, fmt.Errorf("unexpected status: HTTP %d", resp.StatusCode)
	}
	return data, nil
}

func (c *apiClient) Put(ctx context.Context, owner, filename string, data []byte, update bool) error {
	method, want := http.MethodPut, http.StatusCreated
	if update {
		method, want = http.MethodPost, http.StatusNoContent
	}
	if data == nil {
		data = []byte{}
	}
	_, err := c.do(ctx, method, filePath(owner, filename), data, want)
	return err
}

func (c *apiClient) Get(ctx context.Context, owner, filename string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, filePath(owner, filename), nil, http.StatusOK)
}

func (c *apiClient) Delete(ctx context.Context, owner, filename string) error {
	_, err := c.do(ctx, http.MethodDelete, filePath(owner, filename), nil, http.StatusNoContent)
	return err
}

func (c *apiClient) Status(ctx context.Context, owner, filename string) (replication.StatusReport, error) {
	var report replication.StatusReport
	data, err := c.do(ctx, http.MethodGet, filePath(owner, filename)+"/status", nil, http.StatusOK)
	if err != nil {
		return report, err
	}
	if err := json.Unmarshal(data, &report); err != nil {
		return report, fmt.Errorf("decode status: %w", err)
	}
	return report, nil
}

func (c *apiClient) Neighbors(ctx context.Context) (node.NeighborsResponse, error) {
	var resp node.NeighborsResponse
	data, err := c.do(ctx, http.MethodGet, "/api/neighbors", nil, http.StatusOK)
	if err != nil {
		return resp, err
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return resp, fmt.Errorf("decode neighbors: %w", err)
	}
	return resp, nil
}

// clientFromFlags resolves the server and token from flags, environment
// and the node config file, in that order.
func clientFromFlags() (*apiClient, error) {
	server := serverAddr
	if server == "" {
		server = os.Getenv("AVSTORE_SERVER")
	}
	token := clientToken
	if token == "" {
		token = os.Getenv("AVSTORE_TOKEN")
	}

	if cfgFile != "" && (server == "" || token == "") {
		cfg, err := config.LoadNodeConfig(cfgFile)
		if err != nil {
			return nil, err
		}
		if token == "" {
			token = cfg.AuthToken
		}
		if server == "" {
			server = cfg.Listen
			if strings.HasPrefix(server, ":") {
				server = "127.0.0.1" + server
			}
		}
	}
	if server == "" {
		server = "127.0.0.1:" + defaultAPIPort
	}
	return newAPIClient(server, token)
}

func newClientCmds() []*cobra.Command {
	putCmd := &cobra.Command{
		Use:   "put <owner> <filename>",
		Short: "Store a file in the cluster (reads stdin without --file)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := clientFromFlags()
			if err != nil {
				return err
			}
			var data []byte
			if inputFile != "" {
				data, err = os.ReadFile(inputFile)
			} else {
				data, err = io.ReadAll(cmd.InOrStdin())
			}
			if err != nil {
				return fmt.Errorf("read input: %w", err)
			}
			if err := c.Put(cmd.Context(), args[0], args[1], data, updateFile); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stored %s/%s (%d bytes)\n", args[0], args[1], len(data))
			return nil
		},
	}
	putCmd.Flags().StringVarP(&inputFile, "file", "f", "", "File to upload")
	putCmd.Flags().BoolVarP(&updateFile, "update", "u", false, "Replace an existing file")

	getCmd := &cobra.Command{
		Use:   "get <owner> <filename>",
		Short: "Fetch a file from the cluster (writes stdout without --output)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := clientFromFlags()
			if err != nil {
				return err
			}
			data, err := c.Get(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			if outputFile != "" {
				return os.WriteFile(outputFile, data, 0644)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
	getCmd.Flags().StringVarP(&outputFile, "output", "o", "", "Write the file here")

	rmCmd := &cobra.Command{
		Use:   "rm <owner> <filename>",
		Short: "Delete a file from every node holding it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := clientFromFlags()
			if err != nil {
				return err
			}
			if err := c.Delete(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s/%s\n", args[0], args[1])
			return nil
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status <owner> <filename>",
		Short: "Show how many copies of a file exist",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := clientFromFlags()
			if err != nil {
				return err
			}
			report, err := c.Status(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "File:    %s/%s\n", report.Owner, report.Filename)
			fmt.Fprintf(out, "Status:  %s\n", report.Status)
			fmt.Fprintf(out, "Copies:  %d of %d\n", report.Copies, report.Target)
			fmt.Fprintf(out, "Local:   %t\n", report.Local)
			fmt.Fprintf(out, "Holders: %s\n", strings.Join(report.Holders, ", "))
			return nil
		},
	}

	neighborsCmd := &cobra.Command{
		Use:   "neighbors",
		Short: "List the neighbors a node currently sees",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := clientFromFlags()
			if err != nil {
				return err
			}
			resp, err := c.Neighbors(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d neighbors\n", resp.NodeID, len(resp.Neighbors))
			for _, id := range resp.Neighbors {
				fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", id)
			}
			return nil
		},
	}

	cmds := []*cobra.Command{putCmd, getCmd, rmCmd, statusCmd, neighborsCmd}
	for _, cmd := range cmds {
		cmd.Flags().StringVarP(&serverAddr, "server", "s", "", "Node API address (default: AVSTORE_SERVER or 127.0.0.1:8080)")
		cmd.Flags().StringVarP(&clientToken, "token", "t", "", "Cluster auth token (default: AVSTORE_TOKEN)")
	}
	return cmds
}
