// Command anchorctl is a thin operator CLI against anchord's API: enroll a
// server, trigger a deployment, and inspect rollout status.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "anchorctl",
	Short: "Operator CLI for the Anchor control plane",
}

func init() {
	rootCmd.PersistentFlags().String("api", "http://127.0.0.1:7421", "anchord API address")
	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(serviceCmd)
	rootCmd.AddCommand(rolloutCmd)
}

// --- HTTP client ---

type apiClient struct {
	base string
	http *http.Client
}

func client(cmd *cobra.Command) *apiClient {
	base, _ := cmd.Flags().GetString("api")
	return &apiClient{base: base, http: &http.Client{Timeout: 30 * time.Second}}
}

func (c *apiClient) do(method, path string, body any, out any) error {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, c.base+path, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, string(msg))
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// --- servers ---

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Manage servers",
}

var serverEnrollCmd = &cobra.Command{
	Use:   "enroll NAME",
	Short: "Enroll a new server and print its agent install command",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		publicIP, _ := cmd.Flags().GetString("public-ip")
		isProxy, _ := cmd.Flags().GetBool("proxy")

		var resp struct {
			Server struct {
				ID string `json:"id"`
			} `json:"server"`
			EnrollmentToken string    `json:"enrollmentToken"`
			TokenExpiresAt  time.Time `json:"tokenExpiresAt"`
			InstallCommand  string    `json:"installCommand"`
		}
		err := client(cmd).do(http.MethodPost, "/servers/", map[string]any{
			"name":     args[0],
			"publicIp": publicIP,
			"isProxy":  isProxy,
		}, &resp)
		if err != nil {
			return err
		}

		fmt.Printf("Server enrolled: %s\n", resp.Server.ID)
		fmt.Printf("Token expires:   %s\n", resp.TokenExpiresAt.Format(time.RFC3339))
		fmt.Println()
		fmt.Println("Run this on the new server:")
		fmt.Printf("  %s\n", resp.InstallCommand)
		return nil
	},
}

var serverListCmd = &cobra.Command{
	Use:   "list",
	Short: "List enrolled servers",
	RunE: func(cmd *cobra.Command, args []string) error {
		var servers []struct {
			ID       string `json:"id"`
			Name     string `json:"name"`
			Status   string `json:"status"`
			PublicIP string `json:"publicIp"`
		}
		if err := client(cmd).do(http.MethodGet, "/servers/", nil, &servers); err != nil {
			return err
		}
		fmt.Printf("%-36s %-20s %-10s %s\n", "ID", "NAME", "STATUS", "PUBLIC IP")
		for _, s := range servers {
			fmt.Printf("%-36s %-20s %-10s %s\n", s.ID, s.Name, s.Status, s.PublicIP)
		}
		return nil
	},
}

func init() {
	serverCmd.AddCommand(serverEnrollCmd)
	serverCmd.AddCommand(serverListCmd)

	serverEnrollCmd.Flags().String("public-ip", "", "server's public IP address")
	serverEnrollCmd.Flags().Bool("proxy", false, "mark this server as an ingress proxy")
	serverEnrollCmd.MarkFlagRequired("public-ip")
}

// --- services ---

var serviceCmd = &cobra.Command{
	Use:   "service",
	Short: "Manage services",
}

var serviceDeployCmd = &cobra.Command{
	Use:   "deploy SERVICE_ID",
	Short: "Start a rollout for a service",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			RolloutID string `json:"rolloutId"`
		}
		if err := client(cmd).do(http.MethodPost, "/services/"+args[0]+"/deploy", nil, &resp); err != nil {
			return err
		}
		fmt.Printf("Rollout started: %s\n", resp.RolloutID)
		return nil
	},
}

var serviceAbortCmd = &cobra.Command{
	Use:   "abort SERVICE_ID",
	Short: "Abort the in-progress rollout for a service",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := client(cmd).do(http.MethodPost, "/services/"+args[0]+"/abort", nil, nil); err != nil {
			return err
		}
		fmt.Println("Rollout abort requested")
		return nil
	},
}

var serviceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List services",
	RunE: func(cmd *cobra.Command, args []string) error {
		var services []struct {
			ID       string `json:"id"`
			Name     string `json:"name"`
			Hostname string `json:"hostname"`
			Replicas int    `json:"replicas"`
		}
		if err := client(cmd).do(http.MethodGet, "/services/", nil, &services); err != nil {
			return err
		}
		fmt.Printf("%-36s %-20s %-30s %s\n", "ID", "NAME", "HOSTNAME", "REPLICAS")
		for _, s := range services {
			fmt.Printf("%-36s %-20s %-30s %d\n", s.ID, s.Name, s.Hostname, s.Replicas)
		}
		return nil
	},
}

func init() {
	serviceCmd.AddCommand(serviceDeployCmd)
	serviceCmd.AddCommand(serviceAbortCmd)
	serviceCmd.AddCommand(serviceListCmd)
}

// --- rollouts ---

var rolloutCmd = &cobra.Command{
	Use:   "rollout",
	Short: "Inspect rollouts",
}

var rolloutStatusCmd = &cobra.Command{
	Use:   "status ROLLOUT_ID",
	Short: "Show a rollout's current status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var r struct {
			ID     string `json:"id"`
			Status string `json:"status"`
			Stage  string `json:"stage"`
		}
		if err := client(cmd).do(http.MethodGet, "/rollouts/"+args[0], nil, &r); err != nil {
			return err
		}
		fmt.Printf("Rollout:  %s\n", r.ID)
		fmt.Printf("Status:   %s\n", r.Status)
		fmt.Printf("Stage:    %s\n", r.Stage)
		return nil
	},
}

func init() {
	rolloutCmd.AddCommand(rolloutStatusCmd)
}
