// Command taskboard is the taskboard CLI client.
package main

import (
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

const defaultServer = "http://localhost:9090"

var (
	serverURL string
	token     string
)

var rootCmd = &cobra.Command{
	Use:           "taskboard",
	Short:         "taskboard CLI",
	Long:          "taskboard talks to a taskboardd server. Use taskboardd to run the server.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", defaultServer, "server URL")
	rootCmd.PersistentFlags().StringVar(&token, "token", os.Getenv("TASKBOARD_TOKEN"), "JWT auth token (or $TASKBOARD_TOKEN)")

	rootCmd.AddCommand(versionCmd, statusCmd, loginCmd, hashPasswordCmd, appsCmd, tasksCmd, taskCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newClient() *Client {
	return &Client{
		BaseURL:    strings.TrimRight(serverURL, "/"),
		Token:      token,
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
	}
}
