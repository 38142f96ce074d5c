// Command surveyctl drives a callsurvey server over its control API.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/spf13/cobra"
)

const defaultServer = "http://localhost:8080"

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}

// newRootCmd builds the command tree writing results to out.
func newRootCmd(out io.Writer) *cobra.Command {
	var (
		server  string
		timeout time.Duration
	)
	api := func() *client { return newClient(server, timeout) }

	root := &cobra.Command{
		Use:          "surveyctl",
		Short:        "Manage callsurvey templates and campaigns",
		SilenceUsage: true,
	}
	root.SetOut(out)

	serverDefault := defaultServer
	if v := os.Getenv("CALLSURVEY_SERVER"); v != "" {
		serverDefault = v
	}
	root.PersistentFlags().StringVar(&server, "server", serverDefault, "callsurvey base URL (env CALLSURVEY_SERVER)")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "request timeout")

	root.AddCommand(
		newHealthCmd(api),
		newTemplateCmd(api),
		newCampaignCmd(api),
	)
	return root
}

// printData pretty-prints an API response body.
func printData(cmd *cobra.Command, data json.RawMessage) error {
	var buf bytes.Buffer
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		return err
	}
	buf.WriteByte('\n')
	_, err := cmd.OutOrStdout().Write(buf.Bytes())
	return err
}

func newHealthCmd(api func() *client) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show server health, queue depth and active calls",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := api().do(cmd.Context(), http.MethodGet, "/health", nil)
			if len(data) > 0 {
				if perr := printData(cmd, data); perr != nil {
					return perr
				}
			}
			return err
		},
	}
}

func newTemplateCmd(api func() *client) *cobra.Command {
	tpl := &cobra.Command{
		Use:   "template",
		Short: "Manage question templates",
	}

	tpl.AddCommand(&cobra.Command{
		Use:   "create FILE",
		Short: "Create a template from a YAML or JSON file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := loadTemplate(args[0])
			if err != nil {
				return err
			}
			data, err := api().do(cmd.Context(), http.MethodPost, "/templates", body)
			if err != nil {
				return err
			}
			return printData(cmd, data)
		},
	})
	return tpl
}

func newCampaignCmd(api func() *client) *cobra.Command {
	camp := &cobra.Command{
		Use:   "campaign",
		Short: "Create, start, stop and inspect campaigns",
	}

	var (
		name       string
		templateID string
		priority   int
		maxRetries int
		recipients string
	)
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a draft campaign",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := loadRecipients(recipients)
			if err != nil {
				return err
			}
			body := campaignFile{
				Name:       name,
				TemplateID: templateID,
				Priority:   priority,
				Recipients: list,
			}
			if cmd.Flags().Changed("max-retries") {
				body.MaxRetries = &maxRetries
			}
			data, err := api().do(cmd.Context(), http.MethodPost, "/campaigns", body)
			if err != nil {
				return err
			}
			return printData(cmd, data)
		},
	}
	create.Flags().StringVar(&name, "name", "", "campaign name")
	create.Flags().StringVar(&templateID, "template", "", "question template ID")
	create.Flags().IntVar(&priority, "priority", 0, "priority 1-10, higher dials first (default from server)")
	create.Flags().IntVar(&maxRetries, "max-retries", 0, "retries per recipient (default from server)")
	create.Flags().StringVar(&recipients, "recipients", "", "YAML or JSON file listing recipients")
	_ = create.MarkFlagRequired("name")
	_ = create.MarkFlagRequired("template")
	_ = create.MarkFlagRequired("recipients")

	camp.AddCommand(
		create,
		campaignAction(api, "start", http.MethodPost, "Queue every recipient of a draft campaign"),
		campaignAction(api, "stop", http.MethodPost, "Stop a campaign and drop its queued calls"),
		campaignAction(api, "status", http.MethodGet, "Show campaign counters"),
	)
	return camp
}

// campaignAction builds a command calling /campaigns/{id}/{action}.
func campaignAction(api func() *client, action, method, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := fmt.Sprintf("/campaigns/%s/%s", url.PathEscape(args[0]), action)
			data, err := api().do(cmd.Context(), method, path, nil)
			if err != nil {
				return err
			}
			return printData(cmd, data)
		},
	}
}
