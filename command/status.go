// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import (
	"fmt"
	"strings"

	"github.com/posener/complete"
)

// StatusCommand displays the graph summary of a running agent.
type StatusCommand struct {
	Meta
}

func (c *StatusCommand) Help() string {
	helpText := `
Usage: tachyon status [options]

  Display a summary of the placement graph served by a running agent:
  its generation and the number of providers, consumers, allocations
  and open simulation sessions.

General Options:

  ` + generalOptionsUsage() + `

Status Options:

  -verbose
    List the resource providers after the summary.
`
	return strings.TrimSpace(helpText)
}

func (c *StatusCommand) Synopsis() string {
	return "Display the status of a running agent"
}

func (c *StatusCommand) AutocompleteFlags() complete.Flags {
	return mergeAutocompleteFlags(c.Meta.AutocompleteFlags(FlagSetClient),
		complete.Flags{
			"-verbose": complete.PredictNothing,
		})
}

func (c *StatusCommand) AutocompleteArgs() complete.Predictor {
	return complete.PredictNothing
}

func (c *StatusCommand) Name() string { return "status" }

func (c *StatusCommand) Run(args []string) int {
	var verbose bool

	flags := c.Meta.FlagSet(c.Name(), FlagSetClient)
	flags.Usage = func() { c.Ui.Output(c.Help()) }
	flags.BoolVar(&verbose, "verbose", false, "")
	if err := flags.Parse(args); err != nil {
		return 1
	}

	if args = flags.Args(); len(args) > 0 {
		c.Ui.Error("This command takes no arguments")
		c.Ui.Error(commandErrorText(c))
		return 1
	}

	// Get the HTTP client
	client, err := c.Meta.Client()
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error initializing client: %s", err))
		return 1
	}

	info, _, err := client.Status().Info(nil)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error querying agent status: %s", err))
		return 1
	}

	basic := []string{
		fmt.Sprintf("Generation|%d", info.Generation),
		fmt.Sprintf("Resource Providers|%d", info.Providers),
		fmt.Sprintf("Consumers|%d", info.Consumers),
		fmt.Sprintf("Allocations|%d", info.Allocations),
		fmt.Sprintf("Active Sessions|%d", info.ActiveSessions),
	}
	c.Ui.Output(formatKV(basic))

	if !verbose {
		return 0
	}

	providers, _, err := client.Providers().List(nil)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error querying resource providers: %s", err))
		return 1
	}
	if len(providers) == 0 {
		return 0
	}

	out := make([]string, len(providers)+1)
	out[0] = "ID|Name|Root|Generation|Disabled"
	for i, rp := range providers {
		out[i+1] = fmt.Sprintf("%s|%s|%s|%d|%v",
			rp.ID, rp.Name, rp.RootID, rp.Generation, rp.Disabled)
	}
	c.Ui.Output("\nResource Providers")
	c.Ui.Output(formatList(out))
	return 0
}
