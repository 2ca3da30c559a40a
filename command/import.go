// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/posener/complete"

	"github.com/hashicorp/tachyon/tachyon"
)

// ImportCommand loads a placement model export into a graph snapshot
// without a running agent.
type ImportCommand struct {
	Meta
}

func (c *ImportCommand) Help() string {
	helpText := `
Usage: tachyon import [options] <path>

  Import a placement model export into the graph. The export is a JSON
  document listing resource classes, traits, cells, providers with their
  inventories, aggregates, shares, flavors, server groups and consumers
  with their allocations.

  The import runs offline against the snapshot in -data-dir: the
  snapshot is loaded if present, the document is applied on top, and the
  result is persisted back. Re-running the same document converges.

  With -check the document is applied to a throwaway in-memory graph and
  only the summary is printed, so exports can be validated before
  touching real state.

General Options:

  ` + generalOptionsUsage() + `

Import Options:

  -data-dir=<path>
    The agent data directory holding the graph snapshot. Required unless
    -check is set.

  -check
    Validate the document against an empty in-memory graph and print the
    summary without persisting anything.
`
	return strings.TrimSpace(helpText)
}

func (c *ImportCommand) Synopsis() string {
	return "Import a placement model export into the graph"
}

func (c *ImportCommand) AutocompleteFlags() complete.Flags {
	return mergeAutocompleteFlags(c.Meta.AutocompleteFlags(FlagSetClient),
		complete.Flags{
			"-data-dir": complete.PredictDirs("*"),
			"-check":    complete.PredictNothing,
		})
}

func (c *ImportCommand) AutocompleteArgs() complete.Predictor {
	return complete.PredictFiles("*.json")
}

func (c *ImportCommand) Name() string { return "import" }

func (c *ImportCommand) Run(args []string) int {
	var dataDir string
	var check bool

	flags := c.Meta.FlagSet(c.Name(), FlagSetClient)
	flags.Usage = func() { c.Ui.Output(c.Help()) }
	flags.StringVar(&dataDir, "data-dir", "", "")
	flags.BoolVar(&check, "check", false, "")
	if err := flags.Parse(args); err != nil {
		return 1
	}

	args = flags.Args()
	if len(args) != 1 {
		c.Ui.Error("This command takes one argument: <path>")
		c.Ui.Error(commandErrorText(c))
		return 1
	}
	path := args[0]

	if !check && dataDir == "" {
		c.Ui.Error("Must specify -data-dir or -check")
		c.Ui.Error(commandErrorText(c))
		return 1
	}

	// Decode the export document
	file, err := os.Open(path)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error opening export: %s", err))
		return 1
	}
	defer file.Close()

	var doc tachyon.ImportDocument
	dec := json.NewDecoder(file)
	if err := dec.Decode(&doc); err != nil {
		c.Ui.Error(fmt.Sprintf("Error parsing export %s: %s", path, err))
		return 1
	}

	// Build the offline server. In check mode the graph stays in memory
	// and is dropped on exit.
	conf := tachyon.DefaultConfig()
	conf.Logger = hclog.New(&hclog.LoggerOptions{
		Name:   "import",
		Level:  hclog.Warn,
		Output: os.Stderr,
	})
	if check {
		conf.DevMode = true
	} else {
		conf.SnapshotPath = filepath.Join(dataDir, "graph.db")
	}

	srv, err := tachyon.NewServer(conf)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error opening graph: %s", err))
		return 1
	}

	summary, err := srv.Import(&doc)
	if err != nil {
		srv.Shutdown()
		c.Ui.Error(fmt.Sprintf("Error importing %s: %s", path, err))
		return 1
	}

	// Shutdown persists the imported graph to the snapshot.
	if err := srv.Shutdown(); err != nil {
		c.Ui.Error(fmt.Sprintf("Error persisting graph: %s", err))
		return 1
	}

	c.Ui.Output(formatKV([]string{
		fmt.Sprintf("Resource Classes|%d", summary.Classes),
		fmt.Sprintf("Traits|%d", summary.Traits),
		fmt.Sprintf("Cells|%d", summary.Cells),
		fmt.Sprintf("Providers|%d", summary.Providers),
		fmt.Sprintf("Inventories|%d", summary.Inventories),
		fmt.Sprintf("Trait Links|%d", summary.TraitLinks),
		fmt.Sprintf("Aggregates|%d", summary.Aggregates),
		fmt.Sprintf("Memberships|%d", summary.Memberships),
		fmt.Sprintf("Shares|%d", summary.Shares),
		fmt.Sprintf("Flavors|%d", summary.Flavors),
		fmt.Sprintf("Server Groups|%d", summary.ServerGroups),
		fmt.Sprintf("Consumers|%d", summary.Consumers),
	}))
	c.Ui.Output("")
	c.Ui.Output(summary.String())

	if check {
		c.Ui.Output("Check mode: nothing was persisted")
	}
	return 0
}
