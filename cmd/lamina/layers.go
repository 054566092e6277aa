package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/lamina/internal/layer"
)

type layerRow struct {
	Name         string   `json:"name"`
	Index        int      `json:"index"`
	Capabilities []string `json:"capabilities"`
}

func layerRows(reg *layer.Registry) ([]layerRow, error) {
	var rows []layerRow
	for _, e := range reg.Entries() {
		l, err := reg.Create(e.Name)
		if err != nil {
			return nil, err
		}
		b := l.Info()
		var caps []string
		if b.OneBlobOnly {
			caps = append(caps, "one_blob")
		}
		if b.SupportInplace {
			caps = append(caps, "inplace")
		}
		if b.SupportVulkan {
			caps = append(caps, "gpu")
		}
		if b.SupportFP16Storage {
			caps = append(caps, "fp16")
		}
		rows = append(rows, layerRow{Name: e.Name, Index: e.Index, Capabilities: caps})
	}
	return rows, nil
}

func layersCmd() *cli.Command {
	var asJSON bool

	return &cli.Command{
		Name:    "layers",
		Aliases: []string{"ls"},
		Usage:   "List registered layer types",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:        "json",
				Usage:       "print JSON instead of a table",
				Destination: &asJSON,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			rows, err := layerRows(layer.Default)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(rows)
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "INDEX\tTYPE\tCAPABILITIES")
			for _, r := range rows {
				_, _ = fmt.Fprintf(tw, "%d\t%s\t%s\n", r.Index, r.Name, strings.Join(r.Capabilities, ","))
			}
			return tw.Flush()
		},
	}
}
