package cmd

import (
	"io"
	"strconv"

	"github.com/olekukonko/tablewriter"

	"github.com/bundlesdev/bundles/internal/bundles"
)

func printResult(w io.Writer, res *bundles.Result) error {
	if len(res.Bundles) == 0 {
		return nil
	}

	table := tablewriter.NewWriter(w)
	table.Header("Bundle", "Status", "Files", "Errors")
	for _, b := range res.Bundles {
		row := []string{
			b.ID,
			b.Status().String(),
			strconv.Itoa(b.Output().Len()),
			strconv.Itoa(len(b.Errors())),
		}
		if err := table.Append(row); err != nil {
			return err
		}
	}
	return table.Render()
}
