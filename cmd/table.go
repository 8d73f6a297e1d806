package cmd

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"

	"github.com/openfluke/nssm/vae"
)

func renderTable(w io.Writer, header []string, data [][]string) {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()
}

func renderStages(w io.Writer, stages []vae.Stage) {
	var data [][]string
	for _, s := range stages {
		name := s.Name
		if name == "" {
			name = "-"
		}
		params := "-"
		if s.Params > 0 {
			params = strconv.Itoa(s.Params)
		}
		data = append(data, []string{name, s.Op, formatShape(s.Output), params})
	}
	renderTable(w, []string{"NAME", "LAYER", "OUTPUT", "PARAMS"}, data)
}

func formatShape(shape []int) string {
	parts := make([]string, len(shape))
	for i, d := range shape {
		parts[i] = strconv.Itoa(d)
	}
	return fmt.Sprintf("[%s]", strings.Join(parts, ", "))
}
