// cmd/tools/registry-validator/main.go
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/olekukonko/tablewriter"

	"bnpl-copilot/pkg/registry"
)

func main() {
	validateCmd := flag.NewFlagSet("validate", flag.ExitOnError)
	listCmd := flag.NewFlagSet("list", flag.ExitOnError)

	allowlistValidate := validateCmd.String("allowlist", "", "Path to allowlist YAML (default: embedded)")
	kpisValidate := validateCmd.String("kpis", "", "Path to KPI YAML (default: embedded)")

	allowlistList := listCmd.String("allowlist", "", "Path to allowlist YAML (default: embedded)")
	kpisList := listCmd.String("kpis", "", "Path to KPI YAML (default: embedded)")
	kind := listCmd.String("kind", "kpis", "What to list (kpis, tables)")

	if len(os.Args) < 2 {
		help(os.Stdout)
		os.Exit(1)
	}

	switch os.Args[1] {
	case "validate":
		validateCmd.Parse(os.Args[2:])
		reg, err := registry.Load(*allowlistValidate, *kpisValidate)
		if err != nil {
			fmt.Printf("Registry validation failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Registry validation passed. Version %s: %d tables, %d KPIs.\n",
			reg.Version(), len(reg.Tables()), len(reg.KPINames()))

	case "list":
		listCmd.Parse(os.Args[2:])
		reg, err := registry.Load(*allowlistList, *kpisList)
		if err != nil {
			fmt.Printf("Error loading registry: %v\n", err)
			os.Exit(1)
		}
		switch *kind {
		case "kpis":
			listKPIs(os.Stdout, reg)
		case "tables":
			listTables(os.Stdout, reg)
		default:
			fmt.Printf("Error: unknown kind %q\n", *kind)
			listCmd.Usage()
			os.Exit(1)
		}

	case "help":
		fallthrough
	default:
		help(os.Stdout)
	}
}

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	t := tablewriter.NewWriter(w)
	t.SetAutoWrapText(false)
	t.SetAutoFormatHeaders(false)
	t.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	t.SetRowLine(true)
	t.SetHeader(header)
	return t
}

func listKPIs(w io.Writer, reg *registry.Registry) {
	t := newTable(w, "KPI", "Kind", "Unit", "Intent", "Sources", "Raw", "Synonyms")
	for _, k := range reg.KPIs() {
		sources := make([]string, len(k.Sources))
		for i, s := range k.Sources {
			sources[i] = s.Table
			if len(s.Dimensions) > 0 {
				sources[i] += " (" + strings.Join(s.Dimensions, ",") + ")"
			}
		}
		raw := ""
		if k.Raw != nil {
			raw = k.Raw.Table
		}
		t.Append([]string{
			k.Name,
			string(k.Kind),
			k.Unit,
			k.Intent,
			strings.Join(sources, "\n"),
			raw,
			strings.Join(k.Synonyms, ", "),
		})
	}
	t.Render()
}

func listTables(w io.Writer, reg *registry.Registry) {
	t := newTable(w, "Table", "Layer", "Date column", "Columns")
	for _, info := range reg.Describe(nil) {
		t.Append([]string{
			info.Name,
			info.Layer,
			info.DateColumn,
			strings.Join(info.Columns, ", "),
		})
	}
	t.Render()
}

func help(w io.Writer) {
	fmt.Fprint(w, `
Usage: registry-validator <command> [flags]

Commands:
  validate  Check the allowlist and KPI documents against their schemas and each other
  list      Print KPIs or tables
  help      Show this help message

Examples:
  registry-validator validate
  registry-validator validate -allowlist configs/allowlist.yaml -kpis configs/kpis.yaml
  registry-validator list -kind tables

Use 'registry-validator <command> -h' for more information about a command.
`)
}
