package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var servicesCmd = &cobra.Command{
	Use:   "services",
	Short: "List the namespaces and methods a running daemon serves",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), callTimeout)
		defer cancel()

		caller, closeFn, err := connect(ctx, cfg)
		if err != nil {
			return err
		}
		defer closeFn()

		var public map[string]bool
		if err := decode(ctx, caller, &public, "core.get_services"); err != nil {
			return err
		}
		var methods map[string][]string
		if err := decode(ctx, caller, &methods, "core.get_methods"); err != nil {
			return err
		}
		printServices(cmd.OutOrStdout(), public, methods)
		return nil
	},
}

func decode(ctx context.Context, caller callFunc, out any, method string) error {
	result, err := caller(ctx, method)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	return json.Unmarshal(result, out)
}

func printServices(w io.Writer, public map[string]bool, methods map[string][]string) {
	ns := color.New(color.FgCyan, color.Bold).SprintFunc()
	private := color.New(color.FgYellow).SprintFunc()

	names := make([]string, 0, len(public))
	for name := range public {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		label := ns(name)
		if !public[name] {
			label += " " + private("(private)")
		}
		fmt.Fprintln(w, label)
		for _, m := range methods[name] {
			fmt.Fprintf(w, "  %s.%s\n", name, m)
		}
	}
	fmt.Fprintf(w, "%d namespaces, %d methods\n", len(names), countMethods(methods))
}

func countMethods(methods map[string][]string) int {
	n := 0
	for _, ms := range methods {
		n += len(ms)
	}
	return n
}
