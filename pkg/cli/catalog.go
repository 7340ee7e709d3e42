package cli

import (
	"fmt"
	"strings"

	"github.com/platinummonkey/opnet-plugins/pkg/hooks"
	"github.com/platinummonkey/opnet-plugins/pkg/lifecycle"
)

func newHooksCommand() *Command {
	cmd := newCommand("hooks", "List hook types and their dispatch settings")
	category := cmd.Flags.String("category", "", "Only list one category")
	asJSON := cmd.Flags.Bool("json", false, "Print as JSON")
	cmd.Run = func(args []string) error {
		if err := cmd.Flags.Parse(args); err != nil {
			return err
		}
		configs := hooks.All()
		if *category != "" {
			if configs = hooks.ByCategory(hooks.Category(*category)); len(configs) == 0 {
				return fmt.Errorf("unknown hook category: %s", *category)
			}
		}
		if *asJSON {
			return printJSON(configs)
		}
		for _, c := range configs {
			perm := c.RequiredPermission
			if perm == "" {
				perm = "-"
			}
			fmt.Fprintf(stdout, "%-22s %-10s %-11s %7dms  %s\n", c.Type, c.Category, c.Mode, c.TimeoutMs, perm)
		}
		return nil
	}
	return cmd
}

func newTransitionsCommand() *Command {
	cmd := newCommand("transitions", "Show the plugin lifecycle, or check one edge")
	cmd.Run = func(args []string) error {
		if err := cmd.Flags.Parse(args); err != nil {
			return err
		}
		switch cmd.Flags.NArg() {
		case 0:
			for _, s := range lifecycle.States() {
				next := lifecycle.Next(s)
				names := make([]string, len(next))
				for i, n := range next {
					names[i] = string(n)
				}
				fmt.Fprintf(stdout, "%-11s -> %s\n", s, strings.Join(names, ", "))
			}
			return nil
		case 2:
			from, err := lifecycle.ParseState(cmd.Flags.Arg(0))
			if err != nil {
				return err
			}
			to, err := lifecycle.ParseState(cmd.Flags.Arg(1))
			if err != nil {
				return err
			}
			if _, err := lifecycle.Transition(from, to); err != nil {
				return err
			}
			fmt.Fprintf(stdout, "%s -> %s is allowed\n", from, to)
			return nil
		default:
			return fmt.Errorf("usage: opnetplg transitions [<from> <to>]")
		}
	}
	return cmd
}
