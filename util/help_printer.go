package util

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/urfave/cli/v2"
	"golang.org/x/term"
)

const (
	helpIndent     = "   "
	helpFlagIndent = "  "
	helpGap        = 2
	helpMaxWidth   = 160
)

func termWidth(fallback int) int {
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 {
		return w
	}
	if cols, err := strconv.Atoi(os.Getenv("COLUMNS")); err == nil && cols > 0 {
		return cols
	}
	return fallback
}

// wrapText breaks text into lines of at most width columns. Blank lines
// separate paragraphs.
func wrapText(text string, width int) []string {
	var lines []string
	for i, para := range strings.Split(text, "\n\n") {
		if i > 0 {
			lines = append(lines, "")
		}
		words := strings.Fields(para)
		if len(words) == 0 {
			continue
		}
		line := words[0]
		for _, w := range words[1:] {
			if len(line)+1+len(w) > width {
				lines = append(lines, line)
				line = w
				continue
			}
			line += " " + w
		}
		lines = append(lines, line)
	}
	if len(lines) == 0 {
		lines = append(lines, "")
	}
	return lines
}

type helpFlag struct {
	label string
	usage string
}

// groupFlags splits visible flags by category, categories sorted and flags in
// declaration order.
func groupFlags(flags []cli.Flag) ([]string, map[string][]helpFlag) {
	groups := make(map[string][]helpFlag)
	var order []string
	for _, f := range flags {
		if v, ok := f.(cli.VisibleFlag); ok && !v.IsVisible() {
			continue
		}
		label, usage, _ := strings.Cut(strings.TrimRight(f.String(), "\n"), "\t")
		if strings.HasPrefix(label, "--help") {
			continue
		}
		category := "Global Options"
		if c, ok := f.(cli.CategorizableFlag); ok && c.GetCategory() != "" {
			category = c.GetCategory()
		}
		if _, ok := groups[category]; !ok {
			order = append(order, category)
		}
		groups[category] = append(groups[category], helpFlag{label: label, usage: usage})
	}
	sort.Strings(order)
	return order, groups
}

// PrettierHelpPrinter replaces the help template of urfave/cli with a colored
// layout that groups flags by category.
func PrettierHelpPrinter() {
	fallback := cli.HelpPrinter
	section := color.New(color.FgGreen, color.Bold).SprintFunc()
	heading := color.New(color.FgCyan, color.Bold).SprintFunc()
	width := min(helpMaxWidth, termWidth(helpMaxWidth)) - 4

	cli.HelpPrinter = func(w io.Writer, templ string, data interface{}) {
		var (
			flags []cli.Flag
			cmds  []*cli.Command
			name  string
			usage string
			desc  string
		)
		switch v := data.(type) {
		case *cli.App:
			flags, cmds, name, usage, desc = v.Flags, v.Commands, v.HelpName, v.Usage, v.Description
		case *cli.Command:
			flags, cmds, name, usage, desc = v.Flags, v.Subcommands, v.HelpName, v.Usage, v.Description
		default:
			fallback(w, templ, data)
			return
		}

		fmt.Fprintf(w, "%s\n%s%s - %s\n\n", section("NAME:"), helpIndent, name, usage)

		fmt.Fprintf(w, "%s\n%s%s", section("USAGE:"), helpIndent, name)
		if len(cmds) > 0 {
			fmt.Fprint(w, " command")
		}
		if len(flags) > 0 {
			fmt.Fprint(w, " [options]")
		}
		fmt.Fprint(w, "\n\n")

		if desc != "" {
			fmt.Fprintln(w, section("DESCRIPTION:"))
			for _, line := range wrapText(desc, width-len(helpIndent)) {
				fmt.Fprintf(w, "%s%s\n", helpIndent, line)
			}
			fmt.Fprintln(w)
		}

		visible := make([]*cli.Command, 0, len(cmds))
		for _, c := range cmds {
			if !c.Hidden && c.Name != "help" {
				visible = append(visible, c)
			}
		}
		if len(visible) > 0 {
			fmt.Fprintln(w, section("COMMANDS:"))
			for _, c := range visible {
				fmt.Fprintf(w, "%s%-20s  %s\n", helpIndent, c.FullName(), c.Usage)
			}
			fmt.Fprintln(w)
		}

		order, groups := groupFlags(flags)
		if len(order) == 0 {
			return
		}
		labelWidth := 0
		for _, g := range groups {
			for _, f := range g {
				labelWidth = max(labelWidth, len(f.label))
			}
		}

		fmt.Fprintf(w, "%s\n\n", section("OPTIONS:"))
		usageWidth := width - len(helpFlagIndent) - labelWidth - helpGap
		continuation := strings.Repeat(" ", len(helpFlagIndent)+labelWidth+helpGap+2)
		for _, category := range order {
			fmt.Fprintf(w, "%s%s\n", helpFlagIndent, heading(category))
			for _, f := range groups[category] {
				lines := wrapText(f.usage, usageWidth)
				fmt.Fprintf(w, "%s%-*s%s%s\n", helpFlagIndent, labelWidth, f.label, strings.Repeat(" ", helpGap), lines[0])
				for _, line := range lines[1:] {
					fmt.Fprintf(w, "%s%s\n", continuation, line)
				}
			}
			fmt.Fprintln(w)
		}
	}
}
