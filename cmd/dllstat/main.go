// Command dllstat inspects a directory of DLLs the way the fork replay
// engine will see them: preferred bases, image sizes, import edges, and —
// most usefully — preferred-range collisions that will force rebasing and
// slow every fork. It can also rehearse a full fork replay over the
// simulated host.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/urfave/cli/v2"
	"github.com/xyproto/env/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/wippyai/dllfork/pe"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true)
	badStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#90EE90"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#666666"))
)

func main() {
	if env.Bool("DLLSTAT_NO_COLOR") || !term.IsTerminal(int(os.Stdout.Fd())) {
		headerStyle = lipgloss.NewStyle()
		badStyle = lipgloss.NewStyle()
		okStyle = lipgloss.NewStyle()
		dimStyle = lipgloss.NewStyle()
	}

	app := &cli.App{
		Name:  "dllstat",
		Usage: "inspect DLL load layout and rehearse fork replay",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "log registry and replay activity",
				Value: env.Bool("DLLSTAT_VERBOSE"),
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "scan",
				Usage:     "list preferred bases and flag colliding ranges",
				ArgsUsage: "<dir>",
				Action:    cmdScan,
			},
			{
				Name:      "graph",
				Usage:     "emit the import graph in Graphviz DOT form",
				ArgsUsage: "<dir>",
				Action:    cmdGraph,
			},
			{
				Name:      "check",
				Usage:     "rehearse a fork replay over the simulated host",
				ArgsUsage: "<dir>",
				Action:    cmdCheck,
			},
			{
				Name:      "tui",
				Usage:     "browse modules interactively",
				ArgsUsage: "<dir>",
				Action:    cmdTUI,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func verboseLogger(c *cli.Context) *zap.Logger {
	if !c.Bool("verbose") {
		return zap.NewNop()
	}
	l, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop()
	}
	return l
}

// moduleFile is one scanned DLL.
type moduleFile struct {
	path    string
	view    *pe.View
	imports []string
}

// scanDir parses every .dll under dir (one level). Unparseable files are
// collected, not fatal: a bin directory full of foreign executables is
// normal.
func scanDir(dir string) ([]moduleFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var mods []moduleFile
	var errs error
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".dll") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		view, err := pe.OpenFile(path)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		imports, err := pe.Imports(view, view.Base())
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		mods = append(mods, moduleFile{path: path, view: view, imports: imports})
	}
	sort.Slice(mods, func(i, j int) bool {
		return mods[i].view.Base() < mods[j].view.Base()
	})
	return mods, errs
}

func cmdScan(c *cli.Context) error {
	dir := c.Args().First()
	if dir == "" {
		return fmt.Errorf("usage: dllstat scan <dir>")
	}
	mods, errs := scanDir(dir)
	if len(mods) == 0 {
		if errs != nil {
			return errs
		}
		return fmt.Errorf("no DLLs under %s", dir)
	}

	collisions := findCollisions(mods)
	fmt.Println(headerStyle.Render(fmt.Sprintf("%-28s %14s %10s  %s", "module", "base", "size", "range")))
	for _, m := range mods {
		info := m.view.Info()
		line := fmt.Sprintf("%-28s %#14x %#10x  [%#x,%#x)",
			filepath.Base(m.path), info.PreferredBase, info.ImageSize,
			info.PreferredBase, info.PreferredBase+info.ImageSize)
		if other, ok := collisions[m.path]; ok {
			fmt.Println(badStyle.Render(line + "  << overlaps " + filepath.Base(other)))
		} else {
			fmt.Println(line)
		}
	}

	if len(collisions) > 0 {
		fmt.Println()
		fmt.Println(badStyle.Render(fmt.Sprintf(
			"%d module(s) share preferred ranges; forks will rely on blockade retries. Rebase the installation.",
			len(collisions))))
	} else {
		fmt.Println()
		fmt.Println(okStyle.Render("no preferred-range collisions"))
	}
	if errs != nil {
		fmt.Println(dimStyle.Render(fmt.Sprintf("skipped: %v", errs)))
	}
	return nil
}

// findCollisions maps a module path to one module whose preferred range
// overlaps it. mods must be sorted by preferred base.
func findCollisions(mods []moduleFile) map[string]string {
	out := make(map[string]string)
	for i := 1; i < len(mods); i++ {
		prev, cur := mods[i-1], mods[i]
		prevEnd := prev.view.Info().PreferredBase + prev.view.Info().ImageSize
		if cur.view.Base() < prevEnd {
			out[cur.path] = prev.path
			out[prev.path] = cur.path
		}
	}
	return out
}

func cmdGraph(c *cli.Context) error {
	dir := c.Args().First()
	if dir == "" {
		return fmt.Errorf("usage: dllstat graph <dir>")
	}
	world, err := buildWorld(dir, verboseLogger(c))
	if err != nil {
		return err
	}
	defer world.close()

	out, err := world.reg.DOT()
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(out)
	return err
}

func cmdCheck(c *cli.Context) error {
	dir := c.Args().First()
	if dir == "" {
		return fmt.Errorf("usage: dllstat check <dir>")
	}
	world, err := buildWorld(dir, verboseLogger(c))
	if err != nil {
		return err
	}
	defer world.close()

	report, err := world.rehearse()
	if err != nil {
		fmt.Println(badStyle.Render("fork replay rehearsal FAILED"))
		return err
	}
	for _, line := range report {
		fmt.Println(okStyle.Render("  " + line))
	}
	fmt.Println(okStyle.Render("fork replay rehearsal passed"))
	return nil
}
