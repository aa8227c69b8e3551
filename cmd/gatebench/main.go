package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jamiealquiza/tachymeter"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"
)

const (
	widthKey  = "width"
	depthKey  = "depth"
	openKey   = "open"
	itersKey  = "iters"
	configKey = "config"
)

func main() {
	cmd := &cli.Command{
		Name:  "gatebench",
		Usage: "Exercise gated digests on synthetic scope trees",
		Commands: []*cli.Command{
			{
				Name:   "bench",
				Usage:  "Time gated digests per scenario",
				Flags:  scenarioFlags(),
				Action: bench,
			},
			{
				Name:   "compare",
				Usage:  "Run each scenario gated and ungated and compare the work done",
				Flags:  scenarioFlags(),
				Action: compare,
			},
		},
	}
	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}

func scenarioFlags() []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{
			Name:  widthKey,
			Usage: "Gated branches under the root",
			Value: 100,
		},
		&cli.IntFlag{
			Name:  depthKey,
			Usage: "Scopes per branch, one watch each",
			Value: 10,
		},
		&cli.FloatFlag{
			Name:  openKey,
			Usage: "Fraction of gates that are open",
			Value: 0.1,
		},
		&cli.IntFlag{
			Name:  itersKey,
			Usage: "Digests per scenario",
			Value: 100,
		},
		&cli.StringFlag{
			Name:  configKey,
			Usage: "YAML file with a list of scenarios",
		},
	}
}

func scenariosFrom(cmd *cli.Command) ([]scenario, error) {
	return loadScenarios(cmd.String(configKey), scenario{
		Width: int(cmd.Int(widthKey)),
		Depth: int(cmd.Int(depthKey)),
		Open:  cmd.Float(openKey),
		Iters: int(cmd.Int(itersKey)),
	})
}

func bench(ctx context.Context, cmd *cli.Command) error {
	scenarios, err := scenariosFrom(cmd)
	if err != nil {
		return err
	}
	return runBench(os.Stdout, scenarios)
}

func runBench(out io.Writer, scenarios []scenario) error {
	tbl := table.NewWriter()
	tbl.SetTitle("Gated digest")
	tbl.SetOutputMirror(out)
	tbl.AppendHeader(table.Row{"scenario", "avg", "min", "p75", "p99", "max"})

	for _, sc := range scenarios {
		w, err := buildWorkload(sc, true)
		if err != nil {
			return err
		}
		tach := tachymeter.New(&tachymeter.Config{Size: sc.Iters})
		for i := 1; i <= sc.Iters; i++ {
			start := time.Now()
			if err := w.step(i); err != nil {
				return fmt.Errorf("%s: %w", sc, err)
			}
			tach.AddTime(time.Since(start))
		}

		calc := tach.Calc()
		tbl.AppendRow(table.Row{
			sc.String(),
			calc.Time.Avg,
			calc.Time.Min,
			calc.Time.P75,
			calc.Time.P99,
			calc.Time.Max,
		})
	}

	tbl.Render()
	return nil
}

func compare(ctx context.Context, cmd *cli.Command) error {
	scenarios, err := scenariosFrom(cmd)
	if err != nil {
		return err
	}
	return runCompare(os.Stdout, scenarios)
}

func runCompare(out io.Writer, scenarios []scenario) error {
	tbl := tablewriter.NewWriter(out)
	tbl.SetHeader([]string{
		"scenario",
		"mode",
		"evaluations",
		"listener calls",
		"open trace",
		"elapsed",
	})

	for _, sc := range scenarios {
		for _, gatedMode := range []bool{true, false} {
			w, err := buildWorkload(sc, gatedMode)
			if err != nil {
				return err
			}
			start := time.Now()
			for i := 1; i <= sc.Iters; i++ {
				if err := w.step(i); err != nil {
					return fmt.Errorf("%s: %w", sc, err)
				}
			}
			elapsed := time.Since(start)

			mode := "plain"
			if gatedMode {
				mode = "gated"
			}
			tbl.Append([]string{
				sc.String(),
				mode,
				humanize.Comma(w.evals),
				humanize.Comma(w.fires),
				fmt.Sprintf("%016x", w.fingerprint()),
				elapsed.String(),
			})
		}
	}

	tbl.Render()
	return nil
}
