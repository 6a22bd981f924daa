package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/redilate/internal/modelstore"
	"github.com/samcharles93/redilate/internal/sampler"
)

type layerInfo struct {
	Name     string  `json:"name"`
	In       int     `json:"in_channels"`
	Out      int     `json:"out_channels"`
	Kernel   int     `json:"kernel"`
	Stride   int     `json:"stride"`
	Dilate   float64 `json:"dilate,omitempty"`
	Ndcfg    float64 `json:"ndcfg_dilate,omitempty"`
	Inflated bool    `json:"inflate,omitempty"`
}

type inspectReport struct {
	Model    string             `json:"model"`
	Layers   []layerInfo        `json:"layers"`
	Schedule []sampler.StepPlan `json:"schedule,omitempty"`
}

func inspectCmd() *cli.Command {
	var (
		showAll  bool
		showPlan bool
		asJSON   bool
		at       string
	)

	return &cli.Command{
		Name:  "inspect",
		Usage: "Show the network layers and the per-step dilation schedule of a run configuration",
		Flags: append(commonModelFlags(),
			&cli.BoolFlag{Name: "all", Usage: "list every convolution, not only configured ones", Destination: &showAll},
			&cli.BoolFlag{Name: "schedule", Usage: "show effective rates for every step", Destination: &showPlan},
			&cli.StringFlag{Name: "at", Usage: "comma-separated steps to show (implies --schedule)", Destination: &at},
			&cli.BoolFlag{Name: "json", Usage: "print the report as JSON", Destination: &asJSON},
		),
		Action: func(ctx context.Context, c *cli.Command) error {
			r, err := loadRun(c)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			cfg, err := r.SamplerConfig()
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			m, err := modelstore.Load(r.Model)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: load model: %v", err), 1)
			}

			report := buildReport(m, cfg, showAll)
			if at != "" {
				showPlan = true
			}
			if showPlan || asJSON {
				report.Schedule, err = selectSteps(sampler.Plan(m.UNet, cfg), at)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: %v", err), 1)
				}
			}
			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}
			printLayers(report.Layers)
			if showPlan {
				fmt.Println()
				printSchedule(report.Schedule)
			}
			return nil
		},
	}
}

func buildReport(m *modelstore.Model, cfg sampler.Config, all bool) inspectReport {
	report := inspectReport{Model: m.Location}
	for _, name := range m.UNet.ConvNames() {
		conv, _ := m.UNet.Conv(name)
		dilate, _ := cfg.Dilate.Rate(name)
		ndcfg, _ := cfg.VanillaDilate.Rate(name)
		li := layerInfo{
			Name:     name,
			In:       conv.InChannels(),
			Out:      conv.OutChannels(),
			Kernel:   conv.KernelSize(),
			Stride:   conv.Stride,
			Dilate:   dilate,
			Ndcfg:    ndcfg,
			Inflated: cfg.Inflate.Has(name),
		}
		if all || li.Dilate > 0 || li.Ndcfg > 0 || li.Inflated {
			report.Layers = append(report.Layers, li)
		}
	}
	return report
}

// selectSteps keeps the steps listed in at, in the order given. An empty
// list keeps every step.
func selectSteps(plan []sampler.StepPlan, at string) ([]sampler.StepPlan, error) {
	if strings.TrimSpace(at) == "" {
		return plan, nil
	}
	var out []sampler.StepPlan
	for _, field := range strings.Split(at, ",") {
		step, err := strconv.Atoi(strings.TrimSpace(field))
		if err != nil {
			return nil, fmt.Errorf("invalid step %q", field)
		}
		if step < 0 || step >= len(plan) {
			return nil, fmt.Errorf("step %d outside [0, %d)", step, len(plan))
		}
		out = append(out, plan[step])
	}
	return out, nil
}

func formatRate(r float64) string {
	if r == 0 {
		return "-"
	}
	return strconv.FormatFloat(r, 'g', 4, 64)
}

func newTable(header []string) *tablewriter.Table {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader(header)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.SetAutoWrapText(false)
	return table
}

func printLayers(layers []layerInfo) {
	if len(layers) == 0 {
		fmt.Println("no layers configured for dilation or inflation (use --all to list every layer)")
		return
	}
	table := newTable([]string{"LAYER", "IN", "OUT", "KERNEL", "STRIDE", "DILATE", "NDCFG", "INFLATE"})
	for _, l := range layers {
		inflate := ""
		if l.Inflated {
			inflate = "yes"
		}
		table.Append([]string{
			l.Name,
			strconv.Itoa(l.In),
			strconv.Itoa(l.Out),
			strconv.Itoa(l.Kernel),
			strconv.Itoa(l.Stride),
			formatRate(l.Dilate),
			formatRate(l.Ndcfg),
			inflate,
		})
	}
	table.Render()
}

// printSchedule prints one row per step with "adapted/vanilla" rates per layer.
func printSchedule(plan []sampler.StepPlan) {
	if len(plan) == 0 {
		return
	}
	var layers []string
	for pair := plan[0].Adapted.Oldest(); pair != nil; pair = pair.Next() {
		layers = append(layers, pair.Key)
	}
	table := newTable(append([]string{"STEP", "INFLATE", "VANILLA"}, layers...))
	for _, sp := range plan {
		row := []string{strconv.Itoa(sp.Step), yesNo(sp.Inflate), yesNo(sp.Vanilla)}
		for _, name := range layers {
			adapted, _ := sp.Adapted.Get(name)
			cell := formatRate(adapted)
			if sp.VanillaRates != nil {
				vanilla, _ := sp.VanillaRates.Get(name)
				cell += "/" + formatRate(vanilla)
			}
			row = append(row, cell)
		}
		table.Append(row)
	}
	table.Render()
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return ""
}
