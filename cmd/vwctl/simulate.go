package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/facebookgo/clock"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/fyrsmithlabs/vitalwatch/internal/anomaly"
	"github.com/fyrsmithlabs/vitalwatch/internal/config"
	"github.com/fyrsmithlabs/vitalwatch/internal/dispatch"
	"github.com/fyrsmithlabs/vitalwatch/internal/engine"
	"github.com/fyrsmithlabs/vitalwatch/internal/risk"
	"github.com/fyrsmithlabs/vitalwatch/internal/rules"
	"github.com/fyrsmithlabs/vitalwatch/internal/vitals"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("0")).
			Background(lipgloss.Color("51")).
			Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("45"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	okStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("46")).
		Bold(true)

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("226")).
			Bold(true)

	errStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)
)

// fixture is a self-contained scenario for one offline pass.
//
//	now: 2026-03-01T08:00:00Z
//	user_id: user-1
//	rules:
//	  - {id: hr-high, metric: heart_rate, condition: above, threshold: 120, priority: high}
//	snapshots:
//	  - {metric: heart_rate, value: 131, timestamp: 2026-03-01T07:59:00Z}
//	series:
//	  - metric: sleep_hours
//	    interval: 24h
//	    values: [7.1, 7.4, 6.9, 7.2, 7.0, 3.1]
type fixture struct {
	Now       time.Time          `yaml:"now"`
	UserID    string             `yaml:"user_id"`
	Rules     []rules.Definition `yaml:"rules"`
	Snapshots []fixtureSnapshot  `yaml:"snapshots"`
	Series    []fixtureSeries    `yaml:"series"`
	// Passes repeats the pass, advancing the clock by Step between passes.
	Passes int             `yaml:"passes"`
	Step   config.Duration `yaml:"step"`
}

type fixtureSnapshot struct {
	Metric    string    `yaml:"metric"`
	Value     float64   `yaml:"value"`
	Timestamp time.Time `yaml:"timestamp"`
}

// fixtureSeries expands into evenly spaced snapshots. The last value lands
// on the fixture's now.
type fixtureSeries struct {
	Metric   string          `yaml:"metric"`
	Interval config.Duration `yaml:"interval"`
	Values   []float64       `yaml:"values"`
}

func loadFixture(path string) (*fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading fixture: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var f fixture
	if err := dec.Decode(&f); err != nil && err != io.EOF {
		return nil, fmt.Errorf("parsing fixture: %w", err)
	}
	if f.UserID == "" {
		return nil, fmt.Errorf("fixture user_id is required")
	}
	if f.Now.IsZero() {
		return nil, fmt.Errorf("fixture now is required")
	}
	if f.Passes <= 0 {
		f.Passes = 1
	}
	for _, s := range f.Series {
		if s.Interval <= 0 {
			return nil, fmt.Errorf("series %s: interval must be positive", s.Metric)
		}
	}
	return &f, nil
}

// simulation is the in-memory pipeline one fixture runs through.
type simulation struct {
	clock     *clock.Mock
	runner    *engine.Runner
	deliverer *dispatch.RecordingDeliverer
}

func newSimulation(ctx context.Context, cfg *config.Config, f *fixture) (*simulation, error) {
	mock := clock.NewMock()
	mock.Add(f.Now.Sub(mock.Now()))

	// Retention is relative to the mock clock, which starts at now.
	src := vitals.NewMemoryStore(vitals.WithClock(mock))
	for _, s := range f.Snapshots {
		if err := src.Append(vitals.Snapshot{UserID: f.UserID, Metric: s.Metric, Value: s.Value, Timestamp: s.Timestamp}); err != nil {
			return nil, fmt.Errorf("snapshot %s: %w", s.Metric, err)
		}
	}
	for _, s := range f.Series {
		step := s.Interval.Duration()
		start := f.Now.Add(-time.Duration(len(s.Values)-1) * step)
		for i, v := range s.Values {
			snap := vitals.Snapshot{UserID: f.UserID, Metric: s.Metric, Value: v, Timestamp: start.Add(time.Duration(i) * step)}
			if err := src.Append(snap); err != nil {
				return nil, fmt.Errorf("series %s: %w", s.Metric, err)
			}
		}
	}

	store := rules.NewMemoryStore(mock)
	for i, def := range f.Rules {
		if def.UserID == "" {
			def.UserID = f.UserID
		}
		r, err := def.ToRule()
		if err == nil {
			_, err = store.Create(ctx, r)
		}
		if err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, def.ID, err)
		}
	}

	dcfg, err := dispatch.ConfigFrom(cfg.Dispatch)
	if err != nil {
		return nil, err
	}
	// Throttling is wall-clock based and meaningless offline.
	dcfg.DeliveryRate = 0
	deliverer := dispatch.NewRecordingDeliverer()
	dispatcher, err := dispatch.New(dcfg, dispatch.NewMemoryCooldownStore(), deliverer, dispatch.WithClock(mock))
	if err != nil {
		return nil, err
	}

	categories, err := risk.FromConfig(cfg.Risk)
	if err != nil {
		return nil, err
	}

	opts := []anomaly.Option{
		anomaly.WithMinPoints(cfg.Baseline.MinPoints),
		anomaly.WithDefaults(anomaly.Thresholds{Moderate: cfg.Anomaly.Moderate, Severe: cfg.Anomaly.Severe}),
	}
	for metric, t := range cfg.Anomaly.Overrides {
		opts = append(opts, anomaly.WithOverride(metric, anomaly.Thresholds{Moderate: t.Moderate, Severe: t.Severe}))
	}

	runner, err := engine.NewRunner(engine.ConfigFrom(cfg), engine.Deps{
		Source:     src,
		Rules:      store,
		Detector:   anomaly.NewDetector(opts...),
		Categories: categories,
		Dispatcher: dispatcher,
	}, engine.WithClock(mock))
	if err != nil {
		return nil, err
	}
	return &simulation{clock: mock, runner: runner, deliverer: deliverer}, nil
}

func newSimulateCmd() *cobra.Command {
	var (
		configPath string
		asJSON     bool
	)
	cmd := &cobra.Command{
		Use:   "simulate <fixture>",
		Short: "Run an offline evaluation pass over a YAML fixture",
		Long: `Load rules and readings from a fixture, run all-scope passes against
in-memory stores and print what would have been dispatched. Nothing is
delivered.

Examples:
  vwctl simulate testdata/tachycardia.yaml
  vwctl simulate --json --config config.yaml scenario.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			f, err := loadFixture(args[0])
			if err != nil {
				return err
			}
			sim, err := newSimulation(cmd.Context(), cfg, f)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			reports := make([]*engine.Report, 0, f.Passes)
			for i := 0; i < f.Passes; i++ {
				if i > 0 {
					sim.clock.Add(f.Step.Duration())
				}
				report, err := sim.runner.Run(cmd.Context(), f.UserID, engine.ScopeAll, engine.TierOnDemand)
				if err != nil {
					return fmt.Errorf("pass %d: %w", i+1, err)
				}
				reports = append(reports, report)
			}

			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(reports)
			}
			for i, r := range reports {
				renderReport(out, i+1, r)
			}
			fmt.Fprintf(out, "%s %d notification(s) delivered\n",
				labelStyle.Render("total:"), len(sim.deliverer.Deliveries()))
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "vitalwatch config file supplying thresholds and cooldowns")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print pass reports as JSON")
	return cmd
}

func renderReport(w io.Writer, n int, r *engine.Report) {
	fmt.Fprintln(w, headerStyle.Render(fmt.Sprintf("pass %d  %s  %s", n, r.UserID, r.StartedAt.Format(time.RFC3339))))

	if len(r.Rules) > 0 {
		fmt.Fprintln(w, sectionStyle.Render("Rules"))
		for _, rr := range r.Rules {
			state := dimStyle.Render("not met")
			switch {
			case rr.Skipped != "":
				state = dimStyle.Render("skipped: " + string(rr.Skipped))
			case rr.Fired:
				state = warnStyle.Render("fired")
			case rr.Met:
				state = labelStyle.Render("met, pending duration")
			}
			fmt.Fprintf(w, "  %-20s %-22s %s\n", rr.RuleID, rr.Metric, state)
		}
	}

	if len(r.Findings) > 0 {
		fmt.Fprintln(w, sectionStyle.Render("Anomalies"))
		for _, f := range r.Findings {
			fmt.Fprintf(w, "  %-22s value %-8.2f z %-6.2f %s\n", f.Metric, f.Value, f.ZScore, f.Severity)
		}
	}

	if len(r.RiskScores) > 0 {
		fmt.Fprintln(w, sectionStyle.Render("Risk"))
		for _, s := range r.RiskScores {
			fmt.Fprintf(w, "  %-22s %5.1f %s\n", s.Category, s.Score, s.Level)
		}
	}

	fmt.Fprintln(w, sectionStyle.Render("Dispatch"))
	if len(r.Dispatched) == 0 && len(r.Suppressed) == 0 {
		fmt.Fprintln(w, dimStyle.Render("  nothing to send"))
	}
	for _, d := range r.Dispatched {
		channels := make([]string, 0, len(d.Deliveries))
		for _, del := range d.Deliveries {
			channels = append(channels, string(del.Channel))
		}
		fmt.Fprintf(w, "  %s [%s] %s -> %s\n", okStyle.Render("SEND"), d.Candidate.Priority, d.Candidate.Title, strings.Join(channels, ","))
	}
	for _, d := range r.Suppressed {
		fmt.Fprintf(w, "  %s [%s] %s (%s)\n", dimStyle.Render("HOLD"), d.Candidate.Priority, d.Candidate.Title, d.Outcome)
	}
	fmt.Fprintln(w)
}
