// Package report renders the end-of-day execution report: today's fills and
// slippage per instrument, written as a standalone HTML page with an optional
// PNG snapshot for chat delivery.
package report

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"strata/internal/logger"
	"strata/internal/store"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/go-echarts/go-echarts/v2/types"
)

const (
	colorBackground    = "#060c1b"
	colorTextPrimary   = "#eceff4"
	colorTextSecondary = "#9ca3af"
	colorFill          = "#3b82f6"
	colorFavorable     = "#34d399"
	colorAdverse       = "#f87171"

	chartWidthPx  = 900
	chartHeightPx = 420

	maxReportEvents = 5000
)

type Config struct {
	// OutputDir receives report_YYYY-MM-DD.html (and .png when Snapshot).
	OutputDir string
	// Snapshot renders a headless-chrome PNG next to the HTML. Failures are
	// logged and never fail the report.
	Snapshot bool
}

// Generator builds execution reports from the order stack store.
type Generator struct {
	store store.Store
	cfg   Config
	nowFn func() time.Time
}

func NewGenerator(st store.Store, cfg Config) *Generator {
	if cfg.OutputDir == "" {
		cfg.OutputDir = "reports"
	}
	return &Generator{store: st, cfg: cfg, nowFn: time.Now}
}

type instrumentStats struct {
	Instrument  string
	Orders      int
	FilledQty   float64
	AvgSlippage float64
}

// Generate writes the report for the day containing now and returns the HTML
// path.
func (g *Generator) Generate(ctx context.Context) (string, error) {
	now := g.nowFn().UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	stats, err := g.collect(ctx, dayStart)
	if err != nil {
		return "", fmt.Errorf("collect fills: %w", err)
	}
	html, err := buildReportHTML(now, stats)
	if err != nil {
		return "", fmt.Errorf("render report: %w", err)
	}

	if err := os.MkdirAll(g.cfg.OutputDir, 0o755); err != nil {
		return "", err
	}
	base := "report_" + now.Format("2006-01-02")
	htmlPath := filepath.Join(g.cfg.OutputDir, base+".html")
	if err := os.WriteFile(htmlPath, html, 0o644); err != nil {
		return "", err
	}
	logger.Infof("Report: wrote %s (%d instruments)", htmlPath, len(stats))

	if g.cfg.Snapshot {
		pngPath := filepath.Join(g.cfg.OutputDir, base+".png")
		if err := snapshotPNG(ctx, html, pngPath); err != nil {
			logger.Warnf("Report: png snapshot failed, html only: %v", err)
		} else {
			logger.Infof("Report: wrote %s", pngPath)
		}
	}
	return htmlPath, nil
}

// collect aggregates per instrument over the broker orders that recorded a
// fill since dayStart.
func (g *Generator) collect(ctx context.Context, dayStart time.Time) ([]instrumentStats, error) {
	events, err := g.store.OrderEvents().ListSince(ctx, dayStart, maxReportEvents)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	agg := make(map[string]*instrumentStats)
	for _, ev := range events {
		if ev.Kind != store.EventFilled || seen[ev.OrderID] {
			continue
		}
		seen[ev.OrderID] = true
		bo, err := g.store.BrokerOrders().Get(ctx, ev.OrderID)
		if err != nil {
			logger.Warnf("Report: load broker order %s: %v", ev.OrderID, err)
			continue
		}
		instrument := bo.Contract.Instrument
		st, ok := agg[instrument]
		if !ok {
			st = &instrumentStats{Instrument: instrument}
			agg[instrument] = st
		}
		qty := math.Abs(bo.Filled)
		// Weighted running average keeps slippage comparable across order sizes.
		if st.FilledQty+qty > 0 {
			st.AvgSlippage = (st.AvgSlippage*st.FilledQty + bo.Slippage*qty) / (st.FilledQty + qty)
		}
		st.FilledQty += qty
		st.Orders++
	}
	out := make([]instrumentStats, 0, len(agg))
	for _, st := range agg {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instrument < out[j].Instrument })
	return out, nil
}

func buildReportHTML(now time.Time, stats []instrumentStats) ([]byte, error) {
	page := components.NewPage()
	page.SetLayout(components.PageFlexLayout)

	subtitle := fmt.Sprintf("%d instruments traded", len(stats))
	if len(stats) == 0 {
		subtitle = "no fills recorded"
	}

	xAxis := make([]string, len(stats))
	fills := make([]opts.BarData, len(stats))
	slippage := make([]opts.BarData, len(stats))
	for i, st := range stats {
		xAxis[i] = st.Instrument
		fills[i] = opts.BarData{
			Value:     round(st.FilledQty, 4),
			ItemStyle: &opts.ItemStyle{Color: colorFill, Opacity: opts.Float(0.8)},
		}
		color := colorFavorable
		if st.AvgSlippage > 0 {
			color = colorAdverse
		}
		slippage[i] = opts.BarData{
			Value:     round(st.AvgSlippage, 6),
			ItemStyle: &opts.ItemStyle{Color: color},
		}
	}

	fillsBar := newReportBar(
		fmt.Sprintf("Filled quantity %s", now.Format("2006-01-02")), subtitle)
	fillsBar.SetXAxis(xAxis)
	fillsBar.AddSeries("Filled", fills)

	slippageBar := newReportBar("Average slippage per unit", "positive = filled worse than reference")
	slippageBar.SetXAxis(xAxis)
	slippageBar.AddSeries("Slippage", slippage)

	page.AddCharts(fillsBar, slippageBar)

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func newReportBar(title, subtitle string) *charts.Bar {
	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{
			Theme:           types.ThemeWesteros,
			Width:           fmt.Sprintf("%dpx", chartWidthPx),
			Height:          fmt.Sprintf("%dpx", chartHeightPx),
			BackgroundColor: colorBackground,
		}),
		charts.WithTitleOpts(opts.Title{
			Title:         title,
			Subtitle:      subtitle,
			Left:          "left",
			TitleStyle:    &opts.TextStyle{Color: colorTextPrimary, FontSize: 16},
			SubtitleStyle: &opts.TextStyle{Color: colorTextSecondary},
		}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(false)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithXAxisOpts(opts.XAxis{
			Type:      "category",
			AxisLabel: &opts.AxisLabel{Color: colorTextSecondary},
		}),
		charts.WithYAxisOpts(opts.YAxis{
			AxisLabel: &opts.AxisLabel{Show: opts.Bool(true), Color: colorTextSecondary},
			SplitLine: &opts.SplitLine{Show: opts.Bool(true), LineStyle: &opts.LineStyle{Color: colorTextSecondary, Opacity: opts.Float(0.15)}},
		}),
	)
	return bar
}

func round(val float64, decimals int) float64 {
	if decimals <= 0 {
		return math.Round(val)
	}
	scale := math.Pow10(decimals)
	return math.Round(val*scale) / scale
}
