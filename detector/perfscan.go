package detector

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/GoCodeAlone/custodian/config"
	"github.com/GoCodeAlone/custodian/store"
)

// PerfScan reads a metrics snapshot of "name value" lines and reports
// metrics that exceed their configured threshold.
type PerfScan struct {
	cfg config.PerfScanConfig
}

func NewPerfScan(cfg config.PerfScanConfig) *PerfScan {
	return &PerfScan{cfg: cfg}
}

func (d *PerfScan) Name() string { return "perf_scan" }

func (d *PerfScan) Detect(ctx context.Context) ([]store.Finding, error) {
	if len(d.cfg.Thresholds) == 0 {
		return nil, nil
	}

	f, err := os.Open(d.cfg.MetricsPath)
	if err != nil {
		return nil, fmt.Errorf("open metrics %s: %w", d.cfg.MetricsPath, err)
	}
	defer f.Close()

	var findings []store.Finding
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if ctx.Err() != nil {
			return findings, ctx.Err()
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		limit, ok := d.cfg.Thresholds[fields[0]]
		if !ok {
			continue
		}
		value, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			continue
		}
		if value <= limit {
			continue
		}
		findings = append(findings, store.Finding{
			Type:     store.FindingPerformance,
			Severity: store.SeverityHigh,
			Title:    fmt.Sprintf("performance regression: %s", fields[0]),
			Evidence: fmt.Sprintf("%s=%g exceeds threshold %g", fields[0], value, limit),
		})
	}
	if err := sc.Err(); err != nil {
		return findings, fmt.Errorf("scan metrics %s: %w", d.cfg.MetricsPath, err)
	}
	return findings, nil
}
