package detector

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/GoCodeAlone/custodian/config"
	"github.com/GoCodeAlone/custodian/store"
)

// maxAnomaliesPerScan bounds finding volume from a noisy log.
const maxAnomaliesPerScan = 10

// LogScan tails a log file and reports lines matching anomaly patterns.
type LogScan struct {
	cfg config.LogScanConfig
}

func NewLogScan(cfg config.LogScanConfig) *LogScan {
	if cfg.TailKB <= 0 {
		cfg.TailKB = 256
	}
	return &LogScan{cfg: cfg}
}

func (d *LogScan) Name() string { return "log_scan" }

func (d *LogScan) Detect(ctx context.Context) ([]store.Finding, error) {
	f, err := os.Open(d.cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open log %s: %w", d.cfg.Path, err)
	}
	defer f.Close()

	// Scan only the tail so a huge log stays cheap.
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat log %s: %w", d.cfg.Path, err)
	}
	tail := int64(d.cfg.TailKB) * 1024
	if info.Size() > tail {
		if _, err := f.Seek(info.Size()-tail, io.SeekStart); err != nil {
			return nil, fmt.Errorf("seek log %s: %w", d.cfg.Path, err)
		}
	}

	var findings []store.Finding
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		if ctx.Err() != nil {
			return findings, ctx.Err()
		}
		line := sc.Text()
		for _, pat := range d.cfg.Patterns {
			if !strings.Contains(line, pat) {
				continue
			}
			findings = append(findings, store.Finding{
				Type:     classifyLogLine(pat),
				Severity: logLineSeverity(pat),
				Title:    "log anomaly: " + pat,
				Evidence: strings.TrimSpace(line),
			})
			break
		}
		if len(findings) >= maxAnomaliesPerScan {
			break
		}
	}
	if err := sc.Err(); err != nil {
		return findings, fmt.Errorf("scan log %s: %w", d.cfg.Path, err)
	}
	return findings, nil
}

func classifyLogLine(pattern string) store.FindingType {
	switch {
	case strings.Contains(strings.ToLower(pattern), "panic"),
		strings.Contains(strings.ToLower(pattern), "fatal"):
		return store.FindingError
	case strings.Contains(strings.ToLower(pattern), "warn"):
		return store.FindingWarning
	default:
		return store.FindingError
	}
}

func logLineSeverity(pattern string) store.Severity {
	switch {
	case strings.Contains(strings.ToLower(pattern), "panic"),
		strings.Contains(strings.ToLower(pattern), "fatal"):
		return store.SeverityCritical
	case strings.Contains(strings.ToLower(pattern), "warn"):
		return store.SeverityMedium
	default:
		return store.SeverityHigh
	}
}
