package detector

import (
	"bufio"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/GoCodeAlone/custodian/config"
	"github.com/GoCodeAlone/custodian/store"
)

// SelfInspect walks a Go source tree and flags maintenance debt: TODO and
// FIXME markers, and files grown past a configured length.
type SelfInspect struct {
	cfg config.SelfInspectConfig
}

func NewSelfInspect(cfg config.SelfInspectConfig) *SelfInspect {
	if cfg.MaxFileLines <= 0 {
		cfg.MaxFileLines = 800
	}
	return &SelfInspect{cfg: cfg}
}

func (d *SelfInspect) Name() string { return "self_inspect" }

func (d *SelfInspect) Detect(ctx context.Context) ([]store.Finding, error) {
	var findings []store.Finding

	err := filepath.WalkDir(d.cfg.SourceDir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if entry.IsDir() {
			name := entry.Name()
			if name == "vendor" || name == "testdata" || strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_") {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(path, ".go") || strings.HasSuffix(path, "_test.go") {
			return nil
		}

		fileFindings, err := d.inspectFile(path)
		if err != nil {
			return err
		}
		findings = append(findings, fileFindings...)
		return nil
	})
	if err != nil {
		return findings, fmt.Errorf("walk %s: %w", d.cfg.SourceDir, err)
	}
	return findings, nil
}

func (d *SelfInspect) inspectFile(path string) ([]store.Finding, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	rel := path
	if r, err := filepath.Rel(d.cfg.SourceDir, path); err == nil {
		rel = r
	}

	var findings []store.Finding
	lines := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		lines++
		text := sc.Text()
		idx := strings.Index(text, "TODO")
		if idx < 0 {
			idx = strings.Index(text, "FIXME")
		}
		if idx >= 0 {
			findings = append(findings, store.Finding{
				Type:     store.FindingImprovement,
				Severity: store.SeverityLow,
				Title:    fmt.Sprintf("maintenance marker in %s", rel),
				Evidence: fmt.Sprintf("%s:%d: %s", rel, lines, strings.TrimSpace(text)),
			})
		}
	}
	if err := sc.Err(); err != nil {
		return findings, fmt.Errorf("scan %s: %w", path, err)
	}

	if lines > d.cfg.MaxFileLines {
		findings = append(findings, store.Finding{
			Type:     store.FindingOptimization,
			Severity: store.SeverityLow,
			Title:    fmt.Sprintf("oversized source file %s", rel),
			Evidence: fmt.Sprintf("%s is %d lines (limit %d)", rel, lines, d.cfg.MaxFileLines),
		})
	}
	return findings, nil
}
