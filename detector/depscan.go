package detector

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/GoCodeAlone/custodian/config"
	"github.com/GoCodeAlone/custodian/store"
)

// DepScan compares a go.mod-style manifest against an advisory list and
// reports modules pinned at an affected version.
//
// The advisory file holds one entry per line:
//
//	module/path version note about the advisory
//
// Lines starting with # are comments.
type DepScan struct {
	cfg config.DepScanConfig
}

func NewDepScan(cfg config.DepScanConfig) *DepScan {
	return &DepScan{cfg: cfg}
}

func (d *DepScan) Name() string { return "dep_scan" }

type advisory struct {
	module  string
	version string
	note    string
}

func (d *DepScan) Detect(ctx context.Context) ([]store.Finding, error) {
	advisories, err := d.loadAdvisories()
	if err != nil {
		return nil, err
	}
	if len(advisories) == 0 {
		return nil, nil
	}

	required, err := d.loadManifest()
	if err != nil {
		return nil, err
	}

	var findings []store.Finding
	for _, adv := range advisories {
		if ctx.Err() != nil {
			return findings, ctx.Err()
		}
		ver, ok := required[adv.module]
		if !ok || ver != adv.version {
			continue
		}
		findings = append(findings, store.Finding{
			Type:     store.FindingSecurity,
			Severity: store.SeverityCritical,
			Title:    fmt.Sprintf("vulnerable dependency %s@%s", adv.module, adv.version),
			Evidence: adv.note,
		})
	}
	return findings, nil
}

// loadManifest parses require lines from a go.mod-style file into
// module -> version.
func (d *DepScan) loadManifest() (map[string]string, error) {
	f, err := os.Open(d.cfg.ManifestPath)
	if err != nil {
		return nil, fmt.Errorf("open manifest %s: %w", d.cfg.ManifestPath, err)
	}
	defer f.Close()

	required := make(map[string]string)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		line = strings.TrimPrefix(line, "require ")
		fields := strings.Fields(line)
		if len(fields) < 2 || !strings.HasPrefix(fields[1], "v") {
			continue
		}
		if strings.Contains(fields[0], "/") || strings.Contains(fields[0], ".") {
			required[fields[0]] = fields[1]
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan manifest %s: %w", d.cfg.ManifestPath, err)
	}
	return required, nil
}

func (d *DepScan) loadAdvisories() ([]advisory, error) {
	f, err := os.Open(d.cfg.AdvisoryPath)
	if err != nil {
		return nil, fmt.Errorf("open advisories %s: %w", d.cfg.AdvisoryPath, err)
	}
	defer f.Close()

	var advisories []advisory
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		adv := advisory{module: fields[0], version: fields[1]}
		if len(fields) > 2 {
			adv.note = strings.Join(fields[2:], " ")
		}
		advisories = append(advisories, adv)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan advisories %s: %w", d.cfg.AdvisoryPath, err)
	}
	return advisories, nil
}
