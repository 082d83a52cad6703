package pipeline

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"oiat.dev/common"
	"oiat.dev/config"
)

// Downloader fetches the raw POS export for a date range and returns the
// path of the downloaded CSV.
type Downloader interface {
	Fetch(ctx context.Context, cfg *config.CompanyConfig, fromDate, toDate string) (string, error)
}

// CommandError carries the exit code of a failed fetch command so the
// CLI can pass 126/127 through.
type CommandError struct {
	Code int
	Err  error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("fetch command exited %d: %v", e.Code, e.Err)
}

func (e *CommandError) Unwrap() error { return e.Err }

// CommandDownloader shells out to the company's configured fetch command
// and waits for the expected CSV to appear in the download directory.
// The POS credentials are injected as EPOS_USERNAME/EPOS_PASSWORD.
type CommandDownloader struct {
	Timeout time.Duration
}

// Fetch runs the fetch command and returns the newest CSV it produced.
func (d *CommandDownloader) Fetch(ctx context.Context, cfg *config.CompanyConfig, fromDate, toDate string) (string, error) {
	command := strings.TrimSpace(cfg.EPOS.FetchCommand)
	if command == "" {
		return "", common.Kindf(common.KindConfig,
			"%s: epos.fetch_command not configured; use --skip-download with pre-staged files", cfg.CompanyKey)
	}
	downloadDir := cfg.EPOS.DownloadDir
	if downloadDir == "" {
		return "", common.Kindf(common.KindConfig, "%s: epos.download_dir not configured", cfg.CompanyKey)
	}

	username, err := cfg.EPOSUsername()
	if err != nil {
		return "", err
	}
	password, err := cfg.EPOSPassword()
	if err != nil {
		return "", err
	}

	before, err := csvSet(downloadDir)
	if err != nil {
		return "", err
	}

	timeout := d.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, "sh", "-c", command)
	cmd.Env = append(os.Environ(),
		"EPOS_USERNAME="+username,
		"EPOS_PASSWORD="+password,
		"EPOS_FROM_DATE="+fromDate,
		"EPOS_TO_DATE="+toDate,
		"EPOS_DOWNLOAD_DIR="+downloadDir,
	)

	output, err := cmd.CombinedOutput()
	if err != nil {
		code := ExitFailure
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		}
		return "", &CommandError{Code: code, Err: fmt.Errorf("%w: %s", err, common.Truncate(string(output), 300))}
	}

	raw, err := newestNewCSV(downloadDir, before)
	if err != nil {
		return "", err
	}
	if raw == "" {
		return "", fmt.Errorf("fetch command succeeded but no new CSV appeared in %s", downloadDir)
	}
	return raw, nil
}

func csvSet(dir string) (map[string]bool, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.csv"))
	if err != nil {
		return nil, err
	}
	set := make(map[string]bool, len(matches))
	for _, m := range matches {
		set[m] = true
	}
	return set, nil
}

func newestNewCSV(dir string, before map[string]bool) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.csv"))
	if err != nil {
		return "", err
	}
	newest := ""
	var newestMod time.Time
	for _, m := range matches {
		if before[m] {
			continue
		}
		info, err := os.Stat(m)
		if err != nil {
			continue
		}
		if newest == "" || info.ModTime().After(newestMod) {
			newest = m
			newestMod = info.ModTime()
		}
	}
	return newest, nil
}
