package nvchecker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
)

// External adapts an external checker program. The check command receives the
// package list as arguments and writes one JSON object per line:
// {"pkgbase": ..., "index": ..., "source": ..., "old": ..., "new": ...}.
type External struct {
	Cmd     []string
	TakeCmd []string
	Proxy   string
}

var (
	_ Checker = (*External)(nil)
	_ Taker   = (*External)(nil)
)

type changeLine struct {
	PkgBase string `json:"pkgbase"`
	Index   int    `json:"index"`
	Source  string `json:"source"`
	Old     string `json:"old"`
	New     string `json:"new"`
}

// Check runs the external checker over pkgs and parses its output. With no
// command configured it reports no changes.
func (e *External) Check(ctx context.Context, pkgs []string) (map[string][]Change, error) {
	if len(e.Cmd) == 0 || len(pkgs) == 0 {
		return nil, nil
	}

	argv := append(append([]string(nil), e.Cmd...), pkgs...)
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Env = os.Environ()
	if e.Proxy != "" {
		cmd.Env = append(cmd.Env, "https_proxy="+e.Proxy, "http_proxy="+e.Proxy)
	}

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("upstream checker: %w", err)
	}

	results := make(map[string][]Change)
	scanner := bufio.NewScanner(&out)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var parsed changeLine
		if err := json.Unmarshal(line, &parsed); err != nil {
			return nil, fmt.Errorf("upstream checker output: %w", err)
		}
		results[parsed.PkgBase] = append(results[parsed.PkgBase], Change{
			Index:  parsed.Index,
			Source: parsed.Source,
			Old:    parsed.Old,
			New:    parsed.New,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

// Take runs the external take command with pkgs as arguments.
func (e *External) Take(ctx context.Context, pkgs []string) error {
	if len(e.TakeCmd) == 0 || len(pkgs) == 0 {
		return nil
	}

	argv := append(append([]string(nil), e.TakeCmd...), pkgs...)
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("advance upstream bookmarks: %w", err)
	}
	return nil
}
