package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mandelcache/mandelcache/pkg/engine"
)

// runCommand executes the CLI with args against dir and returns stdout.
func runCommand(t *testing.T, dir string, args ...string) (string, error) {
	t.Helper()

	root := newRootCommand("test", "none", "today")
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--cache-dir", dir, "--log-level", "error"}, args...))

	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func mustRunCommand(t *testing.T, dir string, args ...string) string {
	t.Helper()
	out, err := runCommand(t, dir, args...)
	if err != nil {
		t.Fatalf("mandelcache %s failed: %v\n%s", strings.Join(args, " "), err, out)
	}
	return out
}

var smallViewport = []string{"--width", "16", "--height", "10"}

func generateArgs(extra ...string) []string {
	return append(append([]string{"generate"}, smallViewport...), extra...)
}

func TestGenerateSources(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name       string
		args       []string
		wantSource string
	}{
		{name: "first request is fresh", args: generateArgs("-n", "20"), wantSource: "fresh"},
		{name: "repeat is a hit", args: generateArgs("-n", "20"), wantSource: "hit"},
		{name: "deeper request is incremental", args: generateArgs("-n", "50"), wantSource: "incremental"},
		{name: "force recomputes", args: generateArgs("-n", "20", "--force"), wantSource: "fresh"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := mustRunCommand(t, dir, append([]string{"--json"}, tt.args...)...)

			var result generateResult
			if err := json.Unmarshal([]byte(out), &result); err != nil {
				t.Fatalf("invalid JSON output: %v\n%s", err, out)
			}
			if result.Status != "completed" {
				t.Errorf("expected completed, got %s", result.Status)
			}
			if result.Source != tt.wantSource {
				t.Errorf("expected source %s, got %s", tt.wantSource, result.Source)
			}
			if _, err := os.Stat(result.Artifact); err != nil {
				t.Errorf("artifact %s missing: %v", result.Artifact, err)
			}
		})
	}
}

func TestGenerateExport(t *testing.T) {
	dir := t.TempDir()
	outFile := filepath.Join(t.TempDir(), "set.etz")

	out := mustRunCommand(t, dir, generateArgs("-n", "10", "--out", outFile)...)
	if !strings.Contains(out, "Source:    fresh") {
		t.Errorf("expected human-readable report, got:\n%s", out)
	}

	info, err := os.Stat(outFile)
	if err != nil {
		t.Fatalf("export missing: %v", err)
	}
	if info.Size() == 0 {
		t.Error("export is empty")
	}
}

func TestGenerateRejectsInvalidViewport(t *testing.T) {
	if _, err := runCommand(t, t.TempDir(), "generate", "--xmin", "1", "--xmax", "-1"); err == nil {
		t.Fatal("expected error for inverted bounds")
	}
}

func TestExistsAndEvict(t *testing.T) {
	dir := t.TempDir()

	if out := mustRunCommand(t, dir, "exists", "-n", "15"); strings.TrimSpace(out) != "false" {
		t.Fatalf("expected false before generating, got %q", out)
	}

	mustRunCommand(t, dir, generateArgs("-n", "15")...)

	// Resolution is not part of the cache identity.
	if out := mustRunCommand(t, dir, "exists", "-n", "15"); strings.TrimSpace(out) != "true" {
		t.Fatalf("expected true after generating, got %q", out)
	}

	mustRunCommand(t, dir, "cache", "evict", "-n", "15")
	if out := mustRunCommand(t, dir, "exists", "-n", "15"); strings.TrimSpace(out) != "false" {
		t.Fatalf("expected false after evicting, got %q", out)
	}

	if _, err := runCommand(t, dir, "cache", "evict", "-n", "15"); err == nil {
		t.Fatal("expected error evicting an uncached dataset")
	}
}

func TestCacheListAndCleanup(t *testing.T) {
	dir := t.TempDir()
	mustRunCommand(t, dir, generateArgs("-n", "10")...)
	mustRunCommand(t, dir, generateArgs("-n", "30")...)

	out := mustRunCommand(t, dir, "--json", "cache", "ls")
	var entries []cacheEntry
	if err := json.Unmarshal([]byte(out), &entries); err != nil {
		t.Fatalf("invalid JSON output: %v\n%s", err, out)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Iterations != 10 || entries[1].Iterations != 30 {
		t.Errorf("expected entries ordered by iterations, got %+v", entries)
	}

	if _, err := runCommand(t, dir, "cache", "cleanup"); err == nil {
		t.Fatal("expected cleanup to require --yes")
	}

	out = mustRunCommand(t, dir, "cache", "cleanup", "--yes")
	if !strings.Contains(out, "Removed 2 datasets") {
		t.Errorf("unexpected cleanup output: %s", out)
	}

	out = mustRunCommand(t, dir, "cache", "ls")
	if !strings.Contains(out, "0 datasets") {
		t.Errorf("expected empty cache, got:\n%s", out)
	}

	if _, err := os.Stat(filepath.Join(dir, "ledger.db")); err != nil {
		t.Errorf("cleanup must keep the ledger: %v", err)
	}
}

func TestHistory(t *testing.T) {
	dir := t.TempDir()
	mustRunCommand(t, dir, generateArgs("-n", "10")...)
	mustRunCommand(t, dir, generateArgs("-n", "10")...)
	mustRunCommand(t, dir, generateArgs("-n", "25")...)

	out := mustRunCommand(t, dir, "--json", "history", "stats")
	var counts map[string]int
	if err := json.Unmarshal([]byte(out), &counts); err != nil {
		t.Fatalf("invalid JSON output: %v\n%s", err, out)
	}
	want := map[string]int{"fresh": 1, "hit": 1, "incremental": 1}
	for source, n := range want {
		if counts[source] != n {
			t.Errorf("expected %d %s generations, got %d", n, source, counts[source])
		}
	}

	out = mustRunCommand(t, dir, "--json", "history", "ls", "--source", "incremental")
	var gens []struct {
		ID             string `json:"id"`
		Iterations     int    `json:"iterations"`
		BaseIterations int    `json:"base_iterations"`
	}
	if err := json.Unmarshal([]byte(out), &gens); err != nil {
		t.Fatalf("invalid JSON output: %v\n%s", err, out)
	}
	if len(gens) != 1 || gens[0].Iterations != 25 || gens[0].BaseIterations != 10 {
		t.Fatalf("unexpected incremental history: %+v", gens)
	}

	out = mustRunCommand(t, dir, "history", "show", gens[0].ID)
	if !strings.Contains(out, "Extended:    from 10 iterations") {
		t.Errorf("unexpected show output:\n%s", out)
	}

	out = mustRunCommand(t, dir, "history", "prune", "--older-than", "1h")
	if !strings.Contains(out, "Deleted 0 generations") {
		t.Errorf("expected nothing pruned, got %s", out)
	}
}

func TestHistoryRequiresLedger(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("ledger:\n  enabled: false\n"), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	if _, err := runCommand(t, dir, "--config", cfgPath, "history", "ls"); err == nil {
		t.Fatal("expected error with the ledger disabled")
	}
	mustRunCommand(t, dir, append([]string{"--config", cfgPath}, generateArgs("-n", "5")...)...)
}

func TestConfigShow(t *testing.T) {
	dir := t.TempDir()

	out := mustRunCommand(t, dir, "config", "show")
	for _, want := range []string{"dir: " + dir, "prefix: mandel", "chunk_factor: 2", "level: error"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in config output:\n%s", want, out)
		}
	}

	out = mustRunCommand(t, dir, "config", "validate")
	if !strings.Contains(out, "valid") {
		t.Errorf("unexpected validate output: %s", out)
	}
}

func TestPlanCommand(t *testing.T) {
	dir := t.TempDir()
	mustRunCommand(t, dir, generateArgs("-n", "12")...)

	out := mustRunCommand(t, dir, append([]string{"--json", "plan"}, append(smallViewport, "-n", "48")...)...)
	var plan struct {
		Source         string `json:"source"`
		BaseIterations int    `json:"base_iterations"`
		Delta          int    `json:"delta"`
	}
	if err := json.Unmarshal([]byte(out), &plan); err != nil {
		t.Fatalf("invalid JSON output: %v\n%s", err, out)
	}
	if plan.Source != "incremental" || plan.BaseIterations != 12 || plan.Delta != 36 {
		t.Errorf("unexpected plan %+v", plan)
	}

	if out := mustRunCommand(t, dir, "exists", "-n", "48"); strings.TrimSpace(out) != "false" {
		t.Error("plan must not compute the dataset")
	}
}

func TestGenerateProgressive(t *testing.T) {
	dir := t.TempDir()

	out := mustRunCommand(t, dir, append([]string{"--json"}, generateArgs("-n", "40", "--progressive", "2", "--first", "10")...)...)
	var result generateResult
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		t.Fatalf("invalid JSON output: %v\n%s", err, out)
	}
	if result.Source != "incremental" || result.BaseIterations != 20 {
		t.Errorf("expected the last step to extend 20 iterations, got %s from %d", result.Source, result.BaseIterations)
	}

	out = mustRunCommand(t, dir, "--json", "cache", "ls")
	var entries []cacheEntry
	if err := json.Unmarshal([]byte(out), &entries); err != nil {
		t.Fatalf("invalid JSON output: %v\n%s", err, out)
	}
	if len(entries) != 3 {
		t.Errorf("expected every step to be cached, got %d entries", len(entries))
	}
}

func TestGenerateProgressiveServesExactHit(t *testing.T) {
	dir := t.TempDir()
	mustRunCommand(t, dir, generateArgs("-n", "40")...)

	out := mustRunCommand(t, dir, append([]string{"--json"}, generateArgs("-n", "40", "--progressive", "2", "--first", "10")...)...)
	var result generateResult
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		t.Fatalf("invalid JSON output: %v\n%s", err, out)
	}
	if result.Status != "completed" || result.Source != "hit" {
		t.Errorf("expected a completed hit, got %s/%s", result.Status, result.Source)
	}

	out = mustRunCommand(t, dir, "--json", "cache", "ls")
	var entries []cacheEntry
	if err := json.Unmarshal([]byte(out), &entries); err != nil {
		t.Fatalf("invalid JSON output: %v\n%s", err, out)
	}
	if len(entries) != 1 {
		t.Errorf("expected no intermediate steps next to the hit, got %d entries", len(entries))
	}
}

func TestPolicyDeniesGenerate(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	// 16x10 pixels at 20 iterations is 3200 pixel iterations.
	if err := os.WriteFile(cfgPath, []byte("policy:\n  limits:\n    max_work: 1000\n"), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	withConfig := func(args ...string) []string {
		return append([]string{"--config", cfgPath}, args...)
	}

	_, err := runCommand(t, dir, withConfig(generateArgs("-n", "20")...)...)
	if !engine.IsPolicyDenied(err) {
		t.Fatalf("expected a policy denial, got %v", err)
	}
	if out := mustRunCommand(t, dir, withConfig("exists", "-n", "20")...); strings.TrimSpace(out) != "false" {
		t.Fatal("a denied request must not compute anything")
	}

	out := mustRunCommand(t, dir, withConfig("--json", "plan", "--width", "16", "--height", "10", "-n", "20")...)
	var plan struct {
		Source string `json:"source"`
		Policy struct {
			Allowed    bool `json:"allowed"`
			Violations []struct {
				Policy string `json:"policy"`
			} `json:"violations"`
		} `json:"policy"`
	}
	if err := json.Unmarshal([]byte(out), &plan); err != nil {
		t.Fatalf("invalid JSON output: %v\n%s", err, out)
	}
	if plan.Source != "fresh" || plan.Policy.Allowed {
		t.Errorf("expected a denied fresh plan, got %+v", plan)
	}
	if len(plan.Policy.Violations) != 1 || plan.Policy.Violations[0].Policy != "work-budget" {
		t.Errorf("expected a work-budget violation, got %+v", plan.Policy.Violations)
	}

	mustRunCommand(t, dir, withConfig(generateArgs("-n", "20", "--no-policy")...)...)

	// Hits compute nothing and pass the budget.
	mustRunCommand(t, dir, withConfig(generateArgs("-n", "20")...)...)
}

func TestPolicyList(t *testing.T) {
	dir := t.TempDir()
	out := mustRunCommand(t, dir, "policy", "ls")
	for _, want := range []string{"work-budget", "arbitrary-work-budget", "escape-region", "max_arbitrary_work=50000000"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in policy list:\n%s", want, out)
		}
	}
}
