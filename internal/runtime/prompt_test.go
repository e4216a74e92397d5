package runtime

import (
	"fmt"
	"strings"
	"testing"

	"github.com/kehao95/sandcastle/internal/config"
	"github.com/kehao95/sandcastle/internal/sandbox"
)

func testConfig() *config.Config {
	return &config.Config{
		ModelID:   "claude-sonnet-4-20250514",
		SessionID: "abc-123-def-456",
		Sandbox:   config.SandboxConfig{Workdir: "/home/user"},
		Server:    config.DefaultServerSpec(),
	}
}

func TestBuildSystemPrompt_NoRawPlaceholders(t *testing.T) {
	prompt := BuildSystemPrompt(testConfig(), nil)

	placeholders := []string{"{WORKDIR}", "{MODEL_ID}", "{SESSION_ID}", "{SERVER_COMMAND}", "{SERVER_PORT}", "{SERVABLE}", "{FILES}"}
	for _, ph := range placeholders {
		if strings.Contains(prompt, ph) {
			t.Errorf("prompt still contains unsubstituted placeholder %s", ph)
		}
	}
}

func TestBuildSystemPrompt_CorrectValues(t *testing.T) {
	cfg := testConfig()
	prompt := BuildSystemPrompt(cfg, nil)

	checks := map[string]string{
		"Workdir":   cfg.Sandbox.Workdir,
		"ModelID":   cfg.ModelID,
		"SessionID": cfg.SessionID,
		"Command":   cfg.Server.Command,
		"Port":      fmt.Sprintf("Port: %d", cfg.Server.Port),
		"Servable":  ".html",
	}

	for name, want := range checks {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %s value %q", name, want)
		}
	}
}

func TestBuildSystemPrompt_EmptyWorkdir(t *testing.T) {
	prompt := BuildSystemPrompt(testConfig(), nil)
	if !strings.Contains(prompt, "(empty)") {
		t.Error("prompt should mark an empty working directory")
	}
}

func TestBuildSystemPrompt_ListsFiles(t *testing.T) {
	files := []sandbox.FileInfo{{Name: "css", IsDir: true}, {Name: "index.html", Size: 120}}
	prompt := BuildSystemPrompt(testConfig(), files)

	for _, want := range []string{"- css/", "- index.html"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing listing line %q", want)
		}
	}
}

func TestFormatListing_Capped(t *testing.T) {
	var files []sandbox.FileInfo
	for i := 0; i < maxListed+5; i++ {
		files = append(files, sandbox.FileInfo{Name: fmt.Sprintf("f%02d", i)})
	}
	got := formatListing(files)
	if !strings.HasSuffix(got, "- ... and 5 more") {
		t.Errorf("listing should end with overflow line, got tail %q", got[len(got)-30:])
	}
	if n := strings.Count(got, "\n"); n != maxListed {
		t.Errorf("listing has %d newlines, want %d", n, maxListed)
	}
}
