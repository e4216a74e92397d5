package runtime

import (
	_ "embed"
	"fmt"
	"strings"

	"github.com/kehao95/sandcastle/internal/config"
	"github.com/kehao95/sandcastle/internal/sandbox"
)

//go:embed system_prompt.md
var systemPromptTemplate string

// maxListed bounds the workdir listing in the prompt.
const maxListed = 50

// BuildSystemPrompt fills the prompt template from config and a listing of
// the sandbox workdir.
func BuildSystemPrompt(cfg *config.Config, files []sandbox.FileInfo) string {
	r := strings.NewReplacer(
		"{WORKDIR}", cfg.Sandbox.Workdir,
		"{MODEL_ID}", cfg.ModelID,
		"{SESSION_ID}", cfg.SessionID,
		"{SERVER_COMMAND}", cfg.Server.Command,
		"{SERVER_PORT}", fmt.Sprintf("%d", cfg.Server.Port),
		"{SERVABLE}", strings.Join(cfg.Server.ServableExts, " "),
		"{FILES}", formatListing(files),
	)
	return r.Replace(systemPromptTemplate)
}

func formatListing(files []sandbox.FileInfo) string {
	if len(files) == 0 {
		return "(empty)"
	}
	var sb strings.Builder
	for i, f := range files {
		if i == maxListed {
			fmt.Fprintf(&sb, "- ... and %d more\n", len(files)-maxListed)
			break
		}
		name := f.Name
		if f.IsDir {
			name += "/"
		}
		sb.WriteString("- " + name + "\n")
	}
	return strings.TrimSuffix(sb.String(), "\n")
}
