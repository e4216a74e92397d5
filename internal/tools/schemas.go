package tools

import "github.com/kehao95/sandcastle/internal/llm"

// WriteFileSchema returns the JSON Schema for the write_file tool.
func WriteFileSchema() llm.ToolSchema {
	return llm.ToolSchema{
		Name: "write_file",
		Description: "Create or overwrite a file in the sandbox. Relative paths resolve against the working directory. " +
			"If the file is servable and the preview server is down, the server is restarted shortly afterwards.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{
					"type":        "string",
					"description": "File path, absolute or relative to the working directory",
				},
				"content": map[string]any{
					"type":        "string",
					"description": "Complete file content",
				},
			},
			"required": []string{"path", "content"},
		},
	}
}

// WriteFilesSchema returns the JSON Schema for the write_files tool.
func WriteFilesSchema() llm.ToolSchema {
	return llm.ToolSchema{
		Name:        "write_files",
		Description: "Write several files in one call. Prefer this over repeated write_file calls when creating a project.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"files": map[string]any{
					"type":        "array",
					"description": "Files to write, in order",
					"items": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"path":    map[string]any{"type": "string"},
							"content": map[string]any{"type": "string"},
						},
						"required": []string{"path", "content"},
					},
				},
			},
			"required": []string{"files"},
		},
	}
}

// ReadFileSchema returns the JSON Schema for the read_file tool.
func ReadFileSchema() llm.ToolSchema {
	return llm.ToolSchema{
		Name:        "read_file",
		Description: "Read a file from the sandbox. Large files are truncated.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{
					"type":        "string",
					"description": "File path, absolute or relative to the working directory",
				},
			},
			"required": []string{"path"},
		},
	}
}

// ListFilesSchema returns the JSON Schema for the list_files tool.
func ListFilesSchema() llm.ToolSchema {
	return llm.ToolSchema{
		Name:        "list_files",
		Description: "List a directory in the sandbox. Directories end with a slash.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{
					"type":        "string",
					"description": "Directory to list. Defaults to the working directory.",
				},
			},
			"required": []string{},
		},
	}
}

// RunCommandSchema returns the JSON Schema for the run_command tool.
func RunCommandSchema() llm.ToolSchema {
	return llm.ToolSchema{
		Name: "run_command",
		Description: "Run a shell command in the sandbox working directory and return its exit code, stdout and stderr. " +
			"Set background to start a long-running process (such as a server) detached; its PID is returned. " +
			"Do not start the preview server yourself, use get_preview_url.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"command": map[string]any{
					"type":        "string",
					"description": "The shell command to execute",
				},
				"background": map[string]any{
					"type":        "boolean",
					"description": "Start the command detached and return immediately",
				},
				"timeout": map[string]any{
					"type":        "integer",
					"description": "Optional timeout in seconds for a foreground command",
				},
			},
			"required": []string{"command"},
		},
	}
}

// GetPreviewURLSchema returns the JSON Schema for the get_preview_url tool.
func GetPreviewURLSchema() llm.ToolSchema {
	return llm.ToolSchema{
		Name: "get_preview_url",
		Description: "Return the public URL of the preview server, starting or restarting it if it is not answering. " +
			"Call this after writing the site's files.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
			"required":   []string{},
		},
	}
}

// RestartServerSchema returns the JSON Schema for the restart_server tool.
func RestartServerSchema() llm.ToolSchema {
	return llm.ToolSchema{
		Name:        "restart_server",
		Description: "Restart the preview server unconditionally and wait for it to answer.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
			"required":   []string{},
		},
	}
}

// SyncToLocalSchema returns the JSON Schema for the sync_to_local tool.
func SyncToLocalSchema() llm.ToolSchema {
	return llm.ToolSchema{
		Name:        "sync_to_local",
		Description: "Download a file or directory from the sandbox into the user's local sync folder.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"sandbox_path": map[string]any{
					"type":        "string",
					"description": "File or directory in the sandbox",
				},
				"local_path": map[string]any{
					"type":        "string",
					"description": "Destination inside the sync folder. Defaults to the base name of sandbox_path.",
				},
			},
			"required": []string{"sandbox_path"},
		},
	}
}

// DeleteFromLocalSchema returns the JSON Schema for the delete_from_local tool.
func DeleteFromLocalSchema() llm.ToolSchema {
	return llm.ToolSchema{
		Name:        "delete_from_local",
		Description: "Delete a file or directory from the user's local sync folder.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"local_path": map[string]any{
					"type":        "string",
					"description": "Path inside the sync folder",
				},
			},
			"required": []string{"local_path"},
		},
	}
}

// AllToolSchemas returns all tool schemas.
func AllToolSchemas() []llm.ToolSchema {
	return []llm.ToolSchema{
		WriteFileSchema(),
		WriteFilesSchema(),
		ReadFileSchema(),
		ListFilesSchema(),
		RunCommandSchema(),
		GetPreviewURLSchema(),
		RestartServerSchema(),
		SyncToLocalSchema(),
		DeleteFromLocalSchema(),
	}
}
