// Package setup scaffolds a dispatcher workspace.
package setup

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/autodispatch/internal/jsonfile"
	"github.com/msageha/autodispatch/internal/model"
	"github.com/msageha/autodispatch/templates"
)

// ConfigFileName is the per-workspace configuration written by Run.
const ConfigFileName = "dispatch.yaml"

// Result lists what Run created. Existing files are reported in Kept.
type Result struct {
	Workspace string
	Created   []string
	Kept      []string
}

// Run creates the workspace layout under workspaceDir. It never overwrites an
// existing file, so it is safe to re-run on a live workspace.
func Run(workspaceDir, orchestrator string) (*Result, error) {
	absDir, err := filepath.Abs(workspaceDir)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace dir: %w", err)
	}
	res := &Result{Workspace: absDir}

	cfg, err := generateConfig(orchestrator)
	if err != nil {
		return nil, fmt.Errorf("generate config: %w", err)
	}
	cfgPath := filepath.Join(absDir, ConfigFileName)
	cfgExists := exists(cfgPath)
	if cfgExists {
		// lay the existing file over the template so its paths are honoured
		data, err := os.ReadFile(cfgPath)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", ConfigFileName, err)
		}
		if err := yamlv3.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", ConfigFileName, err)
		}
		// an explicit orchestrator beats the file, as it does for run
		if orchestrator != "" {
			cfg.Orchestrator = orchestrator
		}
		cfg.ApplyDefaults()
	}

	dirs := []string{
		cfg.Paths.InboxesDir,
		cfg.Paths.OutboxesDir,
		"logs",
		"quarantine",
	}
	for _, d := range dirs {
		if err := os.MkdirAll(model.WorkspacePath(absDir, d), 0755); err != nil {
			return nil, fmt.Errorf("create directory %s: %w", d, err)
		}
	}

	if cfgExists {
		res.Kept = append(res.Kept, ConfigFileName)
	} else {
		if err := writeConfig(cfgPath, cfg); err != nil {
			return nil, fmt.Errorf("write %s: %w", ConfigFileName, err)
		}
		res.Created = append(res.Created, ConfigFileName)
	}

	tasksPath := model.WorkspacePath(absDir, cfg.Paths.TasksFile)
	if exists(tasksPath) {
		res.Kept = append(res.Kept, display(absDir, tasksPath))
	} else {
		if err := copyTemplateFile("TASKS.json", tasksPath); err != nil {
			return nil, err
		}
		res.Created = append(res.Created, display(absDir, tasksPath))
	}

	inbox := filepath.Join(model.WorkspacePath(absDir, cfg.Paths.InboxesDir), cfg.Orchestrator+".md")
	if !exists(inbox) {
		content := fmt.Sprintf("# Inbox: %s\n\nNo messages\n", cfg.Orchestrator)
		if err := os.WriteFile(inbox, []byte(content), 0644); err != nil {
			return nil, fmt.Errorf("write orchestrator inbox: %w", err)
		}
		res.Created = append(res.Created, display(absDir, inbox))
	}
	return res, nil
}

// display names a created file relative to the workspace when it lies inside it.
func display(workspace, p string) string {
	rel, err := filepath.Rel(workspace, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return p
	}
	return rel
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return !errors.Is(err, fs.ErrNotExist)
}

func copyTemplateFile(name, dst string) error {
	data, err := fs.ReadFile(templates.FS, name)
	if err != nil {
		return fmt.Errorf("read template %s: %w", name, err)
	}
	if err := jsonfile.AtomicWriteRaw(dst, data); err != nil {
		return fmt.Errorf("write %s: %w", dst, err)
	}
	return nil
}

// generateConfig reads the embedded template and fills the orchestrator id.
func generateConfig(orchestrator string) (*model.Config, error) {
	data, err := fs.ReadFile(templates.FS, ConfigFileName)
	if err != nil {
		return nil, fmt.Errorf("read config template: %w", err)
	}

	var cfg model.Config
	if err := yamlv3.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config template: %w", err)
	}
	if orchestrator != "" {
		cfg.Orchestrator = orchestrator
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

func writeConfig(path string, cfg *model.Config) error {
	data, err := yamlv3.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("yaml marshal: %w", err)
	}
	header := []byte("# autodispatch configuration. Paths are relative to the workspace.\n")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(header, data...), 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
