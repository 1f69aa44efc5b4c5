package app

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolvePaths_ResolvesConfigDirectory(t *testing.T) {
	configHome := filepath.Join(t.TempDir(), "cfg")
	t.Setenv("XDG_CONFIG_HOME", configHome)
	t.Setenv("HOME", t.TempDir())

	paths, err := ResolvePaths()
	if err != nil {
		t.Fatalf("resolve paths: %v", err)
	}

	root := filepath.Join(configHome, Name)
	if paths.RootDir != root {
		t.Fatalf("unexpected root dir: %q", paths.RootDir)
	}
	if paths.ConfigFile != filepath.Join(root, ConfigFilename) {
		t.Fatalf("unexpected config file: %q", paths.ConfigFile)
	}
	if paths.DBFile != filepath.Join(root, DBFilename) {
		t.Fatalf("unexpected db file: %q", paths.DBFile)
	}
	if _, err := os.Stat(paths.RootDir); err != nil {
		t.Fatalf("expected root directory to exist: %v", err)
	}
}

func TestPathsWithConfigFile(t *testing.T) {
	base := Paths{RootDir: "/cfg/neolink", ConfigFile: "/cfg/neolink/config.json", DBFile: "/cfg/neolink/neolink.db"}

	if got := base.WithConfigFile("  "); got != base {
		t.Fatalf("expected blank override to keep paths, got %+v", got)
	}

	got := base.WithConfigFile("/tmp/other/../board.json")
	if got.ConfigFile != "/tmp/board.json" {
		t.Fatalf("unexpected config file: %q", got.ConfigFile)
	}
	if got.DBFile != base.DBFile {
		t.Fatalf("expected db file to stay, got %q", got.DBFile)
	}
}
