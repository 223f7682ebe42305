package build

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/theasmitwalia17/PreviewFlow/internal/service/detect"
)

func readDockerfile(t *testing.T, dir string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, "Dockerfile"))
	if err != nil {
		t.Fatalf("read dockerfile: %v", err)
	}
	return string(data)
}

func TestEnsureDockerfileKeepsCommitted(t *testing.T) {
	dir := t.TempDir()
	original := "FROM scratch\n"
	if err := os.WriteFile(filepath.Join(dir, "Dockerfile"), []byte(original), 0o644); err != nil {
		t.Fatalf("seed dockerfile: %v", err)
	}

	if err := ensureDockerfile(dir, detect.TypeNodeBackend); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if got := readDockerfile(t, dir); got != original {
		t.Fatalf("committed Dockerfile was overwritten")
	}
}

func TestEnsureDockerfileStatic(t *testing.T) {
	dir := t.TempDir()
	if err := ensureDockerfile(dir, detect.TypeStatic); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	content := readDockerfile(t, dir)
	if !strings.Contains(content, "FROM nginx:alpine") {
		t.Fatalf("static dockerfile missing nginx base:\n%s", content)
	}
	if !strings.Contains(content, "EXPOSE 80") {
		t.Fatalf("static dockerfile missing port 80:\n%s", content)
	}
}

func TestEnsureDockerfileSPA(t *testing.T) {
	dir := t.TempDir()
	if err := ensureDockerfile(dir, detect.TypeSPABundler); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	content := readDockerfile(t, dir)
	if !strings.Contains(content, "FROM node:20-alpine AS builder") {
		t.Fatalf("spa dockerfile missing build stage:\n%s", content)
	}
	if !strings.Contains(content, "npm run build") {
		t.Fatalf("spa dockerfile missing bundler step:\n%s", content)
	}
	if !strings.Contains(content, "/app/dist /usr/share/nginx/html") {
		t.Fatalf("spa dockerfile missing dist copy:\n%s", content)
	}
}

func TestEnsureDockerfileNodeBackend(t *testing.T) {
	dir := t.TempDir()
	if err := ensureDockerfile(dir, detect.TypeNodeBackend); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	content := readDockerfile(t, dir)
	if !strings.Contains(content, "EXPOSE 3000") {
		t.Fatalf("backend dockerfile missing port 3000:\n%s", content)
	}
	if !strings.Contains(content, `CMD ["npm", "start"]`) {
		t.Fatalf("backend dockerfile missing start command:\n%s", content)
	}
}

func TestEnsureDockerfileUnknownFallsBackToBackend(t *testing.T) {
	dir := t.TempDir()
	if err := ensureDockerfile(dir, detect.TypeUnknown); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	content := readDockerfile(t, dir)
	if !strings.Contains(content, "EXPOSE 3000") {
		t.Fatalf("unknown type did not get the backend template:\n%s", content)
	}
}

func TestContainerPort(t *testing.T) {
	if got := containerPort(detect.TypeNodeBackend); got != 3000 {
		t.Fatalf("backend port = %d, want 3000", got)
	}
	if got := containerPort(detect.TypeUnknown); got != 3000 {
		t.Fatalf("unknown port = %d, want 3000", got)
	}
	if got := containerPort(detect.TypeStatic); got != 80 {
		t.Fatalf("static port = %d, want 80", got)
	}
	if got := containerPort(detect.TypeSPABundler); got != 80 {
		t.Fatalf("spa port = %d, want 80", got)
	}
}
