package build

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/theasmitwalia17/PreviewFlow/internal/service/detect"
)

const containerPortStatic = 80
const containerPortBackend = 3000

// containerPort returns the port the generated image listens on.
func containerPort(t detect.Type) int {
	if t == detect.TypeStatic || t == detect.TypeSPABundler {
		return containerPortStatic
	}
	return containerPortBackend
}

// ensureDockerfile writes a generated Dockerfile for the detected type
// into the checkout. A Dockerfile committed to the repository wins, and
// unknown checkouts get the generic backend template.
func ensureDockerfile(dir string, t detect.Type) error {
	for _, name := range []string{"Dockerfile", "dockerfile"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			return nil
		}
	}

	var content string
	switch t {
	case detect.TypeStatic:
		content = renderStaticDockerfile()
	case detect.TypeSPABundler:
		content = renderSPADockerfile()
	default:
		content = renderNodeBackendDockerfile()
	}

	if err := os.WriteFile(filepath.Join(dir, "Dockerfile"), []byte(content), 0o644); err != nil {
		return fmt.Errorf("write dockerfile: %w", err)
	}
	return nil
}

func renderStaticDockerfile() string {
	var b strings.Builder
	b.WriteString("# syntax=docker/dockerfile:1\n")
	b.WriteString("FROM nginx:alpine\n")
	b.WriteString("COPY . /usr/share/nginx/html\n")
	b.WriteString("EXPOSE 80\n")
	return b.String()
}

func renderSPADockerfile() string {
	var b strings.Builder
	b.WriteString("# syntax=docker/dockerfile:1\n")
	b.WriteString("FROM node:20-alpine AS builder\n")
	b.WriteString("WORKDIR /app\n\n")
	b.WriteString("COPY package*.json ./\n")
	b.WriteString("RUN if [ -f package-lock.json ]; then npm ci; else npm install; fi\n\n")
	b.WriteString("COPY . ./\n")
	b.WriteString("RUN npm run build\n\n")
	b.WriteString("FROM nginx:alpine\n")
	b.WriteString("COPY --from=builder /app/dist /usr/share/nginx/html\n")
	b.WriteString("EXPOSE 80\n")
	return b.String()
}

func renderNodeBackendDockerfile() string {
	var b strings.Builder
	b.WriteString("# syntax=docker/dockerfile:1\n")
	b.WriteString("FROM node:20-alpine\n")
	b.WriteString("WORKDIR /app\n\n")
	b.WriteString("COPY package*.json ./\n")
	b.WriteString("RUN if [ -f package-lock.json ]; then npm ci; else npm install; fi\n\n")
	b.WriteString("COPY . ./\n")
	b.WriteString("ENV NODE_ENV=production\n")
	b.WriteString("ENV PORT=3000\n")
	b.WriteString("EXPOSE 3000\n")
	b.WriteString("CMD [\"npm\", \"start\"]\n")
	return b.String()
}
