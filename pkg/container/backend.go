/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package container

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"regexp"
	"strings"
)

// NamePrefix prefixes every container the worker creates.
const NamePrefix = "moru-task-"

// Spec describes the container to run for one task.
type Spec struct {
	Name       string
	Image      string
	Command    []string
	Env        map[string]string
	Labels     map[string]string
	WorkingDir string
}

// Handle identifies a created container. It is owned by the worker slot that created it.
type Handle struct {
	ID   string
	Name string
}

// Backend drives a container runtime through one container's lifecycle.
type Backend interface {
	// PullImage makes ref available locally, blocking until it is.
	PullImage(ctx context.Context, ref string) error
	// Create creates, but does not start, a container for spec.
	Create(ctx context.Context, spec Spec) (Handle, error)
	// Attach returns the combined stdout/stderr stream of the container.
	// It is called before Start so no output is lost.
	Attach(ctx context.Context, h Handle) (io.ReadCloser, error)
	Start(ctx context.Context, h Handle) error
	// Wait blocks until the container exits and returns its exit code.
	Wait(ctx context.Context, h Handle) (int64, error)
	// Remove force-removes the container. Removing a missing container is not an error.
	Remove(ctx context.Context, h Handle) error
}

var invalidNameChars = regexp.MustCompile(`[^a-z0-9-]+`)

const maxNameLength = 63

// NameForTask derives the deterministic container name for taskID. The result
// is valid both as a Docker container name and as a Kubernetes object name.
// When taskID has to be rewritten to fit, a hash of the raw id is appended so
// distinct ids never share a name.
func NameForTask(taskID string) string {
	s := invalidNameChars.ReplaceAllString(strings.ToLower(taskID), "-")
	s = strings.Trim(s, "-")
	name := NamePrefix + s
	if s == taskID && s != "" && len(name) <= maxNameLength {
		return name
	}

	if s == "" {
		s = "unnamed"
	}
	sum := sha256.Sum256([]byte(taskID))
	suffix := "-" + hex.EncodeToString(sum[:4])
	name = NamePrefix + s
	if len(name) > maxNameLength-len(suffix) {
		name = strings.TrimRight(name[:maxNameLength-len(suffix)], "-")
	}
	return name + suffix
}
