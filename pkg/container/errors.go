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
	"errors"
	"fmt"
)

// ImagePullError reports that an image could not be made available.
type ImagePullError struct {
	Image string
	Err   error
}

func (e *ImagePullError) Error() string {
	return fmt.Sprintf("pulling image %s: %v", e.Image, e.Err)
}

func (e *ImagePullError) Unwrap() error { return e.Err }

// StartError reports a failure to create, attach to, or start a container.
type StartError struct {
	Name string
	Err  error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("starting container %s: %v", e.Name, e.Err)
}

func (e *StartError) Unwrap() error { return e.Err }

// RuntimeError reports a container that exited non-zero or could not be waited on.
// ExitCode is -1 when no exit code was observed.
type RuntimeError struct {
	ExitCode int64
	Reason   string
	Err      error
}

func (e *RuntimeError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("waiting for container: %v", e.Err)
	case e.Reason != "":
		return fmt.Sprintf("container exited with code %d (%s)", e.ExitCode, e.Reason)
	default:
		return fmt.Sprintf("container exited with code %d", e.ExitCode)
	}
}

func (e *RuntimeError) Unwrap() error { return e.Err }

// TeardownError reports a failure to remove a container. It is logged, never returned
// in place of a job's outcome.
type TeardownError struct {
	ID  string
	Err error
}

func (e *TeardownError) Error() string {
	return fmt.Sprintf("removing container %s: %v", e.ID, e.Err)
}

func (e *TeardownError) Unwrap() error { return e.Err }

// ExitCode returns the exit code carried by err, or -1 and false if it carries none.
func ExitCode(err error) (int64, bool) {
	var re *RuntimeError
	if errors.As(err, &re) && re.Err == nil {
		return re.ExitCode, true
	}
	return -1, false
}
