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

package kubernetes

import (
	"errors"
	"fmt"

	corev1 "k8s.io/api/core/v1"

	"github.com/moru-ai/worker/pkg/container"
)

// podOutcome is what a single observation of a task pod tells the backend.
type podOutcome struct {
	running  bool
	done     bool
	exitCode int64
	reason   string
	err      error
}

// Waiting reasons that mean the image will never become available without intervention.
var imagePullReasons = map[string]bool{
	"ErrImagePull":      true,
	"ImagePullBackOff":  true,
	"InvalidImageName":  true,
	"ErrImageNeverPull": true,
}

// Waiting reasons that mean the container could not be created.
var startReasons = map[string]bool{
	"CreateContainerConfigError": true,
	"CreateContainerError":       true,
	"RunContainerError":          true,
}

// inspectPod classifies the task container's state.
func inspectPod(pod *corev1.Pod) podOutcome {
	for _, cs := range pod.Status.ContainerStatuses {
		if cs.Name != taskContainerName {
			continue
		}
		switch {
		case cs.State.Terminated != nil:
			term := cs.State.Terminated
			out := podOutcome{done: true, exitCode: int64(term.ExitCode), reason: term.Reason}
			if term.Reason == "OOMKilled" && term.ExitCode == 0 {
				out.exitCode = 137
			}
			return out
		case cs.State.Running != nil:
			return podOutcome{running: true}
		case cs.State.Waiting != nil:
			w := cs.State.Waiting
			if imagePullReasons[w.Reason] {
				return podOutcome{done: true, exitCode: -1, err: &container.ImagePullError{
					Image: cs.Image,
					Err:   fmt.Errorf("%s: %s", w.Reason, w.Message),
				}}
			}
			if startReasons[w.Reason] {
				return podOutcome{done: true, exitCode: -1, err: &container.StartError{
					Name: pod.Name,
					Err:  fmt.Errorf("%s: %s", w.Reason, w.Message),
				}}
			}
		}
	}

	switch pod.Status.Phase {
	case corev1.PodFailed:
		// Evicted or past activeDeadlineSeconds before the container reported a state.
		reason := pod.Status.Reason
		if reason == "" {
			reason = "PodFailed"
		}
		return podOutcome{done: true, exitCode: -1, err: &container.RuntimeError{
			ExitCode: -1,
			Err:      errors.New(reason + ": " + pod.Status.Message),
		}}
	case corev1.PodSucceeded:
		return podOutcome{done: true}
	}
	return podOutcome{}
}
