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
	"fmt"
	"sort"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/validation"

	"github.com/moru-ai/worker/pkg/container"
)

const (
	// taskContainerName is the name of the single container in every task pod.
	taskContainerName = "task"

	labelTaskPod   = "moru.dev/task-pod"
	labelManagedBy = "app.kubernetes.io/managed-by"
	managedBy      = "moru-worker"
)

// podConfig holds backend-level configuration needed to build task pods.
type podConfig struct {
	Namespace          string
	ServiceAccountName string
	PullPolicy         corev1.PullPolicy
	MaxDuration        time.Duration
	Resources          corev1.ResourceRequirements
}

func buildPod(spec container.Spec, cfg podConfig) (*corev1.Pod, error) {
	if spec.Image == "" {
		return nil, fmt.Errorf("no image configured for %s", spec.Name)
	}
	if len(spec.Name) > 63 {
		return nil, fmt.Errorf("pod name %q exceeds 63-character limit", spec.Name)
	}

	labels := map[string]string{
		labelTaskPod:   spec.Name,
		labelManagedBy: managedBy,
	}
	// Values that are not valid label values, such as arbitrary task ids, are
	// kept as annotations instead.
	annotations := map[string]string{}
	for k, v := range spec.Labels {
		if len(validation.IsValidLabelValue(v)) == 0 {
			labels[k] = v
		} else {
			annotations[k] = v
		}
	}
	if len(annotations) == 0 {
		annotations = nil
	}

	env := make([]corev1.EnvVar, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, corev1.EnvVar{Name: k, Value: v})
	}
	sort.Slice(env, func(i, j int) bool { return env[i].Name < env[j].Name })

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:        spec.Name,
			Namespace:   cfg.Namespace,
			Labels:      labels,
			Annotations: annotations,
		},
		Spec: corev1.PodSpec{
			ServiceAccountName: cfg.ServiceAccountName,
			RestartPolicy:      corev1.RestartPolicyNever,
			Containers: []corev1.Container{
				{
					Name:            taskContainerName,
					Image:           spec.Image,
					Command:         spec.Command,
					Env:             env,
					WorkingDir:      spec.WorkingDir,
					ImagePullPolicy: cfg.PullPolicy,
					Resources:       cfg.Resources,
				},
			},
		},
	}

	// activeDeadlineSeconds is the runtime-layer bound on how long a task may run.
	if cfg.MaxDuration > 0 {
		secs := int64(cfg.MaxDuration.Seconds())
		pod.Spec.ActiveDeadlineSeconds = &secs
	}

	return pod, nil
}
