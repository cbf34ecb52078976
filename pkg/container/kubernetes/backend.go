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
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/go-logr/logr"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/util/rand"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/kubernetes"
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/moru-ai/worker/pkg/container"
)

const defaultPollInterval = time.Second

// Option configures a Backend.
type Option func(*Backend)

// WithLogger sets the logger for the backend.
func WithLogger(l logr.Logger) Option {
	return func(b *Backend) { b.log = l }
}

// WithServiceAccount runs task pods as the named service account.
func WithServiceAccount(name string) Option {
	return func(b *Backend) { b.cfg.ServiceAccountName = name }
}

// WithPullPolicy sets the image pull policy of task pods.
func WithPullPolicy(p corev1.PullPolicy) Option {
	return func(b *Backend) { b.cfg.PullPolicy = p }
}

// WithMaxDuration sets activeDeadlineSeconds on task pods.
func WithMaxDuration(d time.Duration) Option {
	return func(b *Backend) { b.cfg.MaxDuration = d }
}

// WithResources sets resource requests and limits of the task container.
func WithResources(r corev1.ResourceRequirements) Option {
	return func(b *Backend) { b.cfg.Resources = r }
}

// WithPollInterval sets how often pod state is polled.
func WithPollInterval(d time.Duration) Option {
	return func(b *Backend) { b.pollInterval = d }
}

// Backend implements container.Backend with one pod per task.
// Image acquisition is delegated to the kubelet; pull failures surface from Wait.
//
// Pods are named after their task, so two deliveries of one task compete for
// the same name. Each handle remembers the UID of the pod it submitted and only
// ever observes or deletes that pod.
type Backend struct {
	client       kubernetes.Interface
	cfg          podConfig
	pollInterval time.Duration
	log          logr.Logger

	mu      sync.Mutex
	handles map[string]*submission
}

// submission is the state of one handle: the pod to submit, then the UID of
// the submitted pod.
type submission struct {
	pod     *corev1.Pod
	uid     types.UID
	started bool
}

var _ container.Backend = (*Backend)(nil)

// New creates a backend that runs task pods in namespace.
func New(client kubernetes.Interface, namespace string, opts ...Option) *Backend {
	b := &Backend{
		client:       client,
		cfg:          podConfig{Namespace: namespace, PullPolicy: corev1.PullIfNotPresent},
		pollInterval: defaultPollInterval,
		log:          logr.Discard(),
		handles:      make(map[string]*submission),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// NewFromConfig builds a clientset from the ambient kubeconfig or in-cluster config.
func NewFromConfig(namespace string, opts ...Option) (*Backend, error) {
	cfg, err := ctrl.GetConfig()
	if err != nil {
		return nil, fmt.Errorf("getting k8s config: %w", err)
	}
	cs, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating k8s client: %w", err)
	}
	return New(cs, namespace, opts...), nil
}

// PullImage is a no-op: the kubelet pulls according to the pod's pull policy.
func (b *Backend) PullImage(_ context.Context, ref string) error {
	b.log.V(1).Info("image pull delegated to kubelet", "image", ref, "policy", b.cfg.PullPolicy)
	return nil
}

// Create builds the pod object. Nothing is submitted until Start.
func (b *Backend) Create(_ context.Context, spec container.Spec) (container.Handle, error) {
	pod, err := buildPod(spec, b.cfg)
	if err != nil {
		return container.Handle{}, &container.StartError{Name: spec.Name, Err: err}
	}
	id := pod.Name + "." + rand.String(8)
	b.mu.Lock()
	b.handles[id] = &submission{pod: pod}
	b.mu.Unlock()
	return container.Handle{ID: id, Name: pod.Name}, nil
}

// Attach returns the pod's log stream. The stream opens lazily on first read,
// once the task container has started.
func (b *Backend) Attach(ctx context.Context, h container.Handle) (io.ReadCloser, error) {
	return newLogStream(ctx, b, h), nil
}

// Start submits the pod. A leftover pod with the same name is deleted first.
func (b *Backend) Start(ctx context.Context, h container.Handle) error {
	b.mu.Lock()
	sub, ok := b.handles[h.ID]
	var pod *corev1.Pod
	if ok && !sub.started {
		pod = sub.pod
	}
	b.mu.Unlock()
	if pod == nil {
		return &container.StartError{Name: h.Name, Err: fmt.Errorf("pod %s was not created by this backend", h.ID)}
	}

	pods := b.client.CoreV1().Pods(b.cfg.Namespace)
	created, err := pods.Create(ctx, pod, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		b.log.Info("replacing stale task pod", "pod", h.Name)
		if err := b.deleteAndWait(ctx, h.Name); err != nil {
			return &container.StartError{Name: h.Name, Err: err}
		}
		created, err = pods.Create(ctx, pod, metav1.CreateOptions{})
	}
	if err != nil {
		return &container.StartError{Name: h.Name, Err: fmt.Errorf("creating pod: %w", err)}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.handles[h.ID]; ok {
		sub.pod, sub.uid, sub.started = nil, created.UID, true
	}
	return nil
}

// started reports the UID of the pod submitted for h.
func (b *Backend) started(h container.Handle) (types.UID, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.handles[h.ID]
	if !ok || !sub.started {
		return "", false
	}
	return sub.uid, true
}

// ownPod loads the pod submitted for h. It fails once that pod is gone, even
// if another delivery of the task has since created a pod with the same name.
func (b *Backend) ownPod(ctx context.Context, h container.Handle, uid types.UID) (*corev1.Pod, error) {
	pod, err := b.client.CoreV1().Pods(b.cfg.Namespace).Get(ctx, h.Name, metav1.GetOptions{})
	if err != nil {
		return nil, err
	}
	if pod.UID != uid {
		return nil, errPodReplaced
	}
	return pod, nil
}

var errPodReplaced = errors.New("pod was replaced by another delivery of the task")

// Wait polls the pod until the task container terminates.
func (b *Backend) Wait(ctx context.Context, h container.Handle) (int64, error) {
	uid, ok := b.started(h)
	if !ok {
		return -1, &container.RuntimeError{ExitCode: -1, Err: fmt.Errorf("pod %s was not started by this backend", h.Name)}
	}

	var result podOutcome
	err := wait.PollUntilContextCancel(ctx, b.pollInterval, true, func(ctx context.Context) (bool, error) {
		pod, err := b.ownPod(ctx, h, uid)
		switch {
		case apierrors.IsNotFound(err):
			return false, fmt.Errorf("pod %s disappeared", h.Name)
		case errors.Is(err, errPodReplaced):
			return false, fmt.Errorf("pod %s: %w", h.Name, err)
		case err != nil:
			b.log.V(1).Info("polling pod failed", "pod", h.Name, "error", err.Error())
			return false, nil
		}
		result = inspectPod(pod)
		return result.done, nil
	})
	if err != nil {
		return -1, &container.RuntimeError{ExitCode: -1, Err: err}
	}
	if result.err != nil {
		return result.exitCode, result.err
	}
	if result.reason != "" && result.reason != "Completed" {
		b.log.Info("task container terminated", "pod", h.Name, "exitCode", result.exitCode, "reason", result.reason)
	}
	return result.exitCode, nil
}

// Remove deletes the pod submitted for h. A pod that was never submitted is
// simply forgotten, and a pod of another delivery is left alone.
func (b *Backend) Remove(ctx context.Context, h container.Handle) error {
	b.mu.Lock()
	sub, ok := b.handles[h.ID]
	delete(b.handles, h.ID)
	b.mu.Unlock()
	if !ok || !sub.started {
		return nil
	}

	_, err := b.ownPod(ctx, h, sub.uid)
	switch {
	case apierrors.IsNotFound(err):
		return nil
	case errors.Is(err, errPodReplaced):
		b.log.V(1).Info("pod belongs to another delivery, leaving it", "pod", h.Name)
		return nil
	case err != nil:
		return &container.TeardownError{ID: h.ID, Err: err}
	}
	if err := b.deletePod(ctx, h.Name, sub.uid); err != nil {
		return &container.TeardownError{ID: h.ID, Err: err}
	}
	return nil
}

// deletePod deletes the named pod. A non-empty uid guards against deleting a
// pod that replaced it in the meantime.
func (b *Backend) deletePod(ctx context.Context, name string, uid types.UID) error {
	grace := int64(0)
	policy := metav1.DeletePropagationBackground
	opts := metav1.DeleteOptions{
		GracePeriodSeconds: &grace,
		PropagationPolicy:  &policy,
	}
	if uid != "" {
		opts.Preconditions = &metav1.Preconditions{UID: &uid}
	}
	err := b.client.CoreV1().Pods(b.cfg.Namespace).Delete(ctx, name, opts)
	if err != nil && !apierrors.IsNotFound(err) && !apierrors.IsConflict(err) {
		return err
	}
	return nil
}

func (b *Backend) deleteAndWait(ctx context.Context, name string) error {
	pods := b.client.CoreV1().Pods(b.cfg.Namespace)
	stale, err := pods.Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading stale pod: %w", err)
	}
	if err := b.deletePod(ctx, name, stale.UID); err != nil {
		return fmt.Errorf("deleting stale pod: %w", err)
	}
	return wait.PollUntilContextTimeout(ctx, b.pollInterval, 2*time.Minute, true, func(ctx context.Context) (bool, error) {
		pod, err := pods.Get(ctx, name, metav1.GetOptions{})
		if apierrors.IsNotFound(err) {
			return true, nil
		}
		return err == nil && pod.UID != stale.UID, nil
	})
}
