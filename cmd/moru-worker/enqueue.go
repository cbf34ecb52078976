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

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/moru-ai/worker/pkg/ingress"
)

type EnqueueCmd struct {
	TaskID  string        `arg:"" help:"Task id to enqueue"`
	URL     string        `help:"Base URL of the worker" default:"http://localhost:8080" env:"WORKER_URL"`
	APIKey  string        `help:"Worker api key" required:"" env:"WORKER_API_KEY"`
	Timeout time.Duration `help:"Request timeout" default:"30s"`
}

func (c *EnqueueCmd) Run(_ *CLI) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.Timeout)
	defer cancel()

	jobID, err := ingress.NewClient(c.URL, c.APIKey).Enqueue(ctx, c.TaskID)
	if err != nil {
		return fmt.Errorf("enqueueing task %s: %w", c.TaskID, err)
	}
	fmt.Println(jobID)
	return nil
}
