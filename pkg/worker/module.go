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

package worker

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"
)

// Module is a long-running part of the process.
type Module interface {
	Name() string
	Run(ctx context.Context) error
}

// runModules runs all modules until ctx is cancelled or one of them fails,
// which cancels the rest.
func runModules(ctx context.Context, log logr.Logger, modules ...Module) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, m := range modules {
		g.Go(func() error {
			log.Info("starting module", "module", m.Name())
			if err := m.Run(ctx); err != nil {
				log.Error(err, "module failed", "module", m.Name())
				return err
			}
			log.Info("module stopped", "module", m.Name())
			return nil
		})
	}

	return g.Wait()
}

// outliving runs keeper until primary has returned, so keeper serves primary
// through its shutdown.
type outliving struct {
	primary Module
	keeper  Module
}

func (o outliving) Name() string { return o.primary.Name() }

func (o outliving) Run(ctx context.Context) error {
	keeperCtx, stopKeeper := context.WithCancel(context.WithoutCancel(ctx))
	keeperErr := make(chan error, 1)
	go func() { keeperErr <- o.keeper.Run(keeperCtx) }()

	err := o.primary.Run(ctx)
	stopKeeper()
	if kerr := <-keeperErr; kerr != nil && err == nil {
		err = fmt.Errorf("%s: %w", o.keeper.Name(), kerr)
	}
	return err
}
