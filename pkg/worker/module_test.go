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
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// funcModule is a Module backed by a function.
type funcModule struct {
	name string
	run  func(ctx context.Context) error
}

func (m funcModule) Name() string                  { return m.name }
func (m funcModule) Run(ctx context.Context) error { return m.run(ctx) }

func blockUntilDone(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func TestRunModules_FailureCancelsOthers(t *testing.T) {
	var cancelled atomic.Bool
	boom := errors.New("listen tcp: address already in use")

	err := runModules(context.Background(), logr.Discard(),
		funcModule{name: "ingress", run: func(context.Context) error { return boom }},
		funcModule{name: "pool", run: func(ctx context.Context) error {
			<-ctx.Done()
			cancelled.Store(true)
			return nil
		}},
	)

	require.ErrorIs(t, err, boom)
	assert.True(t, cancelled.Load())
}

func TestRunModules_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- runModules(ctx, logr.Discard(),
			funcModule{name: "a", run: blockUntilDone},
			funcModule{name: "b", run: blockUntilDone},
		)
	}()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("modules did not stop")
	}
}

func TestOutliving_KeeperRunsUntilPrimaryReturns(t *testing.T) {
	release := make(chan struct{})
	var keeperStopped, keeperStoppedBeforePrimary atomic.Bool
	var primaryReturned atomic.Bool

	m := outliving{
		primary: funcModule{name: "pool", run: func(ctx context.Context) error {
			<-ctx.Done()
			// Drain after shutdown; the keeper must still be running.
			<-release
			keeperStoppedBeforePrimary.Store(keeperStopped.Load())
			primaryReturned.Store(true)
			return nil
		}},
		keeper: funcModule{name: "lock-keeper", run: func(ctx context.Context) error {
			<-ctx.Done()
			keeperStopped.Store(true)
			return nil
		}},
	}
	assert.Equal(t, "pool", m.Name())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	cancel()
	time.Sleep(20 * time.Millisecond)
	assert.False(t, keeperStopped.Load(), "keeper stopped while the primary was draining")
	close(release)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("outliving module did not stop")
	}
	assert.True(t, primaryReturned.Load())
	assert.False(t, keeperStoppedBeforePrimary.Load())
	assert.True(t, keeperStopped.Load())
}

func TestOutliving_KeeperError(t *testing.T) {
	keeperErr := errors.New("renewal failed")
	m := outliving{
		primary: funcModule{name: "pool", run: blockUntilDone},
		keeper: funcModule{name: "lock-keeper", run: func(ctx context.Context) error {
			<-ctx.Done()
			return keeperErr
		}},
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := m.Run(ctx)
	require.ErrorIs(t, err, keeperErr)
	assert.Contains(t, err.Error(), "lock-keeper")
}
