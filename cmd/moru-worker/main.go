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
	"fmt"
	"os"

	"github.com/alecthomas/kong"
	"go.uber.org/zap/zapcore"
	ctrl "sigs.k8s.io/controller-runtime"
	crzap "sigs.k8s.io/controller-runtime/pkg/log/zap"
)

// CLI is the moru-worker command line.
type CLI struct {
	LogLevel string `help:"Log level (debug, info, warn, error)" default:"info" env:"LOG_LEVEL"`
	LogDev   bool   `help:"Human readable console logging" default:"false" env:"LOG_DEV"`

	Serve   ServeCmd   `cmd:"" default:"1" help:"Accept jobs and run them in containers"`
	Enqueue EnqueueCmd `cmd:"" help:"Enqueue a task on a running worker"`
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("moru-worker"),
		kong.Description("Queue-backed task worker that runs each task in a container."),
		kong.UsageOnError(),
	)

	if err := setupLogger(cli.LogLevel, cli.LogDev); err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level: %v\n", err)
		os.Exit(1)
	}

	err := kctx.Run(&cli)
	kctx.FatalIfErrorf(err)
}

func setupLogger(level string, dev bool) error {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return err
	}
	ctrl.SetLogger(crzap.New(crzap.UseDevMode(dev), crzap.Level(lvl)))
	return nil
}
