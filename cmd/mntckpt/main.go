//
// Copyright 2019-2020 Nestybox, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"syscall"

	systemd "github.com/coreos/go-systemd/daemon"
	"github.com/pkg/profile"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/nestybox/mnt-ckpt/domain"
	"github.com/nestybox/mnt-ckpt/mount"
	"github.com/nestybox/mnt-ckpt/nsns"
	"github.com/nestybox/mnt-ckpt/plugin"
)

const usage string = `mnt-ckpt mount-namespace checkpoint/restore engine

mnt-ckpt dumps the mount tree of a process' mount namespace into an image,
and reconstructs an equivalent mount tree from that image in a fresh mount
namespace, preserving shared-subtree propagation, bind relationships, and
filesystem content for supported filesystem types.
`

// Globals populated at build time.
var (
	version  string
	commitId string
	builtAt  string
	builtBy  string
)

func exitHandler(signalChan chan os.Signal, prof interface{ Stop() }) {
	s := <-signalChan

	logrus.Warnf("mnt-ckpt caught signal: %s", s)
	logrus.Info("Stopping (gracefully) ...")

	systemd.SdNotify(false, systemd.SdNotifyStopping)

	switch s {
	case syscall.SIGABRT, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGSEGV:
		stacktrace := make([]byte, 32768)
		length := runtime.Stack(stacktrace, true)
		logrus.Warnf("\n\n%s\n", string(stacktrace[:length]))
	}

	if prof != nil {
		prof.Stop()
	}

	logrus.Info("Exiting ...")
	os.Exit(0)
}

// runProfiler launches cpu or memory profiling collection, never both.
func runProfiler(ctx *cli.Context) (interface{ Stop() }, error) {
	var prof interface{ Stop() }

	cpuOn := ctx.GlobalBool("cpu-profiling")
	memOn := ctx.GlobalBool("memory-profiling")

	if cpuOn && memOn {
		return nil, fmt.Errorf("unsupported parameter combination: cpu and memory profiling")
	}
	if !(cpuOn || memOn) {
		return nil, nil
	}

	if cpuOn {
		prof = profile.Start(profile.CPUProfile, profile.ProfilePath("."), profile.NoShutdownHook)
	}
	if memOn {
		prof = profile.Start(profile.MemProfile, profile.ProfilePath("."), profile.NoShutdownHook)
	}

	return prof, nil
}

func setupLogging(ctx *cli.Context) error {
	if path := ctx.GlobalString("log"); path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND|os.O_SYNC, 0o666)
		if err != nil {
			return fmt.Errorf("error opening log file %v: %v", path, err)
		}
		logrus.SetOutput(f)
		log.SetOutput(f)
	} else {
		logrus.SetOutput(os.Stderr)
		log.SetOutput(os.Stderr)
	}

	if ctx.GlobalString("log-format") == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02 15:04:05"})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{TimestampFormat: "2006-01-02 15:04:05", FullTimestamp: true})
	}

	switch level := ctx.GlobalString("log-level"); level {
	case "debug":
		logrus.SetLevel(logrus.DebugLevel)
	case "info", "":
		logrus.SetLevel(logrus.InfoLevel)
	case "warning":
		logrus.SetLevel(logrus.WarnLevel)
	case "error":
		logrus.SetLevel(logrus.ErrorLevel)
	case "fatal":
		logrus.SetLevel(logrus.FatalLevel)
	default:
		return fmt.Errorf("log-level option %q not recognized", level)
	}

	return nil
}

// parseExternals parses "key:value,key:value" into domain.ExternalMapping.
func parseExternals(s string) []domain.ExternalMapping {
	if s == "" {
		return nil
	}
	var out []domain.ExternalMapping
	for _, pair := range strings.Split(s, ",") {
		kv := strings.SplitN(pair, ":", 2)
		if len(kv) != 2 {
			continue
		}
		out = append(out, domain.ExternalMapping{Key: kv[0], Value: kv[1]})
	}
	return out
}

// parseNestedSources parses "pid:nsid,pid:nsid" into mount.NamespaceSource,
// one entry per mount namespace nested under the dump's outer pid (e.g. a
// sys container's per-container mount namespaces, dumped alongside the
// container runtime's own). Malformed pairs are skipped, matching
// parseExternals.
func parseNestedSources(s string) []mount.NamespaceSource {
	if s == "" {
		return nil
	}
	var out []mount.NamespaceSource
	for _, pair := range strings.Split(s, ",") {
		kv := strings.SplitN(pair, ":", 2)
		if len(kv) != 2 {
			continue
		}
		pid, err := strconv.Atoi(kv[0])
		if err != nil {
			continue
		}
		nsid, err := strconv.Atoi(kv[1])
		if err != nil {
			continue
		}
		out = append(out, mount.NamespaceSource{PID: uint32(pid), NSID: nsid})
	}
	return out
}

func main() {
	app := cli.NewApp()
	app.Name = "mnt-ckpt"
	app.Usage = usage
	app.Version = version

	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "log",
			Value: "",
			Usage: "log file path or empty string for stderr output (default: \"\")",
		},
		cli.StringFlag{
			Name:  "log-level",
			Value: "info",
			Usage: "log categories to include (debug, info, warning, error, fatal)",
		},
		cli.StringFlag{
			Name:  "log-format",
			Value: "text",
			Usage: "log format; must be json or text",
		},
		cli.StringFlag{
			Name:  "external",
			Usage: "external mount mappings, as a comma-separated key:value list",
		},
		cli.StringFlag{
			Name:  "nested",
			Usage: "nested mount namespaces to fold into the dump, as a comma-separated pid:nsid list",
		},
		cli.BoolFlag{
			Name:   "cpu-profiling",
			Usage:  "enable cpu-profiling data collection",
			Hidden: true,
		},
		cli.BoolFlag{
			Name:   "memory-profiling",
			Usage:  "enable memory-profiling data collection",
			Hidden: true,
		},
	}

	cli.VersionPrinter = func(c *cli.Context) {
		fmt.Printf("mnt-ckpt\n\tversion: \t%s\n\tcommit: \t%s\n\tbuilt at: \t%s\n\tbuilt by: \t%s\n",
			c.App.Version, commitId, builtAt, builtBy)
	}

	var prof interface{ Stop() }

	app.Before = func(ctx *cli.Context) error {
		if err := setupLogging(ctx); err != nil {
			return err
		}

		p, err := runProfiler(ctx)
		if err != nil {
			return err
		}
		prof = p

		exitChan := make(chan os.Signal, 1)
		signal.Notify(exitChan, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGSEGV, syscall.SIGQUIT)
		go exitHandler(exitChan, prof)

		return nil
	}

	app.Commands = []cli.Command{
		{
			Name:      "dump",
			Usage:     "dump a process' mount namespace into an image",
			ArgsUsage: "<pid> <image-dir>",
			Action: func(ctx *cli.Context) error {
				if ctx.NArg() != 2 {
					return fmt.Errorf("dump requires <pid> <image-dir>")
				}
				pid, err := strconv.Atoi(ctx.Args().Get(0))
				if err != nil {
					return fmt.Errorf("invalid pid: %v", err)
				}
				imageDir := ctx.Args().Get(1)

				if err := os.MkdirAll(imageDir, 0o700); err != nil {
					return err
				}

				cfg := mount.DumpConfig{
					Source:    mount.ProcMountSource{},
					Image:     mount.NewFileImage(imageDir),
					Plugin:    plugin.None,
					Externals: parseExternals(ctx.GlobalString("external")),
				}

				sources := append([]mount.NamespaceSource{{PID: uint32(pid), NSID: 0}},
					parseNestedSources(ctx.GlobalString("nested"))...)

				return mount.Dump(cfg, sources)
			},
		},
		{
			Name:      "restore",
			Usage:     "reconstruct a mount tree from an image into a fresh namespace",
			ArgsUsage: "<image-dir> <new-root>",
			Action: func(ctx *cli.Context) error {
				if ctx.NArg() != 2 {
					return fmt.Errorf("restore requires <image-dir> <new-root>")
				}
				imageDir := ctx.Args().Get(0)
				newRoot := ctx.Args().Get(1)

				yard, err := nsns.NewRootsYard(newRoot)
				if err != nil {
					return err
				}
				defer yard.Teardown()

				cfg := mount.RestoreConfig{
					Image:     mount.NewFileImage(imageDir),
					Plugin:    plugin.None,
					Externals: parseExternals(ctx.GlobalString("external")),
					Yard:      yard,
				}

				root, err := mount.Restore(cfg, 0)
				if err != nil {
					return err
				}

				driver := nsns.Driver{}
				if err := driver.Pivot(root.Path()); err != nil {
					return err
				}

				systemd.SdNotify(false, systemd.SdNotifyReady)
				logrus.Info("Restore complete.")

				return nil
			},
		},
	}

	app.Action = func(ctx *cli.Context) error {
		return cli.ShowAppHelp(ctx)
	}

	if err := app.Run(os.Args); err != nil {
		logrus.Fatal(err)
	}
}
