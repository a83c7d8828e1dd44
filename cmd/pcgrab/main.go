// Package main grabs merged point clouds from the configured cameras and writes them
// to a directory.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.viam.com/utils"

	"github.com/volcap/multicam/capture"
	"github.com/volcap/multicam/framesource"
	"github.com/volcap/multicam/framesource/fake"
	"github.com/volcap/multicam/logging"
	"github.com/volcap/multicam/pointcloud"
)

const (
	flagFormat  = "format"
	flagLogFile = "log-file"
	flagDebug   = "debug"
	flagFake    = "fake"
)

func main() {
	app := &cli.App{
		Name:      "pcgrab",
		Usage:     "grab COUNT point clouds and store them in DIRECTORY",
		ArgsUsage: "count directory [configfile]",
		Description: "COUNT 0 grabs until the end of a recording. DIRECTORY - drops the clouds. " +
			"configfile is a path, an inline JSON document or auto, and defaults to cameraconfig.json.",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  flagFormat,
				Value: "pcd",
				Usage: "output `FORMAT`, pcd or las",
			},
			&cli.StringFlag{
				Name:  flagLogFile,
				Usage: "also log to `FILE`, rotated at 10MB",
			},
			&cli.BoolFlag{
				Name:  flagDebug,
				Usage: "enable debug logging",
			},
			&cli.StringSliceFlag{
				Name:  flagFake,
				Usage: "attach synthetic cameras with the given `SERIAL`s",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() < 2 {
				return cli.Exit("need count and directory", 2)
			}
			count, err := strconv.Atoi(c.Args().Get(0))
			if err != nil || count < 0 {
				return cli.Exit(fmt.Sprintf("invalid count %q", c.Args().Get(0)), 2)
			}

			logger := logging.NewLogger("pcgrab")
			if c.Bool(flagDebug) {
				logger.SetLevel(logging.DEBUG)
			}
			if fn := c.String(flagLogFile); fn != "" {
				appender := logging.NewFileAppender(fn, 10, 3)
				defer utils.UncheckedErrorFunc(appender.Close)
				logger.AddAppender(appender)
			}
			defer utils.UncheckedErrorFunc(logger.Sync)

			opts := grabOptions{
				count:  count,
				dir:    c.Args().Get(1),
				source: c.Args().Get(2),
				format: c.String(flagFormat),
			}
			grabbed, err := grab(c.Context, fake.NewContext(c.StringSlice(flagFake)...), logger, opts, c.App.Writer)
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			if count != 0 && grabbed < count {
				return cli.Exit(fmt.Sprintf("grabbed %d of %d point clouds", grabbed, count), 1)
			}
			return nil
		},
	}
	if err := app.Run(os.Args); err != nil {
		logging.Global().Error(err)
		os.Exit(1)
	}
}

type grabOptions struct {
	count  int
	dir    string
	source string
	format string
}

// grab runs a capture session and returns the number of non-empty clouds handled.
func grab(ctx context.Context, fsCtx framesource.Context, logger logging.Logger, opts grabOptions, out io.Writer) (int, error) {
	if opts.format != "pcd" && opts.format != "las" {
		return 0, errors.Errorf("unknown format %q", opts.format)
	}
	capturer := capture.NewCapturer(fsCtx, logger)
	if err := capturer.LoadAndStart(ctx, opts.source); err != nil {
		return 0, errors.Wrap(err, "cannot start capture")
	}
	defer capturer.Stop()
	capturer.RequestAuxiliaryData(true, true, false, false)

	doc, err := capturer.ConfigJSON()
	if err != nil {
		return 0, err
	}
	logger.Debugw("camera configuration", "config", doc)

	grabbed := 0
	for !capturer.EOF() && (opts.count == 0 || grabbed < opts.count) {
		pc, err := capturer.GetPointcloudContext(ctx)
		if err != nil {
			return grabbed, err
		}
		if pc == nil {
			if capturer.EOF() {
				break
			}
			return grabbed, errors.New("capturer returned no point cloud")
		}
		if pc.Size() == 0 {
			logger.Warn("empty point cloud, grabbing again")
			continue
		}
		grabbed++
		logger.Infow("got point cloud", "points", pc.Size(), "aux", pc.Aux.Count())

		if opts.dir == "-" {
			fmt.Fprintf(out, "-> Dropping frame %d with %d points\n", grabbed, pc.Size())
			continue
		}
		fn := filepath.Join(opts.dir, fmt.Sprintf("pointcloud-%d.%s", pc.Timestamp, opts.format))
		fmt.Fprintf(out, "-> Writing frame %d with %d points to %s\n", grabbed, pc.Size(), fn)
		if err := pointcloud.WriteToFile(pc.Cloud, fn); err != nil {
			return grabbed, err
		}
	}
	stats := capturer.Statistics()
	logger.Infow("capture finished", "grabbed", grabbed, "produced", stats.Produced,
		"mean_cycle_ms", stats.MeanCycleMs, "p95_cycle_ms", stats.P95CycleMs)
	return grabbed, nil
}
