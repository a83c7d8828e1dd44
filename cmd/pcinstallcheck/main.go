// Package main checks that the capture stack is installed: it starts a session on every
// attached camera. Finding no camera at all counts as success.
package main

import (
	"context"
	"os"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"github.com/volcap/multicam/capture"
	"github.com/volcap/multicam/config"
	"github.com/volcap/multicam/framesource"
	"github.com/volcap/multicam/framesource/fake"
	"github.com/volcap/multicam/logging"
)

func main() {
	app := &cli.App{
		Name:  "pcinstallcheck",
		Usage: "check that cameras can be opened",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:  "fake",
				Usage: "attach synthetic cameras with the given `SERIAL`s",
			},
		},
		Action: func(c *cli.Context) error {
			logger := logging.NewLogger("pcinstallcheck")
			if err := check(c.Context, fake.NewContext(c.StringSlice("fake")...), logger); err != nil {
				return cli.Exit(err.Error(), 1)
			}
			return nil
		},
	}
	if err := app.Run(os.Args); err != nil {
		logging.Global().Error(err)
		os.Exit(1)
	}
}

func check(ctx context.Context, fsCtx framesource.Context, logger logging.Logger) error {
	capturer := capture.NewCapturer(fsCtx, logger)
	err := capturer.LoadAndStart(ctx, "auto")
	if errors.Is(err, config.ErrNoCameras) {
		logger.Info("no cameras found")
		return nil
	}
	if err != nil {
		return err
	}
	logger.Infow("cameras started", "count", capturer.CameraCount())
	capturer.Stop()
	return nil
}
