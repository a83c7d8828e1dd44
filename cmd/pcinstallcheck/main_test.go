package main

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"go.viam.com/test"

	"github.com/volcap/multicam/framesource/fake"
	"github.com/volcap/multicam/logging"
)

func TestCheck(t *testing.T) {
	logger, logs := logging.NewObservedTestLogger(t)
	test.That(t, check(context.Background(), fake.NewContext(), logger), test.ShouldBeNil)
	test.That(t, logs.FilterMessage("no cameras found").Len(), test.ShouldEqual, 1)

	test.That(t, check(context.Background(), fake.NewContext("A"), logger), test.ShouldBeNil)

	fsCtx := fake.NewContext("A")
	fsCtx.Device("A").FailApply = errors.New("firmware too old")
	err := check(context.Background(), fsCtx, logger)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "firmware too old")
}
