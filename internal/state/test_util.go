package state

import (
	"context"
	"os"
	"testing"

	"github.com/temoto/evbridge/log2"
)

func NewTestContext(t testing.TB, buildVersion string, confString string) (context.Context, *Global) {
	fs := NewMockFullReader(map[string]string{
		"test-inline": confString,
	})

	var log *log2.Log
	if os.Getenv("evbridge_test_log_stderr") == "1" {
		log = log2.NewStderr(log2.LDebug) // useful with panics
	} else {
		log = log2.NewTest(t, log2.LDebug)
	}
	log.SetFlags(log2.LTestFlags)
	ctx, g := NewContext(log)
	g.BuildVersion = buildVersion
	g.MustInit(ctx, MustReadConfig(log, fs, "test-inline"))

	return ctx, g
}
