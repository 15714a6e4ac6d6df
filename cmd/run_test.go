package cmd

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/JakeFAU/gridcrawler/internal/config"
	"github.com/JakeFAU/gridcrawler/internal/server"
)

type fakeApp struct {
	runErr error
	ran    bool
	closed bool
}

func (f *fakeApp) Nodes() []string { return []string{"n0"} }

func (f *fakeApp) Run(context.Context) error {
	f.ran = true
	return f.runErr
}

func (f *fakeApp) Close(context.Context) { f.closed = true }

func withFakeApp(t *testing.T, app *fakeApp, gotOpts *server.Options) {
	t.Helper()
	orig := newApp
	newApp = func(_ context.Context, _ config.Config, opts server.Options, _ *zap.Logger) (App, error) {
		if gotOpts != nil {
			*gotOpts = opts
		}
		return app, nil
	}
	t.Cleanup(func() { newApp = orig })
}

func TestRunCommandRunsAndClosesApp(t *testing.T) {
	app := &fakeApp{}
	var opts server.Options
	withFakeApp(t, app, &opts)

	root := newRootCmd()
	root.SetArgs([]string{"run", "--local-nodes", "3"})
	if err := root.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !app.ran || !app.closed {
		t.Fatalf("expected app to run and close, got %+v", app)
	}
	if opts.LocalNodes != 3 {
		t.Fatalf("expected 3 local nodes, got %d", opts.LocalNodes)
	}
}

func TestRunCommandReportsRunError(t *testing.T) {
	app := &fakeApp{runErr: errors.New("boom")}
	withFakeApp(t, app, nil)

	root := newRootCmd()
	root.SetArgs([]string{"run"})
	err := root.ExecuteContext(context.Background())
	if err == nil || !errors.Is(err, app.runErr) {
		t.Fatalf("expected run error, got %v", err)
	}
	if !app.closed {
		t.Fatal("expected app to close after a failed run")
	}
}

func TestRunCommandIgnoresCancellation(t *testing.T) {
	withFakeApp(t, &fakeApp{runErr: context.Canceled}, nil)

	root := newRootCmd()
	root.SetArgs([]string{"run"})
	if err := root.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
}

func TestRootRejectsMissingConfigFile(t *testing.T) {
	withFakeApp(t, &fakeApp{}, nil)

	root := newRootCmd()
	root.SetArgs([]string{"run", "--config", "/nonexistent/gridcrawler.yaml"})
	if err := root.ExecuteContext(context.Background()); err == nil {
		t.Fatal("expected config load error")
	}
	cfgFile = ""
}
