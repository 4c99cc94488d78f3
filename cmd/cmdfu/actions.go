package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/elliott-bfs/cmdfu/internal/discover"
	"github.com/elliott-bfs/cmdfu/internal/imagefile"
	"github.com/elliott-bfs/cmdfu/internal/mdfu"
	"github.com/elliott-bfs/cmdfu/internal/tools"
)

// buildTool resolves the selected tool and parses its flags from the
// arguments following the action.
func buildTool(cfg *appConfig) (tools.Tool, error) {
	tool, err := tools.New(cfg.tool)
	if err != nil {
		return nil, err
	}
	fs := flag.NewFlagSet(tool.Name(), flag.ContinueOnError)
	tool.RegisterFlags(fs)
	if err := fs.Parse(cfg.toolArgs); err != nil {
		return nil, fmt.Errorf("tool arguments: %w", err)
	}
	if args := fs.Args(); len(args) > 0 {
		return nil, fmt.Errorf("unexpected tool arguments: %s", strings.Join(args, " "))
	}
	if err := tool.Validate(); err != nil {
		return nil, err
	}
	return tool, nil
}

// newSession builds and opens a session for the selected tool.
func newSession(cfg *appConfig, l *slog.Logger) (*mdfu.Session, error) {
	tool, err := buildTool(cfg)
	if err != nil {
		return nil, err
	}
	tr, err := tool.Transport()
	if err != nil {
		return nil, err
	}
	sess := mdfu.NewSession(tr, cfg.retries)
	if err := sess.Open(); err != nil {
		return nil, fmt.Errorf("connecting to tool failed: %w", err)
	}
	l.Info("tool_connected", "tool", tool.Name())
	return sess, nil
}

func runUpdate(cfg *appConfig, l *slog.Logger) error {
	var image imagefile.Reader
	if err := image.Open(cfg.image); err != nil {
		return err
	}
	sess, err := newSession(cfg, l)
	if err != nil {
		_ = image.Close()
		return err
	}
	if size, serr := image.Size(); serr == nil {
		l.Info("update_start", "image", cfg.image, "size", size)
	}
	updateErr := sess.RunUpdate(&image)
	// Transport first, then the image reader, on every path out.
	if cerr := sess.Close(); cerr != nil && updateErr == nil {
		updateErr = cerr
	}
	if cerr := image.Close(); cerr != nil && updateErr == nil {
		updateErr = cerr
	}
	if updateErr != nil {
		return updateErr
	}
	l.Info("update_done", "image", cfg.image)
	return nil
}

func runClientInfo(cfg *appConfig, l *slog.Logger) error {
	sess, err := newSession(cfg, l)
	if err != nil {
		return err
	}
	info, err := sess.GetClientInfo()
	if cerr := sess.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("failed to get client info: %w", err)
	}
	fmt.Print(info)
	return nil
}

func runToolsHelp() error {
	for _, name := range tools.Names() {
		tool, err := tools.New(name)
		if err != nil {
			return err
		}
		fmt.Printf("%s — %s\n", tool.Name(), tool.Description())
		fs := flag.NewFlagSet(tool.Name(), flag.ContinueOnError)
		fs.SetOutput(os.Stdout)
		tool.RegisterFlags(fs)
		fs.PrintDefaults()
		fmt.Println()
	}
	return nil
}

func runDiscover(cfg *appConfig, l *slog.Logger) error {
	l.Info("discover_start", "service", discover.ServiceType, "wait", cfg.discoverWait)
	found, err := discover.Browse(context.Background(), cfg.discoverWait)
	if err != nil {
		return err
	}
	if len(found) == 0 {
		fmt.Println("No MDFU tools found")
		return nil
	}
	for _, t := range found {
		fmt.Printf("%s  host=%s port=%d addrs=%s %s\n",
			t.Instance, t.Host, t.Port, strings.Join(t.Addrs, ","), strings.Join(t.Text, " "))
	}
	return nil
}
