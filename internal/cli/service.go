package cli

import (
	"context"
	"fmt"
	"os"
	"slices"
	"sync"

	"github.com/kardianos/service"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serviceActions = []string{"install", "uninstall", "start", "stop", "restart"}

// program adapts the server to the service manager's Start/Stop callbacks.
type program struct {
	app *appState

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan error
}

func (p *program) Start(service.Service) error {
	if err := p.app.cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	p.mu.Lock()
	p.cancel, p.done = cancel, done
	p.mu.Unlock()

	go func() {
		err := p.app.serveFn(ctx, p.app.cfg, p.app.log())
		if err != nil {
			p.app.log().Error("service stopped with error", zap.Error(err))
		}
		done <- err
	}()
	return nil
}

func (p *program) Stop(service.Service) error {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	return <-done
}

func serviceConfig() (*service.Config, error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("resolve working directory: %w", err)
	}
	return &service.Config{
		Name:             "video-transcript",
		DisplayName:      "Video Transcript",
		Description:      "Converts social media videos to MP3 and transcribes them.",
		Arguments:        []string{"service", "run"},
		WorkingDirectory: wd,
	}, nil
}

func newServiceCmd(app *appState) *cobra.Command {
	cmd := &cobra.Command{
		Use:       "service <install|uninstall|start|stop|restart|run>",
		Short:     "Manage the server as an operating system service",
		Args:      cobra.ExactArgs(1),
		ValidArgs: append(append([]string{}, serviceActions...), "run"),
		RunE: func(cmd *cobra.Command, args []string) error {
			action := args[0]
			if action != "run" && !slices.Contains(serviceActions, action) {
				return fmt.Errorf("unknown service action %q", action)
			}
			cfg, err := serviceConfig()
			if err != nil {
				return err
			}
			svc, err := service.New(&program{app: app}, cfg)
			if err != nil {
				return fmt.Errorf("create service: %w", err)
			}
			if action == "run" {
				return svc.Run()
			}
			if err := service.Control(svc, action); err != nil {
				return fmt.Errorf("service %s: %w", action, err)
			}
			fmt.Fprintf(app.out, "Service %s: %s done\n", cfg.Name, action)
			return nil
		},
	}
	return cmd
}
