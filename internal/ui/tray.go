package ui

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/getlantern/systray"

	"github.com/storyloom/storyloom-agent/internal/batch"
	"github.com/storyloom/storyloom-agent/internal/project"
	"github.com/storyloom/storyloom-agent/internal/session"
	"github.com/storyloom/storyloom-agent/internal/workflow"
)

type Tray struct {
	session *session.Manager
	runner  *batch.Runner
	logger  *slog.Logger

	statusItem *systray.MenuItem
	phaseItem  *systray.MenuItem
	cancelItem *systray.MenuItem

	mu sync.Mutex

	onQuit func()
}

type TrayConfig struct {
	Session *session.Manager
	Runner  *batch.Runner
	Logger  *slog.Logger
	OnQuit  func()
}

func NewTray(cfg TrayConfig) *Tray {
	return &Tray{
		session: cfg.Session,
		runner:  cfg.Runner,
		logger:  cfg.Logger,
		onQuit:  cfg.OnQuit,
	}
}

func (t *Tray) Run() {
	systray.Run(t.onReady, t.onExit)
}

func (t *Tray) onReady() {
	systray.SetIcon(iconBytes)
	systray.SetTitle("Storyloom")
	systray.SetTooltip("Storyloom Agent")

	t.statusItem = systray.AddMenuItem("Status: Idle", "Current agent status")
	t.statusItem.Disable()

	t.phaseItem = systray.AddMenuItem("Phase: Genesis", "Active production phase")
	t.phaseItem.Disable()

	systray.AddSeparator()

	t.cancelItem = systray.AddMenuItem("Cancel Batch", "Stop the running batch after the current scene")
	t.cancelItem.Disable()

	systray.AddSeparator()

	quitItem := systray.AddMenuItem("Quit", "Quit Storyloom Agent")

	go func() {
		for {
			select {
			case <-t.cancelItem.ClickedCh:
				t.handleCancel()
			case <-quitItem.ClickedCh:
				t.logger.Info("quit requested from tray")
				if t.onQuit != nil {
					t.onQuit()
				}
				systray.Quit()
				return
			}
		}
	}()

	t.refresh(t.session.Current())
	t.session.Subscribe(func(p project.Project) {
		t.refresh(p)
	})

	t.logger.Info("system tray ready")
}

func (t *Tray) onExit() {
	t.logger.Info("system tray exiting")
}

func (t *Tray) handleCancel() {
	if t.runner.IsRunning() {
		t.runner.Cancel()
		t.logger.Info("batch cancellation requested from tray")
	}
}

// OnProgress is wired as the runner's progress callback.
func (t *Tray) OnProgress(p batch.Progress) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.statusItem == nil {
		return
	}
	t.statusItem.SetTitle(fmt.Sprintf("Status: Generating %d/%d", p.Done+p.Failed, p.Total))
	t.cancelItem.Enable()
}

func (t *Tray) refresh(p project.Project) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.statusItem == nil {
		return
	}

	phase := workflow.Phase(p.Phase)
	if phase.Index() < 0 {
		phase = workflow.Classify(&p)
	}
	t.phaseItem.SetTitle("Phase: " + titleCase(string(phase)))

	if t.runner.IsRunning() {
		return
	}
	t.cancelItem.Disable()
	if p.ErrorCount() > 0 {
		t.statusItem.SetTitle(fmt.Sprintf("Status: %d scene(s) failed", p.ErrorCount()))
	} else {
		t.statusItem.SetTitle("Status: Idle")
	}
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return string(s[0]-'a'+'A') + s[1:]
}
