package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/sync/errgroup"

	"github.com/gwillem/legbot/internal/config"
	"github.com/gwillem/legbot/internal/log"
	"github.com/gwillem/legbot/pkg/teleop"
	"github.com/gwillem/legbot/pkg/tracking"
	"github.com/gwillem/legbot/pkg/vision"
	"github.com/gwillem/legbot/pkg/vision/cv"
)

type TrackCommand struct {
	Label    string  `long:"label" description:"Object class to follow (default from config)"`
	Detector string  `long:"detector" choice:"color" choice:"yolo" description:"Detector backend (default from config)"`
	Host     string  `long:"host" description:"Robot host (overrides config and ROBOT_IP)"`
	Speed    float64 `long:"speed" description:"Scale controller output, 0-1"`
	NoTUI    bool    `long:"no-tui" description:"Log status lines instead of drawing a TUI"`
}

func (c *TrackCommand) Execute(args []string) error {
	cfg, err := loadConfig(!c.NoTUI)
	if err != nil {
		return err
	}
	if c.Label != "" {
		cfg.Tracking.Label = c.Label
	}
	if c.Detector != "" {
		cfg.Detector.Kind = c.Detector
	}
	if c.Host != "" {
		cfg.Channels.Host = c.Host
	}
	if c.Speed > 0 {
		cfg.Tracking.Speed = min(c.Speed, 1)
	}
	cfg.MatchLabelToDetector()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid options: %w", err)
	}

	det, closeDetector, err := newDetector(cfg.Detector)
	if err != nil {
		return err
	}
	defer closeDetector()

	ctx, cancel := signalContext()
	defer cancel()

	client, err := teleop.Connect(ctx, cfg.Channels, log.L())
	if err != nil {
		return err
	}
	defer client.Close(time.Second)

	tracker := tracking.New(cfg.Tracking, det, cv.NewFlowTracker(), log.L())
	loop := tracking.NewLoop(cfg.Tracking, tracker, client, client, log.L())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return loop.Run(ctx) })

	if c.NoTUI {
		g.Go(func() error { return logStatus(ctx, loop) })
		return g.Wait()
	}

	p := tea.NewProgram(newTrackModel(cfg.Tracking.Label, loop), tea.WithAltScreen(), tea.WithContext(ctx))
	_, tuiErr := p.Run()
	interrupted := ctx.Err() != nil
	cancel()
	if err := g.Wait(); err != nil {
		return err
	}
	if tuiErr != nil && !interrupted {
		return fmt.Errorf("run tui: %w", tuiErr)
	}
	return nil
}

func newDetector(cfg config.DetectorConfig) (vision.Detector, func(), error) {
	if cfg.Kind != "yolo" {
		return vision.NewColorDetector(), func() {}, nil
	}
	yolo, err := cv.NewYOLO(cv.YOLOConfig{
		ModelPath:        cfg.ModelPath,
		ConfidenceThresh: cfg.Confidence,
		NMSThresh:        cfg.NMS,
		InputWidth:       cfg.InputSize,
		InputHeight:      cfg.InputSize,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("load detector: %w", err)
	}
	return yolo, func() { yolo.Close() }, nil
}

// logStatus logs state transitions when running headless.
func logStatus(ctx context.Context, loop *tracking.Loop) error {
	last := tracking.Searching
	for {
		select {
		case <-ctx.Done():
			return nil
		case st := <-loop.Status():
			if st.State == last {
				continue
			}
			last = st.State
			args := []any{"state", st.State, "frames", st.Frames}
			if st.Session != nil {
				args = append(args, "session", st.Session.ID)
			}
			log.Info("tracking state", args...)
		}
	}
}

var (
	stateStyles = map[tracking.State]lipgloss.Style{
		tracking.Searching: lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true),
		tracking.Acquired:  lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true),
		tracking.Lost:      lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true),
	}
	boxStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("240")).Padding(0, 1)
)

type trackModel struct {
	label    string
	loop     *tracking.Loop
	status   tracking.Status
	seen     bool
	quitting bool
}

type statusMsg tracking.Status

func waitForStatus(l *tracking.Loop) tea.Cmd {
	return func() tea.Msg {
		return statusMsg(<-l.Status())
	}
}

func newTrackModel(label string, loop *tracking.Loop) trackModel {
	return trackModel{label: label, loop: loop}
}

func (m trackModel) Init() tea.Cmd {
	return waitForStatus(m.loop)
}

func (m trackModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		}
	case statusMsg:
		m.status = tracking.Status(msg)
		m.seen = true
		return m, waitForStatus(m.loop)
	}
	return m, nil
}

func (m trackModel) View() string {
	if m.quitting {
		return "Tracking stopped.\n"
	}

	var sb strings.Builder
	sb.WriteString(titleStyle.Render("legbot track"))
	sb.WriteString(statusStyle.Render(" - following " + m.label))
	sb.WriteString("\n\n")

	if !m.seen {
		sb.WriteString(boxStyle.Render(statusStyle.Render("Waiting for frames...")))
		sb.WriteString("\n")
		return sb.String()
	}

	st := m.status
	lines := []string{
		"state    " + stateStyles[st.State].Render(st.State.String()),
		"step     " + st.Result.String(),
		fmt.Sprintf("command  vx %+.2f  vy %+.2f  vyaw %+.2f", st.Command.Vx, st.Command.Vy, st.Command.Vyaw),
		fmt.Sprintf("frames   %d", st.Frames),
	}
	if s := st.Session; s != nil {
		lines = append(lines,
			"session  "+s.ID,
			fmt.Sprintf("box      (%.0f,%.0f)-(%.0f,%.0f)  %d points", s.Box.X1, s.Box.Y1, s.Box.X2, s.Box.Y2, len(s.Points)),
		)
	}
	sb.WriteString(boxStyle.Render(strings.Join(lines, "\n")))
	sb.WriteString("\n")
	sb.WriteString(statusStyle.Render("Press 'q' to quit"))
	sb.WriteString("\n")
	return sb.String()
}
