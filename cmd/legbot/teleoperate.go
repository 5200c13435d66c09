package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/NimbleMarkets/ntcharts/canvas/runes"
	"github.com/NimbleMarkets/ntcharts/linechart/streamlinechart"

	"github.com/gwillem/legbot/internal/log"
	"github.com/gwillem/legbot/pkg/protocol"
	"github.com/gwillem/legbot/pkg/robot"
	"github.com/gwillem/legbot/pkg/teleop"
)

type TeleoperateCommand struct {
	Input string  `long:"input" choice:"keyboard" choice:"leader" default:"keyboard" description:"Command source"`
	Host  string  `long:"host" description:"Robot host (overrides config and ROBOT_IP)"`
	Hz    float64 `long:"hz" description:"Keyboard command rate (default from config)"`
}

const (
	headerHeight = 2 // title + blank line
	legendHeight = 2 // legend row + blank
	footerHeight = 7 // log box height
	maxLogs      = 5 // number of log messages to show
	borderSize   = 2 // chart border
)

// Velocity axis colors
var axisColors = map[string]string{
	"vx":   "196", // red
	"vy":   "46",  // green
	"vyaw": "51",  // cyan
}

var axisOrder = []string{"vx", "vy", "vyaw"}

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	chartStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("240"))
	statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

type teleopModel struct {
	client   *teleop.Client
	keyboard *teleop.Keyboard    // nil in leader mode
	leader   *teleop.LeaderInput // nil in keyboard mode
	interval time.Duration

	chart    *streamlinechart.Model
	width    int
	height   int
	logs     []string
	last     protocol.Command
	pose     *protocol.BaseState
	frames   uint64
	quitting bool
}

func (m *teleopModel) addLog(msg string) {
	m.logs = append(m.logs, time.Now().Format("15:04:05 ")+msg)
	if len(m.logs) > maxLogs {
		m.logs = m.logs[len(m.logs)-maxLogs:]
	}
}

type tickMsg time.Time
type commandMsg protocol.Command
type snapshotMsg teleop.Snapshot

func tick(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func waitForCommand(l *teleop.LeaderInput) tea.Cmd {
	return func() tea.Msg {
		return commandMsg(<-l.Commands())
	}
}

func waitForSnapshot(c *teleop.Client) tea.Cmd {
	return func() tea.Msg {
		return snapshotMsg(<-c.Updates())
	}
}

// chartSize calculates the size of the chart based on terminal dimensions
func (m *teleopModel) chartSize() (width, height int) {
	if m.width == 0 || m.height == 0 {
		return 80, 20
	}
	width = max(m.width-borderSize-2, 40)
	height = max(m.height-headerHeight-legendHeight-footerHeight-borderSize, 10)
	return width, height
}

func (m *teleopModel) resizeChart() {
	w, h := m.chartSize()
	m.chart.Resize(w, h)
}

func newTeleopModel(client *teleop.Client, kb *teleop.Keyboard, leader *teleop.LeaderInput, interval time.Duration) teleopModel {
	chart := streamlinechart.New(80, 20,
		streamlinechart.WithYRange(-1, 1),
	)
	for _, name := range axisOrder {
		style := lipgloss.NewStyle().Foreground(lipgloss.Color(axisColors[name]))
		chart.SetDataSetStyles(name, runes.ThinLineStyle, style)
	}

	return teleopModel{
		client:   client,
		keyboard: kb,
		leader:   leader,
		interval: interval,
		chart:    &chart,
	}
}

func (m teleopModel) Init() tea.Cmd {
	cmds := []tea.Cmd{waitForSnapshot(m.client)}
	if m.keyboard != nil {
		cmds = append(cmds, tick(m.interval))
	}
	if m.leader != nil {
		cmds = append(cmds, waitForCommand(m.leader))
	}
	return tea.Batch(cmds...)
}

func (m teleopModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resizeChart()
		return m, nil

	case tea.KeyMsg:
		if m.keyboard == nil {
			switch msg.String() {
			case "q", "esc", "ctrl+c":
				m.quitting = true
				return m, tea.Quit
			}
			return m, nil
		}
		switch m.keyboard.Press(msg.String()) {
		case teleop.KeyStop:
			m.send(protocol.Stop())
			m.addLog("stop")
		case teleop.KeyQuit:
			m.quitting = true
			return m, tea.Quit
		}
		return m, nil

	case tickMsg:
		m.send(m.keyboard.Tick())
		return m, tick(m.interval)

	case commandMsg:
		m.plot(protocol.Command(msg))
		return m, waitForCommand(m.leader)

	case snapshotMsg:
		m.frames++
		if pose, ok := decodePose(msg.State); ok {
			m.pose = &pose
		}
		return m, waitForSnapshot(m.client)
	}

	return m, nil
}

func (m *teleopModel) send(cmd protocol.Command) {
	if err := m.client.Send(cmd); err != nil {
		m.addLog(fmt.Sprintf("send failed: %v", err))
	}
	m.plot(cmd)
}

func (m *teleopModel) plot(cmd protocol.Command) {
	m.last = cmd
	m.chart.PushDataSet("vx", cmd.Vx)
	m.chart.PushDataSet("vy", cmd.Vy)
	m.chart.PushDataSet("vyaw", cmd.Vyaw)
	m.chart.DrawAll()
}

func decodePose(state json.RawMessage) (protocol.BaseState, bool) {
	var s protocol.BaseState
	if len(state) == 0 || json.Unmarshal(state, &s) != nil {
		return s, false
	}
	return s, true
}

func (m teleopModel) View() string {
	if m.quitting {
		return "Teleoperation stopped.\n"
	}

	var sb strings.Builder

	sb.WriteString(titleStyle.Render("legbot teleoperate"))
	if m.keyboard != nil {
		sb.WriteString(" - keyboard")
	} else {
		sb.WriteString(" - leader arm")
	}
	sb.WriteString(statusStyle.Render(fmt.Sprintf("  cmd %+.2f %+.2f %+.2f  obs %d", m.last.Vx, m.last.Vy, m.last.Vyaw, m.frames)))
	if m.pose != nil {
		sb.WriteString(statusStyle.Render(fmt.Sprintf("  pose x=%.2f y=%.2f yaw=%.2f", m.pose.Position[0], m.pose.Position[1], m.pose.Yaw)))
	}
	sb.WriteString("\n\n")

	sb.WriteString(chartStyle.Render(m.chart.View()))
	sb.WriteString("\n")

	sb.WriteString(renderLegend())
	sb.WriteString("\n")

	logStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Width(max(m.width-4, 20)).
		Foreground(lipgloss.Color("9")) // bright red

	var logLines string
	if len(m.logs) == 0 {
		if m.keyboard != nil {
			logLines = statusStyle.Render("w/s forward, a/d strafe, q/e turn, space stop, esc quit")
		} else {
			logLines = statusStyle.Render("Move the leader arm to drive, 'q' to quit")
		}
	} else {
		logLines = strings.Join(m.logs, "\n")
	}
	sb.WriteString(logStyle.Render(logLines))
	sb.WriteString("\n")

	return sb.String()
}

func renderLegend() string {
	var items []string
	for _, name := range axisOrder {
		colorStyle := lipgloss.NewStyle().Foreground(lipgloss.Color(axisColors[name])).Bold(true)
		items = append(items, colorStyle.Render("━━")+" "+name)
	}
	return strings.Join(items, "  ")
}

func (c *TeleoperateCommand) Execute(args []string) error {
	cfg, err := loadConfig(true)
	if err != nil {
		return err
	}
	if c.Host != "" {
		cfg.Channels.Host = c.Host
	}
	hz := cfg.Client.ControlHz
	if c.Hz > 0 {
		hz = c.Hz
	}

	ctx, cancel := signalContext()
	defer cancel()

	var arm *robot.LeaderArm
	if c.Input == "leader" {
		leaderCfg, err := robot.LoadLeaderConfig(cfg.Leader.File)
		if err != nil || !leaderCfg.IsCalibrated() {
			fmt.Fprintln(os.Stderr, "Leader arm not calibrated. Run 'legbot setup' first.")
			os.Exit(1)
		}
		if arm, err = robot.NewLeaderArm(leaderCfg.Port, leaderCfg.Calibration); err != nil {
			return fmt.Errorf("open leader arm: %w", err)
		}
		defer arm.Close()
		if err := arm.Release(ctx); err != nil {
			return fmt.Errorf("release leader arm: %w", err)
		}
	}

	client, err := teleop.Connect(ctx, cfg.Channels, log.L())
	if err != nil {
		return err
	}
	defer client.Close(time.Second)

	var (
		kb     *teleop.Keyboard
		leader *teleop.LeaderInput
	)
	if arm != nil {
		leader = teleop.NewLeaderInput(arm, client, cfg.Leader.Mapping, cfg.Leader.Hz, log.L())
		go func() {
			if err := leader.Run(ctx); err != nil {
				log.Error("leader input stopped", "error", err)
			}
		}()
	} else {
		kb = teleop.NewKeyboard(cfg.Client.MaxLinear, cfg.Client.MaxAngular)
	}

	interval := time.Duration(float64(time.Second) / hz)
	p := tea.NewProgram(newTeleopModel(client, kb, leader, interval), tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("run tui: %w", err)
	}
	return nil
}
