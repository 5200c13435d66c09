package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/hipsterbrown/feetech-servo/feetech"
	"go.bug.st/serial"

	"github.com/gwillem/legbot/pkg/robot"
)

var (
	headerStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	subHeaderStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("14"))
	successStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	dimStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

var errAborted = errors.New("setup aborted")

type SetupCommand struct {
	Port string `long:"port" description:"Serial port of the leader arm (skips the scan)"`
}

func (c *SetupCommand) Execute(args []string) error {
	cfg, err := loadConfig(false)
	if err != nil {
		return err
	}

	fmt.Println(headerStyle.Render("legbot setup"))
	fmt.Println(dimStyle.Render("━━━━━━━━━━━━"))
	fmt.Println()

	port := c.Port
	if port == "" {
		if port, err = scanForLeader(); err != nil {
			return exitOnAbort(err)
		}
	}
	leader := &robot.LeaderConfig{Port: port}

	fmt.Println()
	fmt.Println(subHeaderStyle.Render("━━━ Calibrating Leader Arm ━━━"))
	fmt.Println()
	if err := calibrateArm(leader); err != nil {
		return err
	}

	if err := leader.Save(cfg.Leader.File); err != nil {
		return fmt.Errorf("save leader config: %w", err)
	}

	fmt.Println()
	fmt.Println(dimStyle.Render("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━"))
	fmt.Println(successStyle.Render("Setup complete!"))
	fmt.Printf("Leader arm saved to %s\n", cfg.Leader.File)
	fmt.Println()
	fmt.Println("Drive with it using: " + headerStyle.Render("legbot teleoperate --input leader"))
	return nil
}

func scanForLeader() (string, error) {
	fmt.Println("Scanning for SO-101 arms...")
	fmt.Println()

	arms := findArms()
	if len(arms) == 0 {
		fmt.Println("Make sure the arm is connected and powered on.")
		return "", errors.New("no SO-101 arm found")
	}

	fmt.Printf("Found %d arm(s). Let's identify the leader...\n\n", len(arms))

	var leaderPort string
	for _, arm := range arms {
		if leaderPort != "" {
			arm.bus.Close()
			continue
		}
		ok, err := identifyArmWithWiggle(arm)
		if err != nil {
			return "", err
		}
		if ok {
			leaderPort = arm.port
		}
	}

	if leaderPort == "" {
		return "", errors.New("leader arm not identified")
	}

	fmt.Println()
	fmt.Println(successStyle.Render("Leader arm: ") + leaderPort)
	return leaderPort, nil
}

func calibrateArm(leader *robot.LeaderConfig) error {
	fmt.Printf("Calibrating leader arm on %s\n", leader.Port)
	fmt.Println()

	bus, servos, err := connectToArm(leader.Port)
	if err != nil {
		return fmt.Errorf("connect to arm: %w", err)
	}
	defer bus.Close()

	servoMap := make(map[int]*feetech.Servo)
	for _, s := range servos {
		servoMap[s.ID] = feetech.NewServo(bus, s.ID, s.Model)
	}

	// Torque off so the arm can be moved by hand
	ctx := context.Background()
	for _, servo := range servoMap {
		servo.Disable(ctx)
	}

	motors := robot.AllMotors()

	fmt.Println(subHeaderStyle.Render("Record range of motion"))
	fmt.Println("Move each joint to its minimum AND maximum positions.")
	fmt.Println("Finish with the arm in the pose you want as 'stand still'.")
	fmt.Println()

	curPositions := make(map[robot.MotorName]int)
	minPositions := make(map[robot.MotorName]int)
	maxPositions := make(map[robot.MotorName]int)
	for i, motorName := range motors {
		pos, _ := servoMap[i+1].Position(ctx)
		curPositions[motorName] = pos
		minPositions[motorName] = pos
		maxPositions[motorName] = pos
	}

	model := newCalibrationModel(motors, servoMap, curPositions, minPositions, maxPositions)
	finalModel, err := tea.NewProgram(model).Run()
	if err != nil {
		return fmt.Errorf("run calibration: %w", err)
	}

	cm := finalModel.(calibrationModel)
	calibration := make(robot.Calibration)
	for i, motorName := range motors {
		mc := robot.MotorCalibration{
			ID:       i + 1,
			RangeMin: cm.minPositions[motorName],
			RangeMax: cm.maxPositions[motorName],
		}
		if err := mc.Validate(); err != nil {
			fmt.Printf("  %s: %v\n", motorName, err)
		}
		calibration[motorName] = mc
	}

	leader.Calibration = calibration
	fmt.Println()
	fmt.Println("Leader arm calibrated.")
	return nil
}

type armInfo struct {
	port   string
	servos []feetech.FoundServo
	bus    *feetech.Bus
}

func findArms() []armInfo {
	ports, err := serial.GetPortsList()
	if err != nil {
		fmt.Printf("Error listing ports: %v\n", err)
		return nil
	}

	var arms []armInfo
	for _, port := range ports {
		// Skip Bluetooth ports on macOS
		if strings.Contains(port, "Bluetooth") {
			continue
		}

		bus, servos, err := connectToArm(port)
		if err != nil {
			continue
		}
		fmt.Printf("  Found SO-101 arm on %s\n", port)
		arms = append(arms, armInfo{port: port, servos: servos, bus: bus})
	}
	return arms
}

func isSOArm(servos []feetech.FoundServo) bool {
	if len(servos) != 6 {
		return false
	}

	ids := make(map[int]bool)
	for _, s := range servos {
		ids[s.ID] = true
	}
	for i := 1; i <= 6; i++ {
		if !ids[i] {
			return false
		}
	}
	return true
}

// identifyArmWithWiggle nudges shoulder_pan and asks whether this is the leader.
func identifyArmWithWiggle(arm armInfo) (bool, error) {
	defer arm.bus.Close()

	ctx := context.Background()

	var servo *feetech.Servo
	for _, s := range arm.servos {
		if s.ID == 1 {
			servo = feetech.NewServo(arm.bus, s.ID, s.Model)
			break
		}
	}
	if servo == nil {
		return false, nil
	}

	originalPos, err := servo.Position(ctx)
	if err != nil {
		fmt.Printf("  Error reading position: %v\n", err)
		return false, nil
	}
	if err := servo.Enable(ctx); err != nil {
		fmt.Printf("  Error enabling servo: %v\n", err)
		return false, nil
	}

	fmt.Printf("\n  Wiggling arm on %s...\n", arm.port)

	wiggleAmount := 30
	moveTimeMs := 500
	for _, target := range []int{originalPos + wiggleAmount, originalPos - wiggleAmount, originalPos} {
		servo.SetPositionWithTime(ctx, target, moveTimeMs)
		time.Sleep(time.Duration(moveTimeMs+100) * time.Millisecond)
	}
	servo.Disable(ctx)

	var role string
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title(fmt.Sprintf("Which arm is on %s?", arm.port)).
				Description("The arm that just wiggled").
				Options(
					huh.NewOption("Leader (the one you move by hand)", "leader"),
					huh.NewOption("Skip this arm", "skip"),
				).
				Value(&role),
		),
	)
	if err := form.Run(); err != nil {
		fmt.Println()
		return false, errAborted
	}
	return role == "leader", nil
}

func connectToArm(port string) (*feetech.Bus, []feetech.FoundServo, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	bus, err := feetech.NewBus(feetech.BusConfig{
		Port:     port,
		BaudRate: 1_000_000,
		Protocol: feetech.ProtocolSTS,
		Timeout:  100 * time.Millisecond,
	})
	if err != nil {
		return nil, nil, err
	}

	servos, err := bus.Scan(ctx, 1, 6)
	if err != nil {
		bus.Close()
		return nil, nil, err
	}

	if !isSOArm(servos) {
		bus.Close()
		return nil, nil, fmt.Errorf("not an SO-101 arm (expected 6 servos with IDs 1-6)")
	}

	return bus, servos, nil
}

// Calibration TUI model
type calibrationModel struct {
	motors       []robot.MotorName
	servoMap     map[int]*feetech.Servo
	curPositions map[robot.MotorName]int
	minPositions map[robot.MotorName]int
	maxPositions map[robot.MotorName]int
	quitting     bool
}

type calibrationTickMsg time.Time

func newCalibrationModel(
	motors []robot.MotorName,
	servoMap map[int]*feetech.Servo,
	curPositions, minPositions, maxPositions map[robot.MotorName]int,
) calibrationModel {
	return calibrationModel{
		motors:       motors,
		servoMap:     servoMap,
		curPositions: curPositions,
		minPositions: minPositions,
		maxPositions: maxPositions,
	}
}

func calibrationTick() tea.Cmd {
	return tea.Tick(100*time.Millisecond, func(t time.Time) tea.Msg {
		return calibrationTickMsg(t)
	})
}

func (m calibrationModel) Init() tea.Cmd {
	return calibrationTick()
}

func (m calibrationModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "enter", "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		}

	case calibrationTickMsg:
		ctx := context.Background()
		for i, motorName := range m.motors {
			pos, err := m.servoMap[i+1].Position(ctx)
			if err != nil {
				continue
			}
			m.curPositions[motorName] = pos
			m.minPositions[motorName] = min(m.minPositions[motorName], pos)
			m.maxPositions[motorName] = max(m.maxPositions[motorName], pos)
		}
		return m, calibrationTick()
	}

	return m, nil
}

func (m calibrationModel) View() string {
	if m.quitting {
		return ""
	}

	tableHeaderStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12")).Padding(0, 1)
	tableMotorStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("14")).Padding(0, 1)
	tableCellStyle := lipgloss.NewStyle().Padding(0, 1)
	tableCurrentStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Padding(0, 1)
	tableRangeGoodStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Padding(0, 1)
	tableRangeLowStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Padding(0, 1)

	rows := make([][]string, 0, len(m.motors))
	ranges := make([]int, 0, len(m.motors))
	for _, motorName := range m.motors {
		rangeSize := m.maxPositions[motorName] - m.minPositions[motorName]
		ranges = append(ranges, rangeSize)
		rows = append(rows, []string{
			string(motorName),
			fmt.Sprintf("%d", m.curPositions[motorName]),
			fmt.Sprintf("%d", m.minPositions[motorName]),
			fmt.Sprintf("%d", m.maxPositions[motorName]),
			fmt.Sprintf("%d", rangeSize),
		})
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(dimStyle).
		Headers("Motor", "Current", "Min", "Max", "Range").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return tableHeaderStyle
			}
			switch col {
			case 0:
				return tableMotorStyle
			case 1:
				return tableCurrentStyle
			case 4:
				if row >= 0 && row < len(ranges) && ranges[row] > 500 {
					return tableRangeGoodStyle
				}
				return tableRangeLowStyle
			default:
				return tableCellStyle
			}
		})

	var sb strings.Builder
	sb.WriteString(t.Render())
	sb.WriteString("\n\n")
	sb.WriteString(dimStyle.Render("Press Enter when done"))
	return sb.String()
}

func exitOnAbort(err error) error {
	if errors.Is(err, errAborted) {
		os.Exit(0)
	}
	return err
}
