package teleop

import "github.com/gwillem/legbot/pkg/protocol"

// KeyAction is what a key press asks the input loop to do beyond steering.
type KeyAction int

const (
	KeyNone KeyAction = iota
	KeyStop
	KeyQuit
)

// Keyboard turns key presses into velocity commands. Terminals report presses
// but not releases, so the pressed set only lives until the next Tick.
type Keyboard struct {
	MaxLinear  float64
	MaxAngular float64

	pressed map[string]bool
}

// NewKeyboard returns a keyboard mapping with the given top speeds.
func NewKeyboard(maxLinear, maxAngular float64) *Keyboard {
	return &Keyboard{
		MaxLinear:  maxLinear,
		MaxAngular: maxAngular,
		pressed:    make(map[string]bool),
	}
}

// Press records a key. Space clears the pressed set and asks for a stop; esc
// and ctrl+c ask to quit.
func (k *Keyboard) Press(key string) KeyAction {
	switch key {
	case " ", "space":
		clear(k.pressed)
		return KeyStop
	case "esc", "ctrl+c":
		clear(k.pressed)
		return KeyQuit
	case "w", "s", "a", "d", "q", "e":
		k.pressed[key] = true
	}
	return KeyNone
}

// Tick returns the command for the keys pressed since the last tick and
// clears them. Of two opposing keys the first of w/s, a/d and q/e wins.
func (k *Keyboard) Tick() protocol.Command {
	var vx, vy, vyaw float64
	switch {
	case k.pressed["w"]:
		vx = k.MaxLinear
	case k.pressed["s"]:
		vx = -k.MaxLinear
	}
	switch {
	case k.pressed["a"]:
		vy = k.MaxLinear
	case k.pressed["d"]:
		vy = -k.MaxLinear
	}
	switch {
	case k.pressed["q"]:
		vyaw = k.MaxAngular
	case k.pressed["e"]:
		vyaw = -k.MaxAngular
	}
	clear(k.pressed)
	return protocol.NewCommand(vx, vy, vyaw)
}
