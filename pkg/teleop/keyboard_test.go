package teleop

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyboard_Mapping(t *testing.T) {
	tests := []struct {
		keys         []string
		vx, vy, vyaw float64
	}{
		{nil, 0, 0, 0},
		{[]string{"w"}, 0.5, 0, 0},
		{[]string{"s"}, -0.5, 0, 0},
		{[]string{"a"}, 0, 0.5, 0},
		{[]string{"d"}, 0, -0.5, 0},
		{[]string{"q"}, 0, 0, 0.8},
		{[]string{"e"}, 0, 0, -0.8},
		{[]string{"w", "a", "q"}, 0.5, 0.5, 0.8},
		{[]string{"w", "s"}, 0.5, 0, 0},
		{[]string{"s", "w"}, 0.5, 0, 0},
		{[]string{"d", "a"}, 0, 0.5, 0},
		{[]string{"e", "q"}, 0, 0, 0.8},
		{[]string{"s", "d", "e"}, -0.5, -0.5, -0.8},
		{[]string{"x"}, 0, 0, 0},
	}
	for _, tt := range tests {
		k := NewKeyboard(0.5, 0.8)
		for _, key := range tt.keys {
			assert.Equal(t, KeyNone, k.Press(key))
		}
		cmd := k.Tick()
		assert.Equal(t, tt.vx, cmd.Vx, "keys %v", tt.keys)
		assert.Equal(t, tt.vy, cmd.Vy, "keys %v", tt.keys)
		assert.Equal(t, tt.vyaw, cmd.Vyaw, "keys %v", tt.keys)
	}
}

func TestKeyboard_TickClearsKeys(t *testing.T) {
	k := NewKeyboard(0.5, 0.5)
	k.Press("w")
	assert.Equal(t, 0.5, k.Tick().Vx)
	assert.True(t, k.Tick().IsZero())
}

func TestKeyboard_SpaceStops(t *testing.T) {
	k := NewKeyboard(0.5, 0.5)
	k.Press("w")
	k.Press("q")
	assert.Equal(t, KeyStop, k.Press(" "))
	assert.True(t, k.Tick().IsZero())
}

func TestKeyboard_Quit(t *testing.T) {
	k := NewKeyboard(0.5, 0.5)
	assert.Equal(t, KeyQuit, k.Press("esc"))
	assert.Equal(t, KeyQuit, k.Press("ctrl+c"))
}
