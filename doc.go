// Package legbot provides teleoperation and visual target following for
// legged robots.
//
// A host process runs next to the robot. It relays velocity commands from a
// remote client to the motion backend (a Unitree Go2 sport bridge or a built-in
// simulator) and streams the robot state and front camera frames back. The
// client drives the robot from the keyboard, a hand-held SO-101 leader arm or
// an automatic tracker that follows a detected object.
//
// # Installation
//
//	go install github.com/gwillem/legbot/cmd/legbot@latest
//
// # Usage
//
// Start the host on the robot (or with the simulator):
//
//	legbot host --robot sim
//
// Then drive it from another machine:
//
//	ROBOT_IP=10.0.0.5 legbot teleoperate
//
// Or let it follow a person:
//
//	legbot track --label person --detector yolo
//
// To use a leader arm, calibrate it first with "legbot setup".
//
// # Packages
//
//   - cmd/legbot: CLI with host, teleoperate, track, simbridge, setup and cameras commands
//   - pkg/protocol: Command and observation messages
//   - pkg/transport: Latest-value websocket channels
//   - pkg/robot: Motion backends and the leader arm
//   - pkg/teleop: Host relay, client and input sources
//   - pkg/vision: Frames, detectors and point tracking
//   - pkg/tracking: Target following state machine and control loop
//   - pkg/pid: PID controller
//   - pkg/web: Host status API
package legbot
