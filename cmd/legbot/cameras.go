package main

import (
	"fmt"

	"github.com/gwillem/legbot/pkg/vision/cv"
)

type CamerasCommand struct {
	Max int `long:"max" default:"10" description:"Number of device indices to probe"`
}

func (c *CamerasCommand) Execute(args []string) error {
	fmt.Println(headerStyle.Render("Video devices"))
	fmt.Println(dimStyle.Render("━━━━━━━━━━━━━"))

	found := cv.ProbeCameras(c.Max)
	if len(found) == 0 {
		fmt.Println("No cameras found.")
		return nil
	}
	for _, cam := range found {
		fmt.Printf("  %s %dx%d\n", successStyle.Render(fmt.Sprintf("camera %d", cam.ID)), cam.Width, cam.Height)
	}
	fmt.Println()
	fmt.Println("Use one with: " + headerStyle.Render("legbot host --camera <id>"))
	return nil
}
