package mav

import "fmt"

// RoverMode is an ArduRover custom flight mode code.
type RoverMode uint32

// ArduRover custom modes. The set is fixed by the firmware; codes 13 and
// 14 are unassigned.
const (
	ModeManual       RoverMode = 0
	ModeAcro         RoverMode = 1
	ModeLearning     RoverMode = 2
	ModeSteering     RoverMode = 3
	ModeHold         RoverMode = 4
	ModeLoiter       RoverMode = 5
	ModeFollow       RoverMode = 6
	ModeSimple       RoverMode = 7
	ModeDock         RoverMode = 8
	ModeCircle       RoverMode = 9
	ModeAuto         RoverMode = 10
	ModeRTL          RoverMode = 11
	ModeSmartRTL     RoverMode = 12
	ModeGuided       RoverMode = 15
	ModeInitialising RoverMode = 16
)

var roverModeNames = map[RoverMode]string{
	ModeManual:       "MANUAL",
	ModeAcro:         "ACRO",
	ModeLearning:     "LEARNING",
	ModeSteering:     "STEERING",
	ModeHold:         "HOLD",
	ModeLoiter:       "LOITER",
	ModeFollow:       "FOLLOW",
	ModeSimple:       "SIMPLE",
	ModeDock:         "DOCK",
	ModeCircle:       "CIRCLE",
	ModeAuto:         "AUTO",
	ModeRTL:          "RTL",
	ModeSmartRTL:     "SMART_RTL",
	ModeGuided:       "GUIDED",
	ModeInitialising: "INITIALISING",
}

// String renders the mode name, or UNKNOWN(code) for codes the firmware
// table does not define.
func (m RoverMode) String() string {
	if name, ok := roverModeNames[m]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", uint32(m))
}
