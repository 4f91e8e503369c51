package shadow

// Power-supply states reported in systemState.pwsState.
const (
	PWSOn          = "on"
	PWSOff         = "off"
	PWSHoldDelay   = "holdDelay"
	PWSHoldWeekly  = "holdWeekly"
	PWSProgramming = "programming"
	PWSError       = "error"
)

// Robot states reported in systemState.robotState.
const (
	RobotNotConnected = "notConnected"
	RobotInit         = "init"
	RobotFault        = "fault"
	RobotFinished     = "finished"
	RobotProgramming  = "programming"
)

// Calculated states exposed to consumers.
const (
	CalcOff         = "off"
	CalcCleaning    = "cleaning"
	CalcProgramming = "programming"
	CalcError       = "error"
	CalcInit        = "init"
	CalcHoldDelay   = "holdDelay"
	CalcHoldWeekly  = "holdWeekly"
)

// Vacuum states exposed to consumers.
const (
	VacuumDocked    = "docked"
	VacuumCleaning  = "cleaning"
	VacuumReturning = "returning"
	VacuumError     = "error"
)

// Cleaning modes accepted by the command surface.
const (
	ModeRegular = "all"
	ModeFast    = "short"
	ModeFloor   = "floor"
	ModeWater   = "water"
	ModeUltra   = "ultra"
	ModePickup  = "pickup"
)

// CycleTimeMinutes maps a cleaning mode to its cycle time.
var CycleTimeMinutes = map[string]int{
	ModeRegular: 120,
	ModeFast:    60,
	ModeFloor:   120,
	ModeWater:   120,
	ModeUltra:   120,
	ModePickup:  5,
}

// ValidMode reports whether mode is a known cleaning mode.
func ValidMode(mode string) bool {
	_, ok := CycleTimeMinutes[mode]
	return ok
}

// Derived is the fused status record recomputed on every shadow merge.
type Derived struct {
	CalculatedState  string `json:"calculatedState"`
	PowerSupplyState string `json:"powerSupplyState"`
	RobotState       string `json:"robotState"`
	RobotType        string `json:"robotType"`
	IsBusy           bool   `json:"isBusy"`
	TurnOnCount      int64  `json:"turnOnCount"`
	TimeZone         int64  `json:"timeZone"`
	VacuumState      string `json:"vacuumState"`
}

// Calculate fuses the raw systemState fields and the current cleaning mode
// into the calculated and vacuum states. First match wins; the table is total
// over its inputs.
func Calculate(snap *Snapshot) Derived {
	system := snap.Category("systemState")
	pws := stringField(system, "pwsState")
	robot := stringField(system, "robotState")

	d := Derived{
		PowerSupplyState: pws,
		RobotState:       robot,
		RobotType:        stringField(system, "robotType"),
		IsBusy:           boolField(system, "isBusy"),
		TurnOnCount:      intField(system, "turnOnCount"),
		TimeZone:         intField(system, "timeZone"),
	}
	d.CalculatedState, d.VacuumState = fuse(pws, robot, cleaningMode(snap))
	return d
}

func fuse(pws, robot, mode string) (calculated, vacuum string) {
	switch {
	case pws == PWSError || robot == RobotFault:
		return CalcError, VacuumError
	case pws == PWSProgramming && robot == RobotProgramming:
		return CalcProgramming, VacuumDocked
	case pws == PWSProgramming && robot != RobotFinished:
		return CalcCleaning, VacuumCleaning
	case pws == PWSOn:
		switch {
		case robot == RobotInit:
			return CalcInit, VacuumDocked
		case robot != RobotNotConnected && robot != RobotFinished:
			if mode == ModePickup {
				return CalcCleaning, VacuumReturning
			}
			return CalcCleaning, VacuumCleaning
		default:
			return CalcOff, VacuumDocked
		}
	case pws == PWSHoldDelay:
		return CalcHoldDelay, VacuumDocked
	case pws == PWSHoldWeekly:
		return CalcHoldWeekly, VacuumDocked
	default:
		return CalcOff, VacuumDocked
	}
}

func cleaningMode(snap *Snapshot) string {
	cycle := snap.Category("cycleInfo")
	cm, ok := cycle["cleaningMode"].(map[string]any)
	if !ok {
		return ""
	}
	mode, _ := cm["mode"].(string)
	return mode
}

func stringField(obj map[string]any, key string) string {
	s, _ := obj[key].(string)
	return s
}

func boolField(obj map[string]any, key string) bool {
	b, _ := obj[key].(bool)
	return b
}

func intField(obj map[string]any, key string) int64 {
	switch v := obj[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	default:
		return 0
	}
}
