// Package model holds the shared domain entities: Device,
// SensorConfig, SensorReading, ActuatorConfig, ActuatorState, LogicRule,
// RuleExecution, and AuditLog. These are plain structs; persistence lives
// in internal/repo and behavior lives in the handler/engine packages.
package model

import "time"

// DeviceStatus is the derived online-state of a Device.
type DeviceStatus string

const (
	DeviceOnline  DeviceStatus = "online"
	DeviceWarning DeviceStatus = "warning"
	DeviceOffline DeviceStatus = "offline"
	DeviceError   DeviceStatus = "error"
	DevicePending DeviceStatus = "pending"
)

// Device is a registered field agent (ESP). Auto-registration is
// disabled; devices must be explicitly created before any message
// referencing their deviceId is accepted past the heartbeat/health
// handler.
type Device struct {
	ID        int64
	DeviceID  string // external form "ESP_<hex8>", unique
	ZoneID    *string
	KaiserID  string
	LastSeen  time.Time
	Status    DeviceStatus
	HeapFree  *int64
	WifiRSSI  *int
}

// OperatingMode is the schedule policy for a SensorConfig (GLOSSARY).
type OperatingMode string

const (
	ModeContinuous OperatingMode = "continuous"
	ModeOnDemand   OperatingMode = "on_demand"
	ModeScheduled  OperatingMode = "scheduled"
	ModePaused     OperatingMode = "paused"
)

// Thresholds hold the warn/min/max bounds used for stale/out-of-range
// classification (referenced by SensorConfig).
type Thresholds struct {
	Min  *float64
	Max  *float64
	Warn *float64
}

// SensorConfig describes one sensor attached to a device's GPIO. Unique on
// (DeviceID, GPIO); destroyed when the owning device is removed.
type SensorConfig struct {
	ID            int64
	DeviceID      string
	GPIO          int
	SensorType    string
	Name          string
	Enabled       bool
	PiEnhanced    bool
	OperatingMode OperatingMode
	IntervalMs    int
	TimeoutSec    int
	Calibration   map[string]float64
	Thresholds    Thresholds
}

// Quality is the labelled confidence in a SensorReading (GLOSSARY).
type Quality string

const (
	QualityGood    Quality = "good"
	QualityFair    Quality = "fair"
	QualityPoor    Quality = "poor"
	QualitySuspect Quality = "suspect"
	QualityError   Quality = "error"
	QualityUnknown Quality = "unknown"
)

// ReadingSource identifies how a SensorReading was produced.
type ReadingSource string

const (
	SourceProduction ReadingSource = "production"
	SourceMock       ReadingSource = "mock"
	SourceTest       ReadingSource = "test"
)

// SensorReading is one append-only time-series point. ProcessedValue,
// Unit, and ErrorCode are nil/empty unless a config existed at ingestion
// and (when applicable) a processor ran.
type SensorReading struct {
	ID             int64
	DeviceID       string
	GPIO           int
	RawValue       float64
	ProcessedValue *float64
	Unit           string
	Quality        Quality
	Timestamp      time.Time
	Source         ReadingSource
	ErrorCode      string
}

// ControlType identifies how an actuator accepts commands.
type ControlType string

const (
	ControlToggle ControlType = "toggle"
	ControlPWM    ControlType = "pwm"
)

// ActuatorConfig describes one controllable output. Unique on (DeviceID, GPIO).
type ActuatorConfig struct {
	ID            int64
	DeviceID      string
	GPIO          int
	ActuatorType  string
	ControlType   ControlType
	Critical      bool
	DefaultState  bool
	SafetyLimits  map[string]float64
}

// EmergencyState tracks an actuator's safety-stop lifecycle.
type EmergencyState string

const (
	EmergencyNormal   EmergencyState = "normal"
	EmergencyActive   EmergencyState = "active"
	EmergencyClearing EmergencyState = "clearing"
	EmergencyResuming EmergencyState = "resuming"
)

// ActuatorState is the last-known state of one actuator, updated on
// response messages.
type ActuatorState struct {
	DeviceID       string
	GPIO           int
	State          bool
	PWMValue       float64
	LastCommandTS  time.Time
	EmergencyState EmergencyState
}

// ConditionKind identifies a LogicRule condition leaf or combinator.
type ConditionKind string

const (
	ConditionThreshold ConditionKind = "threshold"
	ConditionTimeWindow ConditionKind = "time_window"
	ConditionAnd        ConditionKind = "and"
	ConditionOr         ConditionKind = "or"
)

// Operator is a threshold-condition comparator.
type Operator string

const (
	OpGT Operator = ">"
	OpLT Operator = "<"
	OpGE Operator = ">="
	OpLE Operator = "<="
	OpEQ Operator = "=="
	OpNE Operator = "!="
)

// Condition is one node of a LogicRule's condition tree. Leaves set Kind
// to Threshold or TimeWindow and leave Children empty; internal nodes set
// Kind to And/Or and populate Children.
type Condition struct {
	Kind ConditionKind

	// Threshold leaf fields.
	DeviceID   string
	GPIO       int
	SensorType string
	Operator   Operator
	Value      float64

	// TimeWindow leaf fields. DaysOfWeek uses Mon=0..Sun=6. Wrap-around
	// (StartHour > EndHour) means the window spans midnight.
	StartHour  int
	EndHour    int
	DaysOfWeek []int

	// Internal node field.
	Children []Condition
}

// Trigger is a (deviceId, gpio, sensorType) key used to route sensor
// events to rules whose trigger index contains it.
type Trigger struct {
	DeviceID   string
	GPIO       int
	SensorType string
}

// ActionKind identifies a LogicRule action's behavior.
type ActionKind string

const (
	ActionActuatorCommand ActionKind = "actuator_command"
	ActionDelay           ActionKind = "delay"
	ActionNotification    ActionKind = "notification"
)

// Action is one step of a LogicRule's ordered action list.
type Action struct {
	Kind ActionKind

	// ActuatorCommand fields.
	DeviceID   string
	GPIO       int
	Command    string // "ON" | "OFF" | "PWM"
	Value      float64
	DurationS  *float64
	Required   bool // if true, failure aborts the remaining actions

	// Delay fields.
	DelayMS int

	// Notification fields.
	Message string
}

// LogicRule is a cross-device automation.
type LogicRule struct {
	ID                   int64
	Name                 string
	Enabled              bool
	Priority             int // lower = higher priority
	CooldownSec          int
	MaxExecutionsPerHour int
	SafetyCritical       bool
	Triggers             []Trigger
	Conditions           Condition
	Actions              []Action
	LastExecuted         *time.Time
}

// RuleExecution is an append-only record of one rule evaluation that
// passed cooldown/rate/condition gating and attempted its actions.
type RuleExecution struct {
	ID             int64
	RuleID         int64
	Timestamp      time.Time
	TriggerData    map[string]any
	ActionsSummary string
	Success        bool
	DurationMS     int64
	ErrorMessage   string
}

// Severity classifies an AuditLog entry.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// AuditLog is an append-only operational event record, mirrored to
// operators as a websocket audit_event.
type AuditLog struct {
	ID        int64
	Timestamp time.Time
	EventType string
	DeviceID  string
	GPIO      *int
	Severity  Severity
	Details   map[string]any
}
