package events

// LocationRequestPriority is the accuracy/power tradeoff of a request.
type LocationRequestPriority int

const (
	PriorityUnset    LocationRequestPriority = 0x200
	PriorityAccuracy LocationRequestPriority = 0x201
	PriorityLowPower LocationRequestPriority = 0x202
	PriorityFastFix  LocationRequestPriority = 0x203
)

// LocationRequestScenario is the usage scenario of a request.
type LocationRequestScenario int

const (
	ScenarioUnset        LocationRequestScenario = 0x300
	ScenarioNavigation   LocationRequestScenario = 0x301
	ScenarioTrajectory   LocationRequestScenario = 0x302
	ScenarioCarHailing   LocationRequestScenario = 0x303
	ScenarioDailyLifeSvc LocationRequestScenario = 0x304
	ScenarioNoPower      LocationRequestScenario = 0x305
)

// LocationRequest configures a locationChange subscription.
type LocationRequest struct {
	Priority         LocationRequestPriority `json:"priority,omitempty"`
	Scenario         LocationRequestScenario `json:"scenario,omitempty"`
	TimeInterval     int                     `json:"timeInterval" validate:"gte=0"`     // seconds
	DistanceInterval float64                 `json:"distanceInterval" validate:"gte=0"` // meters
	MaxAccuracy      float64                 `json:"maxAccuracy" validate:"gte=0"`      // meters, 0 = any
}

// SingleShotRequest configures a RequestOnce call.
type SingleShotRequest struct {
	Priority    LocationRequestPriority `json:"priority,omitempty"`
	Scenario    LocationRequestScenario `json:"scenario,omitempty"`
	MaxAccuracy float64                 `json:"maxAccuracy" validate:"gte=0"`
}

// CachedGnssLocationsRequest configures a cachedGnssLocationsReporting subscription.
type CachedGnssLocationsRequest struct {
	ReportingPeriodSec   int  `json:"reportingPeriodSec" validate:"gte=0"`
	WakeUpCacheQueueFull bool `json:"wakeUpCacheQueueFull"`
}

// Geofence is a circular region.
type Geofence struct {
	Latitude   float64 `json:"latitude" validate:"gte=-90,lte=90"`
	Longitude  float64 `json:"longitude" validate:"gte=-180,lte=180"`
	Radius     float64 `json:"radius" validate:"gt=0"`      // meters
	Expiration int64   `json:"expiration" validate:"gte=0"` // ms, 0 = never
}

// GeofenceRequest configures a fenceStatusChange subscription.
type GeofenceRequest struct {
	Scenario LocationRequestScenario `json:"scenario,omitempty"`
	Geofence Geofence                `json:"geofence" validate:"required"`
}

// LocatingRequiredDataConfig configures a locatingRequiredDataChange subscription.
type LocatingRequiredDataConfig struct {
	Type           string `json:"type" validate:"oneof=wifi bluetooth"`
	NeedStartScan  bool   `json:"needStartScan"`
	ScanIntervalMs int    `json:"scanInterval" validate:"gte=0"`
	ScanTimeoutMs  int    `json:"scanTimeout" validate:"gte=0"`
}
