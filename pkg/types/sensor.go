package types

import "time"

// Units, device classes and state classes understood by host applications.
const (
	UnitWatt         = "W"
	UnitKiloWattHour = "kWh"

	DeviceClassPower     = "power"
	DeviceClassEnergy    = "energy"
	DeviceClassTimestamp = "timestamp"

	StateClassMeasurement     = "measurement"
	StateClassTotalIncreasing = "total_increasing"

	IconSolarPower = "mdi:solar-power"
	IconClock      = "mdi:clock-outline"
)

// Descriptor describes how one sensor is read out of a Mapping.
type Descriptor struct {
	// Key is the sensor name, unique per site.
	Key string `json:"key"`
	// FieldKey is the Mapping key the value comes from.
	FieldKey string `json:"fieldKey"`
	// TimeKey is the canonical timestamp slot paired with FieldKey.
	TimeKey     string `json:"timeKey"`
	Unit        string `json:"unit,omitempty"`
	Icon        string `json:"icon,omitempty"`
	StateClass  string `json:"stateClass,omitempty"`
	DeviceClass string `json:"deviceClass,omitempty"`
}

// Reading is the projected value of one sensor.
type Reading struct {
	Key string `json:"key"`
	// Value is the raw text from the portal, or a time.Time for timestamp
	// sensors. It is nil when the reading is unavailable.
	Value any `json:"value"`
	// Number is Value parsed as a float when that was possible.
	Number *float64 `json:"number,omitempty"`
	// Timestamp is the corrected sample time from the descriptor's TimeKey.
	Timestamp   *time.Time `json:"timestamp,omitempty"`
	Unit        string     `json:"unit,omitempty"`
	Icon        string     `json:"icon,omitempty"`
	DeviceClass string     `json:"deviceClass,omitempty"`
	StateClass  string     `json:"stateClass,omitempty"`
	Available   bool       `json:"available"`
}

// ReadingSet is every reading of a site at one point in time.
type ReadingSet struct {
	SiteID    string             `json:"siteID"`
	Timestamp time.Time          `json:"timestamp"`
	Readings  map[string]Reading `json:"readings"`
}
