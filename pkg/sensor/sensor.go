package sensor

import (
	"errors"
	"fmt"

	"github.com/raterudder/apsema/pkg/types"
)

// Sensor keys. Panel sensors are keyed by the panel name.
const (
	PowerLatest     = "power_latest"
	ConsumedLatest  = "consumed_latest"
	ExportedLatest  = "exported_latest"
	EnergyLatest    = "energy_latest"
	PowerMaxDay     = "power_max_day"
	ConsumedTotal   = "consumed_total"
	ExportedTotal   = "exported_total"
	ProductionTotal = "production_total"
	ImportedTotal   = "imported_total"
	Date            = "date"
	Date2           = "date_2"
)

func power(key, field string) types.Descriptor {
	return types.Descriptor{
		Key:         key,
		FieldKey:    field,
		TimeKey:     types.TimeKey1,
		Unit:        types.UnitWatt,
		Icon:        types.IconSolarPower,
		DeviceClass: types.DeviceClassPower,
		StateClass:  types.StateClassMeasurement,
	}
}

func energyTotal(key, field string) types.Descriptor {
	return types.Descriptor{
		Key:         key,
		FieldKey:    field,
		TimeKey:     types.TimeKey2,
		Unit:        types.UnitKiloWattHour,
		Icon:        types.IconSolarPower,
		DeviceClass: types.DeviceClassEnergy,
		StateClass:  types.StateClassTotalIncreasing,
	}
}

func timestamp(key, slot string) types.Descriptor {
	return types.Descriptor{
		Key:         key,
		FieldKey:    slot,
		TimeKey:     slot,
		Icon:        types.IconClock,
		DeviceClass: types.DeviceClassTimestamp,
	}
}

// Defaults returns the sensors every site has, in display order.
func Defaults() []types.Descriptor {
	return []types.Descriptor{
		// power with all parameters
		power(PowerLatest, "P"),
		power(ConsumedLatest, "U"),
		power(ExportedLatest, "C"),

		// power on current day
		{
			Key:         EnergyLatest,
			FieldKey:    "energy",
			TimeKey:     types.TimeKey1,
			Unit:        types.UnitKiloWattHour,
			Icon:        types.IconSolarPower,
			DeviceClass: types.DeviceClassEnergy,
			StateClass:  types.StateClassMeasurement,
		},
		power(PowerMaxDay, "max"),

		// energy every five minutes
		energyTotal(ConsumedTotal, "usageTotal"),
		energyTotal(ExportedTotal, "sellTotal"),
		energyTotal(ProductionTotal, "productionTotal"),
		energyTotal(ImportedTotal, "buyTotal"),

		timestamp(Date, types.TimeKey1),
		timestamp(Date2, types.TimeKey2),
	}
}

// PanelDescriptor returns the descriptor of a single panel's power curve.
func PanelDescriptor(name string) types.Descriptor {
	return power(name, name)
}

// ForSite returns the default sensors followed by one sensor per panel.
func ForSite(site types.Site) []types.Descriptor {
	descs := Defaults()
	for _, p := range site.Panels {
		descs = append(descs, PanelDescriptor(p))
	}
	return descs
}

// Validate checks that descriptor keys are unique and every descriptor
// points at a field and a known timestamp slot.
func Validate(descs []types.Descriptor) error {
	var errs []error
	seen := make(map[string]bool, len(descs))
	for i, d := range descs {
		if d.Key == "" {
			errs = append(errs, fmt.Errorf("sensor %d: empty key", i))
			continue
		}
		if seen[d.Key] {
			errs = append(errs, fmt.Errorf("sensor %s: duplicate key", d.Key))
		}
		seen[d.Key] = true
		if d.FieldKey == "" {
			errs = append(errs, fmt.Errorf("sensor %s: empty field key", d.Key))
		}
		switch d.TimeKey {
		case types.TimeKey1, types.TimeKey2:
		default:
			errs = append(errs, fmt.Errorf("sensor %s: unknown time key %q", d.Key, d.TimeKey))
		}
	}
	return errors.Join(errs...)
}
