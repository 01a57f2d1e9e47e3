// Package units provides shared constants and conversion for length units.
//
// Template and offset files store lengths in meters. The scene model (and
// anything exported back to a capture host) works in centimeters, which is
// the convention of the hosts this tool feeds. The meter/centimeter boundary
// lives here so the factor of 100 does not leak through the codebase.
package units

// Unit constants
const (
	Meters      = "m"
	Centimeters = "cm"
	Millimeters = "mm"
)

// ValidUnits contains all valid length unit values
var ValidUnits = []string{Meters, Centimeters, Millimeters}

// IsValid checks if the given unit is in the list of valid units
func IsValid(unit string) bool {
	for _, validUnit := range ValidUnits {
		if unit == validUnit {
			return true
		}
	}
	return false
}

// GetValidUnitsString returns a comma-separated string of valid units for error messages
func GetValidUnitsString() string {
	return "m, cm, mm"
}

// ToCentimeters converts a length in the given unit to centimeters.
// Unknown units are treated as meters, the template file convention.
func ToCentimeters(v float64, unit string) float64 {
	switch unit {
	case Centimeters:
		return v
	case Millimeters:
		return v / 10
	case Meters:
		return v * 100
	default:
		return v * 100
	}
}

// FromCentimeters converts a length in centimeters to the given unit.
func FromCentimeters(v float64, unit string) float64 {
	switch unit {
	case Centimeters:
		return v
	case Millimeters:
		return v * 10
	case Meters:
		return v / 100
	default:
		return v / 100
	}
}
