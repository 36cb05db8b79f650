package models

import (
	"fmt"
	"time"
)

type Coord struct {
	Lat float64 `json:"latitude"`
	Lon float64 `json:"longitude"`
}

// Valid reports whether the coordinate lies within WGS84 bounds.
func (c Coord) Valid() bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

type VehicleClass string

const (
	VehicleBLS  VehicleClass = "bls"  // basic life support
	VehicleALS  VehicleClass = "als"  // advanced life support
	VehicleCCS  VehicleClass = "ccs"  // critical care support
	VehicleAuto VehicleClass = "auto" // compact urban ambulance
	VehicleBike VehicleClass = "bike" // rapid response motorcycle
)

var vehicleClasses = map[VehicleClass]struct{}{
	VehicleBLS: {}, VehicleALS: {}, VehicleCCS: {}, VehicleAuto: {}, VehicleBike: {},
}

func (v VehicleClass) Valid() bool {
	_, ok := vehicleClasses[v]
	return ok
}

func ParseVehicleClass(s string) (VehicleClass, error) {
	v := VehicleClass(s)
	if !v.Valid() {
		return "", fmt.Errorf("%w: unknown vehicle class %q (valid: bls, als, ccs, auto, bike)", ErrValidation, s)
	}
	return v, nil
}

type EmergencyType string

const (
	EmergencyCardiac      EmergencyType = "cardiac"
	EmergencyTrauma       EmergencyType = "trauma"
	EmergencyRespiratory  EmergencyType = "respiratory"
	EmergencyNeurological EmergencyType = "neurological"
	EmergencyPediatric    EmergencyType = "pediatric"
	EmergencyObstetric    EmergencyType = "obstetric"
	EmergencyPsychiatric  EmergencyType = "psychiatric"
	EmergencyBurns        EmergencyType = "burns"
	EmergencyPoisoning    EmergencyType = "poisoning"
	EmergencyGeneral      EmergencyType = "general"
)

var emergencyTypes = map[EmergencyType]struct{}{
	EmergencyCardiac: {}, EmergencyTrauma: {}, EmergencyRespiratory: {}, EmergencyNeurological: {},
	EmergencyPediatric: {}, EmergencyObstetric: {}, EmergencyPsychiatric: {}, EmergencyBurns: {},
	EmergencyPoisoning: {}, EmergencyGeneral: {},
}

func (e EmergencyType) Valid() bool {
	_, ok := emergencyTypes[e]
	return ok
}

type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

type Emergency struct {
	Type     EmergencyType `json:"type,omitempty"`
	Name     string        `json:"name,omitempty"`
	Priority Priority      `json:"priority,omitempty"`
}

// Validate accepts a zero Emergency; set fields must be known values.
func (e *Emergency) Validate() error {
	if e == nil {
		return nil
	}
	if e.Type != "" && !e.Type.Valid() {
		return fmt.Errorf("%w: unknown emergency type %q", ErrValidation, e.Type)
	}
	if e.Priority != "" && !e.Priority.Valid() {
		return fmt.Errorf("%w: unknown emergency priority %q", ErrValidation, e.Priority)
	}
	return nil
}

// DriverPresence is the live availability record of an on-duty driver.
type DriverPresence struct {
	DriverID        string          `json:"driverId"`
	ConnID          string          `json:"-"`
	Coords          Coord           `json:"coords"`
	LastUpdated     time.Time       `json:"lastUpdated"`
	OnDuty          bool            `json:"onDuty"`
	Vehicle         VehicleClass    `json:"vehicle"`
	Specializations []EmergencyType `json:"specializations,omitempty"`
}

// FareFormula overrides the default rate table for hospital-affiliated drivers.
// Zero fields fall back to the default for the vehicle class.
type FareFormula struct {
	BaseFare    float64 `json:"baseFare,omitempty"`
	PerKmRate   float64 `json:"perKmRate,omitempty"`
	MinimumFare float64 `json:"minimumFare,omitempty"`
}

type HospitalAffiliation struct {
	HospitalID   string       `json:"hospitalId,omitempty"`
	HospitalName string       `json:"hospitalName,omitempty"`
	FareFormula  *FareFormula `json:"fareFormula,omitempty"`
}

// Driver is the stored driver profile consulted on acceptance.
type Driver struct {
	ID              string               `json:"id"`
	Name            string               `json:"name,omitempty"`
	Vehicle         VehicleClass         `json:"vehicle"`
	Specializations []EmergencyType      `json:"specializations,omitempty"`
	Affiliation     *HospitalAffiliation `json:"hospitalAffiliation,omitempty"`
}

// HasSpecialization reports whether the driver lists t.
func HasSpecialization(specs []EmergencyType, t EmergencyType) bool {
	for _, s := range specs {
		if s == t {
			return true
		}
	}
	return false
}
