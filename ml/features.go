package ml

import (
	"fmt"
	"strconv"
	"strings"
)

// TargetName is the metadata key holding the target's Box-Cox parameters.
const TargetName = "price"

// Flag columns carry 0/1 and are never Box-Cox transformed.
const (
	FlagAirport   = "airport"
	FlagWaterbody = "waterbody_River"
)

// HouseFeatures is one property as entered on the form or read from a row.
type HouseFeatures struct {
	CrimeRate      float64 `json:"crime_rate" validate:"gte=0"`
	ResidArea      float64 `json:"resid_area" validate:"gte=0"`
	AirQual        float64 `json:"air_qual" validate:"gte=0"`
	RoomNum        float64 `json:"room_num" validate:"gte=0"`
	Age            float64 `json:"age" validate:"gte=0"`
	Teachers       float64 `json:"teachers" validate:"gte=0"`
	PoorProp       float64 `json:"poor_prop" validate:"gte=0"`
	NHosBeds       float64 `json:"n_hos_beds" validate:"gte=0"`
	Parks          float64 `json:"parks" validate:"gte=0"`
	Dist           float64 `json:"dist" validate:"gte=0"`
	Airport        float64 `json:"airport" validate:"flag"`
	WaterbodyRiver float64 `json:"waterbody_River" validate:"flag"`
}

// FeatureVector returns f in FeatureNames order.
func FeatureVector(f HouseFeatures) []float64 {
	return []float64{
		f.CrimeRate,
		f.ResidArea,
		f.AirQual,
		f.RoomNum,
		f.Age,
		f.Teachers,
		f.PoorProp,
		f.NHosBeds,
		f.Parks,
		f.Dist,
		f.Airport,
		f.WaterbodyRiver,
	}
}

// FeatureNames is the column order the regression was trained on.
func FeatureNames() []string {
	return []string{
		"crime_rate",
		"resid_area",
		"air_qual",
		"room_num",
		"age",
		"teachers",
		"poor_prop",
		"n_hos_beds",
		"parks",
		"dist",
		FlagAirport,
		FlagWaterbody,
	}
}

// IsFlag reports whether the named column is a 0/1 indicator.
func IsFlag(name string) bool {
	return name == FlagAirport || name == FlagWaterbody
}

// ParseFlag accepts YES/NO as well as numeric and boolean spellings.
func ParseFlag(s string) (float64, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "YES", "Y", "TRUE":
		return 1, nil
	case "NO", "N", "FALSE":
		return 0, nil
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || (v != 0 && v != 1) {
		return 0, fmt.Errorf("invalid flag value %q", s)
	}
	return v, nil
}

// OrderedVector returns f's values in the given column order, which may be
// a permutation or subset of FeatureNames.
func OrderedVector(f HouseFeatures, names []string) ([]float64, error) {
	all := FeatureNames()
	values := FeatureVector(f)
	byName := make(map[string]float64, len(all))
	for i, name := range all {
		byName[name] = values[i]
	}

	out := make([]float64, len(names))
	for i, name := range names {
		v, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("unknown feature %q", name)
		}
		out[i] = v
	}
	return out, nil
}
