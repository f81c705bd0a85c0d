package deid

import "time"

type ageBand struct {
	max   int
	label string
}

var ageBands = []ageBand{
	{17, "0-17"},
	{25, "18-25"},
	{35, "26-35"},
	{45, "36-45"},
	{55, "46-55"},
	{65, "56-65"},
	{75, "66-75"},
	{89, "76-89"},
}

// AgeBucket maps an age in years to its reporting band. Ages of 90 and over
// collapse into "90+".
func AgeBucket(age int) string {
	if age < 0 {
		return ""
	}
	for _, b := range ageBands {
		if age <= b.max {
			return b.label
		}
	}
	return "90+"
}

// AgeAt returns completed years between birth and now.
func AgeAt(birth, now time.Time) int {
	age := now.Year() - birth.Year()
	if now.Month() < birth.Month() || (now.Month() == birth.Month() && now.Day() < birth.Day()) {
		age--
	}
	return age
}

func isBucket(s string) bool {
	if s == "90+" {
		return true
	}
	for _, b := range ageBands {
		if b.label == s {
			return true
		}
	}
	return false
}
